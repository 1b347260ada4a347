// Package observability provides OpenTelemetry tracing for the bridge: one
// span per sealed batch on the reader side and one per commit attempt on
// the writer side.
package observability

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
)

// ServiceName names the traced service.
const ServiceName = "duckbridge"

// Tracer starts spans. A disabled tracer records nothing.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer from configuration. The stdout exporter writes
// to w, or to stdout when w is nil.
func NewTracer(cfg config.TracingConfig, version string, w io.Writer) (*Tracer, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	switch cfg.Exporter {
	case "", "stdout":
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create stdout exporter")
		}
		return NewTracerWithExporter(exporter, cfg.SampleRate, version, false), nil
	case "none":
		return Noop(), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown tracing exporter %q", cfg.Exporter)
	}
}

// NewTracerWithExporter builds a tracer over exporter. sync exports every
// span as it ends instead of batching.
func NewTracerWithExporter(exporter sdktrace.SpanExporter, rate float64, version string, sync bool) *Tracer {
	var sampler sdktrace.Sampler
	switch {
	case rate <= 0:
		sampler = sdktrace.NeverSample()
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	export := sdktrace.WithBatcher(exporter)
	if sync {
		export = sdktrace.WithSyncer(exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		)),
		sdktrace.WithSampler(sampler),
		export,
	)
	return &Tracer{provider: tp, tracer: tp.Tracer(ServiceName)}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer(ServiceName)}
}

// Start starts a span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// End ends span, marking it failed when err is not nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// BatchSeq is the batch sequence number attribute.
func BatchSeq(seq uint64) attribute.KeyValue {
	return attribute.Int64("batch.seq", int64(seq))
}

// Records is the record count attribute.
func Records(n int) attribute.KeyValue {
	return attribute.Int("batch.records", n)
}

// Attempt is the retry attempt attribute.
func Attempt(n int) attribute.KeyValue {
	return attribute.Int("attempt", n)
}
