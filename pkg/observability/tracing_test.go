package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
)

func TestSpansAreExported(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tr := NewTracerWithExporter(exporter, 1, "test", true)

	_, span := tr.Start(context.Background(), "commit", BatchSeq(7), Records(3), Attempt(1))
	End(span, nil)
	_, span = tr.Start(context.Background(), "commit", BatchSeq(8))
	End(span, errors.New(errors.ErrorTypeTransactionFailure, "boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "commit", spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestNeverSample(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tr := NewTracerWithExporter(exporter, 0, "test", true)
	_, span := tr.Start(context.Background(), "seal")
	End(span, nil)
	assert.Empty(t, exporter.GetSpans())
}

func TestNewTracer(t *testing.T) {
	tr, err := NewTracer(config.TracingConfig{}, "test", nil)
	require.NoError(t, err)
	assert.Nil(t, tr.provider)

	var buf bytes.Buffer
	tr, err = NewTracer(config.TracingConfig{Enabled: true, Exporter: "stdout", SampleRate: 1}, "test", &buf)
	require.NoError(t, err)
	_, span := tr.Start(context.Background(), "seal")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"seal"`)

	_, err = NewTracer(config.TracingConfig{Enabled: true, Exporter: "jaeger"}, "test", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
