// Package metrics exposes Prometheus metrics of the bridge.
//
// Metrics are registered once on the default registry and labelled by
// pipeline name. Components record through a Collector bound to their
// pipeline:
//
//	c := metrics.NewCollector("orders")
//	c.RecordsRead(len(batch.Records))
//	c.BatchCommitted(rows, time.Since(start))
//
// Serve exposes the registry over HTTP for scraping.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// BatchesCommitted counts batches whose transaction committed.
	BatchesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckbridge_batches_committed_total",
			Help: "Total number of batches committed to the sink",
		},
		[]string{"pipeline"},
	)

	// Records counts records by outcome: read, landed, rejected,
	// suppressed or filtered.
	Records = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckbridge_records_total",
			Help: "Total number of records by outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	// RecordsRejected counts records rejected by the schema mapper.
	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckbridge_records_rejected_total",
			Help: "Total number of records rejected by schema mapping",
		},
		[]string{"pipeline"},
	)

	// RecordsSuppressed counts duplicates suppressed by the dedup index.
	RecordsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckbridge_records_suppressed_total",
			Help: "Total number of unchanged duplicates suppressed",
		},
		[]string{"pipeline"},
	)

	// Retries counts retry attempts by stage (read, commit).
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckbridge_retries_total",
			Help: "Total number of retry attempts",
		},
		[]string{"pipeline", "stage"},
	)

	// QueueDepth is the number of sealed batches waiting in the channel.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duckbridge_queue_depth",
			Help: "Sealed batches waiting between reader and writer",
		},
		[]string{"pipeline"},
	)

	// DedupEntries is the size of the reader's dedup index.
	DedupEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duckbridge_dedup_entries",
			Help: "Fingerprints held by the dedup index",
		},
		[]string{"pipeline"},
	)

	// DedupProbeLength is the mean probe length of the dedup index.
	DedupProbeLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duckbridge_dedup_probe_length",
			Help: "Mean slots visited per dedup index lookup in the current epoch",
		},
		[]string{"pipeline"},
	)

	// PipelineState is the coordinator state as a number:
	// 0 idle, 1 running, 2 draining, 3 stopped, 4 failed.
	PipelineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duckbridge_pipeline_state",
			Help: "Pipeline state (0 idle, 1 running, 2 draining, 3 stopped, 4 failed)",
		},
		[]string{"pipeline"},
	)

	// CommitDuration observes the latency of batch transactions.
	CommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "duckbridge_commit_duration_seconds",
			Help: "Duration of batch transactions in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005,
				0.01,
				0.05,
				0.1,
				0.5,
				1,
				5,
				30,
			},
		},
		[]string{"pipeline"},
	)
)

// Record outcomes.
const (
	OutcomeRead     = "read"
	OutcomeLanded   = "landed"
	OutcomeFiltered = "filtered"
)

// Collector records the metrics of one pipeline. It is safe for concurrent
// use.
type Collector struct {
	pipeline     string
	committed    prometheus.Counter
	read         prometheus.Counter
	landed       prometheus.Counter
	filtered     prometheus.Counter
	rejected     prometheus.Counter
	suppressed   prometheus.Counter
	queueDepth   prometheus.Gauge
	dedupEntries prometheus.Gauge
	dedupProbe   prometheus.Gauge
	state        prometheus.Gauge
	commit       prometheus.Observer
}

// NewCollector binds the metrics to a pipeline name.
func NewCollector(pipeline string) *Collector {
	return &Collector{
		pipeline:     pipeline,
		committed:    BatchesCommitted.WithLabelValues(pipeline),
		read:         Records.WithLabelValues(pipeline, OutcomeRead),
		landed:       Records.WithLabelValues(pipeline, OutcomeLanded),
		filtered:     Records.WithLabelValues(pipeline, OutcomeFiltered),
		rejected:     RecordsRejected.WithLabelValues(pipeline),
		suppressed:   RecordsSuppressed.WithLabelValues(pipeline),
		queueDepth:   QueueDepth.WithLabelValues(pipeline),
		dedupEntries: DedupEntries.WithLabelValues(pipeline),
		dedupProbe:   DedupProbeLength.WithLabelValues(pipeline),
		state:        PipelineState.WithLabelValues(pipeline),
		commit:       CommitDuration.WithLabelValues(pipeline),
	}
}

// Pipeline returns the bound pipeline name.
func (c *Collector) Pipeline() string { return c.pipeline }

// RecordsRead adds n records read from the source.
func (c *Collector) RecordsRead(n int) { c.read.Add(float64(n)) }

// RecordsFiltered adds n records skipped by exclusion rules.
func (c *Collector) RecordsFiltered(n int) { c.filtered.Add(float64(n)) }

// RecordsSuppressed adds n unchanged duplicates.
func (c *Collector) RecordsSuppressed(n int) { c.suppressed.Add(float64(n)) }

// RecordsRejected adds n records rejected by the schema mapper.
func (c *Collector) RecordsRejected(n int) { c.rejected.Add(float64(n)) }

// BatchCommitted records one committed batch of rows.
func (c *Collector) BatchCommitted(rows int, took time.Duration) {
	c.committed.Inc()
	c.landed.Add(float64(rows))
	c.commit.Observe(took.Seconds())
}

// Retry counts one retry attempt of stage.
func (c *Collector) Retry(stage string) {
	Retries.WithLabelValues(c.pipeline, stage).Inc()
}

// SetQueueDepth records the channel depth.
func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// SetDedupEntries records the dedup index size.
func (c *Collector) SetDedupEntries(n int) { c.dedupEntries.Set(float64(n)) }

// SetDedupProbeLength records the dedup index's mean probe length.
func (c *Collector) SetDedupProbeLength(avg float64) { c.dedupProbe.Set(avg) }

// SetState records the pipeline state number.
func (c *Collector) SetState(state int) { c.state.Set(float64(state)) }

// Timer measures an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// Handler returns the scrape handler of the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes the metrics at addr and path until ctx is done.
func Serve(ctx context.Context, addr, path string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("address", addr), zap.String("path", path))
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		<-done
		return nil
	}
	return err
}
