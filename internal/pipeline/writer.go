package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/duckbridge/pkg/checkpoint"
	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/lockfree"
	"github.com/ajitpratap0/duckbridge/pkg/logger"
	"github.com/ajitpratap0/duckbridge/pkg/metrics"
	"github.com/ajitpratap0/duckbridge/pkg/models"
	"github.com/ajitpratap0/duckbridge/pkg/observability"
	"github.com/ajitpratap0/duckbridge/pkg/schema"
)

// maxRejectionSamples bounds the rejections kept for the summary. Every
// rejection is logged.
const maxRejectionSamples = 100

// WriterStats are the writer's counters. They may be read while the writer
// runs.
type WriterStats struct {
	Batches  lockfree.AtomicCounter
	Rows     lockfree.AtomicCounter
	Rejected lockfree.AtomicCounter
	Warnings lockfree.AtomicCounter
	Retries  lockfree.AtomicCounter
	Skipped  lockfree.AtomicCounter
	LastSeq  lockfree.AtomicCounter

	mu      sync.Mutex
	samples []schema.Rejection
}

// Rejections returns the sampled rejections.
func (s *WriterStats) Rejections() []schema.Rejection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Rejection(nil), s.samples...)
}

func (s *WriterStats) sample(rejected []schema.Rejection, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rejected {
		if len(s.samples) >= maxRejectionSamples {
			return
		}
		r.Seq = seq
		s.samples = append(s.samples, r)
	}
}

// Writer is the consuming side of a pipeline.
type Writer struct {
	cfg      *config.Config
	engine   core.Engine
	consumer *Consumer
	mapper   *schema.Mapper
	store    checkpoint.Store
	retry    *RetryPolicy
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   *observability.Tracer
	depth    func() int

	table   string
	columns []string
	last    checkpoint.Checkpoint

	stats WriterStats
}

// WriterOptions carries the optional collaborators of a Writer.
type WriterOptions struct {
	Metrics *metrics.Collector
	Tracer  *observability.Tracer
	Logger  *zap.Logger
	// Depth reports the channel depth for metrics.
	Depth func() int
}

// NewWriter creates a writer. last is the checkpoint the run resumes from;
// batches numbered at or below last.Seq are skipped.
func NewWriter(cfg *config.Config, engine core.Engine, consumer *Consumer, mapper *schema.Mapper,
	store checkpoint.Store, last checkpoint.Checkpoint, opts WriterOptions) *Writer {
	w := &Writer{
		cfg:      cfg,
		engine:   engine,
		consumer: consumer,
		mapper:   mapper,
		store:    store,
		retry:    NewRetryPolicy(cfg),
		logger:   logger.Component(opts.Logger, "writer"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		depth:    opts.Depth,
		table:    mapper.Table().Name,
		last:     last,
	}
	for _, c := range mapper.Columns() {
		w.columns = append(w.columns, c.Name)
	}
	if w.metrics == nil {
		w.metrics = metrics.NewCollector(cfg.Name)
	}
	if w.tracer == nil {
		w.tracer = observability.Noop()
	}
	if w.depth == nil {
		w.depth = func() int { return 0 }
	}
	w.stats.LastSeq.Store(last.Seq)
	return w
}

// Stats returns the live counters.
func (w *Writer) Stats() *WriterStats {
	return &w.stats
}

// Prepare creates the target table when configured to.
func (w *Writer) Prepare(ctx context.Context) error {
	if !w.cfg.Sink.CreateTable {
		return nil
	}
	table := w.mapper.Table()
	return w.retry.Do(ctx, "prepare", w.onRetry("prepare", 0), func(int) error {
		return w.engine.Prepare(ctx, table.Name, w.mapper.Columns(), table.PrimaryKey())
	})
}

// Run lands batches until the channel is closed and drained. ctx aborts
// an in-flight commit; stopping the pipeline does not cancel it.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("writer started",
		logger.Event("start"),
		zap.String("table", w.table),
		zap.Uint64("last_seq", w.last.Seq))

	for {
		b, status := w.consumer.TryPop(w.cfg.PopTimeout())
		switch status {
		case PopClosed:
			w.logger.Info("writer finished",
				logger.Event("finish"),
				zap.Uint64("batches", w.stats.Batches.Get()),
				zap.Uint64("rows", w.stats.Rows.Get()))
			return nil
		case PopEmpty:
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "writer cancelled")
			}
			continue
		case PopBatch:
		}

		w.metrics.SetQueueDepth(w.depth())
		if err := w.land(ctx, b); err != nil {
			return err
		}
	}
}

// land maps one batch, commits it in one transaction and advances the
// checkpoint.
func (w *Writer) land(ctx context.Context, b *models.Batch) error {
	if b.Seq <= w.last.Seq {
		w.stats.Skipped.Increment()
		w.logger.Info("batch already committed, skipping",
			logger.Event("skip"),
			logger.BatchSeq(b.Seq),
			zap.Uint64("checkpoint_seq", w.last.Seq))
		return nil
	}

	res := w.mapper.MapBatch(b.Records)
	for _, warn := range res.Warnings {
		w.logger.Warn("value not stored as typed",
			logger.Event("type_mismatch"),
			logger.BatchSeq(b.Seq),
			zap.Int("record", warn.Index),
			zap.String("field", warn.Field),
			zap.String("reason", warn.Reason))
	}
	w.stats.Warnings.Add(uint64(len(res.Warnings)))
	if res.Partial() {
		for _, rej := range res.Rejected {
			w.logger.Warn("record rejected",
				logger.Event("reject"),
				logger.BatchSeq(b.Seq),
				zap.Int("record", rej.Index),
				zap.String("fingerprint", rej.Fingerprint.String()),
				zap.String("field", rej.Field),
				zap.String("reason", rej.Reason))
		}
		w.stats.Rejected.Add(uint64(len(res.Rejected)))
		w.stats.sample(res.Rejected, b.Seq)
		w.metrics.RecordsRejected(len(res.Rejected))

		if w.mapper.Policy() == schema.PolicyRejectBatch {
			// mapping is deterministic, so a retry would reject again
			return errors.Fatal(res.Err(), "batch rejected by schema mapping").
				WithDetail("batch_seq", b.Seq)
		}
	}

	start := time.Now()
	if len(res.Rows) > 0 {
		err := w.retry.Do(ctx, "commit", w.onRetry("commit", b.Seq), func(attempt int) error {
			return w.commit(ctx, b, res.Rows, attempt)
		})
		if err != nil {
			return err
		}
	}

	cp := checkpoint.Checkpoint{
		Seq:         b.Seq,
		Position:    b.Position,
		CommittedAt: time.Now().UTC(),
		Rows:        w.last.Rows + uint64(len(res.Rows)),
	}
	err := w.retry.Do(ctx, "checkpoint", w.onRetry("checkpoint", b.Seq), func(int) error {
		return w.store.Save(ctx, w.cfg.Name, cp)
	})
	if err != nil {
		return err
	}
	w.last = cp

	w.stats.Batches.Increment()
	w.stats.Rows.Add(uint64(len(res.Rows)))
	w.stats.LastSeq.Store(b.Seq)
	w.metrics.BatchCommitted(len(res.Rows), time.Since(start))
	w.logger.Debug("batch committed",
		logger.Event("commit"),
		logger.BatchSeq(b.Seq),
		zap.Int("rows", len(res.Rows)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// commit runs one transaction attempt. Any failure rolls the whole batch
// back.
func (w *Writer) commit(ctx context.Context, b *models.Batch, rows []schema.Row, attempt int) (err error) {
	ctx, span := w.tracer.Start(ctx, "commit",
		observability.BatchSeq(b.Seq), observability.Records(len(rows)), observability.Attempt(attempt))
	defer func() { observability.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.CommitTimeout())
	defer cancel()

	tx, err := w.engine.Begin(ctx)
	if err != nil {
		return err
	}
	if err = tx.BulkInsert(ctx, w.table, w.columns, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		_ = tx.Rollback()
		return err
	}
	return nil
}

func (w *Writer) onRetry(stage string, seq uint64) RetryFunc {
	return func(attempt int, err error, delay time.Duration) {
		w.stats.Retries.Increment()
		w.metrics.Retry(stage)
		w.logger.Warn(stage+" failed, retrying",
			logger.Event("retry"),
			logger.BatchSeq(seq),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}
