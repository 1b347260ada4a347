package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/lockfree"
	"github.com/ajitpratap0/duckbridge/pkg/logger"
	"github.com/ajitpratap0/duckbridge/pkg/metrics"
	"github.com/ajitpratap0/duckbridge/pkg/models"
	"github.com/ajitpratap0/duckbridge/pkg/ngram"
	"github.com/ajitpratap0/duckbridge/pkg/observability"
)

// ReaderStats are the reader's counters. They may be read while the reader
// runs.
type ReaderStats struct {
	Read       lockfree.AtomicCounter
	Filtered   lockfree.AtomicCounter
	Suppressed lockfree.AtomicCounter
	Emitted    lockfree.AtomicCounter
	Batches    lockfree.AtomicCounter
	Reopens    lockfree.AtomicCounter
}

// Reader is the producing side of a pipeline.
type Reader struct {
	cfg      *config.Config
	source   core.Source
	producer *Producer
	dedup    *Dedup
	expander *ngram.Expander
	retry    *RetryPolicy
	identity []string
	exclude  []exclusion
	logger   *zap.Logger
	metrics  *metrics.Collector
	tracer   *observability.Tracer
	depth    func() int

	nextSeq  uint64
	position []byte

	batch    *models.Batch
	inBatch  map[models.Fingerprint]int
	openedAt time.Time
	// committedPos is the position after the last fully consumed document
	committedPos []byte

	stats ReaderStats
}

type exclusion struct {
	path   string
	values []models.Value
}

// ReaderOptions carries the collaborators of a Reader.
type ReaderOptions struct {
	Expander *ngram.Expander
	Metrics  *metrics.Collector
	Tracer   *observability.Tracer
	Logger   *zap.Logger
	// Depth reports the channel depth for metrics.
	Depth func() int
}

// NewReader creates a reader that resumes after position and numbers its
// first batch nextSeq.
func NewReader(cfg *config.Config, source core.Source, producer *Producer, dedup *Dedup,
	position []byte, nextSeq uint64, opts ReaderOptions) *Reader {
	r := &Reader{
		cfg:      cfg,
		source:   source,
		producer: producer,
		dedup:    dedup,
		expander: opts.Expander,
		retry:    NewRetryPolicy(cfg),
		identity: IdentityFields(cfg, opts.Expander != nil),
		logger:   logger.Component(opts.Logger, "reader"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		depth:    opts.Depth,
		nextSeq:  nextSeq,
		position: position,
		inBatch:  make(map[models.Fingerprint]int, cfg.BatchSize),
	}
	if r.metrics == nil {
		r.metrics = metrics.NewCollector(cfg.Name)
	}
	if r.tracer == nil {
		r.tracer = observability.Noop()
	}
	if r.depth == nil {
		r.depth = func() int { return 0 }
	}
	for _, ex := range cfg.Source.Exclude {
		e := exclusion{path: ex.Path}
		for _, v := range ex.Values {
			e.values = append(e.values, models.ToValue(v))
		}
		r.exclude = append(r.exclude, e)
	}
	r.committedPos = position
	return r
}

// IdentityFields returns the fields whose fingerprint identifies a record:
// the target table key, or the n-gram identity when expanding. Empty means
// the whole content identifies the record.
func IdentityFields(cfg *config.Config, expanding bool) []string {
	if expanding {
		return ngram.IdentityFields
	}
	return cfg.Schema.Key
}

// Stats returns the live counters.
func (r *Reader) Stats() *ReaderStats {
	return &r.stats
}

// Run reads until the source is exhausted, stop is closed, or an error
// cannot be recovered. On exhaustion and on stop the open batch is sealed
// and pushed before Run returns nil. Run never closes the channel.
func (r *Reader) Run(ctx context.Context, stop <-chan struct{}) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-readCtx.Done():
		}
	}()

	r.logger.Info("reader started",
		logger.Event("start"),
		zap.Uint64("next_seq", r.nextSeq),
		zap.Bool("resumed", r.position != nil))

	cursor, err := r.open(readCtx)
	if err != nil {
		return r.finish(ctx, stop, err)
	}
	defer func() {
		if cursor != nil {
			_ = cursor.Close(context.Background())
		}
	}()

	failures := 0
	for {
		doc, err := cursor.Next(readCtx)
		if err == nil {
			failures = 0
			r.position = cursor.Position()
			if err := r.consume(ctx, doc); err != nil {
				return err
			}
			if r.batch != nil && time.Since(r.openedAt) >= r.cfg.FlushInterval() {
				if err := r.seal(ctx); err != nil {
					return err
				}
			}
			continue
		}

		switch {
		case errors.Is(err, core.ErrEndOfStream):
			r.logger.Info("source exhausted", logger.Event("end_of_stream"))
			return r.finish(ctx, stop, nil)

		case errors.IsType(err, errors.ErrorTypeTimeout):
			// idle source: flush the open batch once it is old enough
			if r.batch != nil && time.Since(r.openedAt) >= r.cfg.FlushInterval() {
				if err := r.seal(ctx); err != nil {
					return err
				}
			}

		case readCtx.Err() != nil:
			return r.finish(ctx, stop, nil)

		case Classify(err) == Retry:
			failures++
			_ = cursor.Close(context.Background())
			cursor = nil
			next, err := r.reopen(readCtx, err, &failures)
			if err != nil {
				return r.finish(ctx, stop, err)
			}
			cursor = next

		default:
			return errors.Fatal(err, "source read failed")
		}
	}
}

// reopen opens a new cursor after the last consumed document, spending
// the retry budget on consecutive failures.
func (r *Reader) reopen(ctx context.Context, cause error, failures *int) (core.Cursor, error) {
	for {
		if *failures > r.retry.MaxRetries {
			return nil, errors.Fatal(cause, "source read failed after retries")
		}
		delay := r.retry.Delay(*failures - 1)
		r.metrics.Retry("read")
		r.stats.Reopens.Increment()
		r.logger.Warn("source read failed, reopening cursor",
			logger.Event("retry"),
			zap.Int("attempt", *failures),
			zap.Duration("delay", delay),
			zap.Error(cause))
		if err := Sleep(ctx, delay); err != nil {
			return nil, err
		}

		cursor, err := r.source.Open(ctx, r.position)
		if err == nil {
			return cursor, nil
		}
		if Classify(err) != Retry {
			return nil, err
		}
		cause = err
		*failures++
	}
}

func (r *Reader) open(ctx context.Context) (core.Cursor, error) {
	cursor, err := r.source.Open(ctx, r.position)
	if err == nil {
		return cursor, nil
	}
	if Classify(err) != Retry {
		return nil, err
	}
	failures := 1
	return r.reopen(ctx, err, &failures)
}

// finish seals and pushes the open batch unless the pipeline is aborting.
// A cancellation caused by stop is not an error.
func (r *Reader) finish(ctx context.Context, stop <-chan struct{}, err error) error {
	stopped := false
	select {
	case <-stop:
		stopped = true
	default:
	}
	if err != nil && !(stopped && errors.IsType(err, errors.ErrorTypeCancelled)) {
		return err
	}
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "reader cancelled")
	}
	if r.batch != nil {
		if err := r.seal(ctx); err != nil {
			return err
		}
	}
	r.logger.Info("reader finished",
		logger.Event("finish"),
		zap.Bool("stopped", stopped),
		zap.Uint64("read", r.stats.Read.Get()),
		zap.Uint64("batches", r.stats.Batches.Get()))
	return nil
}

// consume turns one document into records and adds them to the open batch.
func (r *Reader) consume(ctx context.Context, doc models.Document) error {
	r.stats.Read.Increment()
	r.metrics.RecordsRead(1)

	if r.excluded(doc) {
		r.stats.Filtered.Increment()
		r.metrics.RecordsFiltered(1)
		r.documentDone()
		return nil
	}

	rec := models.Normalize(doc, r.cfg.NestedPolicy, r.cfg.Source.Fields)
	records := []*models.Record{rec}
	if r.expander != nil {
		var err error
		records, err = r.expander.Expand(rec)
		if err != nil {
			r.stats.Filtered.Increment()
			r.metrics.RecordsFiltered(1)
			r.logger.Warn("document skipped", logger.Event("skip"), zap.Error(err))
			r.documentDone()
			return nil
		}
	}

	if r.batch == nil {
		r.openBatch()
	}
	r.batch.Read++

	last := len(records) - 1
	for i, rec := range records {
		rec.Fingerprint = models.IdentityFingerprint(rec, r.identity)
		out, outcome := r.dedup.Upsert(rec)
		if outcome == Unchanged {
			r.stats.Suppressed.Increment()
			r.metrics.RecordsSuppressed(1)
			continue
		}
		r.add(out)

		if r.batch.Len() >= r.cfg.BatchSize && i < last {
			// sealing mid-document: the batch ends at the previous document
			if err := r.sealAt(ctx, r.committedPos); err != nil {
				return err
			}
			r.openBatch()
		}
	}
	r.documentDone()
	if r.batch.Len() == 0 && r.batch.Read == 0 {
		r.batch = nil
		return nil
	}
	if r.batch.Len() >= r.cfg.BatchSize {
		return r.seal(ctx)
	}
	return nil
}

func (r *Reader) documentDone() {
	r.committedPos = r.position
	if r.batch != nil {
		r.batch.Position = r.position
	}
}

func (r *Reader) excluded(doc models.Document) bool {
	for _, ex := range r.exclude {
		raw, ok := doc.Lookup(ex.path)
		if !ok {
			continue
		}
		v := models.ToValue(raw)
		for _, want := range ex.values {
			if v.Equal(want) {
				return true
			}
		}
	}
	return false
}

func (r *Reader) openBatch() {
	r.batch = &models.Batch{
		Records:  make([]*models.Record, 0, r.cfg.BatchSize),
		Position: r.committedPos,
	}
	r.openedAt = time.Now()
	for k := range r.inBatch {
		delete(r.inBatch, k)
	}
}

// add appends rec, replacing an earlier record of the same identity so a
// batch never holds one key twice.
func (r *Reader) add(rec *models.Record) {
	r.stats.Emitted.Increment()
	if i, ok := r.inBatch[rec.Fingerprint]; ok {
		r.batch.Records[i] = rec
		return
	}
	r.inBatch[rec.Fingerprint] = len(r.batch.Records)
	r.batch.Records = append(r.batch.Records, rec)
}

func (r *Reader) seal(ctx context.Context) error {
	return r.sealAt(ctx, r.batch.Position)
}

// sealAt numbers the open batch, ends it at position and pushes it,
// blocking while the channel is full.
func (r *Reader) sealAt(ctx context.Context, position []byte) error {
	b := r.batch
	r.batch = nil
	b.Seq = r.nextSeq
	b.Position = position
	b.SealedAt = time.Now()
	r.nextSeq++

	_, span := r.tracer.Start(ctx, "seal", observability.BatchSeq(b.Seq), observability.Records(b.Len()))
	err := r.push(ctx, b)
	observability.End(span, err)
	if err != nil {
		return err
	}

	r.stats.Batches.Increment()
	r.metrics.SetQueueDepth(r.depth())
	r.metrics.SetDedupEntries(r.dedup.Len())
	r.metrics.SetDedupProbeLength(r.dedup.AvgProbe())
	r.logger.Debug("batch sealed",
		logger.Event("seal"),
		logger.BatchSeq(b.Seq),
		zap.Int("records", b.Len()),
		zap.Int("read", b.Read))
	return nil
}

func (r *Reader) push(ctx context.Context, b *models.Batch) error {
	for {
		switch r.producer.TryPush(b, r.cfg.PushTimeout()) {
		case PushAccepted:
			return nil
		case PushClosed:
			return errors.New(errors.ErrorTypeCancelled, "channel closed, batch not delivered")
		case PushFull:
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "push cancelled")
			}
			r.logger.Warn("channel full, waiting for writer",
				logger.Event("backpressure"),
				logger.BatchSeq(b.Seq),
				zap.Duration("timeout", r.cfg.PushTimeout()))
		}
	}
}
