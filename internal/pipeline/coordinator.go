package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/duckbridge/pkg/checkpoint"
	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/logger"
	"github.com/ajitpratap0/duckbridge/pkg/metrics"
	"github.com/ajitpratap0/duckbridge/pkg/ngram"
	"github.com/ajitpratap0/duckbridge/pkg/observability"
	"github.com/ajitpratap0/duckbridge/pkg/schema"
)

// State is the lifecycle state of a pipeline.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options carries the collaborators of a Coordinator. Source, Engine and
// Logger are required.
type Options struct {
	Source      core.Source
	Engine      core.Engine
	Checkpoints checkpoint.Store
	Expander    *ngram.Expander
	Logger      *zap.Logger
	Metrics     *metrics.Collector
	Tracer      *observability.Tracer
}

// Coordinator owns one run of a pipeline: the channel, the reader and
// writer goroutines and the state machine. A coordinator runs once.
type Coordinator struct {
	cfg     *config.Config
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Collector

	ch     *Channel
	mapper *schema.Mapper
	reader *Reader
	writer *Writer

	state     atomic.Int32
	mu        sync.Mutex
	err       error
	resumed   checkpoint.Checkpoint
	startedAt time.Time
	endedAt   time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// cancelRead aborts source reads once the pipeline fails
	cancelRead context.CancelFunc
}

// New validates the wiring of a pipeline. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Coordinator, error) {
	if opts.Source == nil || opts.Engine == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "pipeline needs a source and an engine")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = checkpoint.NewMemoryStore()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(cfg.Name)
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.Noop()
	}

	mapper, err := schema.NewMapper(cfg.Schema, cfg.OnTypeMismatch)
	if err != nil {
		return nil, err
	}
	ch, err := NewChannel(cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:     cfg,
		opts:    opts,
		logger:  logger.Component(opts.Logger.With(zap.String("pipeline", cfg.Name)), "coordinator"),
		metrics: opts.Metrics,
		ch:      ch,
		mapper:  mapper,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.metrics.SetState(int(StateIdle))
	return c, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.metrics.SetState(int(to))
	c.logger.Info("pipeline state changed",
		logger.Event("state"),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	return true
}

// Start loads the checkpoint, prepares the target table and launches the
// reader and writer. It fails unless the coordinator is Idle.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.transition(StateIdle, StateRunning) {
		return errors.Newf(errors.ErrorTypeInvariantViolation, "cannot start a %s pipeline", c.State())
	}
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	if err := c.setup(ctx); err != nil {
		c.fail(err)
		c.finish()
		return err
	}

	readCtx, cancelRead := context.WithCancel(ctx)
	c.cancelRead = cancelRead

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer c.reportPanic("reader")
		err := c.reader.Run(readCtx, c.stop)
		if err != nil {
			c.fail(err)
		}
		// the reader pushes nothing after Run returns
		c.ch.Close()
	}()
	go func() {
		defer wg.Done()
		defer c.reportPanic("writer")
		if err := c.writer.Run(ctx); err != nil {
			c.fail(err)
		}
	}()
	go func() {
		wg.Wait()
		cancelRead()
		c.finish()
	}()
	return nil
}

func (c *Coordinator) setup(ctx context.Context) error {
	cp, found, err := c.opts.Checkpoints.Load(ctx, c.cfg.Name)
	if err != nil {
		return err
	}
	position := cp.Position
	if found {
		c.resumed = cp
		c.logger.Info("resuming from checkpoint",
			logger.Event("resume"),
			logger.BatchSeq(cp.Seq),
			zap.Time("committed_at", cp.CommittedAt))
	}
	if c.cfg.DedupMode == config.DedupMerge {
		// merged totals live only in memory, so a merge run rebuilds them
		// from the start of the source
		position = nil
	}

	producer, err := c.ch.Producer()
	if err != nil {
		return err
	}
	consumer, err := c.ch.Consumer()
	if err != nil {
		return err
	}

	expanding := c.opts.Expander != nil
	dedup := NewDedup(c.cfg.DedupMode, c.cfg.MergeFunction,
		IdentityFields(c.cfg, expanding), c.cfg.DedupMaxEntries, c.cfg.BatchSize)

	c.reader = NewReader(c.cfg, c.opts.Source, producer, dedup, position, cp.Seq+1, ReaderOptions{
		Expander: c.opts.Expander,
		Metrics:  c.metrics,
		Tracer:   c.opts.Tracer,
		Logger:   c.opts.Logger,
		Depth:    c.ch.Len,
	})
	c.writer = NewWriter(c.cfg, c.opts.Engine, consumer, c.mapper, c.opts.Checkpoints, cp, WriterOptions{
		Metrics: c.metrics,
		Tracer:  c.opts.Tracer,
		Logger:  c.opts.Logger,
		Depth:   c.ch.Len,
	})
	return c.writer.Prepare(ctx)
}

// Stop requests a drain: the reader seals its open batch and stops, and
// the writer commits every queued batch. Stop returns immediately; use
// Wait to block until the pipeline is Stopped. Stop does nothing unless
// the pipeline is Running.
func (c *Coordinator) Stop() {
	if !c.transition(StateRunning, StateDraining) {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
}

// fail records the first unrecoverable error, moves to Failed, closes the
// channel and stops the reader. The writer finishes its in-flight batch
// and drains what is queued.
func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.mu.Unlock()
	if !first {
		return
	}

	for {
		s := c.State()
		if s.Terminal() || c.transition(s, StateFailed) {
			break
		}
	}
	c.logger.Error("pipeline failed",
		logger.Event("fail"),
		zap.String("error_type", string(errors.TypeOf(err))),
		zap.Error(err))
	c.ch.Close()
	if c.cancelRead != nil {
		c.cancelRead()
	}
}

// reportPanic logs an invariant violation with the stack where it was
// raised, then re-panics so the process still aborts.
func (c *Coordinator) reportPanic(stage string) {
	r := recover()
	if r == nil {
		return
	}
	if err, ok := r.(error); ok {
		var e *errors.Error
		if errors.As(err, &e) && e.Type == errors.ErrorTypeInvariantViolation {
			c.logger.Error("invariant violated",
				logger.Event("invariant"),
				zap.String("stage", stage),
				zap.String("error_type", string(e.Type)),
				zap.String("stack", e.StackString()),
				zap.Error(e))
			_ = c.logger.Sync()
		}
	}
	panic(r)
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	c.endedAt = time.Now()
	c.mu.Unlock()
	for {
		s := c.State()
		if s.Terminal() || c.transition(s, StateStopped) {
			break
		}
	}
	close(c.done)
}

// Done is closed once the pipeline reached a terminal state.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the pipeline is terminal and returns its failure, if
// any. A done ctx stops waiting, not the pipeline.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "wait cancelled")
	}
}

// Err returns the failure reason, or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
