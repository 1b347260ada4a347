package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/lockfree"
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

// PushResult is the outcome of Producer.TryPush.
type PushResult int

const (
	// PushAccepted means the batch is queued and now belongs to the consumer.
	PushAccepted PushResult = iota
	// PushFull means the channel stayed full for the whole timeout.
	PushFull
	// PushClosed means the channel is closed; the batch was not queued.
	PushClosed
)

func (r PushResult) String() string {
	switch r {
	case PushAccepted:
		return "accepted"
	case PushFull:
		return "full"
	case PushClosed:
		return "closed"
	}
	return "unknown"
}

// PopStatus is the outcome of Consumer.TryPop.
type PopStatus int

const (
	// PopBatch means a batch was returned.
	PopBatch PopStatus = iota
	// PopEmpty means nothing arrived within the timeout.
	PopEmpty
	// PopClosed means the channel is closed and fully drained.
	PopClosed
)

func (s PopStatus) String() string {
	switch s {
	case PopBatch:
		return "batch"
	case PopEmpty:
		return "empty"
	case PopClosed:
		return "closed"
	}
	return "unknown"
}

// Channel is a bounded single-producer single-consumer queue of sealed
// batches. The only way to push is through the one Producer handle and the
// only way to pop is through the one Consumer handle; each can be claimed
// once.
type Channel struct {
	ring *lockfree.SPSC[*models.Batch]

	producerClaimed atomic.Bool
	consumerClaimed atomic.Bool

	// notEmpty and notFull carry at most one pending wakeup each
	notEmpty chan struct{}
	notFull  chan struct{}

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel creates a channel holding at most capacity batches.
func NewChannel(capacity int) (*Channel, error) {
	if capacity < 1 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "channel capacity must be positive, got %d", capacity)
	}
	return &Channel{
		ring:     lockfree.NewSPSC[*models.Batch](capacity),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Producer claims the producing side. A second claim fails.
func (c *Channel) Producer() (*Producer, error) {
	if !c.producerClaimed.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrorTypeInvariantViolation, "channel already has a producer")
	}
	return &Producer{ch: c}, nil
}

// Consumer claims the consuming side. A second claim fails.
func (c *Channel) Consumer() (*Consumer, error) {
	if !c.consumerClaimed.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrorTypeInvariantViolation, "channel already has a consumer")
	}
	return &Consumer{ch: c}, nil
}

// Close closes the channel. It is idempotent and wakes every blocked
// waiter. Batches already queued can still be popped.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// IsClosed reports whether Close was called.
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// Len returns the number of queued batches.
func (c *Channel) Len() int {
	return c.ring.Len()
}

// Cap returns the capacity.
func (c *Channel) Cap() int {
	return c.ring.Cap()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Producer is the single pushing handle of a Channel.
type Producer struct {
	ch *Channel
}

// TryPush queues b, waiting up to timeout for room. On PushAccepted the
// caller must not touch b again.
func (p *Producer) TryPush(b *models.Batch, timeout time.Duration) PushResult {
	c := p.ch
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if c.closed.Load() {
			return PushClosed
		}
		if c.ring.TryEnqueue(b) {
			signal(c.notEmpty)
			return PushAccepted
		}
		if timeout <= 0 {
			return PushFull
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-c.notFull:
		case <-c.done:
			return PushClosed
		case <-timer.C:
			if c.ring.TryEnqueue(b) {
				signal(c.notEmpty)
				return PushAccepted
			}
			return PushFull
		}
	}
}

// Consumer is the single popping handle of a Channel.
type Consumer struct {
	ch *Channel
}

// TryPop returns the oldest batch, waiting up to timeout for one. After
// Close it keeps returning queued batches and then PopClosed.
func (cn *Consumer) TryPop(timeout time.Duration) (*models.Batch, PopStatus) {
	c := cn.ch
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		// closed is read before the ring so a push that preceded Close is
		// never missed
		closed := c.closed.Load()
		if b, ok := c.ring.TryDequeue(); ok {
			signal(c.notFull)
			return b, PopBatch
		}
		if closed {
			return nil, PopClosed
		}
		if timeout <= 0 {
			return nil, PopEmpty
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-c.notEmpty:
		case <-c.done:
			// loop once more to drain what is queued
		case <-timer.C:
			if b, ok := c.ring.TryDequeue(); ok {
				signal(c.notFull)
				return b, PopBatch
			}
			return nil, PopEmpty
		}
	}
}
