// Package lockfree provides lock-free data structures for the bridge's
// producer/consumer hand-off.
package lockfree

import (
	"sync/atomic"

	"github.com/ajitpratap0/duckbridge/pkg/errors"
)

// SPSC is a bounded lock-free single-producer single-consumer ring.
//
// Positions grow monotonically and are masked into a power-of-two buffer,
// while the logical capacity stays exactly what the caller asked for.
// Exactly one goroutine may call TryEnqueue and exactly one may call
// TryDequeue. Concurrent calls from the same side are detected and treated
// as an invariant violation.
type SPSC[T any] struct {
	// Separate head and tail on different cache lines to avoid false sharing
	head      atomic.Uint64
	_padding1 [7]uint64 //nolint:unused

	tail      atomic.Uint64
	_padding2 [7]uint64 //nolint:unused

	// in-flight guards for each side
	pushing   atomic.Bool
	_padding3 [7]uint64 //nolint:unused
	popping   atomic.Bool
	_padding4 [7]uint64 //nolint:unused

	buffer   []T
	capacity uint64
	mask     uint64
}

// NewSPSC creates a ring that holds at most capacity items.
func NewSPSC[T any](capacity int) *SPSC[T] {
	if capacity < 1 {
		capacity = 1
	}

	// Round up to next power of 2
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}

	return &SPSC[T]{
		buffer:   make([]T, size),
		capacity: uint64(capacity),
		mask:     size - 1,
	}
}

// TryEnqueue stores item and returns true, or returns false if the ring is full.
func (q *SPSC[T]) TryEnqueue(item T) bool {
	if !q.pushing.CompareAndSwap(false, true) {
		errors.Invariant("lockfree: concurrent TryEnqueue on single-producer ring")
	}
	defer q.pushing.Store(false)

	tail := q.tail.Load()
	if tail-q.head.Load() >= q.capacity {
		return false
	}

	q.buffer[tail&q.mask] = item
	// Publishing the new tail makes the slot visible to the consumer
	q.tail.Store(tail + 1)
	return true
}

// TryDequeue removes the oldest item. It returns false if the ring is empty.
func (q *SPSC[T]) TryDequeue() (T, bool) {
	var zero T
	if !q.popping.CompareAndSwap(false, true) {
		errors.Invariant("lockfree: concurrent TryDequeue on single-consumer ring")
	}
	defer q.popping.Store(false)

	head := q.head.Load()
	if head == q.tail.Load() {
		return zero, false
	}

	idx := head & q.mask
	item := q.buffer[idx]
	// Clear the slot so the ring does not pin the item
	q.buffer[idx] = zero
	q.head.Store(head + 1)
	return item, true
}

// Len returns the number of queued items.
// This is an approximation in concurrent scenarios.
func (q *SPSC[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the logical capacity.
func (q *SPSC[T]) Cap() int {
	return int(q.capacity)
}

// IsEmpty returns true if the ring is empty.
func (q *SPSC[T]) IsEmpty() bool {
	return q.head.Load() == q.tail.Load()
}

// IsFull returns true if the ring is full.
func (q *SPSC[T]) IsFull() bool {
	return q.tail.Load()-q.head.Load() >= q.capacity
}

// AtomicCounter provides a lock-free counter for statistics.
type AtomicCounter struct {
	value atomic.Uint64
}

// Increment atomically increments the counter by one.
func (c *AtomicCounter) Increment() {
	c.value.Add(1)
}

// Add atomically adds the given delta value to the counter.
func (c *AtomicCounter) Add(delta uint64) {
	c.value.Add(delta)
}

// Store atomically sets the counter.
func (c *AtomicCounter) Store(v uint64) {
	c.value.Store(v)
}

// Get returns the current value of the counter atomically.
func (c *AtomicCounter) Get() uint64 {
	return c.value.Load()
}
