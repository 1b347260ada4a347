package testutil

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

// FakeSource is an in-memory core.Source over a growing list of documents.
// Positions are document indexes, so a reopened cursor resumes after the
// last consumed document.
type FakeSource struct {
	mu     sync.Mutex
	docs   []models.Document
	fails  map[int]int
	live   bool
	poll   time.Duration
	opened atomic.Int32
	closed atomic.Bool
}

var _ core.Source = (*FakeSource)(nil)

// NewFakeSource returns a finite source over docs.
func NewFakeSource(docs ...models.Document) *FakeSource {
	return &FakeSource{docs: docs, fails: make(map[int]int), poll: 5 * time.Millisecond}
}

// Live makes the source infinite: an exhausted cursor reports timeouts
// until more documents are appended.
func (s *FakeSource) Live() *FakeSource {
	s.live = true
	return s
}

// Append adds documents to the stream.
func (s *FakeSource) Append(docs ...models.Document) {
	s.mu.Lock()
	s.docs = append(s.docs, docs...)
	s.mu.Unlock()
}

// FailAt makes reading document index fail with a transient error the
// next times attempts.
func (s *FakeSource) FailAt(index, times int) {
	s.mu.Lock()
	s.fails[index] = times
	s.mu.Unlock()
}

// Opens returns how many cursors were opened.
func (s *FakeSource) Opens() int {
	return int(s.opened.Load())
}

// Closed reports whether Close was called.
func (s *FakeSource) Closed() bool {
	return s.closed.Load()
}

// Open implements core.Source.
func (s *FakeSource) Open(_ context.Context, position []byte) (core.Cursor, error) {
	next := 0
	if position != nil {
		last, err := strconv.Atoi(string(position))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "bad fake position")
		}
		next = last + 1
	}
	s.opened.Add(1)
	return &fakeCursor{src: s, next: next, last: -1}, nil
}

// Close implements core.Source.
func (s *FakeSource) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

type fakeCursor struct {
	src  *FakeSource
	next int
	last int
}

func (c *fakeCursor) Next(ctx context.Context) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "fake cursor")
	}

	s := c.src
	s.mu.Lock()
	if n := s.fails[c.next]; n > 0 {
		s.fails[c.next] = n - 1
		s.mu.Unlock()
		return nil, errors.Newf(errors.ErrorTypeTransientIO, "injected failure at document %d", c.next)
	}
	if c.next < len(s.docs) {
		doc := s.docs[c.next]
		s.mu.Unlock()
		c.last = c.next
		c.next++
		return doc, nil
	}
	live, poll := s.live, s.poll
	s.mu.Unlock()

	if !live {
		return nil, core.ErrEndOfStream
	}
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "fake cursor")
	case <-time.After(poll):
	}
	return nil, errors.New(errors.ErrorTypeTimeout, "no document within poll interval")
}

func (c *fakeCursor) Position() []byte {
	if c.last < 0 {
		return nil
	}
	return []byte(strconv.Itoa(c.last))
}

func (c *fakeCursor) Close(context.Context) error {
	return nil
}

// Doc builds a document from alternating keys and values.
func Doc(kv ...interface{}) models.Document {
	doc := make(models.Document, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		doc = append(doc, models.Entry{Key: kv[i].(string), Value: kv[i+1]})
	}
	return doc
}
