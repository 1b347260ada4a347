package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/schema"
)

// FakeEngine is an in-memory core.Engine. Tables are keyed by their primary
// key, so re-inserting a row replaces it.
type FakeEngine struct {
	mu          sync.Mutex
	tables      map[string]*fakeTable
	failCommits int
	failInserts int
	gate        chan struct{}
	commits     int
	rollbacks   int
	committed   [][]schema.Row
}

type fakeTable struct {
	columns []schema.Column
	key     []int
	rows    map[string]schema.Row
}

var _ core.Engine = (*FakeEngine)(nil)

// NewFakeEngine returns an empty engine.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{tables: make(map[string]*fakeTable)}
}

// FailCommits makes the next n commits fail with a transaction failure.
func (e *FakeEngine) FailCommits(n int) {
	e.mu.Lock()
	e.failCommits = n
	e.mu.Unlock()
}

// FailInserts makes the next n bulk inserts fail with a transient error.
func (e *FakeEngine) FailInserts(n int) {
	e.mu.Lock()
	e.failInserts = n
	e.mu.Unlock()
}

// Pause makes Begin block until Resume is called.
func (e *FakeEngine) Pause() {
	e.mu.Lock()
	e.gate = make(chan struct{})
	e.mu.Unlock()
}

// Resume releases transactions blocked by Pause.
func (e *FakeEngine) Resume() {
	e.mu.Lock()
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
	e.mu.Unlock()
}

// Prepare implements core.Engine.
func (e *FakeEngine) Prepare(_ context.Context, table string, columns []schema.Column, key []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tables[table]; ok {
		return nil
	}
	t := &fakeTable{columns: columns, rows: make(map[string]schema.Row)}
	for _, k := range key {
		idx := -1
		for i, c := range columns {
			if c.Name == k {
				idx = i
			}
		}
		if idx < 0 {
			return errors.Newf(errors.ErrorTypeConfig, "key column %q not declared", k)
		}
		t.key = append(t.key, idx)
	}
	e.tables[table] = t
	return nil
}

// Begin implements core.Engine.
func (e *FakeEngine) Begin(ctx context.Context) (core.Tx, error) {
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "begin")
		}
	}
	return &fakeTx{engine: e}, nil
}

// Close implements core.Engine.
func (e *FakeEngine) Close() error {
	return nil
}

// Count returns the number of rows in table.
func (e *FakeEngine) Count(table string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

// Rows returns the rows of table ordered by key.
func (e *FakeEngine) Rows(table string) []schema.Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[table]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]schema.Row, len(keys))
	for i, k := range keys {
		out[i] = t.rows[k]
	}
	return out
}

// Lookup returns the row whose key values print as key.
func (e *FakeEngine) Lookup(table string, key ...interface{}) (schema.Row, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[table]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[joinKey(key)]
	return row, ok
}

// Commits returns the number of committed transactions.
func (e *FakeEngine) Commits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commits
}

// Rollbacks returns the number of rolled back transactions.
func (e *FakeEngine) Rollbacks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rollbacks
}

// Committed returns the rows of every committed transaction in commit
// order.
func (e *FakeEngine) Committed() [][]schema.Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]schema.Row(nil), e.committed...)
}

func joinKey(values []interface{}) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\x00")
}

type staged struct {
	table string
	rows  []schema.Row
}

type fakeTx struct {
	engine *FakeEngine
	staged []staged
	done   bool
}

func (tx *fakeTx) BulkInsert(_ context.Context, table string, columns []string, rows []schema.Row) error {
	e := tx.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failInserts > 0 {
		e.failInserts--
		return errors.New(errors.ErrorTypeTransientIO, "injected insert failure")
	}
	t, ok := e.tables[table]
	if !ok {
		return errors.Newf(errors.ErrorTypeTransactionFailure, "table %q does not exist", table)
	}
	if len(columns) != len(t.columns) {
		return errors.Newf(errors.ErrorTypeTransactionFailure, "insert names %d of %d columns", len(columns), len(t.columns))
	}
	tx.staged = append(tx.staged, staged{table: table, rows: rows})
	return nil
}

func (tx *fakeTx) Commit() error {
	e := tx.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.done {
		return errors.New(errors.ErrorTypeTransactionFailure, "transaction already finished")
	}
	if e.failCommits > 0 {
		e.failCommits--
		return errors.New(errors.ErrorTypeTransactionFailure, "injected commit failure")
	}
	tx.done = true

	var all []schema.Row
	for _, s := range tx.staged {
		t := e.tables[s.table]
		for _, row := range s.rows {
			key := make([]interface{}, len(t.key))
			for i, idx := range t.key {
				key[i] = row[idx]
			}
			t.rows[joinKey(key)] = row
		}
		all = append(all, s.rows...)
	}
	e.commits++
	e.committed = append(e.committed, all)
	return nil
}

func (tx *fakeTx) Rollback() error {
	e := tx.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.done = true
	tx.staged = nil
	e.rollbacks++
	return nil
}
