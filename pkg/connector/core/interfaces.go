// Package core defines the narrow interfaces the pipeline uses to talk to the
// operational store and the analytical engine.
package core

import (
	"context"
	stderrors "errors"

	"github.com/ajitpratap0/duckbridge/pkg/models"
	"github.com/ajitpratap0/duckbridge/pkg/schema"
)

// ErrEndOfStream is returned by Cursor.Next when a finite source is exhausted.
var ErrEndOfStream = stderrors.New("end of stream")

// Source opens cursors over the operational store.
type Source interface {
	// Open returns a cursor that yields documents after position. A nil
	// position starts from the beginning of the source.
	Open(ctx context.Context, position []byte) (Cursor, error)
	Close(ctx context.Context) error
}

// Cursor is a lazy, finite or infinite sequence of documents.
//
// Next blocks until a document is available, the stream ends
// (ErrEndOfStream), ctx is done, or the cursor's poll interval elapses with
// nothing to return (an errors.ErrorTypeTimeout error). The cursor stays
// usable after a timeout. Connectivity failures are
// errors.ErrorTypeTransientIO; the caller reopens the source from the last
// position it consumed.
type Cursor interface {
	Next(ctx context.Context) (models.Document, error)
	// Position returns the opaque resume token of the document last
	// returned by Next, or nil before the first document.
	Position() []byte
	Close(ctx context.Context) error
}

// Engine is the analytical engine the writer lands batches in.
type Engine interface {
	// Prepare creates the target table when it does not exist. key is the
	// table's primary key; re-inserting a row with an existing key replaces it.
	Prepare(ctx context.Context, table string, columns []schema.Column, key []string) error
	// Begin starts the transaction of one batch.
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one batch transaction. BulkInsert is atomic within it: after a
// failed BulkInsert or Commit the caller must Rollback.
type Tx interface {
	BulkInsert(ctx context.Context, table string, columns []string, rows []schema.Row) error
	Commit() error
	Rollback() error
}
