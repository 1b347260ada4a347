// Package duckdb implements the DuckDB sink engine.
//
// The target table's primary key is the record identity, and rows are
// landed with INSERT OR REPLACE, so re-landing a batch after a crash
// replaces rows instead of duplicating them.
package duckdb

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/marcboeker/go-duckdb" // registers the "duckdb" driver
	"go.uber.org/zap"

	"github.com/ajitpratap0/duckbridge/pkg/connector/core"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/schema"
	pooled "github.com/ajitpratap0/duckbridge/pkg/strings"
)

// maxParams bounds the placeholders of one statement.
const maxParams = 32767

// Engine is a DuckDB database used as the analytical engine.
type Engine struct {
	db     *sql.DB
	path   string
	chunk  int
	logger *zap.Logger
}

var _ core.Engine = (*Engine)(nil)

// Open opens or creates the database at path. An empty path opens an
// in-memory database. chunk caps the rows of one INSERT statement.
func Open(ctx context.Context, path string, chunk int, logger *zap.Logger) (*Engine, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to open DuckDB")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to connect to DuckDB")
	}
	if chunk <= 0 {
		chunk = 500
	}
	logger = logger.With(zap.String("connector", "duckdb"))
	logger.Info("opened DuckDB", zap.String("path", displayPath(path)))
	return &Engine{db: db, path: path, chunk: chunk, logger: logger}, nil
}

func displayPath(path string) string {
	if path == "" {
		return ":memory:"
	}
	return path
}

// DB exposes the underlying handle for inspection queries.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Prepare implements core.Engine.
func (e *Engine) Prepare(ctx context.Context, table string, columns []schema.Column, key []string) error {
	ddl := CreateTableSQL(table, columns, key)
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to create table "+table).
			WithDetail("ddl", ddl)
	}
	e.logger.Debug("target table ready", zap.String("table", table), zap.Strings("key", key))
	return nil
}

// CreateView creates or replaces the view name over query.
func (e *Engine) CreateView(ctx context.Context, name, query string) error {
	ddl := "CREATE OR REPLACE VIEW " + quoteIdent(name) + " AS " + query
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to create view "+name).
			WithDetail("ddl", ddl)
	}
	e.logger.Debug("view ready", zap.String("view", name))
	return nil
}

// Begin implements core.Engine.
func (e *Engine) Begin(ctx context.Context) (core.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(ctx, err, "failed to begin transaction")
	}
	return &txn{tx: tx, chunk: e.chunk}, nil
}

// Count returns the number of rows in table.
func (e *Engine) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := e.db.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(table)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeTransientIO, "failed to count rows")
	}
	return n, nil
}

// Close implements core.Engine.
func (e *Engine) Close() error {
	return e.db.Close()
}

type txn struct {
	tx    *sql.Tx
	chunk int
}

// BulkInsert implements core.Tx. Rows are sent as multi-row INSERT OR
// REPLACE statements of at most chunk rows.
func (t *txn) BulkInsert(ctx context.Context, table string, columns []string, rows []schema.Row) error {
	if len(rows) == 0 {
		return nil
	}
	per := t.chunk
	if limit := maxParams / len(columns); per > limit {
		per = limit
	}

	args := make([]interface{}, 0, per*len(columns))
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		args = args[:0]
		for _, row := range rows[start:end] {
			if len(row) != len(columns) {
				return errors.Newf(errors.ErrorTypeInvariantViolation,
					"row has %d values for %d columns", len(row), len(columns))
			}
			args = append(args, row...)
		}
		query := InsertSQL(table, columns, end-start)
		if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
			return classify(ctx, err, "bulk insert into "+table)
		}
	}
	return nil
}

func (t *txn) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransactionFailure, "commit failed")
	}
	return nil
}

func (t *txn) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, errors.ErrorTypeTransactionFailure, "rollback failed")
	}
	return nil
}

func classify(ctx context.Context, err error, msg string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
	}
	if ctx.Err() != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeTransactionFailure, msg)
}

// CreateTableSQL renders the DDL of the target table.
func CreateTableSQL(table string, columns []schema.Column, key []string) string {
	b := pooled.GetBuilder(pooled.Small)
	defer pooled.PutBuilder(b, pooled.Small)
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(string(c.Type))
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	if len(key) > 0 {
		b.WriteString(", PRIMARY KEY (")
		for i, k := range key {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(k))
		}
		b.WriteByte(')')
	}
	b.WriteByte(')')
	return b.String()
}

// InsertSQL renders an INSERT OR REPLACE of n rows.
func InsertSQL(table string, columns []string, n int) string {
	size := pooled.SizeFor(n * len(columns) * 3)
	b := pooled.GetBuilder(size)
	defer pooled.PutBuilder(b, size)

	b.WriteString("INSERT OR REPLACE INTO ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES ")

	tuple := pooled.NewBuilder(len(columns) * 3)
	tuple.WriteByte('(')
	tuple.Repeat("?", ", ", len(columns))
	tuple.WriteByte(')')
	b.Repeat(tuple.String(), ", ", n)
	return b.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
