// Package duckbridge streams documents from MongoDB into a DuckDB table.
//
// A pipeline is a reader goroutine and a writer goroutine joined by a
// bounded single-producer single-consumer channel of batches:
//
//	MongoDB cursor -> reader (normalize, expand, dedup, batch)
//	    -> channel (bounded, blocks the reader when full)
//	    -> writer (map to schema, commit, checkpoint) -> DuckDB
//
// Every batch commits in one DuckDB transaction with INSERT OR REPLACE on
// the table key, and the batch's source position is checkpointed to a
// bbolt file after the commit. A restarted pipeline resumes after the last
// checkpoint; a batch that committed but was not checkpointed lands again
// and replaces its own rows.
//
// # Quick Start
//
// Describe the source, the target table and the tuning in YAML:
//
//	name: orders
//	batch_size: 5000
//	source:
//	  uri: mongodb://localhost:27017
//	  database: shop
//	  collection: orders
//	sink:
//	  path: orders.duckdb
//	schema:
//	  table: orders
//	  key: [id]
//	  columns:
//	    - {name: id, type: VARCHAR}
//	    - {name: total, type: DOUBLE, nullable: true}
//
// and run it:
//
//	duckbridge run --config orders.yaml
//
// SIGINT drains the pipeline: sealed batches are committed before exit.
//
// # Packages
//
//   - internal/pipeline: channel, dedup, reader, writer and coordinator
//   - pkg/connector/sources/mongodb: find and change stream cursors
//   - pkg/connector/destinations/duckdb: transactional bulk landing
//   - pkg/schema: record to row mapping and type coercion
//   - pkg/checkpoint: durable checkpoints in bbolt
//   - pkg/ngram: n-gram expansion of a text field
//   - pkg/metrics, pkg/observability: Prometheus metrics and tracing
package duckbridge
