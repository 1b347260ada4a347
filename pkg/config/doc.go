// Package config resolves the pipeline configuration.
//
// # Sources
//
// Values are layered, lowest priority first:
//
//   - built-in defaults (New)
//   - the YAML file passed to Load, after ${VAR} and ${VAR:-fallback} substitution
//   - DUCKBRIDGE_* environment variables, with dots as underscores
//     (DUCKBRIDGE_SOURCE_URI overrides source.uri)
//   - command line flags registered by RegisterFlags, when set explicitly
//
// # Example
//
//	name: messages
//	batch_size: 1000
//	queue_capacity: 4
//	flush_interval_ms: 1000
//	max_retries: 5
//	backoff_base_ms: 100
//	dedup_mode: last-write
//	on_type_mismatch: null-and-log
//	source:
//	  uri: ${MONGO_URI}
//	  database: chat
//	  collection: messages
//	sink:
//	  path: analytics.duckdb
//	schema:
//	  table: messages
//	  key: [id]
//	  columns:
//	    - {name: id, type: VARCHAR}
//	    - {name: content, type: VARCHAR, nullable: true}
package config
