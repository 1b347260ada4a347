// Package models provides the data structures that flow through the bridge:
// source documents, normalized records, fingerprints and sealed batches.
//
// A Document is the raw, loosely typed shape handed over by a source
// connector. The reader normalizes it into a Record, an ordered list of
// typed fields, fingerprints it, and collects records into a Batch. Once a
// batch is sealed it is never mutated again; ownership moves to the writer.
package models

import (
	"time"
)

// Field is one named value of a Record.
type Field struct {
	Name  string
	Value Value
}

// Record is an ordered sequence of typed fields produced from one source
// document.
type Record struct {
	Fields []Field

	// Fingerprint is assigned by the reader from the identity fields.
	Fingerprint Fingerprint
}

// NewRecord creates an empty record with room for n fields.
func NewRecord(n int) *Record {
	return &Record{Fields: make([]Field, 0, n)}
}

// Get returns the value of the named field.
func (r *Record) Get(name string) (Value, bool) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return r.Fields[i].Value, true
		}
	}
	return Value{}, false
}

// Set replaces the named field or appends it if absent.
func (r *Record) Set(name string, v Value) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = v
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: v})
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.Fields)
}

// Clone returns a copy whose field slice can be mutated independently.
// Document blobs are shared; they are never mutated after normalization.
func (r *Record) Clone() *Record {
	c := &Record{
		Fields:      make([]Field, len(r.Fields)),
		Fingerprint: r.Fingerprint,
	}
	copy(c.Fields, r.Fields)
	return c
}

// Map returns the record as a name to plain value map.
func (r *Record) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Name] = f.Value.Interface()
	}
	return m
}

// Batch is an ordered, bounded group of records plus its sequence number.
type Batch struct {
	// Seq increases by one for every sealed batch of a pipeline.
	Seq     uint64
	Records []*Record

	// Position is the opaque source resume token of the last document the
	// reader consumed before sealing.
	Position []byte

	// Read is the number of source documents consumed into this batch,
	// including suppressed duplicates.
	Read     int
	SealedAt time.Time
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Records)
}
