package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Entry is one key of a Document.
type Entry struct {
	Key   string
	Value interface{}
}

// Document is an ordered, loosely typed source document. Values are plain
// Go data: nil, bool, integers, floats, string, time.Time, []byte,
// Document for nested documents and []interface{} for arrays. Source
// connectors convert their native types into this shape.
type Document []Entry

// Get returns the value stored under key.
func (d Document) Get(key string) (interface{}, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Lookup resolves a dotted path such as "edits.-1.content". Numeric
// segments index arrays; negative indexes count from the end.
func (d Document) Lookup(path string) (interface{}, bool) {
	var cur interface{} = d
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case Document:
			v, ok := node.Get(seg)
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return nil, false
			}
			if i < 0 {
				i += len(node)
			}
			if i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// NestedPolicy decides how nested documents become record fields.
type NestedPolicy string

const (
	// NestedFlatten turns {a: {b: 1}} into the field "a.b".
	NestedFlatten NestedPolicy = "flatten"
	// NestedBlob keeps nested documents as a single document value.
	NestedBlob NestedPolicy = "blob"
)

// Projection names a record field and the document path it is read from.
type Projection struct {
	Name string `mapstructure:"name" yaml:"name"`
	Path string `mapstructure:"path" yaml:"path"`
}

// Normalize converts a document into a Record. With projections only the
// projected fields are produced, in projection order, and a missing path
// yields an absent field. Arrays are always kept as document values.
func Normalize(doc Document, policy NestedPolicy, projections []Projection) *Record {
	if len(projections) > 0 {
		rec := NewRecord(len(projections))
		for _, p := range projections {
			raw, ok := doc.Lookup(p.Path)
			if !ok {
				continue
			}
			if nested, isDoc := raw.(Document); isDoc && policy == NestedFlatten {
				flatten(rec, p.Name, nested)
				continue
			}
			rec.Fields = append(rec.Fields, Field{Name: p.Name, Value: ToValue(raw)})
		}
		return rec
	}

	rec := NewRecord(len(doc))
	for _, e := range doc {
		if nested, isDoc := e.Value.(Document); isDoc && policy == NestedFlatten {
			flatten(rec, e.Key, nested)
			continue
		}
		rec.Fields = append(rec.Fields, Field{Name: e.Key, Value: ToValue(e.Value)})
	}
	return rec
}

func flatten(rec *Record, prefix string, doc Document) {
	for _, e := range doc {
		name := prefix + "." + e.Key
		if nested, ok := e.Value.(Document); ok {
			flatten(rec, name, nested)
			continue
		}
		rec.Fields = append(rec.Fields, Field{Name: name, Value: ToValue(e.Value)})
	}
}

// ToValue converts plain document data into a typed Value.
func ToValue(raw interface{}) Value {
	switch v := raw.(type) {
	case nil:
		return Null()
	case Value:
		return v
	case bool:
		return Bool(v)
	case int:
		return Int(int64(v))
	case int8:
		return Int(int64(v))
	case int16:
		return Int(int64(v))
	case int32:
		return Int(int64(v))
	case int64:
		return Int(v)
	case uint8:
		return Int(int64(v))
	case uint16:
		return Int(int64(v))
	case uint32:
		return Int(int64(v))
	case uint:
		return unsigned(uint64(v))
	case uint64:
		return unsigned(v)
	case uintptr:
		return unsigned(uint64(v))
	case float32:
		return Float(float64(v))
	case float64:
		return Float(v)
	case string:
		return String(v)
	case time.Time:
		return Timestamp(v)
	case Document, []interface{}, []byte, map[string]interface{}:
		return Blob(Plain(v))
	default:
		return String(fmt.Sprint(v))
	}
}

// unsigned keeps values that fit BIGINT integral and turns larger ones
// into doubles.
func unsigned(v uint64) Value {
	if v > math.MaxInt64 {
		return Float(float64(v))
	}
	return Int(int64(v))
}

// Plain converts nested Documents into maps so blobs encode with sorted
// keys.
func Plain(raw interface{}) interface{} {
	switch v := raw.(type) {
	case Document:
		m := make(map[string]interface{}, len(v))
		for _, e := range v {
			m[e.Key] = Plain(e.Value)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, e := range v {
			m[k] = Plain(e)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = Plain(e)
		}
		return out
	default:
		return v
	}
}
