package models

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ajitpratap0/duckbridge/pkg/json"
)

// Kind identifies the dynamic type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTimestamp
	// KindDocument holds a nested document or array kept as a blob.
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindDocument:
		return "document"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a typed field value. The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	t    time.Time
	doc  interface{}
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.i = 1
	}
	return v
}

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Timestamp returns a timestamp value normalized to UTC.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t.UTC()} }

// Blob returns a document value. doc must be JSON-encodable plain data
// (maps, slices, scalars).
func Blob(doc interface{}) Value { return Value{kind: KindDocument, doc: doc} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) AsBool() bool { return v.i != 0 }
func (v Value) AsInt() int64 { return v.i }
func (v Value) AsString() string { return v.s }
func (v Value) AsTime() time.Time { return v.t }
func (v Value) AsDocument() interface{} { return v.doc }

// AsFloat returns the value as float64 for both numeric kinds.
func (v Value) AsFloat() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// IsNumeric reports whether the value is an integer or a float.
func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

// Interface returns the value as plain Go data.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.AsBool()
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTimestamp:
		return v.t
	case KindDocument:
		return v.doc
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and canonical content.
func (v Value) Equal(o Value) bool {
	return Compare(v, o) == 0
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case KindDocument:
		b, err := json.Marshal(v.doc)
		if err != nil {
			return fmt.Sprintf("%v", v.doc)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// Compare orders values first by kind, then by content. It is a total
// order, so max/min over it are commutative.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNull:
		return 0
	case KindBool, KindInt:
		return cmpOrdered(a.i, b.i)
	case KindFloat:
		// NaN sorts below every other float
		an, bn := math.IsNaN(a.f), math.IsNaN(b.f)
		switch {
		case an && bn:
			return 0
		case an:
			return -1
		case bn:
			return 1
		}
		return cmpOrdered(a.f, b.f)
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindTimestamp:
		return a.t.Compare(b.t)
	default:
		return strings.Compare(a.String(), b.String())
	}
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// appendCanonical appends a kind-tagged binary encoding of v used for hashing.
func (v Value) appendCanonical(buf []byte) []byte {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindBool, KindInt:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.i))
	case KindFloat:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.f))
	case KindString:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.s)))
		buf = append(buf, v.s...)
	case KindTimestamp:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.t.UnixNano()))
	case KindDocument:
		// map keys are emitted sorted, so the encoding is stable
		s := v.String()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	return buf
}
