package schema

import (
	"fmt"
	"math"
	"time"

	"github.com/ajitpratap0/duckbridge/pkg/json"
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

// Coercer converts a non-null value into the driver value of a column type.
type Coercer func(v models.Value) (interface{}, error)

// coercers is the coercion table. A kind missing from a coercer's switch is
// a type mismatch; strings are never parsed into numbers.
var coercers = map[ColumnType]Coercer{
	TypeBigInt:    toBigInt,
	TypeDouble:    toDouble,
	TypeVarchar:   toVarchar,
	TypeBoolean:   toBoolean,
	TypeTimestamp: toTimestamp,
	TypeJSON:      toJSON,
}

// Coerce converts v for a column of type t.
func Coerce(t ColumnType, v models.Value) (interface{}, error) {
	c, ok := coercers[t]
	if !ok {
		return nil, fmt.Errorf("no coercion for column type %s", t)
	}
	return c(v)
}

func mismatch(v models.Value, t ColumnType) error {
	return fmt.Errorf("cannot coerce %s value %s to %s", v.Kind(), v.String(), t)
}

func toBigInt(v models.Value) (interface{}, error) {
	switch v.Kind() {
	case models.KindInt:
		return v.AsInt(), nil
	case models.KindFloat:
		f := v.AsFloat()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, mismatch(v, TypeBigInt)
		}
		return int64(f), nil
	}
	return nil, mismatch(v, TypeBigInt)
}

func toDouble(v models.Value) (interface{}, error) {
	if v.IsNumeric() {
		return v.AsFloat(), nil
	}
	return nil, mismatch(v, TypeDouble)
}

func toVarchar(v models.Value) (interface{}, error) {
	if v.Kind() == models.KindString {
		return v.AsString(), nil
	}
	return nil, mismatch(v, TypeVarchar)
}

func toBoolean(v models.Value) (interface{}, error) {
	if v.Kind() == models.KindBool {
		return v.AsBool(), nil
	}
	return nil, mismatch(v, TypeBoolean)
}

// Epoch milliseconds outside years 1 to 9999 have no timestamp.
const (
	minEpochMillis = -62135596800000
	maxEpochMillis = 253402300799999
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTimestamp(v models.Value) (interface{}, error) {
	switch v.Kind() {
	case models.KindTimestamp:
		return v.AsTime(), nil
	case models.KindInt:
		ms := v.AsInt()
		if ms < minEpochMillis || ms > maxEpochMillis {
			return nil, mismatch(v, TypeTimestamp)
		}
		return time.UnixMilli(ms).UTC(), nil
	case models.KindFloat:
		// fractional epoch milliseconds
		ms := v.AsFloat()
		if math.IsNaN(ms) || ms < minEpochMillis || ms > maxEpochMillis {
			return nil, mismatch(v, TypeTimestamp)
		}
		whole := math.Floor(ms)
		frac := time.Duration((ms - whole) * float64(time.Millisecond))
		return time.UnixMilli(int64(whole)).Add(frac).UTC(), nil
	case models.KindString:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, v.AsString()); err == nil {
				return t.UTC(), nil
			}
		}
	}
	return nil, mismatch(v, TypeTimestamp)
}

func toJSON(v models.Value) (interface{}, error) {
	s, err := json.MarshalString(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("encode JSON: %w", err)
	}
	return s, nil
}
