package mongodb

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

const positionKey = "k"

// ParseFilter parses a relaxed extended JSON query. An empty string is the
// empty filter.
func ParseFilter(ext string) (bson.D, error) {
	filter := bson.D{}
	if strings.TrimSpace(ext) == "" {
		return filter, nil
	}
	if err := bson.UnmarshalExtJSON([]byte(ext), false, &filter); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid source.filter")
	}
	return filter, nil
}

// EncodePosition wraps a resume key value into a position token.
func EncodePosition(key bson.RawValue) ([]byte, error) {
	b, err := bson.Marshal(bson.D{{Key: positionKey, Value: key}})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode resume position")
	}
	return b, nil
}

// DecodePosition extracts the resume key value from a position token.
func DecodePosition(position []byte) (bson.RawValue, error) {
	v, err := bson.Raw(position).LookupErr(positionKey)
	if err != nil {
		return bson.RawValue{}, errors.Wrap(err, errors.ErrorTypeData, "invalid resume position")
	}
	return v, nil
}

// FindFilter ANDs the user filter with "resumeKey > last position".
func FindFilter(user bson.D, resumeKey string, position []byte) (bson.D, error) {
	if position == nil {
		return user, nil
	}
	last, err := DecodePosition(position)
	if err != nil {
		return nil, err
	}
	after := bson.D{{Key: resumeKey, Value: bson.D{{Key: "$gt", Value: last}}}}
	if len(user) == 0 {
		return after, nil
	}
	return bson.D{{Key: "$and", Value: bson.A{user, after}}}, nil
}

// WatchPipeline builds the change stream pipeline: document-carrying
// operations only, with the user filter applied to fullDocument.
func WatchPipeline(user bson.D) mongo.Pipeline {
	match := bson.D{{
		Key:   "operationType",
		Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}},
	}}
	match = append(match, prefixFilter(user, "fullDocument.")...)
	return mongo.Pipeline{{{Key: "$match", Value: match}}}
}

// prefixFilter rewrites field names for use against change events.
// Logical operators are descended into; other operators are kept.
func prefixFilter(filter bson.D, prefix string) bson.D {
	out := make(bson.D, 0, len(filter))
	for _, e := range filter {
		switch {
		case e.Key == "$and" || e.Key == "$or" || e.Key == "$nor":
			arr, ok := e.Value.(bson.A)
			if !ok {
				out = append(out, e)
				continue
			}
			clauses := make(bson.A, len(arr))
			for i, c := range arr {
				if d, ok := c.(bson.D); ok {
					clauses[i] = prefixFilter(d, prefix)
				} else {
					clauses[i] = c
				}
			}
			out = append(out, bson.E{Key: e.Key, Value: clauses})
		case strings.HasPrefix(e.Key, "$"):
			out = append(out, e)
		default:
			out = append(out, bson.E{Key: prefix + e.Key, Value: e.Value})
		}
	}
	return out
}

// ConvertDocument converts a decoded BSON document into a models.Document,
// mapping BSON types onto plain Go values:
//
//	ObjectID             -> hex string
//	DateTime, Timestamp  -> time.Time (UTC)
//	Decimal128           -> float64
//	Binary               -> []byte
//	embedded documents   -> models.Document
//	arrays               -> []interface{}
func ConvertDocument(d bson.D) models.Document {
	doc := make(models.Document, 0, len(d))
	for _, e := range d {
		doc = append(doc, models.Entry{Key: e.Key, Value: convertValue(e.Value)})
	}
	return doc
}

func convertValue(v interface{}) interface{} {
	switch x := v.(type) {
	case bson.D:
		return ConvertDocument(x)
	case bson.M:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		doc := make(models.Document, 0, len(x))
		for _, k := range keys {
			doc = append(doc, models.Entry{Key: k, Value: convertValue(x[k])})
		}
		return doc
	case bson.A:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = convertValue(e)
		}
		return out
	case []interface{}:
		return convertValue(bson.A(x))
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return x.String()
		}
		return f
	case primitive.Binary:
		return x.Data
	case primitive.Regex:
		return x.Pattern
	case primitive.Symbol:
		return string(x)
	case primitive.JavaScript:
		return string(x)
	case primitive.Null, primitive.Undefined, primitive.MinKey, primitive.MaxKey:
		return nil
	default:
		return v
	}
}
