package ngram

import (
	"time"

	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/models"
	"github.com/ajitpratap0/duckbridge/pkg/schema"
	pooled "github.com/ajitpratap0/duckbridge/pkg/strings"
)

// Output field names.
const (
	FieldNgram = "ngram"
	FieldWidth = "n"
	FieldMonth = "month"
	FieldCount = "count"
)

// IdentityFields identify an expanded record.
var IdentityFields = []string{FieldNgram, FieldWidth, FieldMonth}

// Expander turns one record into its n-gram records.
type Expander struct {
	textField string
	timeField string
	width     int
	epoch     time.Time
}

// NewExpander builds an expander from validated configuration.
func NewExpander(cfg config.NgramConfig) (*Expander, error) {
	epoch, err := time.Parse("2006-01", cfg.Epoch)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid ngram epoch")
	}
	return &Expander{
		textField: cfg.TextField,
		timeField: cfg.TimeField,
		width:     cfg.MaxWidth,
		epoch:     epoch,
	}, nil
}

// Table returns the default target table of expanded records.
func Table(name string) schema.Table {
	return schema.Table{
		Name: name,
		Key:  append([]string(nil), IdentityFields...),
		Columns: []schema.Column{
			{Name: FieldNgram, Type: schema.TypeVarchar},
			{Name: FieldWidth, Type: schema.TypeBigInt},
			{Name: FieldMonth, Type: schema.TypeBigInt},
			{Name: FieldCount, Type: schema.TypeBigInt},
		},
	}
}

// MonthsSince returns the number of whole calendar months from epoch to t.
func MonthsSince(epoch, t time.Time) int64 {
	t = t.UTC()
	return int64(t.Year()-epoch.Year())*12 + int64(t.Month()-epoch.Month())
}

// Expand returns one record per n-gram of the text field, with a count of
// one each. A record without the text field expands to nothing. A record
// whose time field is missing or unreadable is a data error.
func (e *Expander) Expand(rec *models.Record) ([]*models.Record, error) {
	text, ok := rec.Get(e.textField)
	if !ok || text.Kind() != models.KindString {
		return nil, nil
	}

	var month int64
	if e.timeField != "" {
		v, ok := rec.Get(e.timeField)
		if !ok || v.IsNull() {
			return nil, errors.Newf(errors.ErrorTypeData, "missing time field %q", e.timeField)
		}
		ts, err := schema.Coerce(schema.TypeTimestamp, v)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "unreadable time field "+e.timeField)
		}
		month = MonthsSince(e.epoch, ts.(time.Time))
	}

	var out []*models.Record
	Tokenize(text.AsString(), e.width, func(w *Window) {
		for n := 1; n <= w.Len(); n++ {
			gram, _ := w.Last(n)
			r := models.NewRecord(4)
			r.Set(FieldNgram, models.String(pooled.JoinPooled(gram, " ")))
			r.Set(FieldWidth, models.Int(int64(n)))
			r.Set(FieldMonth, models.Int(month))
			r.Set(FieldCount, models.Int(1))
			out = append(out, r)
		}
	})
	return out, nil
}
