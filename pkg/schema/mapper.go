package schema

import (
	"fmt"

	"github.com/ajitpratap0/duckbridge/pkg/errors"
	"github.com/ajitpratap0/duckbridge/pkg/json"
	"github.com/ajitpratap0/duckbridge/pkg/models"
)

// Policy decides what happens to a present value whose type does not
// match its column.
type Policy string

const (
	// PolicyRejectBatch rejects the record, and the caller fails the batch.
	PolicyRejectBatch Policy = "reject-batch"
	// PolicyNullAndLog stores NULL and reports a warning. Non-nullable
	// columns reject the record instead.
	PolicyNullAndLog Policy = "null-and-log"
	// PolicyWiden stores NULL in the typed column and keeps the original
	// value in the variant column. Non-nullable columns reject the record.
	PolicyWiden Policy = "widen"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyRejectBatch, PolicyNullAndLog, PolicyWiden:
		return p, nil
	}
	return "", fmt.Errorf("unknown on_type_mismatch policy %q", s)
}

// Row is one mapped row, aligned with Mapper.Columns.
type Row []interface{}

// Rejection explains why a record could not be mapped.
type Rejection struct {
	// Index is the record's position in the mapped batch.
	Index       int                `json:"index"`
	Fingerprint models.Fingerprint `json:"-"`
	Field       string             `json:"field"`
	Reason      string             `json:"reason"`
	// Seq is the batch sequence number, set by the writer.
	Seq uint64 `json:"batch_seq,omitempty"`
}

func (r Rejection) Error() string {
	return fmt.Sprintf("record %d field %q: %s", r.Index, r.Field, r.Reason)
}

// Warning reports a value that was replaced by NULL or widened.
type Warning struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Result is the outcome of mapping one batch: the accepted rows plus every
// rejection and warning.
type Result struct {
	Rows     []Row
	Rejected []Rejection
	Warnings []Warning
}

// Partial reports whether some records were rejected.
func (r *Result) Partial() bool {
	return len(r.Rejected) > 0
}

// Err returns a schema_violation error describing the rejections, or nil.
func (r *Result) Err() error {
	if len(r.Rejected) == 0 {
		return nil
	}
	return errors.Newf(errors.ErrorTypeSchemaViolation, "%d of %d records rejected, first: %s",
		len(r.Rejected), len(r.Rejected)+len(r.Rows), r.Rejected[0].Error()).
		WithDetail("rejected", len(r.Rejected))
}

// Mapper converts records into rows of a target table. It holds no mutable
// state, so one record always maps to the same row or the same rejection.
type Mapper struct {
	table   Table
	policy  Policy
	columns []Column
	variant int // index of the variant column, or -1
	fpIndex int // index of the fingerprint column, or -1
}

// NewMapper builds a mapper for a validated table.
func NewMapper(table Table, policy Policy) (*Mapper, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "schema mapper")
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	m := &Mapper{
		table:   table,
		policy:  policy,
		columns: append([]Column(nil), table.Columns...),
		variant: -1,
		fpIndex: -1,
	}
	if len(table.Key) == 0 {
		m.fpIndex = len(m.columns)
		m.columns = append(m.columns, Column{Name: FingerprintColumn, Type: TypeVarchar})
	}
	if policy == PolicyWiden {
		m.variant = len(m.columns)
		m.columns = append(m.columns, Column{Name: table.VariantColumn, Type: TypeJSON, Nullable: true})
	}
	return m, nil
}

// Table returns the declared table.
func (m *Mapper) Table() Table {
	return m.table
}

// Policy returns the type mismatch policy.
func (m *Mapper) Policy() Policy {
	return m.policy
}

// Columns returns the physical column layout, including the synthetic
// fingerprint and variant columns when they apply.
func (m *Mapper) Columns() []Column {
	return m.columns
}

// MapRecord maps one record. It returns either a row or a rejection.
func (m *Mapper) MapRecord(index int, rec *models.Record) (Row, []Warning, *Rejection) {
	row := make(Row, len(m.columns))
	var (
		warnings []Warning
		widened  map[string]interface{}
	)

	reject := func(field, reason string) (Row, []Warning, *Rejection) {
		return nil, nil, &Rejection{Index: index, Fingerprint: rec.Fingerprint, Field: field, Reason: reason}
	}

	for i, col := range m.table.Columns {
		v, present := rec.Get(col.Name)
		if !present || v.IsNull() {
			if !col.Nullable {
				if present {
					return reject(col.Name, "null value for non-nullable column")
				}
				return reject(col.Name, "missing non-nullable field")
			}
			continue
		}

		out, err := Coerce(col.Type, v)
		if err == nil {
			row[i] = out
			continue
		}

		switch {
		case m.policy == PolicyRejectBatch || !col.Nullable:
			return reject(col.Name, err.Error())
		case m.policy == PolicyNullAndLog:
			warnings = append(warnings, Warning{Index: index, Field: col.Name, Reason: err.Error()})
		case m.policy == PolicyWiden:
			if widened == nil {
				widened = make(map[string]interface{})
			}
			widened[col.Name] = v.Interface()
			warnings = append(warnings, Warning{Index: index, Field: col.Name, Reason: "widened: " + err.Error()})
		}
	}

	if m.fpIndex >= 0 {
		row[m.fpIndex] = rec.Fingerprint.String()
	}
	if m.variant >= 0 && widened != nil {
		s, err := json.MarshalString(widened)
		if err != nil {
			return reject(m.table.VariantColumn, fmt.Sprintf("encode variant: %v", err))
		}
		row[m.variant] = s
	}
	return row, warnings, nil
}

// MapBatch maps every record of a batch, keeping accepted rows in batch
// order.
func (m *Mapper) MapBatch(records []*models.Record) Result {
	res := Result{Rows: make([]Row, 0, len(records))}
	for i, rec := range records {
		row, warnings, rej := m.MapRecord(i, rec)
		if rej != nil {
			res.Rejected = append(res.Rejected, *rej)
			continue
		}
		res.Rows = append(res.Rows, row)
		res.Warnings = append(res.Warnings, warnings...)
	}
	return res
}
