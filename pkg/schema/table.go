// Package schema maps normalized records onto the statically typed row
// layout of a target table.
//
// A Table declares the columns, their types and nullability, and the
// identity (primary key) columns. A Mapper converts records into rows
// through an explicit coercion table. Whatever cannot be mapped is reported
// as a Rejection with a reason; nothing is dropped silently.
package schema

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/duckbridge/pkg/errors"
)

// ColumnType is a target column type.
type ColumnType string

const (
	TypeBigInt    ColumnType = "BIGINT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeVarchar   ColumnType = "VARCHAR"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeJSON      ColumnType = "JSON"
)

var typeAliases = map[string]ColumnType{
	"BIGINT":    TypeBigInt,
	"INT":       TypeBigInt,
	"INTEGER":   TypeBigInt,
	"INT64":     TypeBigInt,
	"DOUBLE":    TypeDouble,
	"FLOAT":     TypeDouble,
	"REAL":      TypeDouble,
	"VARCHAR":   TypeVarchar,
	"TEXT":      TypeVarchar,
	"STRING":    TypeVarchar,
	"BOOLEAN":   TypeBoolean,
	"BOOL":      TypeBoolean,
	"TIMESTAMP": TypeTimestamp,
	"DATETIME":  TypeTimestamp,
	"JSON":      TypeJSON,
}

// ParseType resolves a type name or alias, case-insensitively.
func ParseType(s string) (ColumnType, error) {
	t, ok := typeAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown column type %q", s)
	}
	return t, nil
}

const (
	// DefaultVariantColumn holds widened values under the widen policy.
	DefaultVariantColumn = "_variant"
	// FingerprintColumn is the synthetic key of tables without identity columns.
	FingerprintColumn = "_fingerprint"
)

// Column describes one target column.
type Column struct {
	Name     string     `mapstructure:"name" yaml:"name" json:"name"`
	Type     ColumnType `mapstructure:"type" yaml:"type" json:"type"`
	Nullable bool       `mapstructure:"nullable" yaml:"nullable" json:"nullable"`
}

// Table is the declared target layout.
type Table struct {
	Name string `mapstructure:"table" yaml:"table" json:"table"`
	// Key lists the identity columns. Empty means the content fingerprint
	// is the identity.
	Key           []string `mapstructure:"key" yaml:"key" json:"key"`
	Columns       []Column `mapstructure:"columns" yaml:"columns" json:"columns"`
	VariantColumn string   `mapstructure:"variant_column" yaml:"variant_column" json:"variant_column"`
}

// Validate normalizes column types and checks the key.
func (t *Table) Validate() error {
	if t.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "schema.table is required")
	}
	if len(t.Columns) == 0 {
		return errors.New(errors.ErrorTypeConfig, "schema.columns must declare at least one column")
	}
	if t.VariantColumn == "" {
		t.VariantColumn = DefaultVariantColumn
	}

	seen := make(map[string]bool, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		if c.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "schema.columns[%d] has no name", i)
		}
		if seen[c.Name] {
			return errors.Newf(errors.ErrorTypeConfig, "duplicate column %q", c.Name)
		}
		if c.Name == t.VariantColumn || c.Name == FingerprintColumn {
			return errors.Newf(errors.ErrorTypeConfig, "column name %q is reserved", c.Name)
		}
		seen[c.Name] = true

		ct, err := ParseType(string(c.Type))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "column "+c.Name)
		}
		c.Type = ct
	}

	for _, k := range t.Key {
		c, ok := t.Column(k)
		if !ok {
			return errors.Newf(errors.ErrorTypeConfig, "key column %q is not declared", k)
		}
		if c.Nullable {
			return errors.Newf(errors.ErrorTypeConfig, "key column %q must not be nullable", k)
		}
		if c.Type == TypeJSON {
			return errors.Newf(errors.ErrorTypeConfig, "key column %q cannot be JSON", k)
		}
	}
	return nil
}

// Column returns the declared column with the given name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PrimaryKey returns the identity columns of the physical table.
func (t *Table) PrimaryKey() []string {
	if len(t.Key) == 0 {
		return []string{FingerprintColumn}
	}
	return t.Key
}
