package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the logical type of a column.
type ColumnType string

const (
	TypeString    ColumnType = "STRING"
	TypeInteger   ColumnType = "INTEGER"
	TypeDouble    ColumnType = "DOUBLE"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeDate      ColumnType = "DATE"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

// Canonical layouts for DATE and TIMESTAMP values.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = time.RFC3339
)

// Schema defines the columns of a table.
type Schema struct {
	// Version tracks schema evolution within the registry
	Version int `json:"version"`

	// Columns defines the columns in the schema
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name" yaml:"name"`

	// Type is the logical column type
	Type ColumnType `json:"type" yaml:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable" yaml:"nullable"`

	// PrimaryKey marks the column as part of the table's key
	PrimaryKey bool `json:"primary_key" yaml:"primary_key"`
}

// Column looks up a column definition by name.
func (s Schema) Column(name string) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// Names returns the column names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// KeyColumns returns the names of the primary key columns.
func (s Schema) KeyColumns() []string {
	var keys []string
	for _, c := range s.Columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// SameColumns reports whether both schemas declare the same columns with the
// same types, ignoring order, version and nullability.
func (s Schema) SameColumns(other Schema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for _, c := range s.Columns {
		oc, ok := other.Column(c.Name)
		if !ok || oc.Type != c.Type {
			return false
		}
	}
	return true
}

// TypeOf returns the logical type of a Go value, defaulting to STRING.
func TypeOf(v any) ColumnType {
	switch v.(type) {
	case int64, int:
		return TypeInteger
	case float64:
		return TypeDouble
	case bool:
		return TypeBoolean
	default:
		return TypeString
	}
}

// SchemaOf derives a nullable schema from the values of rows. Columns are
// ordered as first seen in sorted column order; keys are marked primary and
// non-nullable. INTEGER columns that also hold DOUBLE values widen to DOUBLE.
func SchemaOf(rows []Record, keys []string) Schema {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var order []string
	seen := make(map[string]ColumnType)
	for _, r := range rows {
		for _, col := range r.Columns() {
			v := r[col]
			prev, ok := seen[col]
			if !ok {
				order = append(order, col)
				if v == nil {
					seen[col] = ""
				} else {
					seen[col] = TypeOf(v)
				}
				continue
			}
			if v == nil {
				continue
			}
			t := TypeOf(v)
			switch {
			case prev == "":
				seen[col] = t
			case prev == TypeInteger && t == TypeDouble:
				seen[col] = TypeDouble
			}
		}
	}
	s := Schema{Version: 1}
	for _, col := range order {
		t := seen[col]
		if t == "" {
			t = TypeString
		}
		s.Columns = append(s.Columns, ColumnDef{
			Name:       col,
			Type:       t,
			Nullable:   !isKey[col],
			PrimaryKey: isKey[col],
		})
	}
	return s
}

// Coerce converts v to the Go representation of the given column type.
// nil stays nil.
func Coerce(v any, t ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case json.Number:
			return x.String(), nil
		default:
			return fmt.Sprint(x), nil
		}
	case TypeInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("value %v is not an integer", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		case string:
			return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		}
	case TypeDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			return strconv.ParseFloat(strings.TrimSpace(x), 64)
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(x))
		}
	case TypeDate, TypeTimestamp:
		s, ok := v.(string)
		if !ok {
			break
		}
		layout := DateLayout
		if t == TypeTimestamp {
			layout = TimestampLayout
		}
		if _, err := time.Parse(layout, s); err != nil {
			return nil, fmt.Errorf("value %q is not a %s", s, t)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}
