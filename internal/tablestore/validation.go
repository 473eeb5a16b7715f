package tablestore

import (
	"fmt"
	"strings"

	"github.com/fmcg/lakehouse/pkg/types"
)

// ValidationError is a single schema violation in a written row.
type ValidationError struct {
	RowIndex int
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d, field %q: %s", e.RowIndex, e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// maxValidationErrors bounds the errors collected for one write.
const maxValidationErrors = 20

// SchemaValidator checks and coerces rows against a table schema.
type SchemaValidator struct {
	schema types.Schema
}

// NewSchemaValidator creates a validator for schema.
func NewSchemaValidator(schema types.Schema) *SchemaValidator {
	return &SchemaValidator{schema: schema}
}

// ValidateRow coerces row in place to the schema's column types. Unknown
// columns, values that cannot be coerced and nulls in non-nullable columns
// are reported. Missing nullable columns are set to nil.
func (v *SchemaValidator) ValidateRow(row types.Record, rowIndex int) []*ValidationError {
	var errs []*ValidationError
	for col := range row {
		if _, ok := v.schema.Column(col); !ok {
			errs = append(errs, &ValidationError{RowIndex: rowIndex, Field: col, Message: "column is not in the table schema"})
		}
	}
	for _, def := range v.schema.Columns {
		raw, present := row[def.Name]
		if !present || raw == nil {
			if !def.Nullable {
				errs = append(errs, &ValidationError{RowIndex: rowIndex, Field: def.Name, Message: "value is required"})
			}
			row[def.Name] = nil
			continue
		}
		coerced, err := types.Coerce(raw, def.Type)
		if err != nil {
			errs = append(errs, &ValidationError{
				RowIndex: rowIndex,
				Field:    def.Name,
				Message:  fmt.Sprintf("cannot store %v as %s: %v", raw, def.Type, err),
			})
			continue
		}
		row[def.Name] = coerced
	}
	return errs
}

// ValidateRows validates every row, stopping after maxValidationErrors.
func (v *SchemaValidator) ValidateRows(rows []types.Record) error {
	var all ValidationErrors
	for i, row := range rows {
		all = append(all, v.ValidateRow(row, i)...)
		if len(all) >= maxValidationErrors {
			break
		}
	}
	if len(all) > 0 {
		return all
	}
	return nil
}

// evolveSchema returns current extended with the columns of incoming it
// lacks. Shared columns must agree on type, except that an INTEGER column
// receiving DOUBLE values widens to DOUBLE. Added columns are nullable.
func evolveSchema(current, incoming types.Schema) (types.Schema, bool, error) {
	out := types.Schema{Version: current.Version, Columns: append([]types.ColumnDef(nil), current.Columns...)}
	changed := false
	for _, in := range incoming.Columns {
		idx := -1
		for i, c := range out.Columns {
			if c.Name == in.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			in.Nullable = true
			in.PrimaryKey = false
			out.Columns = append(out.Columns, in)
			changed = true
			continue
		}
		have := out.Columns[idx].Type
		switch {
		case have == in.Type:
		case have == types.TypeInteger && in.Type == types.TypeDouble:
			out.Columns[idx].Type = types.TypeDouble
			changed = true
		case have == types.TypeDouble && in.Type == types.TypeInteger:
		case in.Type == types.TypeString && (have == types.TypeDate || have == types.TypeTimestamp):
		default:
			return types.Schema{}, false, fmt.Errorf("column %q is %s in the table but %s in the rows", in.Name, have, in.Type)
		}
	}
	return out, changed, nil
}
