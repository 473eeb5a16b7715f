package lineage

import (
	"fmt"
	"slices"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/pkg/types"
)

type landingFile struct {
	path  string
	table table
}

// negotiate derives the batch schema. Without a base schema every column is
// inferred and files must agree; with one, the base schema is authoritative
// apart from INTEGER columns widening to DOUBLE.
func negotiate(tableName string, base *types.Schema, files []landingFile) (types.Schema, error) {
	var order []string
	inferred := make(map[string]types.ColumnType)
	origin := make(map[string]string)

	for _, f := range files {
		for c, name := range f.table.headers {
			if slices.Contains(types.LineageColumns, name) {
				continue
			}
			t := profileColumn(c, f.table.rows)
			prev, seen := inferred[name]
			if !seen {
				order = append(order, name)
				inferred[name] = t
				origin[name] = f.path
				continue
			}
			unified, ok := unifyType(prev, t)
			if !ok {
				return types.Schema{}, perrors.NewSchemaConflict(tableName, fmt.Sprintf(
					"column %q is %s in %s but %s in %s", name, prev, origin[name], t, f.path))
			}
			if unified != prev {
				inferred[name] = unified
				origin[name] = f.path
			}
		}
	}

	if base == nil {
		schema := types.Schema{Version: 1}
		for _, name := range order {
			t := inferred[name]
			if t == "" {
				t = types.TypeString
			}
			schema.Columns = append(schema.Columns, types.ColumnDef{Name: name, Type: t, Nullable: true})
		}
		return WithLineage(schema), nil
	}

	schema := WithLineage(*base)
	for _, name := range order {
		idx := slices.IndexFunc(schema.Columns, func(c types.ColumnDef) bool { return c.Name == name })
		if idx < 0 {
			return types.Schema{}, perrors.NewSchemaConflict(tableName, fmt.Sprintf(
				"column %q in %s is not in the registered schema", name, origin[name]))
		}
		if schema.Columns[idx].Type == types.TypeInteger && inferred[name] == types.TypeDouble {
			schema.Columns[idx].Type = types.TypeDouble
		}
	}
	return schema, nil
}
