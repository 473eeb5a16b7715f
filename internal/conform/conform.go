// Package conform turns silver records into gold dimension and fact rows.
//
// Everything here is a pure function of its input: no table is read and
// nothing is written. The Merge Engine upserts the returned rows.
package conform

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Table kinds.
const (
	KindDimension = "dimension"
	KindFact      = "fact"
)

// Table is one conformed gold row set.
type Table struct {
	Name      string
	Kind      string
	MatchKeys []string
	Rows      []types.Record
}

// Input holds the silver rows per entity, and optionally the current rows of
// gold dimensions used to check fact references.
type Input struct {
	Sources    map[string][]types.Record
	Dimensions map[string][]types.Record
}

// Output is the result of Conform.
type Output struct {
	Tables []Table

	// Orphans counts, per fact, rows with a foreign key missing from a
	// referenced dimension that was available.
	Orphans map[string]int

	// Errors collects rows excluded for unusable values.
	Errors *perrors.RowErrors
}

// Conform builds every dimension and fact whose source is in in.Sources.
// Specs whose source is absent are skipped.
func Conform(in Input, specs Specs) (*Output, error) {
	if err := specs.Validate(); err != nil {
		return nil, err
	}
	out := &Output{Orphans: make(map[string]int), Errors: &perrors.RowErrors{}}

	keys := make(map[string]map[string]bool)
	for name, rows := range in.Dimensions {
		for _, d := range specs.Dimensions {
			if d.Name == name {
				keys[name] = keySet(keys[name], rows, d.Key)
			}
		}
	}

	for _, d := range specs.Dimensions {
		rows, ok := in.Sources[d.Source]
		if !ok {
			continue
		}
		built := BuildDimension(d, rows, out.Errors)
		keys[d.Name] = keySet(keys[d.Name], built, d.Key)
		out.Tables = append(out.Tables, Table{Name: d.Name, Kind: KindDimension, MatchKeys: []string{d.Key}, Rows: built})
	}

	for _, f := range specs.Facts {
		rows, ok := in.Sources[f.Source]
		if !ok {
			continue
		}
		built := BuildFact(f, rows, out.Errors)
		out.Orphans[f.Name] = countOrphans(f, built, keys)
		out.Tables = append(out.Tables, Table{Name: f.Name, Kind: KindFact, MatchKeys: f.matchKeys(), Rows: built})
	}
	return out, nil
}

// BuildDimension returns one row per key holding the latest attribute
// values. Latest is the highest OrderBy value, ties going to the later row.
// Rows come out in the order their key first appeared.
func BuildDimension(spec DimensionSpec, rows []types.Record, errs *perrors.RowErrors) []types.Record {
	orderBy := spec.OrderBy
	if orderBy == "" {
		orderBy = types.ColIngestedAt
	}

	latest := make(map[string]types.Record)
	var order []string
	for i, r := range rows {
		if r.IsNull(spec.Key) {
			errs.Add(i, spec.Key, "dimension key is empty")
			continue
		}
		k := types.KeyOf(r, []string{spec.Key})
		prev, seen := latest[k]
		if !seen {
			order = append(order, k)
		}
		if !seen || compareValues(r[orderBy], prev[orderBy]) >= 0 {
			latest[k] = r
		}
	}

	out := make([]types.Record, 0, len(order))
	for _, k := range order {
		out = append(out, projectDimension(spec, latest[k]))
	}
	return out
}

func projectDimension(spec DimensionSpec, r types.Record) types.Record {
	if len(spec.Attributes) == 0 {
		return stripLineage(r)
	}
	out := types.Record{spec.Key: r[spec.Key]}
	for from, to := range spec.Attributes {
		out[to] = r[from]
	}
	return out
}

// BuildFact derives measures, projects columns and optionally aggregates.
// Rows with unusable measure or period values are excluded and recorded in
// errs.
func BuildFact(spec FactSpec, rows []types.Record, errs *perrors.RowErrors) []types.Record {
	if spec.Key != "" {
		rows = LastByKey(rows, spec.Key)
	}

	facts := make([]types.Record, 0, len(rows))
	for i, r := range rows {
		row, err := deriveRow(spec, r)
		if err != nil {
			errs.Add(i, "", fmt.Sprintf("%s: %v", spec.Name, err))
			continue
		}
		if a := spec.Aggregate; a != nil && a.Period != nil {
			if err := truncatePeriod(row, *a.Period); err != nil {
				errs.Add(i, a.Period.Column, fmt.Sprintf("%s: %v", spec.Name, err))
				continue
			}
		}
		facts = append(facts, row)
	}

	if spec.Aggregate == nil {
		return facts
	}
	return aggregate(*spec.Aggregate, facts)
}

func deriveRow(spec FactSpec, r types.Record) (types.Record, error) {
	var row types.Record
	if len(spec.Columns) == 0 {
		row = stripLineage(r)
	} else {
		row = r.Project(spec.Columns)
		for _, k := range spec.MatchKeys {
			row[k] = r[k]
		}
	}
	for _, d := range spec.Derived {
		v, err := applyOp(d.Op, firstOf(row, r, d.Left), firstOf(row, r, d.Right))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Column, err)
		}
		row[d.Column] = v
	}
	return row, nil
}

// firstOf reads col from the derived row, falling back to the source row so
// derived measures may use columns that are not kept.
func firstOf(row, src types.Record, col string) any {
	if v, ok := row[col]; ok {
		return v
	}
	return src[col]
}

func applyOp(op string, a, b any) (any, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch op {
		case OpMultiply:
			return ai * bi, nil
		case OpAdd:
			return ai + bi, nil
		default:
			return ai - bi, nil
		}
	}
	af, err := number(a)
	if err != nil {
		return nil, err
	}
	bf, err := number(b)
	if err != nil {
		return nil, err
	}
	var v float64
	switch op {
	case OpMultiply:
		v = af * bf
	case OpAdd:
		v = af + bf
	default:
		v = af - bf
	}
	return roundCents(v), nil
}

// roundCents drops binary noise such as 2.9999999999999996 from products of
// decimal prices.
func roundCents(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

func truncatePeriod(r types.Record, p Period) error {
	s, ok := r[p.Column].(string)
	if !ok {
		if r[p.Column] == nil {
			return nil
		}
		return fmt.Errorf("value %v is not a date", r[p.Column])
	}
	t, err := time.Parse(types.DateLayout, s)
	if err != nil {
		t, err = time.Parse(types.TimestampLayout, s)
		if err != nil {
			return fmt.Errorf("value %q is not a date", s)
		}
		t = t.UTC()
	}
	switch p.Unit {
	case UnitYear:
		t = time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	case UnitMonth:
		t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	r[p.Column] = t.Format(types.DateLayout)
	return nil
}

func aggregate(a Aggregate, rows []types.Record) []types.Record {
	groups := make(map[string]types.Record)
	var order []string
	for _, r := range rows {
		k := types.KeyOf(r, a.GroupBy)
		g, ok := groups[k]
		if !ok {
			g = r.Project(a.GroupBy)
			for _, col := range a.Sum {
				g[col] = nil
			}
			if a.Count != "" {
				g[a.Count] = int64(0)
			}
			groups[k] = g
			order = append(order, k)
		}
		for _, col := range a.Sum {
			g[col] = addValues(g[col], r[col])
		}
		if a.Count != "" {
			g[a.Count] = g[a.Count].(int64) + 1
		}
	}
	out := make([]types.Record, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

func addValues(acc, v any) any {
	if v == nil {
		return acc
	}
	if acc == nil {
		return v
	}
	ai, aInt := acc.(int64)
	vi, vInt := v.(int64)
	if aInt && vInt {
		return ai + vi
	}
	af, errA := number(acc)
	vf, errV := number(v)
	if errA != nil || errV != nil {
		return acc
	}
	return roundCents(af + vf)
}

func countOrphans(f FactSpec, rows []types.Record, keys map[string]map[string]bool) int {
	orphans := 0
	for _, r := range rows {
		for _, ref := range f.References {
			known, ok := keys[ref.Dimension]
			if !ok || r.IsNull(ref.Column) {
				continue
			}
			if !known[types.KeyOf(r, []string{ref.Column})] {
				orphans++
				break
			}
		}
	}
	return orphans
}

func keySet(set map[string]bool, rows []types.Record, key string) map[string]bool {
	if set == nil {
		set = make(map[string]bool, len(rows))
	}
	for _, r := range rows {
		if !r.IsNull(key) {
			set[types.KeyOf(r, []string{key})] = true
		}
	}
	return set
}

// LastByKey keeps the last row per key, in first-appearance order. Rows
// without a key pass through.
func LastByKey(rows []types.Record, key string) []types.Record {
	idx := make(map[string]int, len(rows))
	out := make([]types.Record, 0, len(rows))
	for _, r := range rows {
		if r.IsNull(key) {
			out = append(out, r)
			continue
		}
		k := types.KeyOf(r, []string{key})
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

func stripLineage(r types.Record) types.Record {
	return r.Without(append(slices.Clone(types.LineageColumns), types.ColDQIssues)...)
}

// compareValues orders two column values. Numbers compare numerically,
// everything else by its text; nil sorts first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	af, errA := number(a)
	bf, errB := number(b)
	if errA == nil && errB == nil {
		return cmp.Compare(af, bf)
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
