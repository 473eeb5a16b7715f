// Package types provides the core data types shared by every pipeline layer.
package types

import (
	"fmt"
	"sort"
	"strings"
)

// Lineage and data-quality columns stamped by the pipeline.
const (
	// ColIngestedAt records when a raw row was read from the landing zone.
	ColIngestedAt = "ingested_at"

	// ColSourceFile records the object path the raw row was read from.
	ColSourceFile = "source_file"

	// ColDQIssues lists the data-quality flags raised while cleaning a row.
	ColDQIssues = "dq_issues"
)

// LineageColumns are excluded from row equality.
var LineageColumns = []string{ColIngestedAt, ColSourceFile}

// Record is a single row keyed by column name. Values are nil, string,
// int64, float64 or bool.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the record's column names in sorted order.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// String returns the column value as a string. Non-string values are
// formatted; missing and nil values report ok=false.
func (r Record) String(col string) (string, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// IsNull reports whether the column is missing, nil or a blank string.
func (r Record) IsNull(col string) bool {
	v, ok := r[col]
	if !ok || v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// Project returns a new record holding only the given columns.
func (r Record) Project(cols []string) Record {
	out := make(Record, len(cols))
	for _, c := range cols {
		out[c] = r[c]
	}
	return out
}

// Without returns a copy of the record minus the given columns.
func (r Record) Without(cols ...string) Record {
	out := r.Clone()
	for _, c := range cols {
		delete(out, c)
	}
	return out
}

// CloneRecords deep-copies a slice of records one level down.
func CloneRecords(rows []Record) []Record {
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// ValuesEqual compares two column values, treating numeric types by value.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return a == b
}

// RecordsEqual compares two records column by column, ignoring the listed
// columns. A missing column equals a nil value.
func RecordsEqual(a, b Record, ignore ...string) bool {
	skip := make(map[string]struct{}, len(ignore))
	for _, c := range ignore {
		skip[c] = struct{}{}
	}
	for k, v := range a {
		if _, ok := skip[k]; ok {
			continue
		}
		if !ValuesEqual(v, b[k]) {
			return false
		}
	}
	for k, v := range b {
		if _, ok := skip[k]; ok {
			continue
		}
		if _, seen := a[k]; !seen && v != nil {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// WriteMode selects how a layer write treats the existing dataset.
type WriteMode string

const (
	// WriteOverwrite replaces the table's logical dataset.
	WriteOverwrite WriteMode = "overwrite"

	// WriteAppend adds rows to the table's dataset.
	WriteAppend WriteMode = "append"
)

// RunMode selects a full rebuild or an incremental, checkpointed run.
type RunMode string

const (
	RunFull        RunMode = "full"
	RunIncremental RunMode = "incremental"
)
