package cleaning

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/fmcg/lakehouse/pkg/types"
)

var folder = cases.Fold()

// normalizeText trims, collapses inner whitespace runs to one space and
// applies NFC.
func normalizeText(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// foldKey is the matching key for synonyms: normalized, case folded and
// stripped of accents.
func foldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, normalizeText(s))
	if err != nil {
		stripped = normalizeText(s)
	}
	return folder.String(stripped)
}

// dedup removes rows whose non-lineage columns equal an earlier row's. The
// fingerprint only buckets candidates; equality is checked column by column.
// origins holds the input position of each row and is filtered alongside.
func dedup(rows []types.Record, origins []int) ([]types.Record, []int, int) {
	buckets := make(map[uint64][]int, len(rows))
	out := make([]types.Record, 0, len(rows))
	outOrigins := make([]int, 0, len(rows))
	removed := 0
	for i, r := range rows {
		fp := fingerprint(r)
		dup := false
		for _, idx := range buckets[fp] {
			if types.RecordsEqual(out[idx], r, types.LineageColumns...) {
				dup = true
				break
			}
		}
		if dup {
			removed++
			continue
		}
		buckets[fp] = append(buckets[fp], len(out))
		out = append(out, r)
		outOrigins = append(outOrigins, origins[i])
	}
	return out, outOrigins, removed
}

func fingerprint(r types.Record) uint64 {
	cols := r.Columns()
	var sb strings.Builder
	for _, c := range cols {
		if slices.Contains(types.LineageColumns, c) || r[c] == nil {
			continue
		}
		sb.WriteString(c)
		sb.WriteByte('=')
		sb.WriteString(types.KeyOf(r, []string{c}))
		sb.WriteByte('\x1e')
	}
	return xxh3.HashString(sb.String())
}

// normalizeRow applies normalizeText to every string value. Blank strings
// become nil. Lineage columns are left untouched.
func normalizeRow(r types.Record) {
	for k, v := range r {
		s, ok := v.(string)
		if !ok || slices.Contains(types.LineageColumns, k) {
			continue
		}
		s = normalizeText(s)
		if s == "" {
			r[k] = nil
			continue
		}
		r[k] = s
	}
}

func (c *compiled) mapSynonyms(r types.Record, only map[string]bool) {
	for col, lookup := range c.synonyms {
		if only != nil && !only[col] {
			continue
		}
		s, ok := r[col].(string)
		if !ok {
			continue
		}
		if canonical, ok := lookup[foldKey(s)]; ok {
			r[col] = canonical
		}
	}
}

// decomposeRow moves the captured token of each rule into its target column.
// Every match is removed from the source text and the first token is kept,
// so a decomposed row never matches again. Without a match the target keeps
// an existing value or becomes nil.
func (c *compiled) decomposeRow(r types.Record) map[string]bool {
	touched := make(map[string]bool)
	for _, d := range c.decompose {
		s, ok := r[d.Column].(string)
		if !ok {
			keepOrNil(r, d.Into)
			continue
		}
		token, rest, matched := stripMatches(d.re, s)
		if !matched {
			keepOrNil(r, d.Into)
			continue
		}
		if token != "" {
			r[d.Into] = token
		} else {
			keepOrNil(r, d.Into)
		}
		if rest == "" {
			r[d.Column] = nil
		} else {
			r[d.Column] = rest
		}
		touched[d.Column] = true
		touched[d.Into] = true
	}
	return touched
}

// stripMatches removes matches of re from s until none is left and returns
// the first captured token.
func stripMatches(re *regexp.Regexp, s string) (token, rest string, matched bool) {
	rest = s
	for i := 0; i < len(s)+1; i++ {
		m := re.FindStringSubmatchIndex(rest)
		if m == nil || m[2] < 0 {
			break
		}
		if !matched {
			token = normalizeText(rest[m[2]:m[3]])
			matched = true
		}
		next := normalizeText(rest[:m[0]] + " " + rest[m[1]:])
		if next == rest {
			break
		}
		rest = next
	}
	if matched {
		rest = normalizeText(rest)
	}
	return token, rest, matched
}

func keepOrNil(r types.Record, col string) {
	if r.IsNull(col) {
		r[col] = nil
	}
}

// standardizeDates rewrites configured date columns to their canonical form
// and returns an issue per value that could not be parsed.
func (c *compiled) standardizeDates(r types.Record) []string {
	var issues []string
	for _, d := range c.dates {
		v := r[d.Column]
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		out, ok := parseDate(s, d)
		if !ok {
			r[d.Column] = nil
			issues = append(issues, fmt.Sprintf("%s: unparsable date %q", d.Column, s))
			continue
		}
		r[d.Column] = out
	}
	return issues
}

func parseDate(s string, d DateRule) (string, bool) {
	canonical := types.DateLayout
	if d.Timestamp {
		canonical = types.TimestampLayout
	}
	for _, layout := range append([]string{canonical}, d.Layouts...) {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if d.Timestamp {
			return t.UTC().Format(types.TimestampLayout), true
		}
		return t.Format(types.DateLayout), true
	}
	return "", false
}

// addIssues appends issues not yet recorded in the row's dq_issues column.
// The column is always present afterwards.
func addIssues(r types.Record, issues []string) bool {
	var existing []string
	if s, ok := r[types.ColDQIssues].(string); ok && s != "" {
		existing = strings.Split(s, "; ")
	}
	for _, issue := range issues {
		if !slices.Contains(existing, issue) {
			existing = append(existing, issue)
		}
	}
	if len(existing) == 0 {
		r[types.ColDQIssues] = nil
		return false
	}
	r[types.ColDQIssues] = strings.Join(existing, "; ")
	return len(issues) > 0
}
