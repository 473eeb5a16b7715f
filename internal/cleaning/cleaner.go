package cleaning

import (
	"io"
	"log/slog"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Result summarizes one cleaning pass.
type Result struct {
	Rows []types.Record
	// Origins holds the input position of each row in Rows.
	Origins []int

	// Input is the number of rows received.
	Input int
	// Duplicates counts exact duplicates removed by either dedup pass.
	Duplicates int
	// Excluded counts rows dropped for missing required fields.
	Excluded int
	// Flagged counts rows that gained a data-quality issue.
	Flagged int

	// Errors holds the exclusion count and sample reasons.
	Errors *perrors.RowErrors
}

// Err returns a ROW_VALIDATION error describing the excluded rows, or nil.
func (r *Result) Err() error {
	return r.Errors.Err()
}

// Cleaner applies compiled Rules.
type Cleaner struct {
	rules  *compiled
	logger *slog.Logger
}

// New compiles rules into a Cleaner.
func New(rules Rules, logger *slog.Logger) (*Cleaner, error) {
	c, err := compile(rules)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cleaner{rules: c, logger: logger.With("component", "cleaning")}, nil
}

// Clean returns normalized copies of rows. The input is not modified.
func (c *Cleaner) Clean(rows []types.Record) *Result {
	res := &Result{Input: len(rows), Errors: &perrors.RowErrors{MaxSamples: c.rules.maxSamples}}

	origins := make([]int, len(rows))
	for i := range origins {
		origins[i] = i
	}
	working, origins, removed := dedup(types.CloneRecords(rows), origins)
	res.Duplicates += removed

	kept := working[:0]
	keptOrigins := origins[:0]
	for i, r := range working {
		normalizeRow(r)
		c.rules.mapSynonyms(r, nil)
		if touched := c.rules.decomposeRow(r); len(touched) > 0 {
			c.rules.mapSynonyms(r, touched)
		}
		if addIssues(r, c.rules.standardizeDates(r)) {
			res.Flagged++
		}

		if field, ok := c.missingRequired(r); !ok {
			res.Excluded++
			res.Errors.Add(origins[i], field, "required field is empty")
			continue
		}
		kept = append(kept, r)
		keptOrigins = append(keptOrigins, origins[i])
	}

	res.Rows, res.Origins, removed = dedup(kept, keptOrigins)
	res.Duplicates += removed

	c.logger.Debug("cleaned batch", "input", res.Input, "output", len(res.Rows),
		"duplicates", res.Duplicates, "excluded", res.Excluded, "flagged", res.Flagged)
	return res
}

func (c *Cleaner) missingRequired(r types.Record) (string, bool) {
	for _, f := range c.rules.required {
		if r.IsNull(f) {
			return f, false
		}
	}
	return "", true
}
