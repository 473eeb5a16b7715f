// Package cleaning normalizes raw bronze rows into silver-ready rows.
//
// A Cleaner applies a fixed sequence of steps configured by Rules:
// exact-duplicate removal, whitespace and Unicode normalization, synonym
// mapping, composite-field decomposition, date standardization and
// required-field checks, then duplicate removal once more. Bad rows are
// excluded and counted; the batch never aborts because of them. Cleaning an
// already clean batch returns it unchanged.
package cleaning

import (
	"fmt"
	"regexp"

	perrors "github.com/fmcg/lakehouse/internal/errors"
)

// Rules configures a Cleaner for one entity.
type Rules struct {
	// Synonyms maps column -> canonical value -> variants.
	Synonyms map[string]map[string][]string `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`

	Decompose []DecomposeRule `json:"decompose,omitempty" yaml:"decompose,omitempty"`

	Dates []DateRule `json:"dates,omitempty" yaml:"dates,omitempty"`

	// Required columns must be non-empty after normalization.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`

	// MaxSamples bounds the excluded-row reasons kept in a Result.
	MaxSamples int `json:"max_samples,omitempty" yaml:"max_samples,omitempty"`
}

// DecomposeRule splits a token out of a composite text column. Pattern must
// have exactly one capture group, which becomes the value of Into; the whole
// match is removed from Column.
type DecomposeRule struct {
	Column  string `json:"column" yaml:"column"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Into    string `json:"into" yaml:"into"`
}

// DateRule standardizes a date or timestamp column. Values are parsed with
// the canonical layout first, then with Layouts in order.
type DateRule struct {
	Column    string   `json:"column" yaml:"column"`
	Layouts   []string `json:"layouts,omitempty" yaml:"layouts,omitempty"`
	Timestamp bool     `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// Validate checks that the rules compile.
func (r Rules) Validate() error {
	_, err := compile(r)
	return err
}

type decomposer struct {
	DecomposeRule
	re *regexp.Regexp
}

type compiled struct {
	synonyms   map[string]map[string]string
	decompose  []decomposer
	dates      []DateRule
	required   []string
	maxSamples int
}

func compile(r Rules) (*compiled, error) {
	c := &compiled{
		synonyms:   make(map[string]map[string]string, len(r.Synonyms)),
		dates:      r.Dates,
		required:   r.Required,
		maxSamples: r.MaxSamples,
	}
	if c.maxSamples <= 0 {
		c.maxSamples = perrors.DefaultMaxSamples
	}

	for col, canon := range r.Synonyms {
		lookup := make(map[string]string)
		for canonical, variants := range canon {
			canonical = normalizeText(canonical)
			for _, v := range append([]string{canonical}, variants...) {
				key := foldKey(v)
				if prev, ok := lookup[key]; ok && prev != canonical {
					return nil, perrors.NewConfigError(fmt.Sprintf(
						"synonym %q of column %q maps to both %q and %q", v, col, prev, canonical))
				}
				lookup[key] = canonical
			}
		}
		c.synonyms[col] = lookup
	}

	for _, d := range r.Decompose {
		if d.Column == "" || d.Into == "" {
			return nil, perrors.NewConfigError("decompose rule needs column and into")
		}
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, perrors.NewConfigError(fmt.Sprintf("decompose pattern for %q: %v", d.Column, err))
		}
		if re.NumSubexp() != 1 {
			return nil, perrors.NewConfigError(fmt.Sprintf(
				"decompose pattern for %q must have one capture group, has %d", d.Column, re.NumSubexp()))
		}
		c.decompose = append(c.decompose, decomposer{DecomposeRule: d, re: re})
	}

	for _, d := range r.Dates {
		if d.Column == "" {
			return nil, perrors.NewConfigError("date rule needs a column")
		}
	}
	return c, nil
}
