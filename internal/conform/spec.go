package conform

import (
	"fmt"

	perrors "github.com/fmcg/lakehouse/internal/errors"
)

// DimensionSpec builds one gold dimension from a silver entity.
type DimensionSpec struct {
	// Name is the gold table name without layer, e.g. dim_customer.
	Name string `json:"name" yaml:"name"`

	// Source is the silver entity the rows come from.
	Source string `json:"source" yaml:"source"`

	// Key is the surrogate key column. It is the dimension's match key.
	Key string `json:"key" yaml:"key"`

	// Attributes maps source columns to output columns. Empty keeps every
	// non-lineage column under its own name.
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// OrderBy picks the latest row per key. Defaults to ingested_at.
	OrderBy string `json:"order_by,omitempty" yaml:"order_by,omitempty"`
}

// FactSpec builds one gold fact table from a silver entity.
type FactSpec struct {
	Name   string `json:"name" yaml:"name"`
	Source string `json:"source" yaml:"source"`

	// Key, when set, collapses source rows sharing this column to the last
	// one before anything else happens.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`

	// MatchKeys identify a fact row in the gold table. With Aggregate set
	// they are the group-by columns.
	MatchKeys []string `json:"match_keys,omitempty" yaml:"match_keys,omitempty"`

	// Columns are kept from the source. Empty keeps every non-lineage column.
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`

	Derived    []Derived   `json:"derived,omitempty" yaml:"derived,omitempty"`
	Aggregate  *Aggregate  `json:"aggregate,omitempty" yaml:"aggregate,omitempty"`
	References []Reference `json:"references,omitempty" yaml:"references,omitempty"`
}

// Derived computes Column = Left <Op> Right over numeric columns.
type Derived struct {
	Column string `json:"column" yaml:"column"`
	Op     string `json:"op" yaml:"op"`
	Left   string `json:"left" yaml:"left"`
	Right  string `json:"right" yaml:"right"`
}

// Derived measure operators.
const (
	OpMultiply = "multiply"
	OpAdd      = "add"
	OpSubtract = "subtract"
)

// Aggregate rolls fact rows up to one row per GroupBy combination.
type Aggregate struct {
	GroupBy []string `json:"group_by" yaml:"group_by"`
	Sum     []string `json:"sum" yaml:"sum"`

	// Count, when set, names a column holding the number of rolled-up rows.
	Count string `json:"count,omitempty" yaml:"count,omitempty"`

	// Period truncates a date column before grouping.
	Period *Period `json:"period,omitempty" yaml:"period,omitempty"`
}

// Period truncates Column to the first day of its Unit.
type Period struct {
	Column string `json:"column" yaml:"column"`
	Unit   string `json:"unit" yaml:"unit"`
}

// Period units.
const (
	UnitDay   = "day"
	UnitMonth = "month"
	UnitYear  = "year"
)

// Reference ties a fact foreign key column to a dimension.
type Reference struct {
	Column    string `json:"column" yaml:"column"`
	Dimension string `json:"dimension" yaml:"dimension"`
}

// Specs is the conformance configuration.
type Specs struct {
	Dimensions []DimensionSpec `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	Facts      []FactSpec      `json:"facts,omitempty" yaml:"facts,omitempty"`
}

// Validate checks every spec.
func (s Specs) Validate() error {
	names := make(map[string]bool)
	unique := func(name string) error {
		if name == "" {
			return perrors.NewConfigError("conformance: table name is required")
		}
		if names[name] {
			return perrors.NewConfigError(fmt.Sprintf("conformance: table %q is defined twice", name))
		}
		names[name] = true
		return nil
	}
	for _, d := range s.Dimensions {
		if err := unique(d.Name); err != nil {
			return err
		}
		if d.Source == "" || d.Key == "" {
			return perrors.NewConfigError(fmt.Sprintf("conformance: dimension %q needs a source and a key", d.Name))
		}
	}
	for _, f := range s.Facts {
		if err := unique(f.Name); err != nil {
			return err
		}
		if err := f.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (f FactSpec) validate() error {
	if f.Source == "" {
		return perrors.NewConfigError(fmt.Sprintf("conformance: fact %q needs a source", f.Name))
	}
	if f.Aggregate == nil && len(f.MatchKeys) == 0 {
		return perrors.NewConfigError(fmt.Sprintf("conformance: fact %q needs match keys", f.Name))
	}
	for _, d := range f.Derived {
		switch d.Op {
		case OpMultiply, OpAdd, OpSubtract:
		default:
			return perrors.NewConfigError(fmt.Sprintf("conformance: fact %q: unknown operator %q", f.Name, d.Op))
		}
		if d.Column == "" || d.Left == "" || d.Right == "" {
			return perrors.NewConfigError(fmt.Sprintf("conformance: fact %q: derived measures need column, left and right", f.Name))
		}
	}
	if a := f.Aggregate; a != nil {
		if len(a.GroupBy) == 0 {
			return perrors.NewConfigError(fmt.Sprintf("conformance: fact %q: aggregate needs group_by", f.Name))
		}
		if p := a.Period; p != nil {
			switch p.Unit {
			case UnitDay, UnitMonth, UnitYear:
			default:
				return perrors.NewConfigError(fmt.Sprintf("conformance: fact %q: unknown period %q", f.Name, p.Unit))
			}
		}
	}
	for _, r := range f.References {
		if r.Column == "" || r.Dimension == "" {
			return perrors.NewConfigError(fmt.Sprintf("conformance: fact %q: references need a column and a dimension", f.Name))
		}
	}
	return nil
}

// matchKeys returns the gold match keys of the fact.
func (f FactSpec) matchKeys() []string {
	if f.Aggregate != nil {
		return f.Aggregate.GroupBy
	}
	return f.MatchKeys
}
