package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/fmcg/lakehouse/internal/changefeed"
	"github.com/fmcg/lakehouse/internal/cleaning"
	"github.com/fmcg/lakehouse/internal/conform"
	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/identity"
	"github.com/fmcg/lakehouse/internal/layer"
	"github.com/fmcg/lakehouse/internal/lineage"
	"github.com/fmcg/lakehouse/internal/merge"
	"github.com/fmcg/lakehouse/internal/tablestore"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Entity configures the stages of one entity type.
type Entity struct {
	Name     string          `json:"name" yaml:"name"`
	Source   lineage.Source  `json:"source" yaml:"source"`
	Cleaning cleaning.Rules  `json:"cleaning" yaml:"cleaning"`
	Identity identity.Config `json:"identity" yaml:"identity"`
}

type entityRuntime struct {
	Entity
	cleaner  *cleaning.Cleaner
	resolver *identity.Resolver
}

func (p *Pipeline) entity(name string) (*entityRuntime, error) {
	e, ok := p.entities[name]
	if !ok {
		return nil, perrors.NewConfigError(fmt.Sprintf("unknown entity %q", name))
	}
	return e, nil
}

// Read loads landing files of entity newer than after.
func (p *Pipeline) Read(ctx context.Context, entity, after string) (*lineage.Batch, error) {
	e, err := p.entity(entity)
	if err != nil {
		return nil, err
	}
	return p.reader.Read(ctx, layer.TableName(layer.Bronze, entity), e.Source, lineage.ReadOptions{After: after})
}

// WriteBronze commits a batch to bronze.<entity> with change tracking on.
func (p *Pipeline) WriteBronze(ctx context.Context, entity string, batch *lineage.Batch, mode types.WriteMode) (tablestore.CommitInfo, error) {
	if _, err := p.entity(entity); err != nil {
		return tablestore.CommitInfo{}, err
	}
	schema := batch.Schema
	return p.bronze.Write(ctx, layer.Request{
		Entity:         entity,
		Rows:           batch.Rows,
		Schema:         &schema,
		Mode:           mode,
		ChangeTracking: true,
	})
}

// Changes returns the bronze changes of entity after version since.
func (p *Pipeline) Changes(ctx context.Context, entity string, since int64) (*changefeed.Feed, error) {
	if _, err := p.entity(entity); err != nil {
		return nil, err
	}
	return p.changes.Changes(ctx, layer.TableName(layer.Bronze, entity), since, 0)
}

// Clean applies the entity's cleaning rules.
func (p *Pipeline) Clean(entity string, rows []types.Record) (*cleaning.Result, error) {
	e, err := p.entity(entity)
	if err != nil {
		return nil, err
	}
	return e.cleaner.Clean(rows), nil
}

// Resolve assigns surrogate keys.
func (p *Pipeline) Resolve(entity string, rows []types.Record) (*identity.Result, error) {
	e, err := p.entity(entity)
	if err != nil {
		return nil, err
	}
	return e.resolver.Resolve(rows), nil
}

// WriteSilver commits resolved rows to silver.<entity>. Column types follow
// the bronze table where it has a numeric or boolean column, so a column
// that happens to be all null in one batch keeps its type.
func (p *Pipeline) WriteSilver(ctx context.Context, entity string, rows []types.Record, mode types.WriteMode) (tablestore.CommitInfo, error) {
	e, err := p.entity(entity)
	if err != nil {
		return tablestore.CommitInfo{}, err
	}
	key := e.resolver.KeyColumn()
	known, err := p.store.Schema(ctx, layer.TableName(layer.Bronze, entity))
	if err != nil && !errors.Is(err, perrors.ErrTableNotFound) {
		return tablestore.CommitInfo{}, err
	}
	if prev, err := p.store.Schema(ctx, layer.TableName(layer.Silver, entity)); err == nil {
		known = mergeKnown(prev, known)
	}
	schema := schemaFor(rows, []string{key}, known)
	return p.silver.Write(ctx, layer.Request{
		Entity:         entity,
		Rows:           rows,
		Schema:         &schema,
		Mode:           mode,
		ChangeTracking: true,
	}, key)
}

// Conform builds the gold row sets fed by entity. Facts that aggregate are
// built from fullRows, every other table from rows. Fact references are
// checked against the current gold dimensions.
func (p *Pipeline) Conform(ctx context.Context, entity string, rows, fullRows []types.Record) (*conform.Output, error) {
	if _, err := p.entity(entity); err != nil {
		return nil, err
	}
	var plain, rollups []conform.FactSpec
	for _, f := range p.specs.Facts {
		if f.Source != entity {
			continue
		}
		if f.Aggregate != nil {
			rollups = append(rollups, f)
		} else {
			plain = append(plain, f)
		}
	}

	existing, err := p.goldDimensions(ctx, append(slices.Clone(plain), rollups...))
	if err != nil {
		return nil, err
	}

	out, err := conform.Conform(conform.Input{Sources: map[string][]types.Record{entity: rows}, Dimensions: existing},
		conform.Specs{Dimensions: p.specs.Dimensions, Facts: plain})
	if err != nil {
		return nil, err
	}
	if len(rollups) > 0 {
		agg, err := conform.Conform(conform.Input{Sources: map[string][]types.Record{entity: fullRows}, Dimensions: existing},
			conform.Specs{Dimensions: withoutSource(p.specs.Dimensions, entity), Facts: rollups})
		if err != nil {
			return nil, err
		}
		out.Tables = append(out.Tables, agg.Tables...)
		for k, v := range agg.Orphans {
			out.Orphans[k] = v
		}
		out.Errors.Count += agg.Errors.Count
		out.Errors.Samples = append(out.Errors.Samples, agg.Errors.Samples...)
	}
	return out, nil
}

// goldDimensions loads the gold dimensions referenced by facts.
func (p *Pipeline) goldDimensions(ctx context.Context, facts []conform.FactSpec) (map[string][]types.Record, error) {
	out := make(map[string][]types.Record)
	for _, f := range facts {
		for _, ref := range f.References {
			if _, done := out[ref.Dimension]; done {
				continue
			}
			rows, _, err := p.store.Snapshot(ctx, layer.TableName(layer.Gold, ref.Dimension), 0)
			if errors.Is(err, perrors.ErrTableNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out[ref.Dimension] = rows
		}
	}
	return out, nil
}

// Merge upserts every conformed table into gold, dimensions first. It stops
// at the first table that fails; tables merged before it stay committed.
func (p *Pipeline) Merge(ctx context.Context, tables []conform.Table) ([]MergeSummary, error) {
	ordered := make([]conform.Table, 0, len(tables))
	for _, kind := range []string{conform.KindDimension, conform.KindFact} {
		for _, t := range tables {
			if t.Kind == kind {
				ordered = append(ordered, t)
			}
		}
	}

	var summaries []MergeSummary
	for _, t := range ordered {
		name := layer.TableName(layer.Gold, t.Name)
		var known types.Schema
		if s, err := p.store.Schema(ctx, name); err == nil {
			known = s
		}
		schema := schemaFor(t.Rows, t.MatchKeys, known)
		res, err := p.merger.Merge(ctx, merge.Request{Table: name, Rows: t.Rows, MatchKeys: t.MatchKeys, Schema: &schema})
		if err != nil {
			return summaries, err
		}
		p.metrics.RecordMerge(name, res.Inserted, res.Updated, res.Committed)
		summaries = append(summaries, MergeSummary{
			Table:     name,
			Version:   res.Version,
			Inserted:  res.Inserted,
			Updated:   res.Updated,
			Unchanged: res.Unchanged,
			Rejected:  res.Rejected,
			Committed: res.Committed,
			Attempts:  res.Attempts,
		})
	}
	return summaries, nil
}

// schemaFor infers the schema of rows with keys as primary key, taking the
// type of numeric and boolean columns from known.
func schemaFor(rows []types.Record, keys []string, known types.Schema) types.Schema {
	s := types.SchemaOf(rows, keys)
	for i, c := range s.Columns {
		k, ok := known.Column(c.Name)
		if !ok {
			continue
		}
		switch k.Type {
		case types.TypeInteger, types.TypeDouble, types.TypeBoolean:
			if c.Type == types.TypeString || c.Type == types.TypeInteger && k.Type == types.TypeDouble {
				s.Columns[i].Type = k.Type
			}
		}
	}
	return s
}

// mergeKnown overlays the columns of primary on secondary.
func mergeKnown(primary, secondary types.Schema) types.Schema {
	out := types.Schema{Columns: append([]types.ColumnDef(nil), primary.Columns...)}
	for _, c := range secondary.Columns {
		if _, ok := out.Column(c.Name); !ok {
			out.Columns = append(out.Columns, c)
		}
	}
	return out
}

func withoutSource(dims []conform.DimensionSpec, source string) []conform.DimensionSpec {
	var out []conform.DimensionSpec
	for _, d := range dims {
		if d.Source != source {
			out = append(out, d)
		}
	}
	return out
}
