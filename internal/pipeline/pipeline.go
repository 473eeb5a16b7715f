// Package pipeline composes the bronze, silver and gold stages of an entity
// into one run.
//
// A full run reloads every landing file, overwrites bronze and silver and
// merges everything into gold. An incremental run reads only landing files
// newer than the checkpoint's cursor, appends them to bronze and carries the
// bronze changes committed since the checkpoint's version through cleaning,
// identity resolution, silver and conformance into gold. If those changes
// were vacuumed the run falls back to a full reload of the latest bronze
// snapshot, which is safe because gold merges are idempotent.
//
// The checkpoint is an explicit argument and the successor is returned in
// the Report; persisting it is the caller's job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fmcg/lakehouse/internal/changefeed"
	"github.com/fmcg/lakehouse/internal/checkpoint"
	"github.com/fmcg/lakehouse/internal/cleaning"
	"github.com/fmcg/lakehouse/internal/conform"
	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/identity"
	"github.com/fmcg/lakehouse/internal/layer"
	"github.com/fmcg/lakehouse/internal/lineage"
	"github.com/fmcg/lakehouse/internal/merge"
	"github.com/fmcg/lakehouse/internal/metrics"
	"github.com/fmcg/lakehouse/internal/storage"
	"github.com/fmcg/lakehouse/internal/tablestore"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store   *tablestore.Store
	Objects storage.ObjectStorage
	Reader  *lineage.Reader
	Bronze  *layer.BronzeWriter
	Silver  *layer.SilverWriter
	Changes *changefeed.Consumer
	Merger  *merge.Engine
	Metrics *metrics.Recorder
	Logger  *slog.Logger

	// Now and NewRunID default to time.Now and uuid.NewString.
	Now      func() time.Time
	NewRunID func() string
}

// Pipeline runs entities through every stage.
type Pipeline struct {
	store    *tablestore.Store
	reader   *lineage.Reader
	bronze   *layer.BronzeWriter
	silver   *layer.SilverWriter
	changes  *changefeed.Consumer
	merger   *merge.Engine
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
	newRunID func() string

	entities map[string]*entityRuntime
	order    []string
	specs    conform.Specs
}

// New validates the entity and conformance configuration and builds a
// pipeline.
func New(deps Deps, entities []Entity, specs conform.Specs) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, perrors.NewConfigError("pipeline: a table store is required")
	}
	if deps.Reader == nil && deps.Objects == nil {
		return nil, perrors.NewConfigError("pipeline: landing object storage is required")
	}
	if err := specs.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pipeline{
		store:    deps.Store,
		reader:   deps.Reader,
		bronze:   deps.Bronze,
		silver:   deps.Silver,
		changes:  deps.Changes,
		merger:   deps.Merger,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "pipeline"),
		now:      deps.Now,
		newRunID: deps.NewRunID,
		entities: make(map[string]*entityRuntime, len(entities)),
		specs:    specs,
	}
	if p.reader == nil {
		p.reader = lineage.NewReader(deps.Objects, deps.Store, logger)
	}
	if p.bronze == nil {
		opts := layer.DefaultOptions()
		opts.Logger = logger
		p.bronze = layer.NewBronzeWriter(deps.Store, opts)
	}
	if p.silver == nil {
		opts := layer.DefaultOptions()
		opts.Logger = logger
		p.silver = layer.NewSilverWriter(deps.Store, opts)
	}
	if p.changes == nil {
		p.changes = changefeed.NewConsumer(deps.Store, logger)
	}
	if p.merger == nil {
		opts := merge.DefaultOptions()
		opts.Logger = logger
		p.merger = merge.NewEngine(deps.Store, opts)
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newRunID == nil {
		p.newRunID = uuid.NewString
	}

	for _, e := range entities {
		if e.Name == "" {
			return nil, perrors.NewConfigError("pipeline: entity name is required")
		}
		if _, dup := p.entities[e.Name]; dup {
			return nil, perrors.NewConfigError(fmt.Sprintf("pipeline: entity %q is defined twice", e.Name))
		}
		cleaner, err := cleaning.New(e.Cleaning, logger)
		if err != nil {
			return nil, fmt.Errorf("pipeline: entity %s: %w", e.Name, err)
		}
		resolver, err := identity.NewResolver(e.Identity, logger)
		if err != nil {
			return nil, fmt.Errorf("pipeline: entity %s: %w", e.Name, err)
		}
		p.entities[e.Name] = &entityRuntime{Entity: e, cleaner: cleaner, resolver: resolver}
		p.order = append(p.order, e.Name)
	}
	return p, nil
}

// Entities returns the configured entity names in configuration order.
func (p *Pipeline) Entities() []string {
	return slices.Clone(p.order)
}

// Request asks for one run of an entity.
type Request struct {
	Entity string
	Mode   types.RunMode

	// Source overrides the entity's configured landing source.
	Source *lineage.Source

	// Checkpoint is the last successful incremental state. Nil or zero
	// means nothing was processed yet.
	Checkpoint *checkpoint.Checkpoint
}

// run carries the state of one Run between stages.
type run struct {
	req    Request
	rep    *Report
	e      *entityRuntime
	prev   checkpoint.Checkpoint
	cursor string
	bronze int64
}

// Run executes every stage for req.Entity. On failure the returned error is
// a *StageError and the report covers the stages that ran.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Report, error) {
	e, err := p.entity(req.Entity)
	if err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = types.RunIncremental
	}
	if req.Mode != types.RunFull && req.Mode != types.RunIncremental {
		return nil, perrors.NewConfigError(fmt.Sprintf("pipeline: unknown run mode %q", req.Mode))
	}

	r := &run{
		req: req,
		e:   e,
		rep: &Report{
			RunID:     p.newRunID(),
			Entity:    req.Entity,
			Mode:      req.Mode,
			Versions:  make(map[string]int64),
			Orphans:   make(map[string]int),
			StartedAt: p.now().UTC(),
		},
	}
	if req.Source != nil {
		override := *e
		override.Source = *req.Source
		r.e = &override
	}
	if req.Checkpoint != nil {
		r.prev = *req.Checkpoint
	}
	r.cursor = r.prev.SourceCursor
	log := p.logger.With("entity", req.Entity, "run_id", r.rep.RunID, "mode", req.Mode)
	log.Info("run started", "checkpoint_version", r.prev.Version, "source_cursor", r.prev.SourceCursor)

	if req.Mode == types.RunFull {
		err = p.runFull(ctx, r, true)
	} else {
		err = p.runIncremental(ctx, r, log)
	}
	r.rep.FinishedAt = p.now().UTC()
	if err != nil {
		log.Error("run failed", "stage", FailedStage(err), "error", err)
		return r.rep, err
	}

	r.rep.Checkpoint = &checkpoint.Checkpoint{
		Entity:       req.Entity,
		Table:        layer.TableName(layer.Bronze, req.Entity),
		Version:      max(r.bronze, r.prev.Version),
		SourceCursor: r.cursor,
		RunID:        r.rep.RunID,
		UpdatedAt:    r.rep.FinishedAt,
	}
	log.Info("run finished", "bronze_version", r.rep.Checkpoint.Version, "fell_back", r.rep.FellBack,
		"merges", len(r.rep.Merges), "duration", r.rep.FinishedAt.Sub(r.rep.StartedAt))
	return r.rep, nil
}

// runFull reloads the entity from the latest bronze snapshot. With
// readLanding, every landing file is read first and replaces bronze.
func (p *Pipeline) runFull(ctx context.Context, r *run, readLanding bool) error {
	bronzeTable := layer.TableName(layer.Bronze, r.req.Entity)
	if readLanding {
		batch, err := p.readStage(ctx, r, "")
		if err != nil {
			return err
		}
		if len(batch.Files) > 0 {
			if err := p.bronzeStage(ctx, r, batch, types.WriteOverwrite); err != nil {
				return err
			}
		}
	}

	var rows []types.Record
	err := p.stage(ctx, r, StageSnapshot, func(sr *StageReport) error {
		var version int64
		var err error
		rows, version, err = p.store.Snapshot(ctx, bronzeTable, 0)
		if errors.Is(err, perrors.ErrTableNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		r.bronze = version
		r.rep.Versions[bronzeTable] = version
		sr.RowsOut = len(rows)
		return nil
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return p.transform(ctx, r, rows, types.WriteOverwrite)
}

func (p *Pipeline) runIncremental(ctx context.Context, r *run, log *slog.Logger) error {
	batch, err := p.readStage(ctx, r, r.prev.SourceCursor)
	if err != nil {
		return err
	}
	if len(batch.Rows) > 0 {
		if err := p.bronzeStage(ctx, r, batch, types.WriteAppend); err != nil {
			return err
		}
	}

	bronzeTable := layer.TableName(layer.Bronze, r.req.Entity)
	var feed *changefeed.Feed
	var vacuumed, missing bool
	err = p.stage(ctx, r, StageChanges, func(sr *StageReport) error {
		var err error
		feed, err = p.Changes(ctx, r.req.Entity, r.prev.Version)
		switch {
		case errors.Is(err, perrors.ErrHistoryUnavailable):
			log.Warn("change history vacuumed, reloading from the latest bronze snapshot",
				"since", r.prev.Version, "error", err)
			vacuumed = true
			return nil
		case errors.Is(err, perrors.ErrTableNotFound):
			missing = true
			return nil
		case err != nil:
			return err
		}
		sr.RowsOut = len(feed.Events)
		return nil
	})
	switch {
	case err != nil:
		return err
	case vacuumed:
		r.rep.FellBack = true
		return p.runFull(ctx, r, false)
	case missing:
		log.Info("no bronze data yet")
		return nil
	}

	r.bronze = feed.Until
	r.rep.Versions[bronzeTable] = feed.Until
	rows := feed.Upserts()
	if len(rows) == 0 {
		return nil
	}
	return p.transform(ctx, r, rows, types.WriteAppend)
}

// transform carries bronze rows through cleaning, identity resolution,
// silver, conformance and merge.
func (p *Pipeline) transform(ctx context.Context, r *run, rows []types.Record, silverMode types.WriteMode) error {
	entity := r.req.Entity

	var cleaned *cleaning.Result
	err := p.stage(ctx, r, StageClean, func(sr *StageReport) error {
		var err error
		cleaned, err = p.Clean(entity, rows)
		if err != nil {
			return err
		}
		sr.RowsIn, sr.RowsOut, sr.Excluded = cleaned.Input, len(cleaned.Rows), cleaned.Excluded
		sr.Samples = cleaned.Errors.Reasons()
		p.metrics.RecordRows(entity, StageClean, "duplicates", int64(cleaned.Duplicates))
		p.metrics.RecordRows(entity, StageClean, "flagged", int64(cleaned.Flagged))
		return nil
	})
	if err != nil {
		return err
	}

	var resolved *identity.Result
	err = p.stage(ctx, r, StageResolve, func(sr *StageReport) error {
		var err error
		resolved, err = p.Resolve(entity, cleaned.Rows)
		if err != nil {
			return err
		}
		resolved.Errors.Remap(cleaned.Origins)
		sr.RowsIn, sr.RowsOut, sr.Excluded = len(cleaned.Rows), len(resolved.Rows), resolved.Excluded
		sr.Samples = resolved.Errors.Reasons()
		return nil
	})
	if err != nil {
		return err
	}

	silverTable := layer.TableName(layer.Silver, entity)
	err = p.stage(ctx, r, StageSilver, func(sr *StageReport) error {
		info, err := p.WriteSilver(ctx, entity, resolved.Rows, silverMode)
		if err != nil {
			return err
		}
		sr.RowsIn, sr.RowsOut = len(resolved.Rows), int(info.RowsWritten)
		r.rep.Versions[silverTable] = info.Version
		return nil
	})
	if err != nil {
		return err
	}

	fullRows := resolved.Rows
	if silverMode == types.WriteAppend && p.hasRollups(entity) {
		fullRows, _, err = p.store.Snapshot(ctx, silverTable, 0)
		if err != nil {
			return newStageError(r.rep, StageConform, err)
		}
	}
	if p.hasRollups(entity) {
		// Silver is append-only, so a replayed batch leaves a second copy
		// of each row. Roll-ups see one row per surrogate key.
		fullRows = conform.LastByKey(fullRows, r.e.resolver.KeyColumn())
	}

	var out *conform.Output
	err = p.stage(ctx, r, StageConform, func(sr *StageReport) error {
		var err error
		out, err = p.Conform(ctx, entity, resolved.Rows, fullRows)
		if err != nil {
			return err
		}
		sr.RowsIn = len(resolved.Rows)
		for _, t := range out.Tables {
			sr.RowsOut += len(t.Rows)
		}
		sr.Excluded = out.Errors.Count
		sr.Samples = out.Errors.Reasons()
		for name, n := range out.Orphans {
			r.rep.Orphans[name] = n
			if n > 0 {
				p.logger.Warn("facts reference unknown dimension rows", "entity", entity, "fact", name, "orphans", n)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.stage(ctx, r, StageMerge, func(sr *StageReport) error {
		summaries, err := p.Merge(ctx, out.Tables)
		for _, s := range summaries {
			r.rep.Versions[s.Table] = s.Version
			sr.RowsIn += int(s.Inserted + s.Updated + s.Unchanged)
			sr.RowsOut += int(s.Inserted + s.Updated)
			sr.Excluded += s.Rejected
		}
		r.rep.Merges = append(r.rep.Merges, summaries...)
		return err
	})
}

func (p *Pipeline) readStage(ctx context.Context, r *run, after string) (*lineage.Batch, error) {
	var batch *lineage.Batch
	err := p.stage(ctx, r, StageRead, func(sr *StageReport) error {
		var err error
		batch, err = p.reader.Read(ctx, layer.TableName(layer.Bronze, r.req.Entity), r.e.Source, lineage.ReadOptions{After: after})
		if err != nil {
			return err
		}
		sr.RowsOut = len(batch.Rows)
		if c := batch.Cursor(); c != "" && c > r.cursor {
			r.cursor = c
		}
		return nil
	})
	return batch, err
}

func (p *Pipeline) bronzeStage(ctx context.Context, r *run, batch *lineage.Batch, mode types.WriteMode) error {
	return p.stage(ctx, r, StageBronze, func(sr *StageReport) error {
		info, err := p.WriteBronze(ctx, r.req.Entity, batch, mode)
		if err != nil {
			return err
		}
		sr.RowsIn, sr.RowsOut = len(batch.Rows), int(info.RowsWritten)
		r.rep.Versions[info.Table] = info.Version
		return nil
	})
}

// stage times fn, records it in the report and metrics, and wraps a
// failure in a StageError.
func (p *Pipeline) stage(ctx context.Context, r *run, name string, fn func(sr *StageReport) error) error {
	if err := ctx.Err(); err != nil {
		return newStageError(r.rep, name, err)
	}
	sr := StageReport{Name: name}
	start := p.now()
	err := fn(&sr)
	sr.Duration = p.now().Sub(start)
	if err != nil {
		sr.Error = err.Error()
	}
	r.rep.Stages = append(r.rep.Stages, sr)

	p.metrics.RecordStage(r.req.Entity, name, err, sr.Duration)
	p.metrics.RecordRows(r.req.Entity, name, "in", int64(sr.RowsIn))
	p.metrics.RecordRows(r.req.Entity, name, "out", int64(sr.RowsOut))
	p.metrics.RecordRows(r.req.Entity, name, "excluded", int64(sr.Excluded))

	if err != nil {
		return newStageError(r.rep, name, err)
	}
	return nil
}

func (p *Pipeline) hasRollups(entity string) bool {
	for _, f := range p.specs.Facts {
		if f.Source == entity && f.Aggregate != nil {
			return true
		}
	}
	return false
}

// RunAll runs the requests concurrently, at most limit at a time (no limit
// when limit <= 0). Entities are independent: one failing does not stop
// the others. Reports are returned in request order; the error joins every
// failure.
func (p *Pipeline) RunAll(ctx context.Context, reqs []Request, limit int) ([]*Report, error) {
	reports := make([]*Report, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			reports[i], errs[i] = p.Run(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}
