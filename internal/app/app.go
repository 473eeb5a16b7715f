// Package app wires the configured stores, metrics backend and pipeline
// together and persists checkpoints around runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fmcg/lakehouse/internal/changefeed"
	"github.com/fmcg/lakehouse/internal/checkpoint"
	"github.com/fmcg/lakehouse/internal/config"
	"github.com/fmcg/lakehouse/internal/layer"
	"github.com/fmcg/lakehouse/internal/manifest"
	"github.com/fmcg/lakehouse/internal/merge"
	"github.com/fmcg/lakehouse/internal/metrics"
	"github.com/fmcg/lakehouse/internal/metrics/datadog"
	"github.com/fmcg/lakehouse/internal/metrics/prompush"
	"github.com/fmcg/lakehouse/internal/pipeline"
	"github.com/fmcg/lakehouse/internal/retry"
	"github.com/fmcg/lakehouse/internal/storage"
	"github.com/fmcg/lakehouse/internal/tablestore"
	"github.com/fmcg/lakehouse/pkg/types"
)

// App holds the shared resources of one process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	objects     storage.ObjectStorage
	catalog     *manifest.SQLiteCatalog
	store       *tablestore.Store
	checkpoints checkpoint.Store
	backend     metrics.Backend
	metrics     *metrics.Recorder
	changes     *changefeed.Consumer
	pipeline    *pipeline.Pipeline

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and opens every resource it names.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	log := a.logger.With("component", "app")

	var err error
	switch a.cfg.Storage.Type {
	case config.StorageLocal:
		var local *storage.LocalStorage
		local, err = storage.NewLocalStorage(a.cfg.Storage.Path)
		if err == nil {
			a.objects = local
		}
	case config.StorageS3:
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		s3Cfg.Prefix = a.cfg.Storage.S3.Prefix
		var s3 *storage.S3Storage
		s3, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
		if err == nil {
			a.objects = s3
		}
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Info("storage initialized", "type", a.cfg.Storage.Type, "path", a.cfg.Storage.Path, "bucket", a.cfg.Storage.S3.Bucket)

	a.catalog, err = manifest.NewCatalog(a.cfg.TableStore.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to initialize manifest catalog: %w", err)
	}
	log.Info("manifest catalog initialized", "path", a.cfg.TableStore.ManifestPath)

	a.store = tablestore.New(a.catalog, a.objects, tablestore.Options{
		OpTimeout:    a.cfg.TableStore.OpTimeout,
		KeyFilterFPR: a.cfg.TableStore.KeyFilterFPR,
		Logger:       a.logger,
	})

	if a.checkpoints, err = a.openCheckpoints(ctx); err != nil {
		return fmt.Errorf("failed to initialize checkpoint store: %w", err)
	}
	log.Info("checkpoint store initialized", "type", a.cfg.Checkpoint.Type)

	if a.backend, err = a.openMetrics(); err != nil {
		return fmt.Errorf("failed to initialize metrics backend: %w", err)
	}
	a.metrics = metrics.NewRecorder(a.backend)

	a.changes = changefeed.NewConsumer(a.store, a.logger)
	policy := retry.Policy{
		MaxAttempts: a.cfg.Merge.MaxAttempts,
		BaseDelay:   a.cfg.Merge.BaseDelay,
		MaxDelay:    a.cfg.Merge.MaxDelay,
	}
	writes := layer.Options{Retry: policy, Logger: a.logger}
	a.pipeline, err = pipeline.New(pipeline.Deps{
		Store:   a.store,
		Objects: a.objects,
		Bronze:  layer.NewBronzeWriter(a.store, writes),
		Silver:  layer.NewSilverWriter(a.store, writes),
		Changes: a.changes,
		Merger:  merge.NewEngine(a.store, merge.Options{Retry: policy, Logger: a.logger}),
		Metrics: a.metrics,
		Logger:  a.logger,
	}, a.cfg.Entities, a.cfg.Conformance)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	log.Info("pipeline initialized", "entities", len(a.cfg.Entities),
		"dimensions", len(a.cfg.Conformance.Dimensions), "facts", len(a.cfg.Conformance.Facts))
	return nil
}

func (a *App) openCheckpoints(ctx context.Context) (checkpoint.Store, error) {
	if a.cfg.Checkpoint.Type == config.CheckpointPostgres {
		s, err := checkpoint.NewPostgresStore(ctx, a.cfg.Checkpoint.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := checkpoint.NewSQLiteStore(a.cfg.Checkpoint.Path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *App) openMetrics() (metrics.Backend, error) {
	switch a.cfg.Metrics.Type {
	case config.MetricsPushgateway:
		b, err := prompush.NewBackend(a.cfg.Metrics.Job, a.cfg.Metrics.PushgatewayURL)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.MetricsDatadog:
		b, err := datadog.NewBackend(a.cfg.Metrics.Datadog)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return metrics.Nop{}, nil
	}
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Store returns the table store.
func (a *App) Store() *tablestore.Store {
	return a.store
}

// Run runs one entity from its stored checkpoint and persists the new
// checkpoint when the run succeeded.
func (a *App) Run(ctx context.Context, entity string, mode types.RunMode) (*pipeline.Report, error) {
	cp, err := checkpoint.Load(ctx, a.checkpoints, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint of %s: %w", entity, err)
	}
	rep, err := a.pipeline.Run(ctx, pipeline.Request{Entity: entity, Mode: mode, Checkpoint: cp})
	if err == nil {
		err = a.saveCheckpoint(ctx, rep)
	}
	a.flushMetrics()
	return rep, err
}

// RunAll runs every configured entity concurrently, bounded by the
// configured concurrency. Checkpoints of successful entities are persisted
// even when others fail.
func (a *App) RunAll(ctx context.Context, mode types.RunMode) ([]*pipeline.Report, error) {
	names := a.pipeline.Entities()
	reqs := make([]pipeline.Request, 0, len(names))
	for _, name := range names {
		cp, err := checkpoint.Load(ctx, a.checkpoints, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint of %s: %w", name, err)
		}
		reqs = append(reqs, pipeline.Request{Entity: name, Mode: mode, Checkpoint: cp})
	}

	reports, runErr := a.pipeline.RunAll(ctx, reqs, a.cfg.Concurrency)
	errs := []error{runErr}
	for _, rep := range reports {
		if rep != nil && rep.Checkpoint != nil {
			errs = append(errs, a.saveCheckpoint(ctx, rep))
		}
	}
	a.flushMetrics()
	return reports, errors.Join(errs...)
}

func (a *App) saveCheckpoint(ctx context.Context, rep *pipeline.Report) error {
	if rep.Checkpoint == nil {
		return nil
	}
	if err := a.checkpoints.Put(ctx, rep.Checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint of %s: %w", rep.Entity, err)
	}
	a.logger.Info("checkpoint saved", "component", "app", "entity", rep.Entity,
		"version", rep.Checkpoint.Version, "source_cursor", rep.Checkpoint.SourceCursor)
	return nil
}

func (a *App) flushMetrics() {
	if err := a.metrics.Flush(); err != nil {
		a.logger.Warn("failed to flush metrics", "component", "app", "error", err)
	}
}

// Changes returns the row changes of a table committed in (since, until].
func (a *App) Changes(ctx context.Context, table string, since, until int64) (*changefeed.Feed, error) {
	return a.changes.Changes(ctx, table, since, until)
}

// History lists the versions of a table, starting with the version 0
// that created it.
func (a *App) History(ctx context.Context, table string) ([]tablestore.VersionInfo, error) {
	return a.store.History(ctx, table)
}

// Schemas lists the schema versions of a table.
func (a *App) Schemas(ctx context.Context, table string) ([]tablestore.SchemaInfo, error) {
	return a.store.Schemas(ctx, table)
}

// Tables lists every table in the store.
func (a *App) Tables(ctx context.Context) ([]string, error) {
	return a.store.Tables(ctx)
}

// Vacuum expires the history of tables older than retention. Zero
// retention uses the configured one.
func (a *App) Vacuum(ctx context.Context, tables []string, retention time.Duration) ([]*tablestore.VacuumResult, error) {
	if retention <= 0 {
		retention = a.cfg.TableStore.Retention
	}
	var results []*tablestore.VacuumResult
	var errs []error
	for _, t := range tables {
		res, err := a.store.Vacuum(ctx, t, retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("vacuum %s: %w", t, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// VacuumAll vacuums every table with the configured retention.
func (a *App) VacuumAll(ctx context.Context) ([]*tablestore.VacuumResult, error) {
	tables, err := a.store.Tables(ctx)
	if err != nil {
		return nil, err
	}
	return a.Vacuum(ctx, tables, 0)
}

// Reconcile compares the manifest with the stored objects. With
// removeOrphans, unreferenced objects are deleted.
func (a *App) Reconcile(ctx context.Context, removeOrphans bool) (*manifest.ReconciliationReport, error) {
	report, err := a.store.Reconcile(ctx, removeOrphans)
	if err != nil {
		return nil, err
	}
	if report.HasIssues() {
		a.logger.Warn("manifest and storage disagree", "component", "app",
			"dangling", len(report.DanglingEntries), "orphaned", len(report.OrphanedObjects),
			"removed", removeOrphans)
	}
	return report, nil
}

// Checkpoint returns the stored checkpoint of entity, or a zero checkpoint.
func (a *App) Checkpoint(ctx context.Context, entity string) (*checkpoint.Checkpoint, error) {
	return checkpoint.Load(ctx, a.checkpoints, entity)
}

// SetCheckpoint overwrites the checkpoint of an entity, e.g. to replay
// bronze changes from an earlier version.
func (a *App) SetCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if !slices.Contains(a.pipeline.Entities(), cp.Entity) {
		return fmt.Errorf("unknown entity %q", cp.Entity)
	}
	if cp.Table == "" {
		cp.Table = layer.TableName(layer.Bronze, cp.Entity)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	return a.checkpoints.Put(ctx, cp)
}

// Close releases every resource. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if c, ok := a.backend.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if a.checkpoints != nil {
			errs = append(errs, a.checkpoints.Close())
		}
		if a.catalog != nil {
			errs = append(errs, a.catalog.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
