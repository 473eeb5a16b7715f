// Package tablestore implements versioned, schema-enforced tables with
// row-level change tracking on top of object storage and the SQLite manifest.
//
// Every write commits a new immutable version. A version is the set of data
// files active at that version; appends add a file, overwrites replace the
// set, and merges rewrite only the files holding matched keys. Tables created
// with change tracking also store one change file per version, which
// Changes reads back until Vacuum expires it.
package tablestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/manifest"
	"github.com/fmcg/lakehouse/internal/storage"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Options configures a Store.
type Options struct {
	// OpTimeout bounds every manifest and object storage operation.
	OpTimeout time.Duration

	// KeyFilterFPR is the target false positive rate of per-file key filters.
	KeyFilterFPR float64

	// Logger receives store events. Defaults to a discarding logger.
	Logger *slog.Logger

	// Now returns the commit time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns a 30s operation timeout and 1% key filter FPR.
func DefaultOptions() Options {
	return Options{OpTimeout: 30 * time.Second, KeyFilterFPR: 0.01}
}

// Store is the table store. It is safe for concurrent use; concurrent
// commits to the same table are resolved optimistically and the loser gets
// a WRITE_CONFLICT error.
type Store struct {
	catalog *manifest.SQLiteCatalog
	schemas *manifest.SchemaRegistry
	objects storage.ObjectStorage
	opts    Options
	logger  *slog.Logger
}

// New creates a store over an open catalog and object storage.
func New(catalog *manifest.SQLiteCatalog, objects storage.ObjectStorage, opts Options) *Store {
	defaults := DefaultOptions()
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaults.OpTimeout
	}
	if opts.KeyFilterFPR <= 0 || opts.KeyFilterFPR >= 1 {
		opts.KeyFilterFPR = defaults.KeyFilterFPR
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		catalog: catalog,
		schemas: manifest.NewSchemaRegistry(catalog),
		objects: objects,
		opts:    opts,
		logger:  logger.With("component", "tablestore"),
	}
}

// TableDef declares a new table.
type TableDef struct {
	Schema         types.Schema
	ChangeTracking bool
	// KeyColumns are indexed by per-file key filters and used by Merge to
	// skip files.
	KeyColumns []string
}

// TableInfo describes an existing table.
type TableInfo struct {
	Name           string
	ChangeTracking bool
	KeyColumns     []string
	Schema         types.Schema
	LatestVersion  int64
	RowCount       int64
	CreatedAt      time.Time
}

// VersionInfo is one entry of a table's history.
type VersionInfo struct {
	Version       int64     `json:"version"`
	Operation     string    `json:"operation"`
	SchemaVersion int       `json:"schema_version"`
	RowCount      int64     `json:"row_count"`
	RowsInserted  int64     `json:"rows_inserted"`
	RowsUpdated   int64     `json:"rows_updated"`
	RowsDeleted   int64     `json:"rows_deleted"`
	Expired       bool      `json:"expired,omitempty"`
	CommittedAt   time.Time `json:"committed_at"`
}

// CreateTable registers a table. Creating an existing table is a no-op
// unless the change tracking setting differs, which fails with
// TRACKING_DISABLED since tracking is fixed at creation.
func (s *Store) CreateTable(ctx context.Context, name string, def TableDef) error {
	if err := validateTableName(name); err != nil {
		return err
	}
	for _, k := range def.KeyColumns {
		if _, ok := def.Schema.Column(k); !ok {
			return perrors.NewSchemaViolation(name, fmt.Errorf("key column %q is not in the schema", k))
		}
	}

	err := s.do(ctx, "create table "+name, func(ctx context.Context) error {
		return s.catalog.CreateTable(ctx, manifest.TableRecord{
			Name:           name,
			ChangeTracking: def.ChangeTracking,
			KeyColumns:     def.KeyColumns,
			CreatedAt:      s.opts.Now(),
		}, def.Schema)
	})
	if errors.Is(err, manifest.ErrTableExists) {
		existing, err := s.table(ctx, name)
		if err != nil {
			return err
		}
		if existing.ChangeTracking != def.ChangeTracking {
			return perrors.NewTrackingDisabled(name, "change tracking is fixed when the table is created")
		}
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("created table", "table", name, "change_tracking", def.ChangeTracking,
		"columns", len(def.Schema.Columns))
	return nil
}

// Table returns the description of an existing table.
func (s *Store) Table(ctx context.Context, name string) (*TableInfo, error) {
	t, err := s.table(ctx, name)
	if err != nil {
		return nil, err
	}
	schema, err := s.Schema(ctx, name)
	if err != nil {
		return nil, err
	}
	latest, err := s.latest(ctx, name)
	if err != nil {
		return nil, err
	}
	return &TableInfo{
		Name:           t.Name,
		ChangeTracking: t.ChangeTracking,
		KeyColumns:     t.KeyColumns,
		Schema:         schema,
		LatestVersion:  latest.Version,
		RowCount:       latest.RowCount,
		CreatedAt:      t.CreatedAt,
	}, nil
}

// Exists reports whether a table has been created.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.table(ctx, name)
	if errors.Is(err, perrors.ErrTableNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Tables lists every table name.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.do(ctx, "list tables", func(ctx context.Context) error {
		var err error
		names, err = s.catalog.ListTables(ctx)
		return err
	})
	return names, err
}

// LatestVersion returns the most recent committed version of a table.
func (s *Store) LatestVersion(ctx context.Context, name string) (int64, error) {
	v, err := s.latest(ctx, name)
	if err != nil {
		return 0, err
	}
	return v.Version, nil
}

// Schema returns the current schema of a table.
func (s *Store) Schema(ctx context.Context, name string) (types.Schema, error) {
	var rec *manifest.SchemaVersionRecord
	err := s.do(ctx, "read schema of "+name, func(ctx context.Context) error {
		var err error
		rec, err = s.schemas.Current(ctx, name)
		return err
	})
	if err != nil {
		return types.Schema{}, s.mapErr(name, 0, err)
	}
	return rec.Schema, nil
}

// schemaAt returns a table's schema as registered under version.
func (s *Store) schemaAt(ctx context.Context, name string, version int) (types.Schema, error) {
	var rec *manifest.SchemaVersionRecord
	err := s.do(ctx, "read schema of "+name, func(ctx context.Context) error {
		var err error
		rec, err = s.schemas.Get(ctx, name, version)
		return err
	})
	if err != nil {
		return types.Schema{}, s.mapErr(name, 0, err)
	}
	return rec.Schema, nil
}

// SchemaInfo is one registered schema version of a table.
type SchemaInfo struct {
	Version   int               `json:"version"`
	Columns   []types.ColumnDef `json:"columns"`
	CreatedAt time.Time         `json:"created_at"`
}

// Schemas lists every schema version of a table, oldest first.
func (s *Store) Schemas(ctx context.Context, name string) ([]SchemaInfo, error) {
	if _, err := s.table(ctx, name); err != nil {
		return nil, err
	}
	var recs []manifest.SchemaVersionRecord
	err := s.do(ctx, "list schemas of "+name, func(ctx context.Context) error {
		var err error
		recs, err = s.schemas.List(ctx, name)
		return err
	})
	if err != nil {
		return nil, s.mapErr(name, 0, err)
	}
	out := make([]SchemaInfo, len(recs))
	for i, r := range recs {
		out[i] = SchemaInfo{Version: r.Version, Columns: r.Schema.Columns, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

// History lists every version of a table, oldest first.
func (s *Store) History(ctx context.Context, name string) ([]VersionInfo, error) {
	if _, err := s.table(ctx, name); err != nil {
		return nil, err
	}
	var recs []*manifest.VersionRecord
	err := s.do(ctx, "read history of "+name, func(ctx context.Context) error {
		var err error
		recs, err = s.catalog.ListVersions(ctx, name, -1, -1)
		return err
	})
	if err != nil {
		return nil, s.mapErr(name, 0, err)
	}
	out := make([]VersionInfo, len(recs))
	for i, r := range recs {
		out[i] = VersionInfo{
			Version:       r.Version,
			Operation:     r.Operation,
			SchemaVersion: r.SchemaVersion,
			RowCount:      r.RowCount,
			RowsInserted:  r.RowsInserted,
			RowsUpdated:   r.RowsUpdated,
			RowsDeleted:   r.RowsDeleted,
			Expired:       r.Expired,
			CommittedAt:   r.CommittedAt,
		}
	}
	return out, nil
}

// Snapshot returns the rows of a table at version. version <= 0 reads the
// latest version. The resolved version is returned with the rows.
func (s *Store) Snapshot(ctx context.Context, name string, version int64) ([]types.Record, int64, error) {
	if _, err := s.table(ctx, name); err != nil {
		return nil, 0, err
	}
	var rec *manifest.VersionRecord
	var err error
	if version <= 0 {
		rec, err = s.latest(ctx, name)
	} else {
		err = s.do(ctx, "read version of "+name, func(ctx context.Context) error {
			var err error
			rec, err = s.catalog.GetVersion(ctx, name, version)
			return err
		})
		if errors.Is(err, manifest.ErrVersionNotFound) {
			return nil, 0, perrors.New(perrors.ErrCategoryTable, perrors.CodeTableNotFound,
				fmt.Sprintf("version %d of %s does not exist", version, name))
		}
	}
	if err != nil {
		return nil, 0, s.mapErr(name, version, err)
	}
	if rec.Expired {
		return nil, 0, perrors.NewHistoryUnavailable(name, rec.Version-1, rec.Version)
	}

	schema, err := s.schemaAt(ctx, name, rec.SchemaVersion)
	if err != nil {
		return nil, 0, err
	}
	files, err := s.activeFiles(ctx, name, rec.Version)
	if err != nil {
		return nil, 0, err
	}
	var rows []types.Record
	for _, f := range files {
		fileRows, err := s.readDataFile(ctx, f.ObjectPath, schema)
		if err != nil {
			return nil, 0, err
		}
		rows = append(rows, fileRows...)
	}
	return rows, rec.Version, nil
}

func (s *Store) table(ctx context.Context, name string) (*manifest.TableRecord, error) {
	var t *manifest.TableRecord
	err := s.do(ctx, "read table "+name, func(ctx context.Context) error {
		var err error
		t, err = s.catalog.GetTable(ctx, name)
		return err
	})
	if err != nil {
		return nil, s.mapErr(name, 0, err)
	}
	return t, nil
}

func (s *Store) latest(ctx context.Context, name string) (*manifest.VersionRecord, error) {
	var v *manifest.VersionRecord
	err := s.do(ctx, "read latest version of "+name, func(ctx context.Context) error {
		var err error
		v, err = s.catalog.LatestVersion(ctx, name)
		return err
	})
	if err != nil {
		return nil, s.mapErr(name, 0, err)
	}
	return v, nil
}

func (s *Store) activeFiles(ctx context.Context, name string, version int64) ([]*manifest.FileRecord, error) {
	var files []*manifest.FileRecord
	err := s.do(ctx, "list files of "+name, func(ctx context.Context) error {
		var err error
		files, err = s.catalog.ActiveFiles(ctx, name, version)
		return err
	})
	if err != nil {
		return nil, s.mapErr(name, version, err)
	}
	return files, nil
}

// commit records a version, cleaning up the objects it wrote if the commit
// loses a race.
func (s *Store) commit(ctx context.Context, c manifest.Commit, written []string) (manifest.CommitResult, error) {
	c.CommittedAt = s.opts.Now()
	var res manifest.CommitResult
	err := s.do(ctx, "commit "+c.Table, func(ctx context.Context) error {
		var err error
		res, err = s.catalog.CommitVersion(ctx, c)
		return err
	})
	if err != nil {
		s.discard(written)
		return manifest.CommitResult{}, s.mapErr(c.Table, c.ReadVersion+1, err)
	}
	s.logger.Info("committed version", "table", c.Table, "version", res.Version, "schema_version", res.SchemaVersion,
		"operation", c.Operation, "inserted", c.Inserted, "updated", c.Updated, "deleted", c.Deleted, "rows", c.RowCount)
	return res, nil
}

// discard best-effort deletes objects written for a failed commit. Leftovers
// show up as orphans in Reconcile and are removed by Vacuum.
func (s *Store) discard(paths []string) {
	for _, p := range paths {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.OpTimeout)
		if err := s.objects.Delete(ctx, p); err != nil {
			s.logger.Warn("failed to discard uncommitted object", "path", p, "error", err)
		}
		cancel()
	}
}

func (s *Store) mapErr(table string, version int64, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, manifest.ErrTableNotFound):
		return perrors.NewTableNotFound(table)
	case errors.Is(err, manifest.ErrVersionConflict):
		return perrors.NewWriteConflict(table, version, err)
	default:
		return err
	}
}

// tablePrefix maps "layer.name" to its object prefix.
func tablePrefix(name string) string {
	return "tables/" + strings.ReplaceAll(name, ".", "/") + "/"
}

func validateTableName(name string) error {
	parts := strings.Split(name, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.ContainsAny(name, "/\\ ") {
		return perrors.NewConfigError(fmt.Sprintf("table name %q must look like <layer>.<name>", name))
	}
	return nil
}
