package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/fmcg/lakehouse/pkg/types"
)

// Sentinel errors returned by the catalog.
var (
	ErrTableNotFound   = errors.New("manifest: table not found")
	ErrTableExists     = errors.New("manifest: table already exists")
	ErrVersionConflict = errors.New("manifest: version already committed")
	ErrVersionNotFound = errors.New("manifest: version not found")
)

// Version log operations.
const (
	OpCreate    = "CREATE TABLE"
	OpAppend    = "APPEND"
	OpOverwrite = "OVERWRITE"
	OpMerge     = "MERGE"
)

// TableRecord describes a registered table.
type TableRecord struct {
	Name           string
	ChangeTracking bool
	KeyColumns     []string
	CreatedAt      time.Time
}

// VersionRecord describes one committed version of a table.
type VersionRecord struct {
	Table         string
	Version       int64
	Operation     string
	SchemaVersion int
	RowCount      int64
	RowsInserted  int64
	RowsUpdated   int64
	RowsDeleted   int64
	ChangePath    string
	Expired       bool
	CommittedAt   time.Time
}

// FileRecord describes a data file and the versions it belongs to.
type FileRecord struct {
	Seq            int64
	Table          string
	ObjectPath     string
	RowCount       int64
	SizeBytes      int64
	KeyFilter      []byte
	AddedVersion   int64
	RemovedVersion *int64
}

// Commit is an atomic change to a table's active file set. It succeeds only
// if ReadVersion is still the table's latest version.
type Commit struct {
	Table         string
	ReadVersion   int64
	Operation     string
	SchemaVersion int
	RowCount      int64
	Inserted      int64
	Updated       int64
	Deleted       int64
	ChangePath    string
	Added         []FileRecord
	Removed       []string
	CommittedAt   time.Time

	// Schema, when set, is the table schema as of this version. It is
	// registered in the commit's transaction and replaces SchemaVersion.
	Schema *types.Schema
}

// CommitResult identifies a committed version and the schema it was
// written with.
type CommitResult struct {
	Version       int64
	SchemaVersion int
}

// ExpiredObjects lists the objects released by ExpireBefore.
type ExpiredObjects struct {
	Versions    int
	ChangePaths []string
	DataPaths   []string
}

// SQLiteCatalog stores table metadata in manifest.db.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

// NewCatalog opens (or creates) a SQLite-based catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	catalog := &SQLiteCatalog{db: db, dbPath: dbPath}
	if err := catalog.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}

	// Read connection pool: opened once the file and schema exist.
	readDB, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	catalog.readDB = readDB

	return catalog, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// CreateTable registers a table with its initial schema and commits version 0.
func (c *SQLiteCatalog) CreateTable(ctx context.Context, table TableRecord, schema types.Schema) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := json.Marshal(nonNil(table.KeyColumns))
	if err != nil {
		return fmt.Errorf("manifest: failed to marshal key columns: %w", err)
	}
	schema.Version = 1
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("manifest: failed to marshal schema: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := table.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO tables (name, change_tracking, key_columns, created_at) VALUES (?, ?, ?, ?)",
		table.Name, table.ChangeTracking, string(keys), now.UnixNano(),
	)
	if err != nil {
		if isConstraintError(err) {
			return ErrTableExists
		}
		return fmt.Errorf("manifest: failed to register table %s: %w", table.Name, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_versions (table_name, version, schema_json, created_at) VALUES (?, 1, ?, ?)",
		table.Name, string(schemaJSON), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to register schema for %s: %w", table.Name, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO versions (table_name, version, operation, schema_version, row_count, committed_at)
		 VALUES (?, 0, ?, 1, 0, ?)`,
		table.Name, OpCreate, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("manifest: failed to commit version 0 of %s: %w", table.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("manifest: failed to commit table creation: %w", err)
	}
	return nil
}

// GetTable returns a registered table.
func (c *SQLiteCatalog) GetTable(ctx context.Context, name string) (*TableRecord, error) {
	var t TableRecord
	var keys string
	var createdAt int64
	err := c.readDB.QueryRowContext(ctx,
		"SELECT name, change_tracking, key_columns, created_at FROM tables WHERE name = ?", name,
	).Scan(&t.Name, &t.ChangeTracking, &keys, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTableNotFound
		}
		return nil, fmt.Errorf("manifest: failed to get table %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(keys), &t.KeyColumns); err != nil {
		return nil, fmt.Errorf("manifest: failed to unmarshal key columns of %s: %w", name, err)
	}
	t.CreatedAt = time.Unix(0, createdAt)
	return &t, nil
}

// ListTables returns all registered table names in sorted order.
func (c *SQLiteCatalog) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.readDB.QueryContext(ctx, "SELECT name FROM tables ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating tables: %w", err)
	}
	return names, nil
}

const versionColumns = `table_name, version, operation, schema_version, row_count,
	rows_inserted, rows_updated, rows_deleted, change_path, expired, committed_at`

func scanVersion(scan func(dest ...any) error) (*VersionRecord, error) {
	var v VersionRecord
	var changePath sql.NullString
	var committedAt int64
	if err := scan(&v.Table, &v.Version, &v.Operation, &v.SchemaVersion, &v.RowCount,
		&v.RowsInserted, &v.RowsUpdated, &v.RowsDeleted, &changePath, &v.Expired, &committedAt); err != nil {
		return nil, err
	}
	v.ChangePath = changePath.String
	v.CommittedAt = time.Unix(0, committedAt)
	return &v, nil
}

// LatestVersion returns the table's most recent committed version.
func (c *SQLiteCatalog) LatestVersion(ctx context.Context, table string) (*VersionRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM versions WHERE table_name = ? ORDER BY version DESC LIMIT 1", table)
	v, err := scanVersion(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTableNotFound
		}
		return nil, fmt.Errorf("manifest: failed to get latest version of %s: %w", table, err)
	}
	return v, nil
}

// GetVersion returns one committed version of a table.
func (c *SQLiteCatalog) GetVersion(ctx context.Context, table string, version int64) (*VersionRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM versions WHERE table_name = ? AND version = ?", table, version)
	v, err := scanVersion(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("manifest: failed to get version %d of %s: %w", version, table, err)
	}
	return v, nil
}

// ListVersions returns the versions of a table in (since, until], oldest
// first. until < 0 means no upper bound.
func (c *SQLiteCatalog) ListVersions(ctx context.Context, table string, since, until int64) ([]*VersionRecord, error) {
	query := "SELECT " + versionColumns + " FROM versions WHERE table_name = ? AND version > ?"
	args := []interface{}{table, since}
	if until >= 0 {
		query += " AND version <= ?"
		args = append(args, until)
	}
	query += " ORDER BY version ASC"

	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list versions of %s: %w", table, err)
	}
	defer rows.Close()

	var out []*VersionRecord
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating versions: %w", err)
	}
	return out, nil
}

// ActiveFiles returns the data files that make up the given version, in the
// order they were added.
func (c *SQLiteCatalog) ActiveFiles(ctx context.Context, table string, version int64) ([]*FileRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT seq, table_name, object_path, row_count, size_bytes, key_filter, added_version, removed_version
		 FROM data_files
		 WHERE table_name = ? AND added_version <= ? AND (removed_version IS NULL OR removed_version > ?)
		 ORDER BY seq ASC`,
		table, version, version,
	)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query files of %s@%d: %w", table, version, err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		var f FileRecord
		var removed sql.NullInt64
		if err := rows.Scan(&f.Seq, &f.Table, &f.ObjectPath, &f.RowCount, &f.SizeBytes,
			&f.KeyFilter, &f.AddedVersion, &removed); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan data file: %w", err)
		}
		if removed.Valid {
			r := removed.Int64
			f.RemovedVersion = &r
		}
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating data files: %w", err)
	}
	return files, nil
}

// CommitVersion atomically records a new version. It returns
// ErrVersionConflict if another writer committed after ReadVersion.
func (c *SQLiteCatalog) CommitVersion(ctx context.Context, commit Commit) (CommitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latest int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), -1) FROM versions WHERE table_name = ?", commit.Table,
	).Scan(&latest)
	if err != nil {
		return CommitResult{}, fmt.Errorf("manifest: failed to read latest version of %s: %w", commit.Table, err)
	}
	if latest < 0 {
		return CommitResult{}, ErrTableNotFound
	}
	if latest != commit.ReadVersion {
		return CommitResult{}, ErrVersionConflict
	}

	version := commit.ReadVersion + 1
	committedAt := commit.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now()
	}

	schemaVersion := commit.SchemaVersion
	if commit.Schema != nil {
		schemaVersion, err = registerSchema(ctx, tx, commit.Table, *commit.Schema, committedAt)
		if err != nil {
			return CommitResult{}, err
		}
	}

	var changePath interface{}
	if commit.ChangePath != "" {
		changePath = commit.ChangePath
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO versions (table_name, version, operation, schema_version, row_count,
			rows_inserted, rows_updated, rows_deleted, change_path, committed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		commit.Table, version, commit.Operation, schemaVersion, commit.RowCount,
		commit.Inserted, commit.Updated, commit.Deleted, changePath, committedAt.UnixNano(),
	)
	if err != nil {
		if isConstraintError(err) {
			return CommitResult{}, ErrVersionConflict
		}
		return CommitResult{}, fmt.Errorf("manifest: failed to insert version %d of %s: %w", version, commit.Table, err)
	}

	for _, path := range commit.Removed {
		result, err := tx.ExecContext(ctx,
			"UPDATE data_files SET removed_version = ? WHERE table_name = ? AND object_path = ? AND removed_version IS NULL",
			version, commit.Table, path,
		)
		if err != nil {
			return CommitResult{}, fmt.Errorf("manifest: failed to remove data file %s: %w", path, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return CommitResult{}, ErrVersionConflict
		}
	}

	for _, f := range commit.Added {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO data_files (table_name, object_path, row_count, size_bytes, key_filter, added_version)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			commit.Table, f.ObjectPath, f.RowCount, f.SizeBytes, f.KeyFilter, version,
		)
		if err != nil {
			return CommitResult{}, fmt.Errorf("manifest: failed to add data file %s: %w", f.ObjectPath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("manifest: failed to commit version %d of %s: %w", version, commit.Table, err)
	}
	return CommitResult{Version: version, SchemaVersion: schemaVersion}, nil
}

// OldestRetainedVersion returns the oldest version committed at or after
// cutoff. The latest version is always retained.
func (c *SQLiteCatalog) OldestRetainedVersion(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	var version sql.NullInt64
	err := c.readDB.QueryRowContext(ctx,
		"SELECT MIN(version) FROM versions WHERE table_name = ? AND committed_at >= ?",
		table, cutoff.UnixNano(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("manifest: failed to find retained versions of %s: %w", table, err)
	}
	if version.Valid {
		return version.Int64, nil
	}
	latest, err := c.LatestVersion(ctx, table)
	if err != nil {
		return 0, err
	}
	return latest.Version, nil
}

// ExpireBefore marks every version older than keep as expired, detaches
// their change files, and forgets data files no retained version references.
// The returned object paths are no longer referenced by the manifest.
func (c *SQLiteCatalog) ExpireBefore(ctx context.Context, table string, keep int64) (*ExpiredObjects, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	out := &ExpiredObjects{}

	rows, err := tx.QueryContext(ctx,
		"SELECT change_path FROM versions WHERE table_name = ? AND version < ? AND expired = 0",
		table, keep,
	)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query expiring versions of %s: %w", table, err)
	}
	for rows.Next() {
		var p sql.NullString
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("manifest: failed to scan change path: %w", err)
		}
		out.Versions++
		if p.Valid {
			out.ChangePaths = append(out.ChangePaths, p.String)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("manifest: error iterating expiring versions: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		"UPDATE versions SET expired = 1, change_path = NULL WHERE table_name = ? AND version < ? AND expired = 0",
		table, keep,
	); err != nil {
		return nil, fmt.Errorf("manifest: failed to expire versions of %s: %w", table, err)
	}

	rows, err = tx.QueryContext(ctx,
		"SELECT object_path FROM data_files WHERE table_name = ? AND removed_version IS NOT NULL AND removed_version <= ?",
		table, keep,
	)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to query removable files of %s: %w", table, err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("manifest: failed to scan data file path: %w", err)
		}
		out.DataPaths = append(out.DataPaths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("manifest: error iterating removable files: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM data_files WHERE table_name = ? AND removed_version IS NOT NULL AND removed_version <= ?",
		table, keep,
	); err != nil {
		return nil, fmt.Errorf("manifest: failed to delete removed files of %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("manifest: failed to commit expiry of %s: %w", table, err)
	}
	return out, nil
}

// TrackedPaths returns every object path the manifest references.
func (c *SQLiteCatalog) TrackedPaths(ctx context.Context) (map[string]string, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT object_path, table_name FROM data_files
		 UNION ALL
		 SELECT change_path, table_name FROM versions WHERE change_path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to list tracked paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]string)
	for rows.Next() {
		var p, table string
		if err := rows.Scan(&p, &table); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan tracked path: %w", err)
		}
		paths[p] = table
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("manifest: error iterating tracked paths: %w", err)
	}
	return paths, nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("manifest: failed to close catalog: %w", errors.Join(errs...))
	}
	return nil
}

func isConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
