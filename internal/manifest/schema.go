// Package manifest provides the SQLite catalog that records every table's
// versions, data files, change files and schema history.
package manifest

// Schema contains the SQL schema definitions for the manifest catalog (manifest.db).
// The manifest is the source of truth for which objects make up each version
// of each table.

// CreateTablesTableSQL creates the table registry. Change tracking and key
// columns are fixed when a table is created.
const CreateTablesTableSQL = `
CREATE TABLE IF NOT EXISTS tables (
    name TEXT PRIMARY KEY,
    change_tracking INTEGER NOT NULL,
    key_columns TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL
)`

// CreateVersionsTableSQL creates the version log. The composite primary key
// makes a second commit of the same version fail, which is how concurrent
// writers detect a conflict.
const CreateVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS versions (
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    operation TEXT NOT NULL,
    schema_version INTEGER NOT NULL,
    row_count INTEGER NOT NULL,
    rows_inserted INTEGER NOT NULL DEFAULT 0,
    rows_updated INTEGER NOT NULL DEFAULT 0,
    rows_deleted INTEGER NOT NULL DEFAULT 0,
    change_path TEXT,
    expired INTEGER NOT NULL DEFAULT 0,
    committed_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, version),
    FOREIGN KEY (table_name) REFERENCES tables(name)
)`

// CreateDataFilesTableSQL creates the data file registry. A file belongs to
// every version v with added_version <= v < removed_version.
const CreateDataFilesTableSQL = `
CREATE TABLE IF NOT EXISTS data_files (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name TEXT NOT NULL,
    object_path TEXT NOT NULL UNIQUE,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    key_filter BLOB,
    added_version INTEGER NOT NULL,
    removed_version INTEGER,
    FOREIGN KEY (table_name) REFERENCES tables(name)
)`

// CreateDataFilesIndexesSQL creates indexes for active-file lookups.
var CreateDataFilesIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_data_files_active ON data_files(table_name, added_version, removed_version)`,
	`CREATE INDEX IF NOT EXISTS idx_data_files_removed ON data_files(table_name, removed_version)
		WHERE removed_version IS NOT NULL`,
}

// CreateSchemaVersionsTableSQL creates the per-table schema registry.
const CreateSchemaVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    table_name TEXT NOT NULL,
    version INTEGER NOT NULL,
    schema_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, version)
)`

// AllSchemaSQL returns all SQL statements needed to initialize the manifest schema.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateTablesTableSQL,
		CreateVersionsTableSQL,
		CreateDataFilesTableSQL,
		CreateSchemaVersionsTableSQL,
	}
	stmts = append(stmts, CreateDataFilesIndexesSQL...)
	return stmts
}
