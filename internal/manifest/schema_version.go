package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fmcg/lakehouse/pkg/types"
)

// SchemaRegistry reads the schema versions of each table. A table's first
// schema is registered with the table and later ones by the commits that
// change it. Appends only add or widen columns; an overwrite may replace
// the schema outright.
type SchemaRegistry struct {
	catalog *SQLiteCatalog
}

// NewSchemaRegistry creates a schema registry backed by the catalog's database.
func NewSchemaRegistry(catalog *SQLiteCatalog) *SchemaRegistry {
	return &SchemaRegistry{catalog: catalog}
}

// SchemaVersionRecord represents a stored schema version.
type SchemaVersionRecord struct {
	Table     string
	Version   int
	Schema    types.Schema
	CreatedAt time.Time
}

// Current returns the latest schema of a table.
func (r *SchemaRegistry) Current(ctx context.Context, table string) (*SchemaVersionRecord, error) {
	var version int
	var schemaJSON string
	var createdAtUnix int64

	err := r.catalog.readDB.QueryRowContext(ctx,
		`SELECT version, schema_json, created_at FROM schema_versions
		 WHERE table_name = ? ORDER BY version DESC LIMIT 1`,
		table,
	).Scan(&version, &schemaJSON, &createdAtUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTableNotFound
		}
		return nil, fmt.Errorf("schema_version: failed to get schema of %s: %w", table, err)
	}
	return decodeSchemaRecord(table, version, schemaJSON, createdAtUnix)
}

// Get retrieves a specific schema version of a table.
func (r *SchemaRegistry) Get(ctx context.Context, table string, version int) (*SchemaVersionRecord, error) {
	var schemaJSON string
	var createdAtUnix int64

	err := r.catalog.readDB.QueryRowContext(ctx,
		"SELECT schema_json, created_at FROM schema_versions WHERE table_name = ? AND version = ?",
		table, version,
	).Scan(&schemaJSON, &createdAtUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schema_version: version %d of %s not found", version, table)
		}
		return nil, fmt.Errorf("schema_version: failed to get version %d of %s: %w", version, table, err)
	}
	return decodeSchemaRecord(table, version, schemaJSON, createdAtUnix)
}

// registerSchema records schema as the table's latest schema within tx and
// returns its version. If it declares the same columns as the current
// version, the current version is returned.
func registerSchema(ctx context.Context, tx *sql.Tx, table string, schema types.Schema, at time.Time) (int, error) {
	var version int
	var schemaJSON string
	var createdAtUnix int64
	err := tx.QueryRowContext(ctx,
		`SELECT version, schema_json, created_at FROM schema_versions
		 WHERE table_name = ? ORDER BY version DESC LIMIT 1`,
		table,
	).Scan(&version, &schemaJSON, &createdAtUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrTableNotFound
		}
		return 0, fmt.Errorf("schema_version: failed to get schema of %s: %w", table, err)
	}
	current, err := decodeSchemaRecord(table, version, schemaJSON, createdAtUnix)
	if err != nil {
		return 0, err
	}
	if current.Schema.SameColumns(schema) {
		return current.Version, nil
	}

	schema.Version = current.Version + 1
	data, err := json.Marshal(schema)
	if err != nil {
		return 0, fmt.Errorf("schema_version: failed to marshal schema: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_versions (table_name, version, schema_json, created_at) VALUES (?, ?, ?, ?)",
		table, schema.Version, string(data), at.Unix(),
	)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("schema_version: failed to insert version %d of %s: %w", schema.Version, table, err)
	}
	return schema.Version, nil
}

// List returns all schema versions of a table ordered by version number.
func (r *SchemaRegistry) List(ctx context.Context, table string) ([]SchemaVersionRecord, error) {
	rows, err := r.catalog.readDB.QueryContext(ctx,
		"SELECT version, schema_json, created_at FROM schema_versions WHERE table_name = ? ORDER BY version ASC",
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("schema_version: failed to list versions of %s: %w", table, err)
	}
	defer rows.Close()

	var records []SchemaVersionRecord
	for rows.Next() {
		var version int
		var schemaJSON string
		var createdAtUnix int64
		if err := rows.Scan(&version, &schemaJSON, &createdAtUnix); err != nil {
			return nil, fmt.Errorf("schema_version: failed to scan version: %w", err)
		}
		rec, err := decodeSchemaRecord(table, version, schemaJSON, createdAtUnix)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_version: error iterating versions: %w", err)
	}
	return records, nil
}

func decodeSchemaRecord(table string, version int, schemaJSON string, createdAtUnix int64) (*SchemaVersionRecord, error) {
	var schema types.Schema
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("schema_version: failed to unmarshal schema %d of %s: %w", version, table, err)
	}
	schema.Version = version
	return &SchemaVersionRecord{
		Table:     table,
		Version:   version,
		Schema:    schema,
		CreatedAt: time.Unix(createdAtUnix, 0),
	}, nil
}
