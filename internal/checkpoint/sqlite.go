package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS checkpoints (
	entity        TEXT PRIMARY KEY,
	table_name    TEXT NOT NULL,
	version       INTEGER NOT NULL,
	source_cursor TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL
)`

// SQLiteStore keeps checkpoints in a SQLite database, usually next to the
// table manifest.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the checkpoint database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, entity string) (*Checkpoint, error) {
	cp := &Checkpoint{Entity: entity}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT table_name, version, source_cursor, run_id, updated_at FROM checkpoints WHERE entity = ?",
		entity,
	).Scan(&cp.Table, &cp.Version, &cp.SourceCursor, &cp.RunID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to read %s: %w", entity, err)
	}
	cp.UpdatedAt = time.Unix(0, updated).UTC()
	return cp, nil
}

func (s *SQLiteStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkpoints (entity, table_name, version, source_cursor, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity) DO UPDATE SET
			table_name = excluded.table_name,
			version = excluded.version,
			source_cursor = excluded.source_cursor,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at`,
		cp.Entity, cp.Table, cp.Version, cp.SourceCursor, cp.RunID, cp.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to write %s: %w", cp.Entity, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
