package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS lakehouse_checkpoints (
	entity        TEXT PRIMARY KEY,
	table_name    TEXT NOT NULL,
	version       BIGINT NOT NULL,
	source_cursor TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps checkpoints in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the checkpoint table if
// needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: failed to initialize schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, entity string) (*Checkpoint, error) {
	cp := &Checkpoint{Entity: entity}
	err := s.pool.QueryRow(ctx,
		`SELECT table_name, version, source_cursor, run_id, updated_at
		 FROM lakehouse_checkpoints WHERE entity = $1`,
		entity,
	).Scan(&cp.Table, &cp.Version, &cp.SourceCursor, &cp.RunID, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to read %s: %w", entity, err)
	}
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, nil
}

func (s *PostgresStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO lakehouse_checkpoints
		(entity, table_name, version, source_cursor, run_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity) DO UPDATE SET
			table_name = EXCLUDED.table_name,
			version = EXCLUDED.version,
			source_cursor = EXCLUDED.source_cursor,
			run_id = EXCLUDED.run_id,
			updated_at = EXCLUDED.updated_at`,
		cp.Entity, cp.Table, cp.Version, cp.SourceCursor, cp.RunID, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to write %s: %w", cp.Entity, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
