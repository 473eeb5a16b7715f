// Package checkpoint persists the progress of incremental runs.
//
// A checkpoint is a plain record: the pipeline receives it as an argument
// and returns its successor. Callers persist the successor only after the
// run's merges committed.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when an entity has no checkpoint yet.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint records the last bronze version of an entity whose changes
// were merged into gold.
type Checkpoint struct {
	Entity string `json:"entity" yaml:"entity"`

	// Table is the bronze table the version refers to.
	Table string `json:"table" yaml:"table"`

	// Version is the last bronze version fully processed. Zero means none.
	Version int64 `json:"version" yaml:"version"`

	// SourceCursor is the last landing object ingested.
	SourceCursor string `json:"source_cursor,omitempty" yaml:"source_cursor,omitempty"`

	RunID     string    `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Store loads and saves checkpoints by entity.
type Store interface {
	// Get returns the entity's checkpoint or ErrNotFound.
	Get(ctx context.Context, entity string) (*Checkpoint, error)
	// Put replaces the entity's checkpoint.
	Put(ctx context.Context, cp *Checkpoint) error
	Close() error
}

// Load returns the entity's checkpoint, or a zero checkpoint when none is
// stored yet.
func Load(ctx context.Context, s Store, entity string) (*Checkpoint, error) {
	cp, err := s.Get(ctx, entity)
	if errors.Is(err, ErrNotFound) {
		return &Checkpoint{Entity: entity}, nil
	}
	return cp, err
}

func validate(cp *Checkpoint) error {
	if cp == nil || cp.Entity == "" {
		return fmt.Errorf("checkpoint: entity is required")
	}
	if cp.Version < 0 {
		return fmt.Errorf("checkpoint: version %d of %s is negative", cp.Version, cp.Entity)
	}
	return nil
}
