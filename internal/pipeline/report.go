package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/fmcg/lakehouse/internal/checkpoint"
	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Stage names.
const (
	StageRead     = "read"
	StageBronze   = "bronze"
	StageChanges  = "changes"
	StageClean    = "clean"
	StageResolve  = "resolve"
	StageSilver   = "silver"
	StageConform  = "conform"
	StageMerge    = "merge"
	StageSnapshot = "snapshot"
)

// StageReport describes one executed stage.
type StageReport struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	RowsIn   int           `json:"rows_in"`
	RowsOut  int           `json:"rows_out"`
	Excluded int           `json:"excluded,omitempty"`
	// Samples holds up to a few reasons for excluded rows.
	Samples []string `json:"samples,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// MergeSummary is the outcome of one gold merge.
type MergeSummary struct {
	Table     string `json:"table"`
	Version   int64  `json:"version"`
	Inserted  int64  `json:"inserted"`
	Updated   int64  `json:"updated"`
	Unchanged int64  `json:"unchanged"`
	Rejected  int    `json:"rejected,omitempty"`
	Committed bool   `json:"committed"`
	Attempts  int    `json:"attempts"`
}

// Report summarizes a run.
type Report struct {
	RunID  string        `json:"run_id"`
	Entity string        `json:"entity"`
	Mode   types.RunMode `json:"mode"`

	// FellBack is set when an incremental run reloaded everything because
	// the change history it needed was vacuumed.
	FellBack bool `json:"fell_back,omitempty"`

	Stages []StageReport `json:"stages"`

	// Versions holds the last committed version of every table touched.
	Versions map[string]int64 `json:"versions"`

	Merges  []MergeSummary `json:"merges,omitempty"`
	Orphans map[string]int `json:"orphans,omitempty"`

	// Checkpoint is the successor of the request's checkpoint. It is nil
	// when the run failed.
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// StageError is returned by Run when a stage fails. Tables written by
// earlier stages keep their committed versions.
type StageError struct {
	Entity string
	Stage  string

	// Versions holds the last committed version of every table touched
	// before the failure.
	Versions map[string]int64

	// Retryable reports whether re-running is expected to succeed. Every
	// stage is idempotent, so retrying is always safe; this flags failures
	// that are transient.
	Retryable bool

	Err error
}

func newStageError(rep *Report, stage string, err error) *StageError {
	return &StageError{
		Entity:    rep.Entity,
		Stage:     stage,
		Versions:  maps.Clone(rep.Versions),
		Retryable: perrors.IsRetryable(err),
		Err:       err,
	}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: stage %s failed: %v", e.Entity, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage name of a StageError in err's chain.
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
