// Package merge upserts conformed rows into gold tables.
package merge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/retry"
	"github.com/fmcg/lakehouse/internal/tablestore"
	"github.com/fmcg/lakehouse/pkg/types"
)

// DefaultMaxAttempts bounds the tries of one merge.
const DefaultMaxAttempts = 5

// Options configures an Engine.
type Options struct {
	// Retry bounds retries of WRITE_CONFLICT and STORE_TIMEOUT failures.
	Retry  retry.Policy
	Logger *slog.Logger
}

// DefaultOptions returns DefaultMaxAttempts tries with 200ms base backoff.
func DefaultOptions() Options {
	return Options{Retry: retry.Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second}}
}

// Request is one merge into a gold table.
type Request struct {
	// Table is the full table name, e.g. gold.fact_orders.
	Table     string
	Rows      []types.Record
	MatchKeys []string

	// Schema declares the staged rows' schema. When nil it is inferred.
	Schema *types.Schema
}

// Result describes a finished merge.
type Result struct {
	tablestore.MergeResult

	// Attempts is the number of tries the merge took.
	Attempts int

	// Rejected counts staged rows dropped for a missing match key.
	Rejected int
	Errors   *perrors.RowErrors
}

// Engine runs merges with retries.
type Engine struct {
	store  *tablestore.Store
	policy retry.Policy
	logger *slog.Logger
}

// NewEngine creates an engine over store.
func NewEngine(store *tablestore.Store, opts Options) *Engine {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{store: store, policy: opts.Retry, logger: opts.Logger.With("component", "merge")}
}

// Merge upserts req.Rows into req.Table on req.MatchKeys. Matched rows have
// every non-key column overwritten, unmatched rows are inserted and nothing
// is deleted. The table is created change tracked on first merge.
//
// Each try re-reads the latest version, so a WRITE_CONFLICT is retried
// against the rows that won. STORE_TIMEOUT is retried with backoff. Both
// become fatal once the attempts run out.
func (e *Engine) Merge(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Errors: &perrors.RowErrors{}}
	staged := make([]types.Record, 0, len(req.Rows))
	for i, r := range req.Rows {
		if types.HasNullKey(r, req.MatchKeys) {
			res.Rejected++
			res.Errors.Add(i, strings.Join(req.MatchKeys, ","), "match key is empty")
			continue
		}
		staged = append(staged, r)
	}

	err := retry.Do(ctx, e.policy, retryable, func(attempt int) error {
		res.Attempts = attempt + 1
		mr, err := e.store.Merge(ctx, req.Table, staged, tablestore.MergeOptions{
			MatchKeys:      req.MatchKeys,
			ChangeTracking: true,
			Schema:         req.Schema,
		})
		if err != nil {
			if retryable(err) && attempt < e.policy.MaxAttempts-1 {
				e.logger.Warn("merge attempt failed, retrying", "table", req.Table, "attempt", attempt+1,
					"code", perrors.GetCode(err), "error", err)
			}
			return err
		}
		res.MergeResult = mr
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("merged", "table", req.Table, "version", res.Version, "inserted", res.Inserted,
		"updated", res.Updated, "unchanged", res.Unchanged, "rejected", res.Rejected,
		"committed", res.Committed, "attempts", res.Attempts)
	return res, nil
}

func retryable(err error) bool {
	return errors.Is(err, perrors.ErrWriteConflict) || errors.Is(err, perrors.ErrStoreTimeout)
}
