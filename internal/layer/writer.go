// Package layer writes bronze and silver tables.
//
// Both layers are change tracked from creation. Bronze holds raw records
// exactly as read; silver holds cleaned records keyed by their surrogate key.
// Neither layer updates rows in place: a write either appends a version or
// replaces the whole dataset in one version.
package layer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/retry"
	"github.com/fmcg/lakehouse/internal/tablestore"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Table layers.
const (
	Bronze = "bronze"
	Silver = "silver"
	Gold   = "gold"
)

// TableName returns the catalog name of entity in layer, e.g. bronze.orders.
func TableName(layer, entity string) string {
	return layer + "." + entity
}

// Request is one layer write.
type Request struct {
	Entity string
	Rows   []types.Record

	// Schema declares the rows' schema. When nil it is inferred.
	Schema *types.Schema

	Mode types.WriteMode

	// ChangeTracking must be true for tables the writer created; turning it
	// off on a later write fails with TRACKING_DISABLED.
	ChangeTracking bool
}

// Options configures a layer writer.
type Options struct {
	// Retry bounds retries of WRITE_CONFLICT and STORE_TIMEOUT failures.
	// Every attempt re-reads the table's latest version.
	Retry  retry.Policy
	Logger *slog.Logger
}

// DefaultOptions retries 4 times starting at 200ms.
func DefaultOptions() Options {
	return Options{Retry: retry.Policy{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second}}
}

type writer struct {
	layer  string
	store  *tablestore.Store
	policy retry.Policy
	logger *slog.Logger
}

func newWriter(store *tablestore.Store, opts Options, layer string) writer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultOptions().Retry
	}
	return writer{layer: layer, store: store, policy: opts.Retry, logger: opts.Logger.With("component", layer)}
}

// write commits rows to table, retrying transient failures.
func (w writer) write(ctx context.Context, table string, rows []types.Record, opts tablestore.WriteOptions) (tablestore.CommitInfo, error) {
	var info tablestore.CommitInfo
	err := retry.Do(ctx, w.policy, retryable, func(attempt int) error {
		var err error
		info, err = w.store.Write(ctx, table, rows, opts)
		if err != nil && retryable(err) && attempt < w.policy.MaxAttempts-1 {
			w.logger.Warn("write attempt failed, retrying", "table", table, "attempt", attempt+1,
				"code", perrors.GetCode(err), "error", err)
		}
		return err
	})
	if err != nil {
		return tablestore.CommitInfo{}, err
	}
	w.logger.Info("wrote "+w.layer, "table", table, "mode", opts.Mode, "version", info.Version,
		"rows", info.RowsWritten, "committed", info.Committed)
	return info, nil
}

func retryable(err error) bool {
	return errors.Is(err, perrors.ErrWriteConflict) || errors.Is(err, perrors.ErrStoreTimeout)
}

// BronzeWriter appends raw records to bronze.<entity>.
type BronzeWriter struct {
	writer
}

// NewBronzeWriter creates a bronze writer over store.
func NewBronzeWriter(store *tablestore.Store, opts Options) *BronzeWriter {
	return &BronzeWriter{writer: newWriter(store, opts, Bronze)}
}

// Write commits req.Rows to bronze.<entity>. Appends may add columns the
// table has not seen yet.
func (w *BronzeWriter) Write(ctx context.Context, req Request) (tablestore.CommitInfo, error) {
	return w.write(ctx, TableName(Bronze, req.Entity), req.Rows, tablestore.WriteOptions{
		Mode:           req.Mode,
		ChangeTracking: req.ChangeTracking,
		Schema:         req.Schema,
		EvolveSchema:   true,
	})
}

// SilverWriter writes cleaned, keyed records to silver.<entity>.
type SilverWriter struct {
	writer
}

// NewSilverWriter creates a silver writer over store.
func NewSilverWriter(store *tablestore.Store, opts Options) *SilverWriter {
	return &SilverWriter{writer: newWriter(store, opts, Silver)}
}

// Write commits req.Rows to silver.<entity>. keyColumn is recorded as the
// table's key when the write creates it.
func (w *SilverWriter) Write(ctx context.Context, req Request, keyColumn string) (tablestore.CommitInfo, error) {
	var keys []string
	if keyColumn != "" {
		keys = []string{keyColumn}
	}
	return w.write(ctx, TableName(Silver, req.Entity), req.Rows, tablestore.WriteOptions{
		Mode:           req.Mode,
		ChangeTracking: req.ChangeTracking,
		Schema:         req.Schema,
		KeyColumns:     keys,
		EvolveSchema:   true,
	})
}
