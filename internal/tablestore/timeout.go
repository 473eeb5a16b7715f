package tablestore

import (
	"context"
	"errors"

	perrors "github.com/fmcg/lakehouse/internal/errors"
)

// do runs fn under the store's operation timeout. A deadline hit by the
// store's own timer becomes STORE_TIMEOUT; cancellation by the caller is
// returned unchanged.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	err := fn(opCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || opCtx.Err() == context.DeadlineExceeded) {
		s.logger.Warn("store operation timed out", "op", op, "timeout", s.opts.OpTimeout)
		return perrors.NewStoreTimeout(op, err)
	}
	return err
}
