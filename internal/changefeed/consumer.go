// Package changefeed reads the row-level changes committed to a table.
package changefeed

import (
	"context"
	"io"
	"log/slog"

	"github.com/fmcg/lakehouse/internal/tablestore"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Feed is the changes of one table in (Since, Until].
type Feed struct {
	Table  string              `json:"table"`
	Since  int64               `json:"since"`
	Until  int64               `json:"until"`
	Events []types.ChangeEvent `json:"events"`
}

// Consumer reads change feeds from the table store.
type Consumer struct {
	store  *tablestore.Store
	logger *slog.Logger
}

// NewConsumer creates a consumer over store.
func NewConsumer(store *tablestore.Store, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Consumer{store: store, logger: logger.With("component", "changefeed")}
}

// Changes returns the events committed to table after since, up to and
// including until (latest when until <= 0), in commit order. Update
// pre-images are dropped, so every event carries the row as it stands after
// the change, except deletes which carry the removed row.
//
// If any version in range was vacuumed the error matches
// errors.ErrHistoryUnavailable and the caller should reload in full.
func (c *Consumer) Changes(ctx context.Context, table string, since, until int64) (*Feed, error) {
	events, upTo, err := c.store.Changes(ctx, table, since, until)
	if err != nil {
		return nil, err
	}
	feed := &Feed{Table: table, Since: since, Until: upTo, Events: make([]types.ChangeEvent, 0, len(events))}
	for _, e := range events {
		if e.Op == types.OpUpdatePreimage {
			continue
		}
		feed.Events = append(feed.Events, e)
	}
	c.logger.Debug("read changes", "table", table, "since", since, "until", upTo, "events", len(feed.Events))
	return feed, nil
}

// Upserts returns the rows inserted or updated in the feed, in order.
func (f *Feed) Upserts() []types.Record {
	var rows []types.Record
	for _, e := range f.Events {
		if e.Op == types.OpInsert || e.Op == types.OpUpdatePostimage {
			rows = append(rows, e.Row)
		}
	}
	return rows
}

// Deleted returns the rows deleted in the feed, in order.
func (f *Feed) Deleted() []types.Record {
	var rows []types.Record
	for _, e := range f.Events {
		if e.Op == types.OpDelete {
			rows = append(rows, e.Row)
		}
	}
	return rows
}

// Empty reports whether the feed holds no events.
func (f *Feed) Empty() bool {
	return len(f.Events) == 0
}
