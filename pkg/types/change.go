package types

import "time"

// ChangeOp is the kind of a row-level change event.
type ChangeOp string

const (
	OpInsert          ChangeOp = "insert"
	OpUpdatePreimage  ChangeOp = "update_preimage"
	OpUpdatePostimage ChangeOp = "update_postimage"
	OpDelete          ChangeOp = "delete"
)

// ChangeEvent is one row-level change committed in a table version.
// Events are ordered by Version, then by Seq within the commit.
type ChangeEvent struct {
	Op         ChangeOp  `json:"op"`
	Version    int64     `json:"version"`
	Seq        int       `json:"seq"`
	CommitTime time.Time `json:"commit_time"`
	Row        Record    `json:"row"`
}
