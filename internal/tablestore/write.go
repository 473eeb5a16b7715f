package tablestore

import (
	"context"
	"fmt"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/manifest"
	"github.com/fmcg/lakehouse/pkg/types"
)

// WriteOptions controls a Write.
type WriteOptions struct {
	Mode types.WriteMode

	// ChangeTracking must match the table's setting. New tables are created
	// with it.
	ChangeTracking bool

	// Schema declares the rows' schema. When nil it is inferred from rows.
	Schema *types.Schema

	// KeyColumns are recorded when the write creates the table.
	KeyColumns []string

	// EvolveSchema lets an append add columns to the table schema. An
	// overwrite always replaces the schema.
	EvolveSchema bool
}

// CommitInfo describes the outcome of a write.
type CommitInfo struct {
	Table         string
	Version       int64
	Operation     string
	SchemaVersion int
	RowsWritten   int64
	RowsDeleted   int64
	// Committed is false when an append had nothing to write.
	Committed bool
}

// Write commits rows as a new version of the table, creating the table on
// first write. Overwrite replaces the whole dataset in one version; when the
// table is tracked, that version carries a delete event for every previous
// row followed by an insert event for every new row.
func (s *Store) Write(ctx context.Context, name string, rows []types.Record, opts WriteOptions) (CommitInfo, error) {
	if opts.Mode == "" {
		opts.Mode = types.WriteAppend
	}
	if opts.Mode != types.WriteAppend && opts.Mode != types.WriteOverwrite {
		return CommitInfo{}, perrors.NewConfigError(fmt.Sprintf("unknown write mode %q", opts.Mode))
	}
	rows = types.CloneRecords(rows)

	incoming := types.SchemaOf(rows, opts.KeyColumns)
	if opts.Schema != nil {
		incoming = *opts.Schema
	}
	if err := s.CreateTable(ctx, name, TableDef{
		Schema:         incoming,
		ChangeTracking: opts.ChangeTracking,
		KeyColumns:     opts.KeyColumns,
	}); err != nil {
		return CommitInfo{}, err
	}
	table, err := s.table(ctx, name)
	if err != nil {
		return CommitInfo{}, err
	}

	latest, err := s.latest(ctx, name)
	if err != nil {
		return CommitInfo{}, err
	}
	previous, err := s.schemaAt(ctx, name, latest.SchemaVersion)
	if err != nil {
		return CommitInfo{}, err
	}

	target := previous
	switch {
	case opts.Mode == types.WriteOverwrite:
		target = incoming
	default:
		evolved, changed, err := evolveSchema(previous, incoming)
		if err != nil {
			return CommitInfo{}, perrors.NewSchemaViolation(name, err)
		}
		if changed && !opts.EvolveSchema {
			return CommitInfo{}, perrors.NewSchemaViolation(name,
				fmt.Errorf("rows add or widen columns of %v", diffNames(previous, evolved)))
		}
		target = evolved
	}
	if err := NewSchemaValidator(target).ValidateRows(rows); err != nil {
		return CommitInfo{}, perrors.NewSchemaViolation(name, err)
	}

	if opts.Mode == types.WriteAppend && len(rows) == 0 {
		return CommitInfo{Table: name, Version: latest.Version, Operation: manifest.OpAppend}, nil
	}

	commit := manifest.Commit{
		Table:       name,
		ReadVersion: latest.Version,
		Operation:   manifest.OpAppend,
		Schema:      &target,
		RowCount:    latest.RowCount + int64(len(rows)),
		Inserted:    int64(len(rows)),
	}

	var deleted []types.Record
	if opts.Mode == types.WriteOverwrite {
		commit.Operation = manifest.OpOverwrite
		commit.RowCount = int64(len(rows))
		files, err := s.activeFiles(ctx, name, latest.Version)
		if err != nil {
			return CommitInfo{}, err
		}
		for _, f := range files {
			commit.Removed = append(commit.Removed, f.ObjectPath)
			if !table.ChangeTracking {
				commit.Deleted += f.RowCount
				continue
			}
			old, err := s.readDataFile(ctx, f.ObjectPath, previous)
			if err != nil {
				return CommitInfo{}, err
			}
			deleted = append(deleted, old...)
		}
		if table.ChangeTracking {
			commit.Deleted = int64(len(deleted))
		}
	}

	var written []string
	if len(rows) > 0 {
		file, err := s.writeDataFile(ctx, name, rows, table.KeyColumns)
		if err != nil {
			return CommitInfo{}, err
		}
		commit.Added = append(commit.Added, file)
		written = append(written, file.ObjectPath)
	}

	if table.ChangeTracking {
		version := latest.Version + 1
		now := s.opts.Now().UTC()
		events := make([]types.ChangeEvent, 0, len(deleted)+len(rows))
		for _, r := range deleted {
			events = append(events, types.ChangeEvent{Op: types.OpDelete, Version: version, Seq: len(events), CommitTime: now, Row: r})
		}
		for _, r := range rows {
			events = append(events, types.ChangeEvent{Op: types.OpInsert, Version: version, Seq: len(events), CommitTime: now, Row: r})
		}
		path, err := s.writeChangeFile(ctx, name, version, events)
		if err != nil {
			s.discard(written)
			return CommitInfo{}, err
		}
		commit.ChangePath = path
		written = append(written, path)
	}

	res, err := s.commit(ctx, commit, written)
	if err != nil {
		return CommitInfo{}, err
	}
	return CommitInfo{
		Table:         name,
		Version:       res.Version,
		Operation:     commit.Operation,
		SchemaVersion: res.SchemaVersion,
		RowsWritten:   int64(len(rows)),
		RowsDeleted:   commit.Deleted,
		Committed:     true,
	}, nil
}

func diffNames(before, after types.Schema) []string {
	var names []string
	for _, c := range after.Columns {
		old, ok := before.Column(c.Name)
		if !ok || old.Type != c.Type {
			names = append(names, c.Name)
		}
	}
	return names
}
