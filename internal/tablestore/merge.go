package tablestore

import (
	"context"
	"fmt"
	"slices"

	"github.com/fmcg/lakehouse/internal/bloom"
	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/manifest"
	"github.com/fmcg/lakehouse/pkg/types"
)

// MergeOptions controls a Merge.
type MergeOptions struct {
	// MatchKeys are the columns that identify a row.
	MatchKeys []string

	// ChangeTracking must match the table's setting. New tables are created
	// with it and with MatchKeys as key columns.
	ChangeTracking bool

	// Schema declares the staged rows' schema. When nil it is inferred.
	Schema *types.Schema
}

// MergeResult describes the outcome of a merge.
type MergeResult struct {
	Table     string
	Version   int64
	Inserted  int64
	Updated   int64
	Unchanged int64
	// Duplicates counts staged rows superseded by a later row with the same key.
	Duplicates int64
	// FilesRewritten and FilesSkipped count data files replaced by the merge
	// and files ruled out by their key filter.
	FilesRewritten int
	FilesSkipped   int
	// Committed is false when the merge changed nothing.
	Committed bool
}

// Merge upserts rows into the table on MatchKeys: matched rows whose values
// differ are updated, unmatched rows are inserted, and nothing is deleted.
// Staged rows sharing a key collapse to the last one. Columns the table does
// not have yet are added. A merge that changes nothing commits no version.
//
// Merge reads the latest version once and commits against it; a concurrent
// commit makes it fail with WRITE_CONFLICT and the caller retries.
func (s *Store) Merge(ctx context.Context, name string, rows []types.Record, opts MergeOptions) (MergeResult, error) {
	if len(opts.MatchKeys) == 0 {
		return MergeResult{}, perrors.NewConfigError("merge into " + name + " needs at least one match key")
	}
	staged, duplicates, err := collapse(rows, opts.MatchKeys)
	if err != nil {
		return MergeResult{}, err
	}

	incoming := types.SchemaOf(staged, opts.MatchKeys)
	if opts.Schema != nil {
		incoming = *opts.Schema
	}
	if err := s.CreateTable(ctx, name, TableDef{
		Schema:         incoming,
		ChangeTracking: opts.ChangeTracking,
		KeyColumns:     opts.MatchKeys,
	}); err != nil {
		return MergeResult{}, err
	}
	table, err := s.table(ctx, name)
	if err != nil {
		return MergeResult{}, err
	}
	latest, err := s.latest(ctx, name)
	if err != nil {
		return MergeResult{}, err
	}
	result := MergeResult{Table: name, Version: latest.Version, Duplicates: duplicates}
	if len(staged) == 0 {
		return result, nil
	}

	previous, err := s.schemaAt(ctx, name, latest.SchemaVersion)
	if err != nil {
		return MergeResult{}, err
	}
	target, _, err := evolveSchema(previous, incoming)
	if err != nil {
		return MergeResult{}, perrors.NewSchemaViolation(name, err)
	}
	if err := NewSchemaValidator(target).ValidateRows(staged); err != nil {
		return MergeResult{}, perrors.NewSchemaViolation(name, err)
	}

	index := make(map[string]int, len(staged))
	keys := make([]string, len(staged))
	for i, r := range staged {
		keys[i] = types.KeyOf(r, opts.MatchKeys)
		index[keys[i]] = i
	}

	files, err := s.activeFiles(ctx, name, latest.Version)
	if err != nil {
		return MergeResult{}, err
	}
	usableFilters := slices.Equal(table.KeyColumns, opts.MatchKeys)

	matched := make([]bool, len(staged))
	var (
		rewritten []types.Record
		removed   []string
		events    []types.ChangeEvent
	)
	for _, f := range files {
		if usableFilters && len(f.KeyFilter) > 0 {
			filter, err := bloom.Unmarshal(f.KeyFilter)
			if err == nil && !filter.MayContainAny(keys) {
				result.FilesSkipped++
				continue
			}
		}
		existing, err := s.readDataFile(ctx, f.ObjectPath, target)
		if err != nil {
			return MergeResult{}, err
		}
		changed := false
		for i, row := range existing {
			pos, ok := index[types.KeyOf(row, opts.MatchKeys)]
			if !ok || matched[pos] {
				continue
			}
			matched[pos] = true
			if types.RecordsEqual(row, staged[pos]) {
				result.Unchanged++
				continue
			}
			changed = true
			result.Updated++
			events = append(events,
				types.ChangeEvent{Op: types.OpUpdatePreimage, Row: row},
				types.ChangeEvent{Op: types.OpUpdatePostimage, Row: staged[pos]})
			existing[i] = staged[pos]
		}
		if changed {
			result.FilesRewritten++
			removed = append(removed, f.ObjectPath)
			rewritten = append(rewritten, existing...)
		}
	}

	for i, r := range staged {
		if matched[i] {
			continue
		}
		result.Inserted++
		rewritten = append(rewritten, r)
		events = append(events, types.ChangeEvent{Op: types.OpInsert, Row: r})
	}

	if result.Inserted == 0 && result.Updated == 0 {
		s.logger.Debug("merge changed nothing", "table", name, "version", latest.Version, "unchanged", result.Unchanged)
		return result, nil
	}

	file, err := s.writeDataFile(ctx, name, rewritten, table.KeyColumns)
	if err != nil {
		return MergeResult{}, err
	}
	written := []string{file.ObjectPath}

	commit := manifest.Commit{
		Table:       name,
		ReadVersion: latest.Version,
		Operation:   manifest.OpMerge,
		Schema:      &target,
		RowCount:    latest.RowCount + result.Inserted,
		Inserted:    result.Inserted,
		Updated:     result.Updated,
		Added:       []manifest.FileRecord{file},
		Removed:     removed,
	}

	if table.ChangeTracking {
		version := latest.Version + 1
		now := s.opts.Now().UTC()
		for i := range events {
			events[i].Version = version
			events[i].Seq = i
			events[i].CommitTime = now
		}
		path, err := s.writeChangeFile(ctx, name, version, events)
		if err != nil {
			s.discard(written)
			return MergeResult{}, err
		}
		commit.ChangePath = path
		written = append(written, path)
	}

	res, err := s.commit(ctx, commit, written)
	if err != nil {
		return MergeResult{}, err
	}
	result.Version = res.Version
	result.Committed = true
	return result, nil
}

// collapse keeps the last staged row per key, in order of first appearance.
// Rows with a null match key are rejected.
func collapse(rows []types.Record, keys []string) ([]types.Record, int64, error) {
	rowErrs := &perrors.RowErrors{}
	pos := make(map[string]int, len(rows))
	out := make([]types.Record, 0, len(rows))
	var duplicates int64
	for i, r := range rows {
		if types.HasNullKey(r, keys) {
			rowErrs.Add(i, fmt.Sprint(keys), "match key is null")
			continue
		}
		k := types.KeyOf(r, keys)
		if p, ok := pos[k]; ok {
			out[p] = r.Clone()
			duplicates++
			continue
		}
		pos[k] = len(out)
		out = append(out, r.Clone())
	}
	if err := rowErrs.Err(); err != nil {
		return nil, 0, err
	}
	return out, duplicates, nil
}
