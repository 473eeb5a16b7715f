package tablestore

import (
	"context"
	"fmt"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/manifest"
	"github.com/fmcg/lakehouse/pkg/types"
)

// Changes returns the change events committed in versions (since, until],
// ordered by version then sequence. until <= 0 means the latest version,
// which is returned alongside the events.
//
// Reading an untracked table fails with TRACKING_DISABLED. If any version in
// the range has been vacuumed the call fails with HISTORY_UNAVAILABLE rather
// than returning a partial result.
func (s *Store) Changes(ctx context.Context, name string, since, until int64) ([]types.ChangeEvent, int64, error) {
	table, err := s.table(ctx, name)
	if err != nil {
		return nil, 0, err
	}
	if !table.ChangeTracking {
		return nil, 0, perrors.NewTrackingDisabled(name, "change tracking is not enabled")
	}
	if until <= 0 {
		latest, err := s.latest(ctx, name)
		if err != nil {
			return nil, 0, err
		}
		until = latest.Version
	}
	if since < 0 {
		return nil, 0, perrors.NewConfigError(fmt.Sprintf("since version %d is negative", since))
	}
	if until <= since {
		return nil, until, nil
	}

	var versions []*manifest.VersionRecord
	err = s.do(ctx, "list versions of "+name, func(ctx context.Context) error {
		var err error
		versions, err = s.catalog.ListVersions(ctx, name, since, until)
		return err
	})
	if err != nil {
		return nil, 0, s.mapErr(name, 0, err)
	}
	if int64(len(versions)) != until-since {
		return nil, 0, perrors.New(perrors.ErrCategoryTable, perrors.CodeTableNotFound,
			fmt.Sprintf("versions (%d, %d] of %s do not all exist", since, until, name))
	}
	for _, v := range versions {
		if v.Expired {
			return nil, 0, perrors.NewHistoryUnavailable(name, since, until)
		}
	}

	// Each change file is read with the schemas its version and the one
	// before it were written under.
	schemas := make(map[int]types.Schema)
	schemaOf := func(version int) (types.Schema, error) {
		if schema, ok := schemas[version]; ok {
			return schema, nil
		}
		schema, err := s.schemaAt(ctx, name, version)
		if err != nil {
			return types.Schema{}, err
		}
		schemas[version] = schema
		return schema, nil
	}
	prevSchema, err := s.schemaVersionOf(ctx, name, since)
	if err != nil {
		return nil, 0, err
	}
	var events []types.ChangeEvent
	for _, v := range versions {
		beforeVersion := prevSchema
		prevSchema = v.SchemaVersion
		if v.ChangePath == "" {
			continue
		}
		before, err := schemaOf(beforeVersion)
		if err != nil {
			return nil, 0, err
		}
		after, err := schemaOf(v.SchemaVersion)
		if err != nil {
			return nil, 0, err
		}
		batch, err := s.readChangeFile(ctx, v.ChangePath, before, after)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, batch...)
	}
	return events, until, nil
}

// schemaVersionOf returns the schema version recorded for one version of a
// table. Expired versions keep their record.
func (s *Store) schemaVersionOf(ctx context.Context, name string, version int64) (int, error) {
	var rec *manifest.VersionRecord
	err := s.do(ctx, "read version of "+name, func(ctx context.Context) error {
		var err error
		rec, err = s.catalog.GetVersion(ctx, name, version)
		return err
	})
	if err != nil {
		return 0, s.mapErr(name, version, err)
	}
	return rec.SchemaVersion, nil
}
