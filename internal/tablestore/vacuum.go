package tablestore

import (
	"context"
	"time"

	"github.com/fmcg/lakehouse/internal/manifest"
)

// DefaultRetention is how long versions stay readable when Vacuum is called
// without a retention.
const DefaultRetention = 7 * 24 * time.Hour

// VacuumResult holds the outcome of a vacuum run.
type VacuumResult struct {
	Table string `json:"table"`
	// RetainedFrom is the oldest version still readable.
	RetainedFrom       int64    `json:"retained_from"`
	ExpiredVersions    int      `json:"expired_versions"`
	DeletedChangeFiles []string `json:"deleted_change_files,omitempty"`
	DeletedDataFiles   []string `json:"deleted_data_files,omitempty"`
	Errors             []string `json:"errors,omitempty"`
}

// Vacuum expires every version committed before now-retention, except the
// latest. Expired versions can no longer be read by Snapshot or Changes.
// Objects are deleted from storage after the manifest stops referencing
// them; failed deletions are reported and left for Reconcile.
func (s *Store) Vacuum(ctx context.Context, name string, retention time.Duration) (*VacuumResult, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if _, err := s.table(ctx, name); err != nil {
		return nil, err
	}
	cutoff := s.opts.Now().Add(-retention)

	var keep int64
	err := s.do(ctx, "find retained versions of "+name, func(ctx context.Context) error {
		var err error
		keep, err = s.catalog.OldestRetainedVersion(ctx, name, cutoff)
		return err
	})
	if err != nil {
		return nil, s.mapErr(name, 0, err)
	}

	var expired *manifest.ExpiredObjects
	err = s.do(ctx, "expire versions of "+name, func(ctx context.Context) error {
		var err error
		expired, err = s.catalog.ExpireBefore(ctx, name, keep)
		return err
	})
	if err != nil {
		return nil, s.mapErr(name, 0, err)
	}

	result := &VacuumResult{Table: name, RetainedFrom: keep, ExpiredVersions: expired.Versions}
	for _, p := range expired.ChangePaths {
		if err := s.deleteObject(ctx, p); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.DeletedChangeFiles = append(result.DeletedChangeFiles, p)
	}
	for _, p := range expired.DataPaths {
		if err := s.deleteObject(ctx, p); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.DeletedDataFiles = append(result.DeletedDataFiles, p)
	}

	if result.ExpiredVersions > 0 {
		s.logger.Info("vacuumed table", "table", name, "retained_from", keep,
			"expired_versions", result.ExpiredVersions,
			"change_files", len(result.DeletedChangeFiles), "data_files", len(result.DeletedDataFiles))
	}
	if len(result.Errors) > 0 {
		s.logger.Warn("vacuum left objects behind", "table", name, "errors", len(result.Errors))
	}
	return result, nil
}

// Reconcile compares the manifest with the objects under the table prefix.
// With removeOrphans, objects the manifest does not reference are deleted.
func (s *Store) Reconcile(ctx context.Context, removeOrphans bool) (*manifest.ReconciliationReport, error) {
	var report *manifest.ReconciliationReport
	err := s.do(ctx, "reconcile", func(ctx context.Context) error {
		var err error
		report, err = manifest.Reconcile(ctx, s.catalog, s.objects, "tables/")
		return err
	})
	if err != nil {
		return nil, err
	}
	if removeOrphans {
		for _, p := range report.OrphanedObjects {
			if err := s.deleteObject(ctx, p); err != nil {
				s.logger.Warn("failed to remove orphaned object", "path", p, "error", err)
			}
		}
	}
	return report, nil
}

func (s *Store) deleteObject(ctx context.Context, path string) error {
	return s.do(ctx, "delete "+path, func(ctx context.Context) error {
		return s.objects.Delete(ctx, path)
	})
}
