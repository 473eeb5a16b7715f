package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/fmcg/lakehouse/internal/storage"
)

// ReconciliationReport contains the results of a manifest-storage reconciliation.
type ReconciliationReport struct {
	// DanglingEntries are manifest paths whose object does not exist in storage.
	DanglingEntries []DanglingEntry
	// OrphanedObjects are storage objects with no corresponding manifest record.
	OrphanedObjects []string
	// TotalManifestEntries is the number of tracked paths checked.
	TotalManifestEntries int
	// TotalStorageObjects is the number of storage objects scanned.
	TotalStorageObjects int
	// RunAt is when the reconciliation was performed.
	RunAt time.Time
}

// DanglingEntry represents a manifest record pointing to a missing object.
type DanglingEntry struct {
	Table      string
	ObjectPath string
}

// HasIssues returns true if the report contains any dangling entries or orphaned objects.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.DanglingEntries) > 0 || len(r.OrphanedObjects) > 0
}

// Reconcile checks consistency between the manifest catalog and object storage.
// Objects are listed under storagePrefix; orphans typically come from writes
// whose commit lost a version conflict.
func Reconcile(ctx context.Context, catalog *SQLiteCatalog, store storage.ObjectStorage, storagePrefix string) (*ReconciliationReport, error) {
	report := &ReconciliationReport{RunAt: time.Now()}

	tracked, err := catalog.TrackedPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list manifest paths: %w", err)
	}
	report.TotalManifestEntries = len(tracked)

	for path, table := range tracked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exists, err := store.Exists(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: failed to check object %s: %w", path, err)
		}
		if !exists {
			report.DanglingEntries = append(report.DanglingEntries, DanglingEntry{Table: table, ObjectPath: path})
		}
	}

	objects, err := store.List(ctx, storagePrefix)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list storage objects: %w", err)
	}
	report.TotalStorageObjects = len(objects)

	for _, objPath := range objects {
		if _, ok := tracked[objPath]; !ok {
			report.OrphanedObjects = append(report.OrphanedObjects, objPath)
		}
	}

	return report, nil
}
