package manifest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fmcg/lakehouse/internal/storage"
)

func TestReconcile_DetectsDanglingAndOrphaned(t *testing.T) {
	catalog := newTestCatalog(t)
	store, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "storage"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	ctx := context.Background()

	if err := catalog.CreateTable(ctx, TableRecord{Name: "bronze.orders", ChangeTracking: true}, ordersSchema); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if _, err := catalog.CommitVersion(ctx, Commit{
		Table:       "bronze.orders",
		ReadVersion: 0,
		Operation:   OpAppend,
		ChangePath:  "tables/bronze/orders/_changes/1",
		Added: []FileRecord{
			{ObjectPath: "tables/bronze/orders/data/present"},
			{ObjectPath: "tables/bronze/orders/data/missing"},
		},
	}); err != nil {
		t.Fatalf("CommitVersion failed: %v", err)
	}

	for _, p := range []string{
		"tables/bronze/orders/data/present",
		"tables/bronze/orders/_changes/1",
		"tables/bronze/orders/data/orphan",
	} {
		if err := store.Put(ctx, p, []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	report, err := Reconcile(ctx, catalog, store, "tables/")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !report.HasIssues() {
		t.Fatal("expected issues")
	}
	if len(report.DanglingEntries) != 1 || report.DanglingEntries[0].ObjectPath != "tables/bronze/orders/data/missing" {
		t.Errorf("unexpected dangling entries %+v", report.DanglingEntries)
	}
	if len(report.OrphanedObjects) != 1 || report.OrphanedObjects[0] != "tables/bronze/orders/data/orphan" {
		t.Errorf("unexpected orphans %v", report.OrphanedObjects)
	}
	if report.TotalManifestEntries != 3 || report.TotalStorageObjects != 3 {
		t.Errorf("unexpected totals %d/%d", report.TotalManifestEntries, report.TotalStorageObjects)
	}
}
