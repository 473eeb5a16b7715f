package manifest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fmcg/lakehouse/pkg/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	catalog, err := NewCatalog(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })
	return catalog
}

var ordersSchema = types.Schema{Columns: []types.ColumnDef{
	{Name: "order_id", Type: types.TypeInteger, PrimaryKey: true},
	{Name: "quantity", Type: types.TypeInteger, Nullable: true},
}}

func TestCatalog_CreateAndGetTable(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	err := catalog.CreateTable(ctx, TableRecord{
		Name:           "gold.fact_orders",
		ChangeTracking: true,
		KeyColumns:     []string{"order_id"},
	}, ordersSchema)
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	table, err := catalog.GetTable(ctx, "gold.fact_orders")
	if err != nil {
		t.Fatalf("GetTable failed: %v", err)
	}
	if !table.ChangeTracking {
		t.Error("expected change tracking to be enabled")
	}
	if len(table.KeyColumns) != 1 || table.KeyColumns[0] != "order_id" {
		t.Errorf("unexpected key columns %v", table.KeyColumns)
	}

	latest, err := catalog.LatestVersion(ctx, "gold.fact_orders")
	if err != nil {
		t.Fatalf("LatestVersion failed: %v", err)
	}
	if latest.Version != 0 || latest.Operation != OpCreate {
		t.Errorf("expected version 0 CREATE TABLE, got %d %s", latest.Version, latest.Operation)
	}

	err = catalog.CreateTable(ctx, TableRecord{Name: "gold.fact_orders"}, ordersSchema)
	if !errors.Is(err, ErrTableExists) {
		t.Errorf("expected ErrTableExists, got %v", err)
	}

	if _, err := catalog.GetTable(ctx, "gold.missing"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}
}

func TestCatalog_CommitVersionAndActiveFiles(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if err := catalog.CreateTable(ctx, TableRecord{Name: "bronze.orders", ChangeTracking: true}, ordersSchema); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	v1, err := catalog.CommitVersion(ctx, Commit{
		Table:         "bronze.orders",
		ReadVersion:   0,
		Operation:     OpAppend,
		SchemaVersion: 1,
		RowCount:      10,
		Inserted:      10,
		ChangePath:    "tables/bronze/orders/_changes/1.jsonl.snappy",
		Added:         []FileRecord{{ObjectPath: "tables/bronze/orders/data/a", RowCount: 10}},
	})
	if err != nil {
		t.Fatalf("CommitVersion failed: %v", err)
	}
	if v1.Version != 1 || v1.SchemaVersion != 1 {
		t.Fatalf("expected version 1 with schema 1, got %+v", v1)
	}

	v2, err := catalog.CommitVersion(ctx, Commit{
		Table:         "bronze.orders",
		ReadVersion:   1,
		Operation:     OpOverwrite,
		SchemaVersion: 1,
		RowCount:      4,
		Added:         []FileRecord{{ObjectPath: "tables/bronze/orders/data/b", RowCount: 4}},
		Removed:       []string{"tables/bronze/orders/data/a"},
	})
	if err != nil {
		t.Fatalf("CommitVersion failed: %v", err)
	}

	files, err := catalog.ActiveFiles(ctx, "bronze.orders", v1.Version)
	if err != nil {
		t.Fatalf("ActiveFiles failed: %v", err)
	}
	if len(files) != 1 || files[0].ObjectPath != "tables/bronze/orders/data/a" {
		t.Errorf("version 1 should see only file a, got %+v", files)
	}

	files, err = catalog.ActiveFiles(ctx, "bronze.orders", v2.Version)
	if err != nil {
		t.Fatalf("ActiveFiles failed: %v", err)
	}
	if len(files) != 1 || files[0].ObjectPath != "tables/bronze/orders/data/b" {
		t.Errorf("version 2 should see only file b, got %+v", files)
	}

	versions, err := catalog.ListVersions(ctx, "bronze.orders", 0, -1)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 2 || versions[0].ChangePath == "" || versions[1].ChangePath != "" {
		t.Errorf("unexpected versions %+v", versions)
	}
}

func TestCatalog_CommitConflict(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	if err := catalog.CreateTable(ctx, TableRecord{Name: "gold.dim_products"}, ordersSchema); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	if _, err := catalog.CommitVersion(ctx, Commit{Table: "gold.dim_products", ReadVersion: 0, Operation: OpMerge}); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	// A second writer that also read version 0 must lose.
	_, err := catalog.CommitVersion(ctx, Commit{Table: "gold.dim_products", ReadVersion: 0, Operation: OpMerge})
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	_, err = catalog.CommitVersion(ctx, Commit{Table: "gold.nope", ReadVersion: 0, Operation: OpMerge})
	if !errors.Is(err, ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}
}

func TestCatalog_ExpireBefore(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	table := "bronze.customers"

	old := time.Now().Add(-48 * time.Hour)
	if err := catalog.CreateTable(ctx, TableRecord{Name: table, ChangeTracking: true, CreatedAt: old}, ordersSchema); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	if _, err := catalog.CommitVersion(ctx, Commit{
		Table: table, ReadVersion: 0, Operation: OpAppend, ChangePath: "c1", CommittedAt: old,
		Added: []FileRecord{{ObjectPath: "f1"}},
	}); err != nil {
		t.Fatalf("commit 1 failed: %v", err)
	}
	if _, err := catalog.CommitVersion(ctx, Commit{
		Table: table, ReadVersion: 1, Operation: OpOverwrite, ChangePath: "c2", CommittedAt: old,
		Added: []FileRecord{{ObjectPath: "f2"}}, Removed: []string{"f1"},
	}); err != nil {
		t.Fatalf("commit 2 failed: %v", err)
	}
	if _, err := catalog.CommitVersion(ctx, Commit{
		Table: table, ReadVersion: 2, Operation: OpAppend, ChangePath: "c3",
		Added: []FileRecord{{ObjectPath: "f3"}},
	}); err != nil {
		t.Fatalf("commit 3 failed: %v", err)
	}

	keep, err := catalog.OldestRetainedVersion(ctx, table, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("OldestRetainedVersion failed: %v", err)
	}
	if keep != 3 {
		t.Fatalf("expected to retain from version 3, got %d", keep)
	}

	expired, err := catalog.ExpireBefore(ctx, table, keep)
	if err != nil {
		t.Fatalf("ExpireBefore failed: %v", err)
	}
	if expired.Versions != 3 {
		t.Errorf("expected versions 0..2 to expire, got %d", expired.Versions)
	}
	if len(expired.ChangePaths) != 2 {
		t.Errorf("expected change files c1 and c2, got %v", expired.ChangePaths)
	}
	if len(expired.DataPaths) != 1 || expired.DataPaths[0] != "f1" {
		t.Errorf("expected only f1 to be released, got %v", expired.DataPaths)
	}

	v2, err := catalog.GetVersion(ctx, table, 2)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if !v2.Expired || v2.ChangePath != "" {
		t.Errorf("version 2 should be expired without a change file: %+v", v2)
	}

	files, err := catalog.ActiveFiles(ctx, table, 3)
	if err != nil {
		t.Fatalf("ActiveFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("version 3 should still see f2 and f3, got %d files", len(files))
	}
}

func TestCatalog_CommitRegistersSchema(t *testing.T) {
	catalog := newTestCatalog(t)
	registry := NewSchemaRegistry(catalog)
	ctx := context.Background()

	if err := catalog.CreateTable(ctx, TableRecord{Name: "silver.orders"}, ordersSchema); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	same := ordersSchema
	res, err := catalog.CommitVersion(ctx, Commit{Table: "silver.orders", ReadVersion: 0, Operation: OpAppend, Schema: &same})
	if err != nil {
		t.Fatalf("CommitVersion failed: %v", err)
	}
	if res.SchemaVersion != 1 {
		t.Errorf("unchanged schema should keep version 1, got %d", res.SchemaVersion)
	}

	widened := ordersSchema
	widened.Columns = append(append([]types.ColumnDef{}, ordersSchema.Columns...),
		types.ColumnDef{Name: "channel", Type: types.TypeString, Nullable: true})
	res, err = catalog.CommitVersion(ctx, Commit{Table: "silver.orders", ReadVersion: 1, Operation: OpAppend, Schema: &widened})
	if err != nil {
		t.Fatalf("CommitVersion failed: %v", err)
	}
	if res.SchemaVersion != 2 {
		t.Errorf("new column should create version 2, got %d", res.SchemaVersion)
	}
	v2, err := catalog.GetVersion(ctx, "silver.orders", res.Version)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v2.SchemaVersion != 2 {
		t.Errorf("version %d should record schema 2, got %d", res.Version, v2.SchemaVersion)
	}

	// A commit that loses the race leaves the schema history untouched.
	narrowed := types.Schema{Columns: ordersSchema.Columns[:1]}
	_, err = catalog.CommitVersion(ctx, Commit{Table: "silver.orders", ReadVersion: 0, Operation: OpOverwrite, Schema: &narrowed})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	current, err := registry.Current(ctx, "silver.orders")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if current.Version != 2 || current.Schema.Version != 2 {
		t.Errorf("expected current version 2, got %d", current.Version)
	}

	first, err := registry.Get(ctx, "silver.orders", 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(first.Schema.Columns) != 2 {
		t.Errorf("schema 1 should keep its two columns, got %+v", first.Schema.Columns)
	}
	if _, err := registry.Get(ctx, "silver.orders", 9); err == nil {
		t.Error("expected an error for a missing schema version")
	}

	list, err := registry.List(ctx, "silver.orders")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[1].Schema.Columns[2].Name != "channel" {
		t.Errorf("unexpected schema history %+v", list)
	}
}
