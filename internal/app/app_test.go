package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmcg/lakehouse/internal/checkpoint"
	"github.com/fmcg/lakehouse/internal/config"
	"github.com/fmcg/lakehouse/internal/conform"
	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/identity"
	"github.com/fmcg/lakehouse/internal/lineage"
	"github.com/fmcg/lakehouse/internal/manifest"
	"github.com/fmcg/lakehouse/internal/pipeline"
	"github.com/fmcg/lakehouse/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "lake")
	cfg.Merge.BaseDelay = time.Millisecond
	cfg.Merge.MaxDelay = 10 * time.Millisecond
	cfg.Entities = []pipeline.Entity{
		{
			Name:     "customers",
			Source:   lineage.Source{Prefix: "landing/customers/"},
			Identity: identity.Config{KeyColumn: "customer_key", NaturalKey: []string{"name", "city"}},
		},
		{
			Name:   "orders",
			Source: lineage.Source{Prefix: "landing/orders/"},
			Identity: identity.Config{
				KeyColumn:   "order_line_key",
				NaturalKey:  []string{"order_id", "line_no"},
				ForeignKeys: []identity.ForeignKey{{Column: "customer_key", Fields: []string{"customer", "city"}}},
			},
		},
	}
	cfg.Conformance = conform.Specs{
		Dimensions: []conform.DimensionSpec{{Name: "dim_customer", Source: "customers", Key: "customer_key"}},
		Facts: []conform.FactSpec{{
			Name:       "fact_orders",
			Source:     "orders",
			MatchKeys:  []string{"order_id", "line_no"},
			Columns:    []string{"order_id", "line_no", "customer_key", "quantity"},
			References: []conform.Reference{{Column: "customer_key", Dimension: "dim_customer"}},
		}},
	}
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func (a *App) land(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, a.objects.Put(context.Background(), path, []byte(content)))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = "ftp"
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, perrors.ErrInvalidConfig)
}

func TestApp_RunPersistsCheckpoints(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.land(t, "landing/customers/2024-03-01.csv", "name,city\nAsha,Mysore\n")
	a.land(t, "landing/orders/2024-03-01.csv", "order_id,line_no,customer,city,quantity\n101,1,Asha,Mysore,2\n")

	reports, err := a.RunAll(ctx, types.RunIncremental)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	for _, entity := range []string{"customers", "orders"} {
		cp, err := a.Checkpoint(ctx, entity)
		require.NoError(t, err)
		assert.Equal(t, int64(1), cp.Version, entity)
		assert.NotEmpty(t, cp.RunID)
	}

	a.land(t, "landing/orders/2024-03-02.csv", "order_id,line_no,customer,city,quantity\n101,1,Asha,Mysore,4\n102,1,Asha,Mysore,1\n")
	rep, err := a.Run(ctx, "orders", types.RunIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Checkpoint.Version)

	cp, err := a.Checkpoint(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "landing/orders/2024-03-02.csv", cp.SourceCursor)

	rows, _, err := a.Store().Snapshot(ctx, "gold.fact_orders", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	feed, err := a.Changes(ctx, "gold.fact_orders", 1, 0)
	require.NoError(t, err)
	assert.Len(t, feed.Upserts(), 2)

	history, err := a.History(ctx, "gold.fact_orders")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, manifest.OpCreate, history[0].Operation)
	assert.Equal(t, manifest.OpMerge, history[1].Operation)
	assert.Equal(t, manifest.OpMerge, history[2].Operation)
	assert.Equal(t, int64(1), history[2].RowsUpdated)
	assert.Equal(t, int64(1), history[2].RowsInserted)

	schemas, err := a.Schemas(ctx, "gold.fact_orders")
	require.NoError(t, err)
	require.NotEmpty(t, schemas)
	assert.Equal(t, history[2].SchemaVersion, schemas[len(schemas)-1].Version)

	tables, err := a.Tables(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"bronze.customers", "silver.customers", "gold.dim_customer",
		"bronze.orders", "silver.orders", "gold.fact_orders",
	}, tables)
}

func TestApp_FailedRunKeepsCheckpoint(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.land(t, "landing/orders/2024-03-01.csv", "order_id,line_no,customer,city,quantity\n101,1,Asha,Mysore,2\n")
	_, err := a.Run(ctx, "orders", types.RunFull)
	require.NoError(t, err)

	a.land(t, "landing/orders/2024-03-02.csv", "order_id,line_no,customer,city,quantity\n102,1,Asha,Mysore,many\n")
	_, err = a.Run(ctx, "orders", types.RunIncremental)
	require.Error(t, err)
	assert.Equal(t, pipeline.StageRead, pipeline.FailedStage(err))

	cp, err := a.Checkpoint(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "landing/orders/2024-03-01.csv", cp.SourceCursor)
}

func TestApp_SetCheckpoint(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	assert.Error(t, a.SetCheckpoint(ctx, &checkpoint.Checkpoint{Entity: "shipments"}))

	require.NoError(t, a.SetCheckpoint(ctx, &checkpoint.Checkpoint{Entity: "orders", Version: 3}))
	cp, err := a.Checkpoint(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.Version)
	assert.Equal(t, "bronze.orders", cp.Table)
	assert.False(t, cp.UpdatedAt.IsZero())
}

func TestApp_VacuumAll(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.land(t, "landing/customers/2024-03-01.csv", "name,city\nAsha,Mysore\n")
	_, err := a.Run(ctx, "customers", types.RunFull)
	require.NoError(t, err)

	results, err := a.VacuumAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.Zero(t, r.ExpiredVersions, r.Table)
	}

	_, err = a.Vacuum(ctx, []string{"gold.missing"}, time.Hour)
	assert.ErrorIs(t, err, perrors.ErrTableNotFound)
}

func TestApp_Reconcile(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.land(t, "landing/customers/2024-03-01.csv", "name,city\nAsha,Mysore\n")
	_, err := a.Run(ctx, "customers", types.RunFull)
	require.NoError(t, err)

	report, err := a.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.False(t, report.HasIssues())

	a.land(t, "tables/gold/dim_customer/stray.jsonl.sz", "x")
	report, err = a.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"tables/gold/dim_customer/stray.jsonl.sz"}, report.OrphanedObjects)

	report, err = a.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.False(t, report.HasIssues())
}

func TestApp_CloseTwice(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
