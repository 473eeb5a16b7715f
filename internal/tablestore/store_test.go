package tablestore

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/manifest"
	"github.com/fmcg/lakehouse/internal/storage"
	"github.com/fmcg/lakehouse/pkg/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store   *Store
	catalog *manifest.SQLiteCatalog
	objects storage.ObjectStorage
	clock   *testClock
}

func newTestEnv(t *testing.T, wrap func(storage.ObjectStorage) storage.ObjectStorage, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()
	catalog, err := manifest.NewCatalog(filepath.Join(dir, "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	var objects storage.ObjectStorage
	objects, err = storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	if wrap != nil {
		objects = wrap(objects)
	}

	clock := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	return &testEnv{store: New(catalog, objects, opts), catalog: catalog, objects: objects, clock: clock}
}

func orderRow(id int64, qty int64, status string) types.Record {
	return types.Record{"order_id": id, "quantity": qty, "status": status}
}

func byKey(rows []types.Record, col string) map[any]types.Record {
	out := make(map[any]types.Record, len(rows))
	for _, r := range rows {
		out[r[col]] = r
	}
	return out
}

func TestWrite_AppendAndOverwrite(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	info, err := env.store.Write(ctx, "bronze.orders", []types.Record{
		orderRow(101, 2, "placed"),
		orderRow(102, 1, "placed"),
	}, WriteOptions{Mode: types.WriteAppend, ChangeTracking: true})
	require.NoError(t, err)
	assert.True(t, info.Committed)
	assert.Equal(t, int64(1), info.Version)

	info, err = env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(103, 5, "placed")},
		WriteOptions{Mode: types.WriteAppend, ChangeTracking: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)

	rows, version, err := env.store.Snapshot(ctx, "bronze.orders", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Len(t, rows, 3)

	info, err = env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(201, 1, "placed")},
		WriteOptions{Mode: types.WriteOverwrite, ChangeTracking: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Version)
	assert.Equal(t, int64(3), info.RowsDeleted)

	rows, _, err = env.store.Snapshot(ctx, "bronze.orders", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(201), rows[0]["order_id"])

	old, _, err := env.store.Snapshot(ctx, "bronze.orders", 1)
	require.NoError(t, err)
	assert.Len(t, old, 2)

	history, err := env.store.History(ctx, "bronze.orders")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, manifest.OpCreate, history[0].Operation)
	assert.Equal(t, manifest.OpOverwrite, history[3].Operation)
	assert.Equal(t, int64(1), history[3].RowCount)
}

func TestWrite_OverwriteEmitsDeletesThenInserts(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	_, err := env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(101, 2, "placed")},
		WriteOptions{Mode: types.WriteOverwrite, ChangeTracking: true})
	require.NoError(t, err)
	_, err = env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(101, 3, "placed")},
		WriteOptions{Mode: types.WriteOverwrite, ChangeTracking: true})
	require.NoError(t, err)

	events, until, err := env.store.Changes(ctx, "bronze.orders", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), until)
	require.Len(t, events, 2)
	assert.Equal(t, types.OpDelete, events[0].Op)
	assert.Equal(t, int64(2), events[0].Row["quantity"])
	assert.Equal(t, types.OpInsert, events[1].Op)
	assert.Equal(t, int64(3), events[1].Row["quantity"])
	assert.Equal(t, int64(2), events[1].Version)
	assert.Equal(t, 1, events[1].Seq)
}

func TestWrite_TrackingCannotBeTurnedOff(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	_, err := env.store.Write(ctx, "bronze.customers", []types.Record{{"customer_id": "C1"}},
		WriteOptions{ChangeTracking: true})
	require.NoError(t, err)

	_, err = env.store.Write(ctx, "bronze.customers", []types.Record{{"customer_id": "C2"}},
		WriteOptions{ChangeTracking: false})
	assert.ErrorIs(t, err, perrors.ErrTrackingDisabled)
	assert.False(t, perrors.IsRetryable(err))

	latest, err := env.store.LatestVersion(ctx, "bronze.customers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
}

func TestWrite_SchemaEnforcement(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	schema := types.Schema{Columns: []types.ColumnDef{
		{Name: "order_id", Type: types.TypeInteger, PrimaryKey: true},
		{Name: "quantity", Type: types.TypeInteger, Nullable: true},
	}}
	_, err := env.store.Write(ctx, "silver.orders", []types.Record{{"order_id": int64(1), "quantity": int64(2)}},
		WriteOptions{Schema: &schema, ChangeTracking: true})
	require.NoError(t, err)

	_, err = env.store.Write(ctx, "silver.orders", []types.Record{{"order_id": int64(2), "quantity": "many"}},
		WriteOptions{ChangeTracking: true})
	assert.ErrorIs(t, err, perrors.ErrSchemaViolation)

	_, err = env.store.Write(ctx, "silver.orders", []types.Record{{"order_id": int64(3), "channel": "web"}},
		WriteOptions{ChangeTracking: true})
	assert.ErrorIs(t, err, perrors.ErrSchemaViolation)

	info, err := env.store.Write(ctx, "silver.orders", []types.Record{{"order_id": int64(3), "channel": "web"}},
		WriteOptions{ChangeTracking: true, EvolveSchema: true})
	require.NoError(t, err)
	assert.Equal(t, 2, info.SchemaVersion)

	rows, _, err := env.store.Snapshot(ctx, "silver.orders", 0)
	require.NoError(t, err)
	got := byKey(rows, "order_id")
	assert.Nil(t, got[int64(1)]["channel"])
	assert.Equal(t, "web", got[int64(3)]["channel"])
}

func TestSnapshot_ReadsOldVersionsWithTheirSchema(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	_, err := env.store.Write(ctx, "bronze.products", []types.Record{{"id": int64(1), "legacy": "P-001"}},
		WriteOptions{Mode: types.WriteAppend, ChangeTracking: true})
	require.NoError(t, err)
	info, err := env.store.Write(ctx, "bronze.products", []types.Record{{"id": int64(1)}},
		WriteOptions{Mode: types.WriteOverwrite, ChangeTracking: true})
	require.NoError(t, err)
	assert.Equal(t, 2, info.SchemaVersion)

	old, _, err := env.store.Snapshot(ctx, "bronze.products", 1)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "P-001", old[0]["legacy"])

	latest, _, err := env.store.Snapshot(ctx, "bronze.products", 0)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.NotContains(t, latest[0], "legacy")

	schemas, err := env.store.Schemas(ctx, "bronze.products")
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.Len(t, schemas[0].Columns, 2)
	assert.Len(t, schemas[1].Columns, 1)

	history, err := env.store.History(ctx, "bronze.products")
	require.NoError(t, err)
	assert.Equal(t, 1, history[1].SchemaVersion)
	assert.Equal(t, 2, history[2].SchemaVersion)
}

func TestChanges_SpanTypeChangingOverwrite(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	_, err := env.store.Write(ctx, "bronze.codes", []types.Record{{"code": "abc"}},
		WriteOptions{Mode: types.WriteAppend, ChangeTracking: true})
	require.NoError(t, err)
	_, err = env.store.Write(ctx, "bronze.codes", []types.Record{{"code": int64(5)}},
		WriteOptions{Mode: types.WriteOverwrite, ChangeTracking: true})
	require.NoError(t, err)

	events, until, err := env.store.Changes(ctx, "bronze.codes", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), until)
	require.Len(t, events, 3)
	assert.Equal(t, types.OpInsert, events[0].Op)
	assert.Equal(t, "abc", events[0].Row["code"])
	assert.Equal(t, types.OpDelete, events[1].Op)
	assert.Equal(t, "abc", events[1].Row["code"])
	assert.Equal(t, types.OpInsert, events[2].Op)
	assert.Equal(t, int64(5), events[2].Row["code"])

	events, _, err = env.store.Changes(ctx, "bronze.codes", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "abc", events[0].Row["code"])
}

func TestSchemas_MissingTable(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	_, err := env.store.Schemas(context.Background(), "gold.nope")
	assert.ErrorIs(t, err, perrors.ErrTableNotFound)
}

func TestWrite_EmptyAppendCommitsNothing(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	_, err := env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(1, 1, "placed")}, WriteOptions{ChangeTracking: true})
	require.NoError(t, err)

	info, err := env.store.Write(ctx, "bronze.orders", nil, WriteOptions{ChangeTracking: true})
	require.NoError(t, err)
	assert.False(t, info.Committed)
	assert.Equal(t, int64(1), info.Version)
}

func TestCreateTable_RejectsBadNames(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	err := env.store.CreateTable(context.Background(), "orders", TableDef{})
	assert.ErrorIs(t, err, perrors.ErrInvalidConfig)
}

func TestSnapshot_MissingTable(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	_, _, err := env.store.Snapshot(context.Background(), "gold.nope", 0)
	assert.ErrorIs(t, err, perrors.ErrTableNotFound)

	exists, err := env.store.Exists(context.Background(), "gold.nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

// blockingStorage never answers Get until the caller gives up.
type blockingStorage struct {
	storage.ObjectStorage
}

func (b *blockingStorage) Get(ctx context.Context, path string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStore_OperationsAreBoundedByTimeout(t *testing.T) {
	env := newTestEnv(t, func(s storage.ObjectStorage) storage.ObjectStorage {
		return &blockingStorage{ObjectStorage: s}
	}, Options{OpTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(1, 1, "placed")}, WriteOptions{ChangeTracking: true})
	require.NoError(t, err)

	start := time.Now()
	_, _, err = env.store.Snapshot(ctx, "bronze.orders", 0)
	assert.ErrorIs(t, err, perrors.ErrStoreTimeout)
	assert.True(t, perrors.IsRetryable(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStore_CallerCancellationIsNotATimeout(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(1, 1, "placed")}, WriteOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, perrors.ErrStoreTimeout)
}

func TestVacuum_ExpiresHistory(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		_, err := env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(i, 1, "placed")},
			WriteOptions{Mode: types.WriteOverwrite, ChangeTracking: true})
		require.NoError(t, err)
		env.clock.Advance(24 * time.Hour)
	}
	_, err := env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(4, 1, "placed")},
		WriteOptions{Mode: types.WriteOverwrite, ChangeTracking: true})
	require.NoError(t, err)

	result, err := env.store.Vacuum(ctx, "bronze.orders", 36*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.RetainedFrom)
	assert.Equal(t, 3, result.ExpiredVersions)
	assert.Len(t, result.DeletedChangeFiles, 2)
	assert.Len(t, result.DeletedDataFiles, 2)
	assert.Empty(t, result.Errors)

	_, _, err = env.store.Changes(ctx, "bronze.orders", 1, 4)
	assert.ErrorIs(t, err, perrors.ErrHistoryUnavailable)

	_, _, err = env.store.Snapshot(ctx, "bronze.orders", 1)
	assert.ErrorIs(t, err, perrors.ErrHistoryUnavailable)

	events, _, err := env.store.Changes(ctx, "bronze.orders", 2, 4)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	rows, _, err := env.store.Snapshot(ctx, "bronze.orders", 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0]["order_id"])

	report, err := env.store.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.False(t, report.HasIssues())
}

func TestChanges_RequiresTracking(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	_, err := env.store.Write(ctx, "silver.scratch", []types.Record{{"id": "a"}}, WriteOptions{ChangeTracking: false})
	require.NoError(t, err)

	_, _, err = env.store.Changes(ctx, "silver.scratch", 0, 0)
	assert.ErrorIs(t, err, perrors.ErrTrackingDisabled)
}

func TestChanges_EmptyRange(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx := context.Background()

	_, err := env.store.Write(ctx, "bronze.orders", []types.Record{orderRow(1, 1, "placed")}, WriteOptions{ChangeTracking: true})
	require.NoError(t, err)

	events, until, err := env.store.Changes(ctx, "bronze.orders", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(1), until)
}

func TestTablePrefix(t *testing.T) {
	assert.Equal(t, "tables/gold/fact_orders/", tablePrefix("gold.fact_orders"))
	assert.True(t, strings.HasPrefix(dataPath("bronze.orders"), "tables/bronze/orders/data/"))
	assert.True(t, strings.HasPrefix(changePath("bronze.orders", 7), "tables/bronze/orders/_changes/00000000000000000007-"))
}
