package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	entity := "orders-" + uuid.NewString()[:8]

	_, err := s.Get(ctx, entity)
	assert.ErrorIs(t, err, ErrNotFound)

	cp, err := Load(ctx, s, entity)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.Version)

	at := time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, &Checkpoint{Entity: entity, Table: "bronze.orders", Version: 3,
		SourceCursor: "landing/orders/2024-03-05.csv", RunID: "run-1", UpdatedAt: at}))
	require.NoError(t, s.Put(ctx, &Checkpoint{Entity: entity, Table: "bronze.orders", Version: 4,
		SourceCursor: "landing/orders/2024-03-06.csv", RunID: "run-2", UpdatedAt: at.Add(time.Hour)}))

	got, err := s.Get(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, "landing/orders/2024-03-06.csv", got.SourceCursor)
	assert.Equal(t, "run-2", got.RunID)
	assert.True(t, got.UpdatedAt.Equal(at.Add(time.Hour)))

	assert.Error(t, s.Put(ctx, &Checkpoint{}))
	assert.Error(t, s.Put(ctx, &Checkpoint{Entity: entity, Version: -1}))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("LAKEHOUSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LAKEHOUSE_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}
