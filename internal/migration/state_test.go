package migration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateStore(t *testing.T) *SQLiteStateStore {
	t.Helper()
	store, err := NewSQLiteStateStore(filepath.Join(t.TempDir(), "migrations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStateStore_RoundTrip(t *testing.T) {
	store := newTestStateStore(t)
	ctx := context.Background()

	rec := &Record{
		Name:      "chromem-to-qdrant",
		StartedAt: time.Now().UTC(),
		Status:    StatusInProgress,
		Progress:  Progress{TotalChunks: 4},
	}
	require.NoError(t, store.Create(ctx, rec))
	assert.NotZero(t, rec.ID)

	rec.RecordsMigrated = 5000
	rec.Progress.ProcessedChunks = []int{0}
	rec.Progress.FailedRanges = []FailedRange{
		{Chunk: 0, StartID: "t5_a", EndID: "t5_z", Count: 100, Reason: "connection refused"},
	}
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Latest(ctx, "chromem-to-qdrant")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 5000, got.RecordsMigrated)
	assert.Equal(t, 4, got.Progress.TotalChunks)
	assert.Equal(t, []int{0}, got.Progress.ProcessedChunks)
	require.Len(t, got.Progress.FailedRanges, 1)
	assert.Equal(t, "t5_a", got.Progress.FailedRanges[0].StartID)
}

func TestSQLiteStateStore_LatestPicksNewestRun(t *testing.T) {
	store := newTestStateStore(t)
	ctx := context.Background()

	first := &Record{Name: "m", StartedAt: time.Now().UTC(), Status: StatusCompleted}
	require.NoError(t, store.Create(ctx, first))
	second := &Record{Name: "m", StartedAt: time.Now().UTC(), Status: StatusInProgress}
	require.NoError(t, store.Create(ctx, second))

	got, err := store.Latest(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestSQLiteStateStore_NoMigration(t *testing.T) {
	store := newTestStateStore(t)

	_, err := store.Latest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoMigration)
}

func TestSQLiteStateStore_SaveWithoutCreate(t *testing.T) {
	store := newTestStateStore(t)

	err := store.Save(context.Background(), &Record{Name: "m"})
	assert.Error(t, err)
}

func TestProgress_Processed(t *testing.T) {
	p := Progress{ProcessedChunks: []int{0, 2}}
	assert.True(t, p.Processed(0))
	assert.False(t, p.Processed(1))
	assert.True(t, p.Processed(2))
}
