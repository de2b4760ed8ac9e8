package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/subscout/internal/vectorstore"
)

func fastConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		ChunkSize:           50,
		SubBatchSize:        10,
		SubBatchConcurrency: 2,
		MaxRetries:          2,
		RetryBackoff:        time.Millisecond,
		RatePerSecond:       100000,
		ManifestPath:        filepath.Join(t.TempDir(), "manifest.json"),
	}
}

func newTestCoordinator(t *testing.T, source, target vectorstore.Store, cfg Config) (*Coordinator, *SQLiteStateStore) {
	t.Helper()
	state := newTestStateStore(t)
	coord, err := NewCoordinator(source, target, state, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return coord, state
}

func TestCoordinator_MigratesEverything(t *testing.T) {
	source := seedSource(t, 120)
	target := vectorstore.NewMemoryStore()
	coord, _ := newTestCoordinator(t, source, target, fastConfig(t))

	rec, err := coord.Run(context.Background(), "m")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 120, rec.RecordsMigrated)
	assert.Empty(t, rec.Progress.FailedRanges)
	assert.NotNil(t, rec.CompletedAt)

	count, err := target.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, count)
}

func TestCoordinator_LargeFixture(t *testing.T) {
	if testing.Short() {
		t.Skip("5000-record fixture")
	}

	source := seedSource(t, 5000)
	target := vectorstore.NewMemoryStore()
	cfg := fastConfig(t)
	cfg.ChunkSize = 1000
	cfg.SubBatchSize = 100
	coord, _ := newTestCoordinator(t, source, target, cfg)

	rec, err := coord.Run(context.Background(), "m")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 5000, rec.RecordsMigrated)
	assert.Empty(t, rec.Progress.FailedRanges)

	count, err := target.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5000, count)
}

// cancelingSource cancels the given context during the export of a chosen
// chunk, simulating an operator interrupt mid-run.
type cancelingSource struct {
	*vectorstore.MemoryStore
	cancel  context.CancelFunc
	after   int
	mu      sync.Mutex
	exports int
}

func (s *cancelingSource) Export(ctx context.Context, cursor string, limit int) ([]vectorstore.Record, string, error) {
	s.mu.Lock()
	s.exports++
	if s.exports == s.after {
		s.cancel()
	}
	s.mu.Unlock()
	return s.MemoryStore.Export(ctx, cursor, limit)
}

func TestCoordinator_ResumeAfterCancel(t *testing.T) {
	memory := seedSource(t, 120)
	target := vectorstore.NewMemoryStore()
	cfg := fastConfig(t)

	// Pre-build the manifest so the canceling wrapper only sees
	// migration-phase exports.
	manifest, err := BuildManifest(context.Background(), memory, "m", cfg.ChunkSize)
	require.NoError(t, err)
	require.NoError(t, manifest.Save(cfg.ManifestPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &cancelingSource{MemoryStore: memory, cancel: cancel, after: 2}

	state := newTestStateStore(t)
	coord, err := NewCoordinator(source, target, state, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	rec, err := coord.Run(ctx, "m")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rec)

	// The in-flight chunk finished before the boundary check honored the
	// cancel, so exactly two of three chunks are complete.
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Len(t, rec.Progress.ProcessedChunks, 2)
	assert.Equal(t, 100, rec.RecordsMigrated)

	// Restart with a fresh context resumes at the incomplete chunk.
	coord2, err := NewCoordinator(memory, target, state, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	rec2, err := coord2.Run(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec2.ID, "same run resumed, not a new one")
	assert.Equal(t, StatusCompleted, rec2.Status)
	assert.Equal(t, 120, rec2.RecordsMigrated, "no chunk double-counted")

	count, err := target.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, count)

	// Records written once keep updateCount at zero.
	matches, err := target.Search(context.Background(), unitAxis(0), 0.5, 1, true)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, int64(0), matches[0].Record.UpdateCount)
}

func unitAxis(axis int) []float32 {
	v := make([]float32, vectorstore.VectorSize)
	v[axis] = 1
	return v
}

// flakyTarget permanently rejects any sub-batch containing a poisoned ID.
type flakyTarget struct {
	*vectorstore.MemoryStore
	poisoned string
}

func (s *flakyTarget) Upsert(ctx context.Context, records []vectorstore.Record) error {
	for _, rec := range records {
		if rec.ID == s.poisoned {
			return errors.New("simulated persistent write failure")
		}
	}
	return s.MemoryStore.Upsert(ctx, records)
}

func TestCoordinator_FailedSubBatchIsRecordedNotFatal(t *testing.T) {
	source := seedSource(t, 120)
	target := &flakyTarget{MemoryStore: vectorstore.NewMemoryStore(), poisoned: "t5_000023"}
	coord, _ := newTestCoordinator(t, source, target, fastConfig(t))

	rec, err := coord.Run(context.Background(), "m")
	require.NoError(t, err, "partial failure never aborts the run")

	assert.Equal(t, StatusCompletedWithErrors, rec.Status)
	require.Len(t, rec.Progress.FailedRanges, 1)

	failed := rec.Progress.FailedRanges[0]
	assert.Equal(t, 0, failed.Chunk)
	assert.Equal(t, "t5_000020", failed.StartID)
	assert.Equal(t, "t5_000029", failed.EndID)
	assert.Equal(t, 10, failed.Count)
	assert.Contains(t, failed.Reason, "simulated persistent write failure")

	assert.Equal(t, 110, rec.RecordsMigrated)
	assert.Contains(t, rec.ErrorMessage, "count mismatch")

	count, err := target.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 110, count)
}

func TestCoordinator_CorruptManifestIsFatal(t *testing.T) {
	source := seedSource(t, 10)
	cfg := fastConfig(t)
	require.NoError(t, os.WriteFile(cfg.ManifestPath, []byte("{broken"), 0o644))

	coord, state := newTestCoordinator(t, source, vectorstore.NewMemoryStore(), cfg)

	_, err := coord.Run(context.Background(), "m")
	assert.ErrorIs(t, err, ErrFatal)

	_, err = state.Latest(context.Background(), "m")
	assert.ErrorIs(t, err, ErrNoMigration, "no run is created when the manifest cannot be trusted")
}

func TestCoordinator_ManifestNameMismatchIsFatal(t *testing.T) {
	source := seedSource(t, 10)
	cfg := fastConfig(t)

	manifest, err := BuildManifest(context.Background(), source, "other-migration", cfg.ChunkSize)
	require.NoError(t, err)
	require.NoError(t, manifest.Save(cfg.ManifestPath))

	coord, _ := newTestCoordinator(t, source, vectorstore.NewMemoryStore(), cfg)

	_, err = coord.Run(context.Background(), "m")
	assert.ErrorIs(t, err, ErrFatal)
}

func TestCoordinator_UpsertIdempotencyAcrossReruns(t *testing.T) {
	source := seedSource(t, 20)
	target := vectorstore.NewMemoryStore()
	cfg := fastConfig(t)
	coord, state := newTestCoordinator(t, source, target, cfg)

	_, err := coord.Run(context.Background(), "m")
	require.NoError(t, err)

	// A second full run re-upserts every record.
	coord2, err := NewCoordinator(source, target, state, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	rec2, err := coord2.Run(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec2.Status)

	count, err := target.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, count, "re-running leaves count stable")

	matches, err := target.Search(context.Background(), unitAxis(0), 0.5, 5, true)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, int64(1), matches[0].Record.UpdateCount, "one increment per re-apply")
}

func TestRetryWithBackoff(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("succeeds after failures", func(t *testing.T) {
		attempts := 0
		err := retryWithBackoff(context.Background(), 3, time.Millisecond, logger, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		err := retryWithBackoff(context.Background(), 2, time.Millisecond, logger, func() error {
			return errors.New("persistent")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "persistent")
	})

	t.Run("honors cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := retryWithBackoff(ctx, 3, time.Millisecond, logger, func() error {
			return errors.New("never succeeds")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

