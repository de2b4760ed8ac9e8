package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// mirrorSlots bounds concurrent mirrored calls. A mirror that finds every
// slot busy is dropped and counted rather than queued.
const mirrorSlots = 8

// ShadowStore mirrors traffic to a secondary backend while serving every
// response from the active one.
//
// It exists for migration cutovers: point active at the current backend,
// shadow at the candidate, and watch the drift logs before flipping the
// provider flag. Shadow failures and result drift are logged, never
// surfaced to callers. Mirrors run on a bounded background path so a slow
// shadow backend cannot accumulate goroutines.
type ShadowStore struct {
	active Store
	shadow Store
	logger *zap.Logger

	// shadowTimeout bounds each mirrored call so a slow shadow backend
	// cannot hold goroutines hostage.
	shadowTimeout time.Duration

	slots   chan struct{}
	dropped atomic.Int64
}

// NewShadowStore wraps active with mirrored calls to shadow.
func NewShadowStore(active, shadow Store, logger *zap.Logger) *ShadowStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShadowStore{
		active:        active,
		shadow:        shadow,
		logger:        logger,
		shadowTimeout: 10 * time.Second,
		slots:         make(chan struct{}, mirrorSlots),
	}
}

// tryMirror runs fn in the background if a mirror slot is free. Saturation
// drops the mirror; shadow traffic is best effort.
func (s *ShadowStore) tryMirror(fn func(ctx context.Context)) {
	select {
	case s.slots <- struct{}{}:
		go func() {
			defer func() { <-s.slots }()
			ctx, cancel := context.WithTimeout(context.Background(), s.shadowTimeout)
			defer cancel()
			fn(ctx)
		}()
	default:
		s.logger.Debug("shadow mirror dropped, all slots busy",
			zap.Int64("dropped_total", s.dropped.Add(1)),
		)
	}
}

// MirrorsDropped reports how many mirrored calls were dropped because every
// mirror slot was busy.
func (s *ShadowStore) MirrorsDropped() int64 {
	return s.dropped.Load()
}

// Search serves from the active backend and mirrors the query to the shadow.
func (s *ShadowStore) Search(ctx context.Context, vector []float32, threshold float64, limit int, includeRestricted bool) ([]Match, error) {
	matches, err := s.active.Search(ctx, vector, threshold, limit, includeRestricted)
	if err != nil {
		return nil, err
	}

	s.tryMirror(func(mctx context.Context) {
		s.mirrorSearch(mctx, vector, threshold, limit, includeRestricted, matches)
	})
	return matches, nil
}

func (s *ShadowStore) mirrorSearch(ctx context.Context, vector []float32, threshold float64, limit int, includeRestricted bool, activeMatches []Match) {
	shadowMatches, err := s.shadow.Search(ctx, vector, threshold, limit, includeRestricted)
	if err != nil {
		s.logger.Warn("shadow search failed",
			zap.Error(err),
		)
		return
	}

	if drift, delta := diffMatches(activeMatches, shadowMatches); drift != "" {
		s.logger.Warn("shadow search drift",
			zap.String("drift", drift),
			zap.Int("active_results", len(activeMatches)),
			zap.Int("shadow_results", len(shadowMatches)),
			zap.Float64("mean_confidence_delta", delta),
		)
	}
}

// confidenceDriftEpsilon separates float noise from real scoring drift.
const confidenceDriftEpsilon = 1e-6

// diffMatches compares two ranked result lists. It reports the first
// disagreement (count, record identity at a rank, or confidence scores)
// along with the mean absolute confidence delta over the shared prefix.
func diffMatches(a, b []Match) (string, float64) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(a[i].Confidence - b[i].Confidence)
	}
	var delta float64
	if n > 0 {
		delta = sum / float64(n)
	}

	if len(a) != len(b) {
		return "result count mismatch", delta
	}
	for i := range a {
		if a[i].Record.ID != b[i].Record.ID {
			return fmt.Sprintf("record mismatch at rank %d", i+1), delta
		}
	}
	if delta > confidenceDriftEpsilon {
		return "confidence drift", delta
	}
	return "", delta
}

// BatchSearch serves from the active backend and mirrors to the shadow.
func (s *ShadowStore) BatchSearch(ctx context.Context, vectors [][]float32, threshold float64, limit int, includeRestricted bool) ([]BatchResult, error) {
	results, err := s.active.BatchSearch(ctx, vectors, threshold, limit, includeRestricted)
	if err != nil {
		return nil, err
	}

	s.tryMirror(func(mctx context.Context) {
		if _, err := s.shadow.BatchSearch(mctx, vectors, threshold, limit, includeRestricted); err != nil {
			s.logger.Warn("shadow batch search failed", zap.Error(err))
		}
	})
	return results, nil
}

// Upsert writes to both backends. The shadow write is synchronous so the
// candidate backend never silently falls behind, but its failure is only
// logged.
func (s *ShadowStore) Upsert(ctx context.Context, records []Record) error {
	if err := s.active.Upsert(ctx, records); err != nil {
		return err
	}

	if err := s.shadow.Upsert(ctx, records); err != nil {
		s.logger.Warn("shadow upsert failed",
			zap.Int("records", len(records)),
			zap.Error(err),
		)
	}
	return nil
}

// Count returns the active backend's count and logs any divergence.
func (s *ShadowStore) Count(ctx context.Context) (int, error) {
	count, err := s.active.Count(ctx)
	if err != nil {
		return 0, err
	}

	shadowCount, serr := s.shadow.Count(ctx)
	if serr != nil {
		s.logger.Warn("shadow count failed", zap.Error(serr))
	} else if shadowCount != count {
		s.logger.Warn("shadow count drift",
			zap.Int("active_count", count),
			zap.Int("shadow_count", shadowCount),
		)
	}
	return count, nil
}

// Export reads from the active backend only. Mirroring an export would
// interleave two incompatible cursor spaces.
func (s *ShadowStore) Export(ctx context.Context, cursor string, limit int) ([]Record, string, error) {
	return s.active.Export(ctx, cursor, limit)
}

// Close closes both backends, returning the first error.
func (s *ShadowStore) Close() error {
	err := s.active.Close()
	if serr := s.shadow.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Ensure ShadowStore implements Store.
var _ Store = (*ShadowStore)(nil)
