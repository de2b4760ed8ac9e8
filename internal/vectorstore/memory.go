package vectorstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// MemoryStore is an in-memory Store implementation.
//
// It exists for tests and local development: the discovery engine and the
// migration coordinator accept any Store, and substituting a MemoryStore
// keeps unit tests free of filesystem or network state. It applies the same
// ranking contract as the real backends.
//
// Thread-safe.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Search performs brute-force cosine similarity search over all records.
func (s *MemoryStore) Search(ctx context.Context, vector []float32, threshold float64, limit int, includeRestricted bool) ([]Match, error) {
	if err := validateQueryVector(vector); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	candidates := make([]Match, 0, len(s.records))
	for _, rec := range s.records {
		candidates = append(candidates, Match{
			Record:     rec.Clone(),
			Confidence: CosineSimilarity(vector, rec.Embedding),
		})
	}
	s.mu.RUnlock()

	return rankMatches(candidates, threshold, limit, includeRestricted), nil
}

// BatchSearch evaluates each vector independently.
func (s *MemoryStore) BatchSearch(ctx context.Context, vectors [][]float32, threshold float64, limit int, includeRestricted bool) ([]BatchResult, error) {
	results := make([]BatchResult, len(vectors))
	for i, vec := range vectors {
		matches, err := s.Search(ctx, vec, threshold, limit, includeRestricted)
		results[i] = BatchResult{Index: i, Matches: matches, Err: err}
	}
	return results, nil
}

// Upsert inserts or replaces records keyed by ID.
func (s *MemoryStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return ErrEmptyRecords
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeNow()
	for _, rec := range records {
		rec = rec.Clone()
		rec.truncateSidebar()
		if existing, ok := s.records[rec.ID]; ok {
			rec.UpdateCount = existing.UpdateCount + 1
		}
		rec.LastUpdated = now
		s.records[rec.ID] = rec
	}
	return nil
}

// Count returns the exact record count.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Export pages through records ordered by ID. The cursor is the last ID of
// the previous page.
func (s *MemoryStore) Export(ctx context.Context, cursor string, limit int) ([]Record, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		if cursor == "" || id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Record, len(ids))
	for i, id := range ids {
		out[i] = s.records[id].Clone()
	}
	s.mu.RUnlock()

	next := ""
	if limit > 0 && len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
