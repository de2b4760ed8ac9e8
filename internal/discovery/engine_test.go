package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/subscout/internal/vectorstore"
)

// fakeEmbedder returns pre-registered vectors and can be told to fail the
// next N calls for a given query.
type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	failures map[string]int
	calls    int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors:  make(map[string][]float32),
		failures: make(map[string]int),
	}
}

func (f *fakeEmbedder) register(query string, vector []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[query] = vector
}

func (f *fakeEmbedder) failNext(query string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[query] = times
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures[text] > 0 {
		f.failures[text]--
		return nil, errors.New("model unavailable")
	}
	vec, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector registered for %q", text)
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingStore fails every read. Used to exercise the fallback path.
type failingStore struct {
	vectorstore.Store
}

func (failingStore) Search(context.Context, []float32, float64, int, bool) ([]vectorstore.Match, error) {
	return nil, errors.New("connection refused")
}

func axisVec(axis int) []float32 {
	v := make([]float32, vectorstore.VectorSize)
	v[axis] = 1
	return v
}

// similarVec returns a unit vector whose cosine similarity against axis 0
// is exactly sim.
func similarVec(sim float64) []float32 {
	v := make([]float32, vectorstore.VectorSize)
	v[0] = float32(sim)
	v[1] = float32(math.Sqrt(1 - sim*sim))
	return v
}

func fixtureRecord(id, name string, subscribers int64, restricted bool, embedding []float32) vectorstore.Record {
	return vectorstore.Record{
		ID:           id,
		Name:         name,
		Subscribers:  subscribers,
		URL:          "https://example.com/r/" + name,
		IsRestricted: restricted,
		Embedding:    embedding,
	}
}

func newTestEngine(t *testing.T, store vectorstore.Store, fallback vectorstore.Store, embedder vectorstore.Embedder, mutate func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := EngineConfig{
		EmbedRetryBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(store, fallback, embedder, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return engine
}

func TestEngine_Discover_RanksAndRounds(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "programming", 500000, false, similarVec(0.92)),
		fixtureRecord("t5_2", "snakes", 1000, false, axisVec(5)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("python programming", axisVec(0))

	engine := newTestEngine(t, store, nil, embedder, nil)

	threshold := 0.7
	res, err := engine.Discover(context.Background(), Request{
		Query:     "python programming",
		Limit:     5,
		Threshold: &threshold,
	})
	require.NoError(t, err)
	require.Empty(t, res.Error)
	require.Len(t, res.Subreddits, 1)

	top := res.Subreddits[0]
	assert.Equal(t, "programming", top.Name)
	assert.Equal(t, 0.92, top.Confidence, "confidence is rounded to 3 decimals")
	assert.Equal(t, int64(500000), top.Subscribers)

	assert.Equal(t, 1, res.Summary.Returned)
	assert.Equal(t, 1, res.Summary.TotalFound)
	assert.False(t, res.Summary.HasMore)
}

func TestEngine_Discover_ConfidencesNonIncreasing(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "close", 10, false, similarVec(0.95)),
		fixtureRecord("t5_2", "closer", 10, false, similarVec(0.99)),
		fixtureRecord("t5_3", "far", 10, false, similarVec(0.75)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("q", axisVec(0))
	engine := newTestEngine(t, store, nil, embedder, nil)

	res, err := engine.Discover(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res.Subreddits, 3)
	for i := 1; i < len(res.Subreddits); i++ {
		assert.GreaterOrEqual(t, res.Subreddits[i-1].Confidence, res.Subreddits[i].Confidence)
	}
}

func TestEngine_Discover_HasMore(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	var records []vectorstore.Record
	for i := 0; i < 5; i++ {
		records = append(records, fixtureRecord(
			fmt.Sprintf("t5_%d", i), fmt.Sprintf("sub%d", i), int64(i), false, similarVec(0.9)))
	}
	require.NoError(t, store.Upsert(context.Background(), records))

	embedder := newFakeEmbedder()
	embedder.register("q", axisVec(0))
	engine := newTestEngine(t, store, nil, embedder, nil)

	res, err := engine.Discover(context.Background(), Request{Query: "q", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.Returned)
	assert.True(t, res.Summary.HasMore)
	assert.Greater(t, res.Summary.TotalFound, res.Summary.Returned)
}

func TestEngine_Discover_RestrictedMonotonicity(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "open", 10, false, similarVec(0.9)),
		fixtureRecord("t5_2", "hidden", 10, true, similarVec(0.9)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("q", axisVec(0))
	engine := newTestEngine(t, store, nil, embedder, nil)

	withOut, err := engine.Discover(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	for _, m := range withOut.Subreddits {
		assert.NotEqual(t, "hidden", m.Name)
	}

	with, err := engine.Discover(context.Background(), Request{Query: "q", IncludeRestricted: true})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, with.Summary.Returned, withOut.Summary.Returned)
}

func TestEngine_Discover_ValidationErrors(t *testing.T) {
	engine := newTestEngine(t, vectorstore.NewMemoryStore(), nil, newFakeEmbedder(), nil)

	_, err := engine.Discover(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = engine.Discover(context.Background(), Request{Query: "a", Queries: []string{"b"}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = engine.DiscoverBatch(context.Background(), Request{Queries: append(make50("q"), "x")})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngine_Discover_EmbedRetrySucceeds(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "sub", 10, false, similarVec(0.9)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("q", axisVec(0))
	embedder.failNext("q", 1)
	engine := newTestEngine(t, store, nil, embedder, nil)

	res, err := engine.Discover(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.Equal(t, 2, embedder.callCount(), "one failure, one retry")
}

func TestEngine_Discover_EmbedFailureIsStructured(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.register("q", axisVec(0))
	embedder.failNext("q", 2) // initial call and retry both fail
	engine := newTestEngine(t, vectorstore.NewMemoryStore(), nil, embedder, nil)

	res, err := engine.Discover(context.Background(), Request{Query: "q"})
	require.NoError(t, err, "runtime failures are payloads, not errors")
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.Subreddits)
	assert.Equal(t, Summary{}, res.Summary)
}

func TestEngine_Discover_FallbackServes(t *testing.T) {
	fallback := vectorstore.NewMemoryStore()
	require.NoError(t, fallback.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "sub", 10, false, similarVec(0.9)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("q", axisVec(0))
	engine := newTestEngine(t, failingStore{}, fallback, embedder, nil)

	res, err := engine.Discover(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	require.Len(t, res.Subreddits, 1)
	assert.Equal(t, "sub", res.Subreddits[0].Name)
}

func TestEngine_Discover_NoFallbackZeroedSummary(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.register("q", axisVec(0))
	engine := newTestEngine(t, failingStore{}, nil, embedder, nil)

	res, err := engine.Discover(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, Summary{}, res.Summary)
}

func TestEngine_Discover_CachesResults(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "sub", 10, false, similarVec(0.9)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("q", axisVec(0))
	engine := newTestEngine(t, store, nil, embedder, nil)

	_, err := engine.Discover(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	_, err = engine.Discover(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.callCount(), "second call is a cache hit")

	// Different limit is a different cache key.
	_, err = engine.Discover(context.Background(), Request{Query: "q", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, embedder.callCount())
}

func TestEngine_Discover_CacheHonorsThresholdOverride(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "sub", 10, false, similarVec(0.9)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("q", axisVec(0))
	engine := newTestEngine(t, store, nil, embedder, nil)

	loose := 0.1
	res, err := engine.Discover(context.Background(), Request{Query: "q", Threshold: &loose})
	require.NoError(t, err)
	require.Len(t, res.Subreddits, 1, "0.9-confidence match clears the loose cutoff")

	strict := 0.95
	res, err = engine.Discover(context.Background(), Request{Query: "q", Threshold: &strict})
	require.NoError(t, err)
	for _, m := range res.Subreddits {
		assert.Greater(t, m.Confidence, strict)
	}
	assert.Empty(t, res.Subreddits, "loose-threshold entry must not serve a stricter request")
	assert.Equal(t, 2, embedder.callCount(), "threshold is part of the cache key")
}

// stallingStore blocks searches for vectors on the stall axis until the
// context expires; everything else passes through.
type stallingStore struct {
	vectorstore.Store
	stallAxis int
}

func (s stallingStore) Search(ctx context.Context, vector []float32, threshold float64, limit int, includeRestricted bool) ([]vectorstore.Match, error) {
	if vector[s.stallAxis] != 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Store.Search(ctx, vector, threshold, limit, includeRestricted)
}

func TestEngine_DiscoverBatch_ReportsTimedOutSlots(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "sub", 10, false, similarVec(0.9)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("fast", axisVec(0))
	embedder.register("stuck", axisVec(7))
	engine := newTestEngine(t, stallingStore{Store: store, stallAxis: 7}, nil, embedder, func(c *EngineConfig) {
		c.QueryTimeout = 40 * time.Millisecond
		c.BatchTimeout = 250 * time.Millisecond
	})

	resp, err := engine.DiscoverBatch(context.Background(), Request{Queries: []string{"fast", "stuck"}})
	assert.ErrorIs(t, err, ErrPartialBatch)
	require.NotNil(t, resp)

	fast := resp.Results["fast"]
	require.NotNil(t, fast)
	assert.Empty(t, fast.Error, "completed slots are returned normally")
	assert.False(t, fast.TimedOut)
	assert.Len(t, fast.Subreddits, 1)

	stuck := resp.Results["stuck"]
	require.NotNil(t, stuck)
	assert.NotEmpty(t, stuck.Error)
	assert.True(t, stuck.TimedOut)
	assert.Empty(t, stuck.Subreddits)
	assert.Equal(t, Summary{}, stuck.Summary)
}

func TestEngine_DiscoverBatch_IsolatesFailures(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "sub", 10, false, similarVec(0.9)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("a", axisVec(0))
	embedder.register("b", axisVec(0))
	embedder.failNext("a", 2)
	engine := newTestEngine(t, store, nil, embedder, nil)

	resp, err := engine.DiscoverBatch(context.Background(), Request{Queries: []string{"a", "b"}})
	assert.ErrorIs(t, err, ErrPartialBatch)
	require.NotNil(t, resp)

	assert.True(t, resp.BatchMode)
	assert.Equal(t, 2, resp.TotalQueries)
	require.Len(t, resp.Results, 2)
	require.Contains(t, resp.Results, "a")
	require.Contains(t, resp.Results, "b")

	assert.NotEmpty(t, resp.Results["a"].Error)
	assert.Empty(t, resp.Results["b"].Error)
	assert.Len(t, resp.Results["b"].Subreddits, 1)
}

func TestEngine_DiscoverBatch_AllSucceed(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "sub", 10, false, similarVec(0.9)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("rust", axisVec(0))
	embedder.register("go", axisVec(0))
	engine := newTestEngine(t, store, nil, embedder, nil)

	resp, err := engine.DiscoverBatch(context.Background(), Request{Queries: []string{"rust", "go"}})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	for _, res := range resp.Results {
		assert.Empty(t, res.Error)
	}
}

func TestEngine_DiscoverBatch_ParsedStringInput(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []vectorstore.Record{
		fixtureRecord("t5_1", "sub", 10, false, similarVec(0.9)),
	}))

	embedder := newFakeEmbedder()
	embedder.register("rust", axisVec(0))
	embedder.register("go", axisVec(0))
	engine := newTestEngine(t, store, nil, embedder, nil)

	input := ParseQueriesInput(`["rust","go"]`)
	require.True(t, input.Parsed)

	resp, err := engine.DiscoverBatch(context.Background(), Request{Queries: input.Queries})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalQueries)
	require.Contains(t, resp.Results, "rust")
	require.Contains(t, resp.Results, "go")
}

func TestEngineConfig_Defaults(t *testing.T) {
	cfg := EngineConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, 10, cfg.DefaultLimit)
	assert.Equal(t, 50, cfg.MaxBatchSize)
	assert.Equal(t, 0.5, cfg.Threshold)
	assert.Equal(t, 8, cfg.BatchConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.NoError(t, cfg.Validate())
}
