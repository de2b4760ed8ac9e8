package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/subscout/internal/vectorstore"
)

// Tracer for OpenTelemetry instrumentation.
var discoveryTracer = otel.Tracer("subscout.discovery")

// EngineConfig holds tunables for the discovery engine.
type EngineConfig struct {
	// DefaultLimit is the per-query match limit when the request omits one.
	// Default: 10
	DefaultLimit int `koanf:"default_limit"`

	// MaxBatchSize caps the number of queries per batch request.
	// Exceeding it is a validation error, never a silent truncation.
	// Default: 50
	MaxBatchSize int `koanf:"max_batch_size"`

	// Threshold is the confidence cutoff. Matches must score strictly
	// above it. Default: 0.5
	Threshold float64 `koanf:"threshold"`

	// BatchConcurrency bounds parallel query slots within one batch.
	// Default: 8
	BatchConcurrency int `koanf:"batch_concurrency"`

	// QueryTimeout cancels a single query's embedding and store calls.
	// Default: 10s
	QueryTimeout time.Duration `koanf:"query_timeout"`

	// BatchTimeout bounds a whole batch request. Slots that miss it are
	// reported as timed out; completed slots are returned normally.
	// Default: 60s
	BatchTimeout time.Duration `koanf:"batch_timeout"`

	// EmbedRetryBackoff is the pause before the single embedding retry.
	// Default: 500ms
	EmbedRetryBackoff time.Duration `koanf:"embed_retry_backoff"`

	// CacheSize is the maximum number of cached results. Zero disables
	// caching. Default: 1024
	CacheSize int `koanf:"cache_size"`

	// CacheTTL is how long a cached result stays fresh. Default: 5m
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// ApplyDefaults sets default values for unset fields.
func (c *EngineConfig) ApplyDefaults() {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = 10
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 50
	}
	if c.Threshold == 0 {
		c.Threshold = 0.5
	}
	if c.BatchConcurrency == 0 {
		c.BatchConcurrency = 8
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 60 * time.Second
	}
	if c.EmbedRetryBackoff == 0 {
		c.EmbedRetryBackoff = 500 * time.Millisecond
	}
	if c.CacheSize == 0 {
		c.CacheSize = 1024
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
}

// Validate validates the configuration.
func (c EngineConfig) Validate() error {
	if c.Threshold < 0 || c.Threshold >= 1 {
		return fmt.Errorf("%w: threshold must be in [0,1), got %v", ErrValidation, c.Threshold)
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("%w: batch concurrency must be positive", ErrValidation)
	}
	return nil
}

// Engine orchestrates embedding generation and store queries.
//
// The store and embedder are injected dependencies, never process-wide
// singletons: tests substitute an in-memory store and a fake embedder with no
// shared state. The engine depends only on the Store interface, so the active
// backend can be flipped, shadowed, or faked without touching this code.
type Engine struct {
	store    vectorstore.Store
	fallback vectorstore.Store // optional, may be nil
	embedder vectorstore.Embedder
	cache    *resultCache
	config   EngineConfig
	logger   *zap.Logger
	metrics  *Metrics
}

// NewEngine creates a discovery engine. fallback may be nil; when set, it
// serves queries the active store cannot.
func NewEngine(store vectorstore.Store, fallback vectorstore.Store, embedder vectorstore.Embedder, config EngineConfig, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrValidation)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var cache *resultCache
	if config.CacheSize > 0 {
		cache = newResultCache(config.CacheSize, config.CacheTTL)
	}

	return &Engine{
		store:    store,
		fallback: fallback,
		embedder: embedder,
		cache:    cache,
		config:   config,
		logger:   logger,
		metrics:  NewMetrics(logger),
	}, nil
}

// Discover serves a single-query request.
//
// Validation failures return an error before any backend call. Runtime
// failures (embedding, backend) return a structured Result carrying the
// error message with a zeroed summary, and a nil error: externally visible
// failures are payloads, not raw traces.
func (e *Engine) Discover(ctx context.Context, req Request) (*Result, error) {
	ctx, span := discoveryTracer.Start(ctx, "Engine.Discover")
	defer span.End()

	if err := req.validate(e.config.DefaultLimit, e.config.MaxBatchSize); err != nil {
		span.RecordError(err)
		e.metrics.RecordError(ctx, "validation")
		return nil, err
	}
	if req.Query == "" {
		err := fmt.Errorf("%w: use DiscoverBatch for multiple queries", ErrValidation)
		span.RecordError(err)
		return nil, err
	}

	res := e.runQuery(ctx, req.Query, req.Limit, e.threshold(req), req.IncludeRestricted)
	span.SetAttributes(
		attribute.Int("returned", res.Summary.Returned),
		attribute.Bool("has_more", res.Summary.HasMore),
	)
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	return res, nil
}

// DiscoverBatch serves a multi-query request. Queries run in parallel up to
// BatchConcurrency; each slot's failure stays in that slot.
//
// When at least one slot failed, the returned error wraps ErrPartialBatch,
// but the response is still complete and usable.
func (e *Engine) DiscoverBatch(ctx context.Context, req Request) (*BatchResponse, error) {
	ctx, span := discoveryTracer.Start(ctx, "Engine.DiscoverBatch")
	defer span.End()

	if err := req.validate(e.config.DefaultLimit, e.config.MaxBatchSize); err != nil {
		span.RecordError(err)
		e.metrics.RecordError(ctx, "validation")
		return nil, err
	}
	if len(req.Queries) == 0 {
		// A single query through the batch entry point is a batch of one.
		req.Queries = []string{req.Query}
	}

	e.metrics.RecordBatch(ctx, len(req.Queries))
	span.SetAttributes(attribute.Int("query_count", len(req.Queries)))

	batchCtx, cancel := context.WithTimeout(ctx, e.config.BatchTimeout)
	defer cancel()

	threshold := e.threshold(req)

	var mu sync.Mutex
	results := make(map[string]*Result, len(req.Queries))

	g := new(errgroup.Group)
	g.SetLimit(e.config.BatchConcurrency)
	for _, query := range req.Queries {
		g.Go(func() error {
			res := e.runQuery(batchCtx, query, req.Limit, threshold, req.IncludeRestricted)
			mu.Lock()
			results[query] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // slots never return errors

	resp := &BatchResponse{
		BatchMode:    true,
		TotalQueries: len(req.Queries),
		Results:      results,
	}

	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		e.logger.Warn("batch discovery completed with errors",
			zap.Int("failed", failed),
			zap.Int("total", len(req.Queries)),
		)
		span.SetStatus(codes.Error, "partial batch failure")
		return resp, fmt.Errorf("%w: %d of %d queries failed", ErrPartialBatch, failed, len(req.Queries))
	}

	span.SetStatus(codes.Ok, "success")
	return resp, nil
}

func (e *Engine) threshold(req Request) float64 {
	if req.Threshold != nil {
		return *req.Threshold
	}
	return e.config.Threshold
}

// runQuery executes one query end to end: cache, embed, search, normalize.
// It never returns an error; failures become structured Results.
func (e *Engine) runQuery(ctx context.Context, query string, limit int, threshold float64, includeRestricted bool) *Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.config.QueryTimeout)
	defer cancel()

	if res, ok := e.cache.get(query, limit, threshold, includeRestricted); ok {
		e.metrics.RecordCache(ctx, true)
		e.metrics.RecordQuery(ctx, time.Since(start), "ok")
		return res
	}
	e.metrics.RecordCache(ctx, false)

	vector, err := e.embedWithRetry(ctx, query)
	if err != nil {
		e.logger.Warn("embedding failed",
			zap.String("query", query),
			zap.Error(err),
		)
		e.metrics.RecordError(ctx, "embedding")
		e.metrics.RecordQuery(ctx, time.Since(start), "error")
		return errorResult(fmt.Sprintf("%s: %v", ErrEmbedding, err), isDeadline(err))
	}

	// Fetch one extra match so has_more reflects the store, not guesswork.
	matches, err := e.searchWithFallback(ctx, vector, threshold, limit+1, includeRestricted)
	if err != nil {
		e.logger.Warn("store search failed",
			zap.String("query", query),
			zap.Error(err),
		)
		e.metrics.RecordError(ctx, "backend")
		outcome := "error"
		if isDeadline(err) {
			outcome = "timeout"
		}
		e.metrics.RecordQuery(ctx, time.Since(start), outcome)
		return errorResult(fmt.Sprintf("%s: %v", ErrBackendUnavailable, err), isDeadline(err))
	}

	totalFound := len(matches)
	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	subreddits := make([]CommunityMatch, len(matches))
	for i, m := range matches {
		subreddits[i] = CommunityMatch{
			Name:        m.Record.Name,
			Subscribers: m.Record.Subscribers,
			Confidence:  roundConfidence(m.Confidence),
			URL:         m.Record.URL,
		}
	}

	res := &Result{
		Subreddits: subreddits,
		Summary: Summary{
			TotalFound: totalFound,
			Returned:   len(subreddits),
			HasMore:    hasMore,
		},
	}
	e.cache.put(query, limit, threshold, includeRestricted, res)
	e.metrics.RecordQuery(ctx, time.Since(start), "ok")
	return res
}

// embedWithRetry calls the embedding provider, retrying once after a backoff
// on failure.
func (e *Engine) embedWithRetry(ctx context.Context, query string) ([]float32, error) {
	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err == nil {
		return vector, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.config.EmbedRetryBackoff):
	}

	vector, retryErr := e.embedder.EmbedQuery(ctx, query)
	if retryErr != nil {
		return nil, fmt.Errorf("after retry: %w", retryErr)
	}
	return vector, nil
}

// searchWithFallback queries the active store, retrying once, then the
// fallback store if one is configured.
func (e *Engine) searchWithFallback(ctx context.Context, vector []float32, threshold float64, limit int, includeRestricted bool) ([]vectorstore.Match, error) {
	matches, err := e.store.Search(ctx, vector, threshold, limit, includeRestricted)
	if err == nil {
		return matches, nil
	}
	if ctx.Err() == nil {
		matches, err = e.store.Search(ctx, vector, threshold, limit, includeRestricted)
		if err == nil {
			return matches, nil
		}
	}

	if e.fallback == nil {
		return nil, err
	}

	e.logger.Warn("active store failed, using fallback", zap.Error(err))
	e.metrics.RecordFallback(ctx)

	matches, fbErr := e.fallback.Search(ctx, vector, threshold, limit, includeRestricted)
	if fbErr != nil {
		return nil, fmt.Errorf("active: %v; fallback: %w", err, fbErr)
	}
	return matches, nil
}

// roundConfidence rounds to 3 decimals, the precision of the public contract.
func roundConfidence(c float64) float64 {
	return math.Round(c*1000) / 1000
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
