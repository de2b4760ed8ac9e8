package discovery

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const discoveryInstrumentationName = "github.com/fyrsmithlabs/subscout/internal/discovery"

// Metrics holds all discovery-related metrics.
type Metrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	duration   metric.Float64Histogram
	batchSize  metric.Int64Histogram
	cacheHits  metric.Int64Counter
	cacheMiss  metric.Int64Counter
	queryErrs  metric.Int64Counter
	fallbacks  metric.Int64Counter
}

// NewMetrics creates a new Metrics instance for discovery.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(discoveryInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"subscout.discovery.query_duration_seconds",
		metric.WithDescription("Duration of a single discovery query end to end, labeled by outcome (ok, error, timeout)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"subscout.discovery.batch_size",
		metric.WithDescription("Number of queries per batch discovery request"),
		metric.WithUnit("{query}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.cacheHits, err = m.meter.Int64Counter(
		"subscout.discovery.cache_hits_total",
		metric.WithDescription("Result cache hits"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache hits counter", zap.Error(err))
	}

	m.cacheMiss, err = m.meter.Int64Counter(
		"subscout.discovery.cache_misses_total",
		metric.WithDescription("Result cache misses"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache misses counter", zap.Error(err))
	}

	m.queryErrs, err = m.meter.Int64Counter(
		"subscout.discovery.query_errors_total",
		metric.WithDescription("Discovery query failures by stage (validation, embedding, backend)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create query errors counter", zap.Error(err))
	}

	m.fallbacks, err = m.meter.Int64Counter(
		"subscout.discovery.fallback_total",
		metric.WithDescription("Queries served by the fallback store after the active store failed"),
	)
	if err != nil {
		m.logger.Warn("failed to create fallback counter", zap.Error(err))
	}
}

// RecordQuery records one query's duration and outcome.
func (m *Metrics) RecordQuery(ctx context.Context, duration time.Duration, outcome string) {
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordBatch records the size of a batch request.
func (m *Metrics) RecordBatch(ctx context.Context, size int) {
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(size))
	}
}

// RecordCache records a cache lookup outcome.
func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	if hit {
		if m.cacheHits != nil {
			m.cacheHits.Add(ctx, 1)
		}
		return
	}
	if m.cacheMiss != nil {
		m.cacheMiss.Add(ctx, 1)
	}
}

// RecordError records a query failure at the named stage.
func (m *Metrics) RecordError(ctx context.Context, stage string) {
	if m.queryErrs != nil {
		m.queryErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// RecordFallback records a query served by the fallback store.
func (m *Metrics) RecordFallback(ctx context.Context) {
	if m.fallbacks != nil {
		m.fallbacks.Add(ctx, 1)
	}
}
