package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/subscout/internal/vectorstore"
)

// Tracer for OpenTelemetry instrumentation.
var migrationTracer = otel.Tracer("subscout.migration")

// Config holds tunables for the migration coordinator.
type Config struct {
	// ChunkSize is the number of records per chunk. Chunks are the unit of
	// progress persistence and resumption. Default: 5000
	ChunkSize int `koanf:"chunk_size"`

	// SubBatchSize is the number of records per target Upsert call.
	// Default: 100
	SubBatchSize int `koanf:"sub_batch_size"`

	// SubBatchConcurrency bounds parallel sub-batches within one chunk.
	// Default: 4
	SubBatchConcurrency int `koanf:"sub_batch_concurrency"`

	// MaxRetries is the number of attempts per sub-batch before its record
	// range is marked failed. Default: 3
	MaxRetries int `koanf:"max_retries"`

	// RetryBackoff is the initial backoff between sub-batch retries.
	// Doubles on each retry. Default: 1s
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// RatePerSecond paces sub-batch dispatch to respect the target's rate
	// limits. Zero disables pacing. Default: 10
	RatePerSecond float64 `koanf:"rate_per_second"`

	// ManifestPath is where the export manifest is persisted.
	ManifestPath string `koanf:"manifest_path"`

	// VerifySamples is how many representative query embeddings are used
	// for post-migration verification. Default: 5
	VerifySamples int `koanf:"verify_samples"`

	// VerifyTopK is the result depth compared during verification.
	// Default: 10
	VerifyTopK int `koanf:"verify_top_k"`

	// VerifyMinOverlap is the minimum top-k ID overlap ratio between source
	// and target results. Default: 0.5
	VerifyMinOverlap float64 `koanf:"verify_min_overlap"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 5000
	}
	if c.SubBatchSize == 0 {
		c.SubBatchSize = 100
	}
	if c.SubBatchConcurrency == 0 {
		c.SubBatchConcurrency = 4
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = 10
	}
	if c.VerifySamples == 0 {
		c.VerifySamples = 5
	}
	if c.VerifyTopK == 0 {
		c.VerifyTopK = 10
	}
	if c.VerifyMinOverlap == 0 {
		c.VerifyMinOverlap = 0.5
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ManifestPath == "" {
		return fmt.Errorf("%w: manifest path required", ErrInvalidConfig)
	}
	if c.SubBatchSize > c.ChunkSize {
		return fmt.Errorf("%w: sub-batch size %d exceeds chunk size %d", ErrInvalidConfig, c.SubBatchSize, c.ChunkSize)
	}
	return nil
}

// Coordinator bulk-transfers records between two stores in resumable chunks.
//
// Chunks process strictly sequentially — the ordering is what makes the
// persisted progress meaningful — while sub-batches inside a chunk run in
// parallel with pacing. Cancellation is honored only at chunk boundaries so
// the persisted state never disagrees with what the target actually holds.
type Coordinator struct {
	source vectorstore.Store
	target vectorstore.Store
	state  StateStore
	config Config
	logger *zap.Logger
}

// NewCoordinator creates a migration coordinator.
func NewCoordinator(source, target vectorstore.Store, state StateStore, config Config, logger *zap.Logger) (*Coordinator, error) {
	if source == nil || target == nil {
		return nil, fmt.Errorf("%w: source and target stores required", ErrInvalidConfig)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: state store required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Coordinator{
		source: source,
		target: target,
		state:  state,
		config: config,
		logger: logger,
	}, nil
}

// Run executes (or resumes) the named migration and returns its final
// record. Returns ctx.Err() when canceled at a chunk boundary; the run stays
// in_progress and a later Run resumes it.
func (c *Coordinator) Run(ctx context.Context, name string) (*Record, error) {
	ctx, span := migrationTracer.Start(ctx, "Coordinator.Run")
	defer span.End()
	span.SetAttributes(attribute.String("migration", name))

	manifest, err := c.loadOrBuildManifest(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.finalizeFatal(ctx, name, err)
		return nil, err
	}

	rec, err := c.loadOrCreateRecord(ctx, name, manifest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Work inside a chunk must survive caller cancellation: a half-applied
	// chunk would desynchronize the manifest from the target. The parent
	// context is consulted only between chunks.
	workCtx := context.WithoutCancel(ctx)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if c.config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.config.RatePerSecond), 1)
	}

	start := time.Now()
	for _, chunk := range manifest.Chunks {
		if rec.Progress.Processed(chunk.Index) {
			c.logger.Debug("skipping completed chunk", zap.Int("chunk", chunk.Index))
			continue
		}

		if ctx.Err() != nil {
			c.logger.Info("migration canceled at chunk boundary",
				zap.Int("next_chunk", chunk.Index),
				zap.Int("records_migrated", rec.RecordsMigrated),
			)
			if err := c.state.Save(workCtx, rec); err != nil {
				c.logger.Error("failed to persist state on cancel", zap.Error(err))
			}
			return rec, ctx.Err()
		}

		migrated, failed, err := c.migrateChunk(workCtx, chunk, limiter)
		if err != nil {
			rec.Status = StatusFailed
			rec.ErrorMessage = err.Error()
			now := time.Now().UTC()
			rec.CompletedAt = &now
			if saveErr := c.state.Save(workCtx, rec); saveErr != nil {
				c.logger.Error("failed to persist failed state", zap.Error(saveErr))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return rec, err
		}

		rec.RecordsMigrated += migrated
		rec.Progress.ProcessedChunks = append(rec.Progress.ProcessedChunks, chunk.Index)
		rec.Progress.FailedRanges = append(rec.Progress.FailedRanges, failed...)

		if err := c.state.Save(workCtx, rec); err != nil {
			return rec, fmt.Errorf("persisting progress after chunk %d: %w", chunk.Index, err)
		}

		elapsed := time.Since(start).Seconds()
		c.logger.Info("chunk migrated",
			zap.Int("chunk", chunk.Index),
			zap.Int("records", migrated),
			zap.Int("failed_ranges", len(failed)),
			zap.Int("total_migrated", rec.RecordsMigrated),
			zap.Float64("records_per_sec", float64(rec.RecordsMigrated)/elapsed),
		)
	}

	c.finalize(ctx, rec, manifest)

	if err := c.state.Save(workCtx, rec); err != nil {
		return rec, fmt.Errorf("persisting final state: %w", err)
	}

	span.SetAttributes(
		attribute.String("status", string(rec.Status)),
		attribute.Int("records_migrated", rec.RecordsMigrated),
	)
	span.SetStatus(codes.Ok, string(rec.Status))
	return rec, nil
}

func (c *Coordinator) loadOrBuildManifest(ctx context.Context, name string) (*Manifest, error) {
	manifest, err := LoadManifest(c.config.ManifestPath)
	if err == nil {
		if manifest.MigrationName != name {
			return nil, fmt.Errorf("%w: manifest belongs to migration %q, not %q", ErrFatal, manifest.MigrationName, name)
		}
		c.logger.Info("loaded existing manifest",
			zap.Int("chunks", len(manifest.Chunks)),
			zap.Int("source_count", manifest.SourceCount),
		)
		return manifest, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	c.logger.Info("building manifest", zap.Int("chunk_size", c.config.ChunkSize))
	manifest, err = BuildManifest(ctx, c.source, name, c.config.ChunkSize)
	if err != nil {
		return nil, err
	}
	if err := manifest.Save(c.config.ManifestPath); err != nil {
		return nil, fmt.Errorf("%w: saving manifest: %v", ErrFatal, err)
	}
	c.logger.Info("manifest built",
		zap.Int("chunks", len(manifest.Chunks)),
		zap.Int("records", manifest.TotalRecords()),
	)
	return manifest, nil
}

func (c *Coordinator) loadOrCreateRecord(ctx context.Context, name string, manifest *Manifest) (*Record, error) {
	rec, err := c.state.Latest(ctx, name)
	if err == nil && (rec.Status == StatusInProgress || rec.Status == StatusPending) {
		if rec.Progress.TotalChunks != len(manifest.Chunks) {
			return nil, fmt.Errorf("%w: persisted run expects %d chunks, manifest has %d",
				ErrFatal, rec.Progress.TotalChunks, len(manifest.Chunks))
		}
		c.logger.Info("resuming migration",
			zap.Int64("run_id", rec.ID),
			zap.Int("completed_chunks", len(rec.Progress.ProcessedChunks)),
			zap.Int("records_migrated", rec.RecordsMigrated),
		)
		rec.Status = StatusInProgress
		return rec, nil
	}
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return nil, fmt.Errorf("loading migration state: %w", err)
	}

	rec = &Record{
		Name:      name,
		StartedAt: time.Now().UTC(),
		Status:    StatusInProgress,
		Progress:  Progress{TotalChunks: len(manifest.Chunks)},
	}
	if err := c.state.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating migration record: %w", err)
	}
	return rec, nil
}

// migrateChunk transfers one chunk in paced, parallel sub-batches. Failed
// sub-batches are recorded, never fatal; only a source read failure aborts.
func (c *Coordinator) migrateChunk(ctx context.Context, chunk ChunkInfo, limiter *rate.Limiter) (int, []FailedRange, error) {
	ctx, span := migrationTracer.Start(ctx, "Coordinator.migrateChunk")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk", chunk.Index))

	records, _, err := c.source.Export(ctx, chunk.Cursor, chunk.Count)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading chunk %d from source: %v", ErrFatal, chunk.Index, err)
	}
	if len(records) != chunk.Count {
		return 0, nil, fmt.Errorf("%w: chunk %d has %d records, manifest says %d — source changed under manifest",
			ErrFatal, chunk.Index, len(records), chunk.Count)
	}

	var (
		mu       sync.Mutex
		migrated int
		failed   []FailedRange
	)

	g := new(errgroup.Group)
	g.SetLimit(c.config.SubBatchConcurrency)

	for start := 0; start < len(records); start += c.config.SubBatchSize {
		end := start + c.config.SubBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		// Pace dispatch, not completion: tokens bound the rate at which
		// sub-batches are handed to workers.
		if err := limiter.Wait(ctx); err != nil {
			return migrated, failed, fmt.Errorf("%w: rate limiter: %v", ErrFatal, err)
		}

		g.Go(func() error {
			err := retryWithBackoff(ctx, c.config.MaxRetries, c.config.RetryBackoff, c.logger, func() error {
				return c.target.Upsert(ctx, batch)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("sub-batch failed after retries",
					zap.Int("chunk", chunk.Index),
					zap.String("start_id", batch[0].ID),
					zap.String("end_id", batch[len(batch)-1].ID),
					zap.Error(err),
				)
				failed = append(failed, FailedRange{
					Chunk:   chunk.Index,
					StartID: batch[0].ID,
					EndID:   batch[len(batch)-1].ID,
					Count:   len(batch),
					Reason:  err.Error(),
				})
				return nil
			}
			migrated += len(batch)
			return nil
		})
	}
	_ = g.Wait() // sub-batch goroutines never return errors

	span.SetAttributes(
		attribute.Int("migrated", migrated),
		attribute.Int("failed_ranges", len(failed)),
	)
	return migrated, failed, nil
}

// finalize runs verification and sets the terminal status: completed only if
// counts match, zero sub-batches failed, and representative queries overlap.
func (c *Coordinator) finalize(ctx context.Context, rec *Record, manifest *Manifest) {
	now := time.Now().UTC()
	rec.CompletedAt = &now

	problems := c.verify(ctx, manifest)
	if len(rec.Progress.FailedRanges) > 0 {
		problems = append(problems, fmt.Sprintf("%d sub-batch ranges failed", len(rec.Progress.FailedRanges)))
	}

	if len(problems) == 0 {
		rec.Status = StatusCompleted
		rec.ErrorMessage = ""
		c.logger.Info("migration completed",
			zap.Int("records_migrated", rec.RecordsMigrated),
		)
		return
	}

	rec.Status = StatusCompletedWithErrors
	rec.ErrorMessage = strings.Join(problems, "; ")
	c.logger.Warn("migration completed with errors",
		zap.Strings("problems", problems),
		zap.Int("records_migrated", rec.RecordsMigrated),
	)
}

// verify compares counts and re-runs representative queries against both
// stores with identical embeddings, requiring a substantially overlapping
// top-k from the target.
func (c *Coordinator) verify(ctx context.Context, manifest *Manifest) []string {
	var problems []string

	srcCount, err := c.source.Count(ctx)
	if err != nil {
		return append(problems, fmt.Sprintf("verification: counting source: %v", err))
	}
	tgtCount, err := c.target.Count(ctx)
	if err != nil {
		return append(problems, fmt.Sprintf("verification: counting target: %v", err))
	}
	if srcCount != tgtCount {
		problems = append(problems, fmt.Sprintf("count mismatch: source %d, target %d", srcCount, tgtCount))
	}

	samples, _, err := c.source.Export(ctx, "", c.config.VerifySamples)
	if err != nil {
		return append(problems, fmt.Sprintf("verification: sampling source: %v", err))
	}

	for _, sample := range samples {
		srcMatches, err := c.source.Search(ctx, sample.Embedding, 0, c.config.VerifyTopK, true)
		if err != nil {
			problems = append(problems, fmt.Sprintf("verification: source query for %s: %v", sample.ID, err))
			continue
		}
		tgtMatches, err := c.target.Search(ctx, sample.Embedding, 0, c.config.VerifyTopK, true)
		if err != nil {
			problems = append(problems, fmt.Sprintf("verification: target query for %s: %v", sample.ID, err))
			continue
		}
		if len(tgtMatches) == 0 {
			problems = append(problems, fmt.Sprintf("verification: target returned no matches for %s", sample.ID))
			continue
		}
		if overlap := overlapRatio(srcMatches, tgtMatches); overlap < c.config.VerifyMinOverlap {
			problems = append(problems, fmt.Sprintf("verification: top-k overlap %.2f below %.2f for %s",
				overlap, c.config.VerifyMinOverlap, sample.ID))
		}
	}

	return problems
}

// overlapRatio is the share of source top-k IDs present in the target top-k.
func overlapRatio(src, tgt []vectorstore.Match) float64 {
	if len(src) == 0 {
		return 1
	}
	tgtIDs := make(map[string]struct{}, len(tgt))
	for _, m := range tgt {
		tgtIDs[m.Record.ID] = struct{}{}
	}
	hits := 0
	for _, m := range src {
		if _, ok := tgtIDs[m.Record.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(src))
}

// finalizeFatal marks the latest run for name as failed, best-effort.
func (c *Coordinator) finalizeFatal(ctx context.Context, name string, cause error) {
	rec, err := c.state.Latest(ctx, name)
	if err != nil {
		return
	}
	if rec.Status != StatusInProgress && rec.Status != StatusPending {
		return
	}
	rec.Status = StatusFailed
	rec.ErrorMessage = cause.Error()
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := c.state.Save(ctx, rec); err != nil {
		c.logger.Error("failed to finalize fatal migration state", zap.Error(err))
	}
}
