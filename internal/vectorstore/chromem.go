package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("subscout.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded store.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.config/subscout/vectorstore"
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// Collection is the collection holding community records.
	// Default: "communities"
	Collection string `koanf:"collection"`

	// VectorSize is the expected embedding dimension.
	// Default: 384 (FastEmbed bge-small-en-v1.5)
	VectorSize int `koanf:"vector_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/subscout/vectorstore"
	}
	if c.Collection == "" {
		c.Collection = "communities"
	}
	if c.VectorSize == 0 {
		c.VectorSize = VectorSize
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements the Store interface using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies: in-memory search with gob-file persistence, no external
// service needed. It is the default backend for local setups.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemStore creates a new ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandChromemPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(expandedPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	// All vectors arrive precomputed from the indexing pipeline; the
	// embedding func must never run. Passing nil would install chromem's
	// OpenAI default for persisted collections.
	collection, err := db.GetOrCreateCollection(config.Collection, nil, noEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", config.Collection, err)
	}

	store := &ChromemStore{
		db:         db,
		collection: collection,
		config:     config,
		logger:     logger,
	}

	logger.Info("ChromemStore initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
		zap.String("collection", config.Collection),
	)

	return store, nil
}

// noEmbeddingFunc rejects any attempt to embed inside the store.
func noEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("store does not embed; record vectors are precomputed")
}

// expandChromemPath expands ~ to home directory.
func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Search performs similarity search with the given query vector.
func (s *ChromemStore) Search(ctx context.Context, vector []float32, threshold float64, limit int, includeRestricted bool) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()

	span.SetAttributes(
		attribute.Int("limit", limit),
		attribute.Float64("threshold", threshold),
		attribute.Bool("include_restricted", includeRestricted),
	)

	if err := validateQueryVector(vector); err != nil {
		span.RecordError(err)
		return nil, err
	}

	candidates, err := s.scoreAll(ctx, vector)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	matches := rankMatches(candidates, threshold, limit, includeRestricted)

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("searched chromem collection",
		zap.String("collection", s.config.Collection),
		zap.Int("limit", limit),
		zap.Int("results", len(matches)),
	)

	return matches, nil
}

// scoreAll scores every stored record against the query vector.
//
// chromem keeps the whole collection in memory and exposes no scan API, so a
// full-collection query is the supported way to enumerate scored documents.
// Restricted and threshold filtering happen in rankMatches to keep behavior
// byte-identical with the other backends.
func (s *ChromemStore) scoreAll(ctx context.Context, vector []float32) ([]Match, error) {
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}

	results, err := s.collection.QueryEmbedding(ctx, vector, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	candidates := make([]Match, 0, len(results))
	for _, r := range results {
		rec, err := recordFromChromem(r.ID, r.Content, r.Metadata, r.Embedding)
		if err != nil {
			s.logger.Warn("skipping malformed record",
				zap.String("id", r.ID),
				zap.Error(err),
			)
			continue
		}
		candidates = append(candidates, Match{
			Record:     rec,
			Confidence: float64(r.Similarity),
		})
	}
	return candidates, nil
}

// BatchSearch evaluates each query vector independently.
func (s *ChromemStore) BatchSearch(ctx context.Context, vectors [][]float32, threshold float64, limit int, includeRestricted bool) ([]BatchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.BatchSearch")
	defer span.End()

	span.SetAttributes(attribute.Int("query_count", len(vectors)))

	results := make([]BatchResult, len(vectors))
	for i, vec := range vectors {
		matches, err := s.Search(ctx, vec, threshold, limit, includeRestricted)
		results[i] = BatchResult{Index: i, Matches: matches, Err: err}
	}

	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Upsert inserts or replaces records, conflicting on Record.ID.
func (s *ChromemStore) Upsert(ctx context.Context, records []Record) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()

	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return ErrEmptyRecords
	}

	now := timeNow()
	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		rec = rec.Clone()
		rec.truncateSidebar()
		if len(rec.Embedding) != s.config.VectorSize {
			span.SetStatus(codes.Error, "invalid record vector")
			return fmt.Errorf("%w: record %s has dimension %d, want %d",
				ErrInvalidVector, rec.ID, len(rec.Embedding), s.config.VectorSize)
		}

		if existing, err := s.collection.GetByID(ctx, rec.ID); err == nil {
			prev, _ := strconv.ParseInt(existing.Metadata[metaUpdateCount], 10, 64)
			rec.UpdateCount = prev + 1
		}
		rec.LastUpdated = now

		docs = append(docs, recordToChromem(rec))
	}

	// Concurrency of 1: embeddings are precomputed, nothing to parallelize.
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting records: %w", err)
	}

	span.SetStatus(codes.Ok, "success")

	s.logger.Debug("upserted records to chromem",
		zap.String("collection", s.config.Collection),
		zap.Int("count", len(records)),
	)

	return nil
}

// Count returns the exact record count.
func (s *ChromemStore) Count(ctx context.Context) (int, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.Count")
	defer span.End()

	count := s.collection.Count()
	span.SetAttributes(attribute.Int("count", count))
	span.SetStatus(codes.Ok, "success")
	return count, nil
}

// Export pages through records ordered by record ID. The cursor is the last
// ID of the previous page.
func (s *ChromemStore) Export(ctx context.Context, cursor string, limit int) ([]Record, string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Export")
	defer span.End()

	span.SetAttributes(attribute.String("cursor", cursor), attribute.Int("limit", limit))

	count := s.collection.Count()
	if count == 0 {
		span.SetStatus(codes.Ok, "empty")
		return nil, "", nil
	}

	// Enumerate via a full query against a fixed probe vector; ordering is
	// re-established by ID below, so the probe's direction is irrelevant.
	probe := make([]float32, s.config.VectorSize)
	probe[0] = 1
	results, err := s.collection.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", fmt.Errorf("exporting collection %s: %w", s.config.Collection, err)
	}

	records := make([]Record, 0, len(results))
	for _, r := range results {
		if cursor != "" && r.ID <= cursor {
			continue
		}
		rec, err := recordFromChromem(r.ID, r.Content, r.Metadata, r.Embedding)
		if err != nil {
			s.logger.Warn("skipping malformed record during export",
				zap.String("id", r.ID),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	next := ""
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		next = records[len(records)-1].ID
	}

	span.SetAttributes(attribute.Int("records", len(records)))
	span.SetStatus(codes.Ok, "success")
	return records, next, nil
}

// Close closes the ChromemStore.
// chromem-go persists on write, no explicit close needed.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

// Metadata keys used to round-trip Record fields through chromem documents.
const (
	metaName        = "name"
	metaTitle       = "title"
	metaSidebar     = "sidebar"
	metaSubscribers = "subscribers"
	metaCreatedAt   = "created_at"
	metaRestricted  = "restricted"
	metaURL         = "url"
	metaIndexedAt   = "indexed_at"
	metaLastUpdated = "last_updated"
	metaUpdateCount = "update_count"
)

// recordToChromem converts a Record to a chromem document.
func recordToChromem(rec Record) chromem.Document {
	return chromem.Document{
		ID:      rec.ID,
		Content: rec.Description,
		Metadata: map[string]string{
			metaName:        rec.Name,
			metaTitle:       rec.Title,
			metaSidebar:     rec.Sidebar,
			metaSubscribers: strconv.FormatInt(rec.Subscribers, 10),
			metaCreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			metaRestricted:  strconv.FormatBool(rec.IsRestricted),
			metaURL:         rec.URL,
			metaIndexedAt:   rec.IndexedAt.UTC().Format(time.RFC3339Nano),
			metaLastUpdated: rec.LastUpdated.UTC().Format(time.RFC3339Nano),
			metaUpdateCount: strconv.FormatInt(rec.UpdateCount, 10),
		},
		Embedding: rec.Embedding,
	}
}

// recordFromChromem reconstructs a Record from a chromem document.
func recordFromChromem(id, content string, metadata map[string]string, embedding []float32) (Record, error) {
	if id == "" {
		return Record{}, errors.New("missing record id")
	}

	rec := Record{
		ID:          id,
		Name:        metadata[metaName],
		Title:       metadata[metaTitle],
		Description: content,
		Sidebar:     metadata[metaSidebar],
		URL:         metadata[metaURL],
		Embedding:   embedding,
	}

	var err error
	if v := metadata[metaSubscribers]; v != "" {
		if rec.Subscribers, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Record{}, fmt.Errorf("parsing subscribers: %w", err)
		}
	}
	if v := metadata[metaUpdateCount]; v != "" {
		if rec.UpdateCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Record{}, fmt.Errorf("parsing update count: %w", err)
		}
	}
	rec.IsRestricted = metadata[metaRestricted] == "true"

	for key, dst := range map[string]*time.Time{
		metaCreatedAt:   &rec.CreatedAt,
		metaIndexedAt:   &rec.IndexedAt,
		metaLastUpdated: &rec.LastUpdated,
	} {
		if v := metadata[key]; v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return Record{}, fmt.Errorf("parsing %s: %w", key, err)
			}
			*dst = t
		}
	}

	return rec, nil
}

// Ensure ChromemStore implements Store interface.
var _ Store = (*ChromemStore)(nil)
