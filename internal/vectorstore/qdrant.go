package vectorstore

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Tracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("subscout.vectorstore.qdrant")

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// pointNamespace is the UUID namespace for deriving Qdrant point IDs from
// record IDs. A record always maps to the same point, which is what makes
// Upsert idempotent on the remote side.
var pointNamespace = uuid.MustParse("b5e1f7d2-32a4-4c8e-9a76-54f0c1d2e3a4")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (NOT HTTP REST port).
	// Default: 6334 (gRPC), not 6333 (HTTP)
	Port int `koanf:"port"`

	// APIKey authenticates against managed Qdrant deployments. Optional.
	APIKey string `koanf:"api_key"`

	// Collection is the collection holding community records.
	Collection string `koanf:"collection"`

	// VectorSize is the dimensionality of embeddings.
	// MUST match the embedding provider's output dimension.
	VectorSize uint64 `koanf:"vector_size"`

	// UseTLS enables TLS encryption for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// MaxRetries is the maximum number of retry attempts for transient
	// failures. Default: 3
	MaxRetries int `koanf:"max_retries"`

	// RetryBackoff is the initial backoff duration for retries.
	// Doubles on each retry. Default: 1 second
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int `koanf:"max_message_size"`

	// CircuitBreakerThreshold is the number of failures before opening the
	// circuit. Default: 5
	CircuitBreakerThreshold int `koanf:"circuit_breaker_threshold"`

	// SearchOverfetch is the multiplier applied to limit when querying
	// Qdrant, so that equal-confidence ties can be broken deterministically
	// on our side. Default: 4
	SearchOverfetch int `koanf:"search_overfetch"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "communities"
	}
	if c.VectorSize == 0 {
		c.VectorSize = VectorSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024 // 50MB
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.SearchOverfetch == 0 {
		c.SearchOverfetch = 4
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// ValidateCollectionName validates a collection name against security rules.
// Pattern: ^[a-z0-9_]{1,64}$
// Rejects: uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidConfig)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidConfig, name)
	}
	return nil
}

// IsTransientError checks if an error is transient (should retry).
// Returns true for network timeouts, temporary unavailability.
// Returns false for invalid config, not found, permission denied.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	case grpccodes.InvalidArgument, grpccodes.NotFound, grpccodes.PermissionDenied, grpccodes.Unauthenticated:
		return false
	default:
		return false
	}
}

// QdrantStore is a Store implementation using Qdrant's native gRPC client.
//
// Native gRPC transport (port 6334) with binary protobuf encoding avoids the
// HTTP payload limits that bulk upserts would otherwise hit.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig

	// circuitBreaker tracks failures for circuit breaker pattern
	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}

	// batchSem bounds concurrent per-vector searches inside BatchSearch.
	batchSem chan struct{}
}

// NewQdrantStore creates a new QdrantStore with the given configuration.
//
// The constructor validates configuration, creates the gRPC client, performs
// a health check, and ensures the record collection exists.
func NewQdrantStore(config QdrantConfig) (*QdrantStore, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := ValidateCollectionName(config.Collection); err != nil {
		return nil, fmt.Errorf("validating collection name: %w", err)
	}

	if !config.UseTLS {
		fmt.Fprintf(os.Stderr, "WARNING: Qdrant gRPC using plaintext (TLS disabled). Insecure for production.\n")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client:   client,
		config:   config,
		batchSem: make(chan struct{}, 8),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.healthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	if err := store.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// healthCheck performs a health check on the Qdrant connection.
func (s *QdrantStore) healthCheck(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.HealthCheck")
	defer span.End()

	_, err := s.client.HealthCheck(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("health check failed: %w", err)
	}

	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// ensureCollection creates the record collection if it does not exist yet.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}

		if s.isCircuitOpen() {
			return fmt.Errorf("%s: %w: circuit breaker open", operationName, ErrBackendUnavailable)
		}

		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Allow retry after 30 seconds
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// pointID derives the deterministic Qdrant point UUID for a record ID.
func pointID(recordID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(recordID)).String()
}

// Search performs similarity search with the given query vector.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, threshold float64, limit int, includeRestricted bool) ([]Match, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("limit", limit),
		attribute.Float64("threshold", threshold),
		attribute.Bool("include_restricted", includeRestricted),
	)

	if err := validateQueryVector(vector); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	// Over-fetch so that equal-score ties at the cut line can be broken by
	// subscribers/id on our side. Qdrant's score_threshold is inclusive;
	// rankMatches re-applies the strict comparison.
	fetch := uint64(limit * s.config.SearchOverfetch)

	var filter *qdrant.Filter
	if !includeRestricted {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				{
					ConditionOneOf: &qdrant.Condition_Field{
						Field: &qdrant.FieldCondition{
							Key: payloadRestricted,
							Match: &qdrant.Match{
								MatchValue: &qdrant.Match_Boolean{Boolean: false},
							},
						},
					},
				},
			},
		}
	}

	var results []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(fetch),
			ScoreThreshold: qdrant.PtrOf(float32(threshold)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", s.config.Collection, err)
	}

	candidates := make([]Match, 0, len(results))
	for _, point := range results {
		rec, err := recordFromPayload(point.Payload, nil)
		if err != nil {
			continue
		}
		candidates = append(candidates, Match{
			Record:     rec,
			Confidence: float64(point.Score),
		})
	}

	matches := rankMatches(candidates, threshold, limit, includeRestricted)

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// BatchSearch evaluates each query vector independently.
//
// Slots run concurrently up to a bound of 8; a slot's failure is recorded in
// that slot only. Deliberately not a single batched RPC: one malformed or
// timed-out query must not take the whole batch down with it.
func (s *QdrantStore) BatchSearch(ctx context.Context, vectors [][]float32, threshold float64, limit int, includeRestricted bool) ([]BatchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.BatchSearch")
	defer span.End()

	span.SetAttributes(attribute.Int("query_count", len(vectors)))

	results := make([]BatchResult, len(vectors))
	var wg sync.WaitGroup
	for i, vec := range vectors {
		wg.Add(1)
		go func(i int, vec []float32) {
			defer wg.Done()
			s.batchSem <- struct{}{}
			defer func() { <-s.batchSem }()

			matches, err := s.Search(ctx, vec, threshold, limit, includeRestricted)
			results[i] = BatchResult{Index: i, Matches: matches, Err: err}
		}(i, vec)
	}
	wg.Wait()

	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Upsert inserts or replaces records, conflicting on Record.ID.
//
// Point IDs are UUIDv5 values derived from the record ID, so re-applying a
// record overwrites the same point instead of duplicating it. The previous
// update_count is read back first to preserve the increment invariant.
func (s *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()

	span.SetAttributes(
		attribute.Int("record_count", len(records)),
		attribute.String("collection", s.config.Collection),
	)

	if len(records) == 0 {
		return ErrEmptyRecords
	}

	ids := make([]*qdrant.PointId, len(records))
	for i, rec := range records {
		ids[i] = qdrant.NewIDUUID(pointID(rec.ID))
	}

	prevCounts := make(map[string]int64)
	err := s.retryOperation(ctx, "get_existing", func() error {
		existing, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            ids,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		for _, point := range existing {
			rec, err := recordFromPayload(point.Payload, nil)
			if err != nil {
				continue
			}
			prevCounts[rec.ID] = rec.UpdateCount
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reading existing points: %w", err)
	}

	now := timeNow()
	points := make([]*qdrant.PointStruct, len(records))
	for i, rec := range records {
		rec = rec.Clone()
		rec.truncateSidebar()
		if uint64(len(rec.Embedding)) != s.config.VectorSize {
			span.SetStatus(codes.Error, "invalid record vector")
			return fmt.Errorf("%w: record %s has dimension %d, want %d",
				ErrInvalidVector, rec.ID, len(rec.Embedding), s.config.VectorSize)
		}
		if prev, ok := prevCounts[rec.ID]; ok {
			rec.UpdateCount = prev + 1
		}
		rec.LastUpdated = now

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(rec.ID)),
			Vectors: qdrant.NewVectors(rec.Embedding...),
			Payload: recordToPayload(rec),
		}
	}

	err = s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", s.config.Collection, err)
	}

	span.SetAttributes(attribute.Int("points_upserted", len(points)))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the exact record count.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Count")
	defer span.End()

	var count uint64
	err := s.retryOperation(ctx, "count", func() error {
		res, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("counting collection %s: %w", s.config.Collection, err)
	}

	span.SetAttributes(attribute.Int("count", int(count)))
	span.SetStatus(codes.Ok, "success")
	return int(count), nil
}

// Export pages through records in point-ID scroll order. The cursor is the
// point UUID of the last record of the previous page; scroll order is stable
// for a given collection, which is all resumability needs.
func (s *QdrantStore) Export(ctx context.Context, cursor string, limit int) ([]Record, string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Export")
	defer span.End()

	span.SetAttributes(attribute.String("cursor", cursor), attribute.Int("limit", limit))

	req := &qdrant.ScrollPoints{
		CollectionName: s.config.Collection,
		// Scroll's offset is inclusive; fetch enough to drop the cursor
		// point and still fill the page plus a next-page probe.
		Limit:       qdrant.PtrOf(uint32(limit + 2)),
		WithPayload: qdrant.NewWithPayload(true),
		WithVectors: qdrant.NewWithVectors(true),
	}
	if cursor != "" {
		req.Offset = qdrant.NewIDUUID(cursor)
	}

	var points []*qdrant.RetrievedPoint
	err := s.retryOperation(ctx, "scroll", func() error {
		res, err := s.client.Scroll(ctx, req)
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", fmt.Errorf("scrolling collection %s: %w", s.config.Collection, err)
	}

	records := make([]Record, 0, len(points))
	lastPointID := ""
	for _, point := range points {
		pid := point.Id.GetUuid()
		if cursor != "" && pid == cursor {
			continue
		}
		var embedding []float32
		if vo := point.Vectors.GetVector(); vo != nil {
			embedding = vo.GetData()
		}
		rec, err := recordFromPayload(point.Payload, embedding)
		if err != nil {
			continue
		}
		if limit > 0 && len(records) == limit {
			// A record beyond the page exists, so the page is full and a
			// next cursor is warranted.
			span.SetAttributes(attribute.Int("records", len(records)))
			span.SetStatus(codes.Ok, "success")
			return records, lastPointID, nil
		}
		records = append(records, rec)
		lastPointID = pid
	}

	span.SetAttributes(attribute.Int("records", len(records)))
	span.SetStatus(codes.Ok, "success")
	return records, "", nil
}

// Payload keys used to round-trip Record fields through Qdrant points.
const (
	payloadID          = "id"
	payloadName        = "name"
	payloadTitle       = "title"
	payloadDescription = "description"
	payloadSidebar     = "sidebar"
	payloadSubscribers = "subscribers"
	payloadCreatedAt   = "created_at"
	payloadRestricted  = "restricted"
	payloadURL         = "url"
	payloadIndexedAt   = "indexed_at"
	payloadLastUpdated = "last_updated"
	payloadUpdateCount = "update_count"
)

// recordToPayload converts a Record to a Qdrant payload.
func recordToPayload(rec Record) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		payloadID:          {Kind: &qdrant.Value_StringValue{StringValue: rec.ID}},
		payloadName:        {Kind: &qdrant.Value_StringValue{StringValue: rec.Name}},
		payloadTitle:       {Kind: &qdrant.Value_StringValue{StringValue: rec.Title}},
		payloadDescription: {Kind: &qdrant.Value_StringValue{StringValue: rec.Description}},
		payloadSidebar:     {Kind: &qdrant.Value_StringValue{StringValue: rec.Sidebar}},
		payloadSubscribers: {Kind: &qdrant.Value_IntegerValue{IntegerValue: rec.Subscribers}},
		payloadCreatedAt:   {Kind: &qdrant.Value_StringValue{StringValue: rec.CreatedAt.UTC().Format(time.RFC3339Nano)}},
		payloadRestricted:  {Kind: &qdrant.Value_BoolValue{BoolValue: rec.IsRestricted}},
		payloadURL:         {Kind: &qdrant.Value_StringValue{StringValue: rec.URL}},
		payloadIndexedAt:   {Kind: &qdrant.Value_StringValue{StringValue: rec.IndexedAt.UTC().Format(time.RFC3339Nano)}},
		payloadLastUpdated: {Kind: &qdrant.Value_StringValue{StringValue: rec.LastUpdated.UTC().Format(time.RFC3339Nano)}},
		payloadUpdateCount: {Kind: &qdrant.Value_IntegerValue{IntegerValue: rec.UpdateCount}},
	}
}

// recordFromPayload reconstructs a Record from a Qdrant payload.
func recordFromPayload(payload map[string]*qdrant.Value, embedding []float32) (Record, error) {
	id := payload[payloadID].GetStringValue()
	if id == "" {
		return Record{}, fmt.Errorf("payload missing record id")
	}

	rec := Record{
		ID:           id,
		Name:         payload[payloadName].GetStringValue(),
		Title:        payload[payloadTitle].GetStringValue(),
		Description:  payload[payloadDescription].GetStringValue(),
		Sidebar:      payload[payloadSidebar].GetStringValue(),
		Subscribers:  payload[payloadSubscribers].GetIntegerValue(),
		IsRestricted: payload[payloadRestricted].GetBoolValue(),
		URL:          payload[payloadURL].GetStringValue(),
		UpdateCount:  payload[payloadUpdateCount].GetIntegerValue(),
		Embedding:    embedding,
	}

	for key, dst := range map[string]*time.Time{
		payloadCreatedAt:   &rec.CreatedAt,
		payloadIndexedAt:   &rec.IndexedAt,
		payloadLastUpdated: &rec.LastUpdated,
	} {
		if v := payload[key].GetStringValue(); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return Record{}, fmt.Errorf("parsing %s: %w", key, err)
			}
			*dst = t
		}
	}

	return rec, nil
}

// Ensure QdrantStore implements Store interface.
var _ Store = (*QdrantStore)(nil)
