package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyRecords indicates empty or nil records.
	ErrEmptyRecords = errors.New("empty or nil records")

	// ErrInvalidVector indicates a query or record vector of the wrong dimension.
	ErrInvalidVector = errors.New("invalid vector dimension")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrBackendUnavailable indicates the backing store is unreachable.
	ErrBackendUnavailable = errors.New("vector store unavailable")

	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")
)

// Embedder generates vector embeddings from text.
//
// Embeddings are dense numerical representations that capture semantic meaning,
// enabling similarity search. Implementations can use local ONNX models
// (FastEmbed) or remote APIs.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	// Returns a slice of embeddings (one per input text) or an error.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the capability interface for community record storage.
//
// This interface is transport-agnostic - implementations can be embedded
// (chromem-go), remote gRPC (Qdrant), or in-memory (tests). All callers
// depend only on this interface, never on backend identity; that is what
// makes shadow mode and flag-based cutover possible.
//
// Behavioral contract shared by all implementations:
//   - Search filters restricted records first (when includeRestricted is
//     false), keeps only matches with confidence strictly greater than
//     threshold, orders by confidence desc / subscribers desc / id asc,
//     then truncates to limit.
//   - BatchSearch evaluates each vector independently; a backend failure on
//     one slot is recorded in that slot's Err and never aborts the others.
//   - Upsert is idempotent on Record.ID: re-applying an existing record
//     increments UpdateCount and refreshes LastUpdated without duplicating.
//   - Count returns the exact number of stored records.
//   - Export pages through all records in a stable per-backend order so the
//     migration coordinator can resume at a recorded cursor.
//
// Implementations:
//   - ChromemStore: embedded chromem-go (default)
//   - QdrantStore: external Qdrant gRPC client
//   - MemoryStore: in-memory, for tests and local development
type Store interface {
	// Search performs similarity search with the given query vector.
	//
	// Matches with confidence <= threshold are excluded (strict greater-than
	// to pass). Results are ordered by descending confidence, ties broken by
	// descending subscribers then ascending ID, and truncated to limit.
	Search(ctx context.Context, vector []float32, threshold float64, limit int, includeRestricted bool) ([]Match, error)

	// BatchSearch evaluates each query vector independently.
	//
	// The returned slice has one entry per input vector, tagged with the
	// query index. A failing slot carries its own error; other slots are
	// unaffected.
	BatchSearch(ctx context.Context, vectors [][]float32, threshold float64, limit int, includeRestricted bool) ([]BatchResult, error)

	// Upsert inserts or replaces records, conflicting on Record.ID.
	//
	// Replacing an existing record increments its UpdateCount and refreshes
	// LastUpdated. Sidebar text is truncated to SidebarMaxLen.
	Upsert(ctx context.Context, records []Record) error

	// Count returns the exact number of stored records.
	Count(ctx context.Context) (int, error)

	// Export returns a page of up to limit full records starting after the
	// given cursor, plus the cursor for the next page. An empty cursor
	// starts from the beginning; an empty next cursor signals the end.
	//
	// The ordering is stable for a given store instance across calls and
	// restarts, which is what makes chunked migration resumable.
	Export(ctx context.Context, cursor string, limit int) ([]Record, string, error)

	// Close closes the vector store connection and releases resources.
	Close() error
}
