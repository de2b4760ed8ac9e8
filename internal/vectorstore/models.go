package vectorstore

import "time"

const (
	// VectorSize is the embedding dimension used across the engine.
	// Matches FastEmbed BAAI/bge-small-en-v1.5 output.
	VectorSize = 384

	// SidebarMaxLen is the maximum stored sidebar length in characters.
	SidebarMaxLen = 2000
)

// Record is a community record owned by the indexing pipeline.
// The engine only reads records and, during migration, copies them.
type Record struct {
	// ID is the unique, stable record identifier (e.g. "t5_2qh0y").
	ID string

	// Name is the community name, unique case-insensitively.
	Name string

	// Title is the community title.
	Title string

	// Description is the public description used for embedding context.
	Description string

	// Sidebar is the community sidebar text, truncated to SidebarMaxLen.
	Sidebar string

	// Subscribers is the subscriber count. Never negative.
	Subscribers int64

	// CreatedAt is when the community was created.
	CreatedAt time.Time

	// IsRestricted marks records hidden from default searches.
	IsRestricted bool

	// URL is the canonical community URL.
	URL string

	// IndexedAt is when the record was first indexed.
	IndexedAt time.Time

	// Embedding is the fixed-length semantic vector (len == VectorSize).
	Embedding []float32

	// LastUpdated is refreshed on every upsert.
	LastUpdated time.Time

	// UpdateCount is incremented on every re-index of an existing ID.
	UpdateCount int64
}

// truncateSidebar enforces the sidebar length invariant on write.
func (r *Record) truncateSidebar() {
	if len(r.Sidebar) > SidebarMaxLen {
		r.Sidebar = r.Sidebar[:SidebarMaxLen]
	}
}

// Clone returns a deep copy of the record. Stores hand out clones so callers
// can never mutate stored state through a returned match.
func (r Record) Clone() Record {
	out := r
	if r.Embedding != nil {
		out.Embedding = make([]float32, len(r.Embedding))
		copy(out.Embedding, r.Embedding)
	}
	return out
}

// Match is a single search hit.
type Match struct {
	// Record holds the matched record's public fields.
	Record Record

	// Confidence is 1 - cosine_distance(query, record), in [0,1].
	Confidence float64

	// Rank is the position in the ordered result, starting at 1.
	Rank int
}

// BatchResult is one slot of a BatchSearch response, tagged with the index
// of the query vector it belongs to.
type BatchResult struct {
	// Index is the position of the query vector in the request.
	Index int

	// Matches holds the slot's ordered matches. Nil when Err is set.
	Matches []Match

	// Err records this slot's backend failure, if any.
	Err error
}
