package discovery

import "errors"

var (
	// ErrValidation indicates missing, conflicting, or oversized input.
	// Rejected before any backend call.
	ErrValidation = errors.New("invalid discovery request")

	// ErrEmbedding indicates the embedding provider failed after retry.
	ErrEmbedding = errors.New("embedding generation unavailable")

	// ErrBackendUnavailable indicates the active store (and fallback, if
	// configured) could not serve the query.
	ErrBackendUnavailable = errors.New("vector store unavailable")

	// ErrPartialBatch indicates a batch completed with at least one failing
	// slot. The batch response still carries every slot.
	ErrPartialBatch = errors.New("batch completed with per-query errors")
)
