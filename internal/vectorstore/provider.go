package vectorstore

import "fmt"

// Provider identifies a vector store backend implementation.
type Provider string

const (
	// ProviderChromem is the embedded local backend (chromem-go). Default.
	ProviderChromem Provider = "chromem"

	// ProviderQdrant is the remote managed backend (Qdrant over gRPC).
	ProviderQdrant Provider = "qdrant"

	// ProviderMemory is the in-memory backend for tests and dev loops.
	ProviderMemory Provider = "memory"
)

// Valid reports whether the provider names a known backend.
func (p Provider) Valid() bool {
	switch p {
	case ProviderChromem, ProviderQdrant, ProviderMemory:
		return true
	}
	return false
}

// ParseProvider converts a config string to a Provider, defaulting to
// chromem for the empty string.
func ParseProvider(s string) (Provider, error) {
	if s == "" {
		return ProviderChromem, nil
	}
	p := Provider(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown provider %q (want chromem, qdrant, or memory)", ErrInvalidConfig, s)
	}
	return p, nil
}
