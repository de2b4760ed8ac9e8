// Package vectorstore provides vector storage for community records with
// interchangeable backends.
//
// The package offers a single Store interface with three implementations:
// chromem (embedded, persistent, default), Qdrant (remote over gRPC), and an
// in-memory store for tests. All backends funnel their raw candidates through
// a shared ranking contract so callers observe identical behavior regardless
// of which backend serves a request: a strict greater-than confidence
// threshold, ordering by confidence descending with subscriber-count then ID
// tie-breaks, and 1-based ranks.
//
// # Usage
//
// Select a backend through the factory:
//
//	import "github.com/fyrsmithlabs/subscout/internal/vectorstore"
//
//	store, err := vectorstore.NewStore(vectorstore.Config{
//	    Provider: "chromem",
//	    Chromem: vectorstore.ChromemConfig{
//	        Path: "/data/vectorstore",
//	    },
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	matches, err := store.Search(ctx, queryVector, 0.5, 10, false)
//
// # Shadow mode
//
// Setting Config.Shadow mirrors every call to a second backend while serving
// all responses from the active one. Drift between the two is logged, which
// is the intended way to validate a migration target before cutting over.
//
// # Migration export
//
// Export pages through all records in a stable order with an opaque cursor,
// so an interrupted bulk copy can resume where it stopped.
package vectorstore
