// Package migration bulk-transfers community records between vector store
// backends without downtime.
//
// A run exports the source in stable id order, records chunk boundaries in a
// manifest, and writes each chunk to the target in paced, retried
// sub-batches. Progress persists to a local SQLite database after every
// chunk, so a killed run resumes at the first incomplete chunk with nothing
// double-counted. A failing sub-batch never aborts the run; its record range
// is kept for targeted re-migration.
//
// After transfer, verification compares exact counts and re-runs a fixed set
// of representative query embeddings against both stores, requiring the
// target's top-k to substantially overlap the source's. A run finishes
// completed only when counts match, no sub-batch failed, and verification
// passes; otherwise completed_with_errors. Only an unreadable source or a
// corrupt manifest fails a run outright.
package migration
