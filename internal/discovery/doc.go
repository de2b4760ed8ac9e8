// Package discovery maps free-text queries to ranked community matches.
//
// The engine orchestrates the query path: embed the query text, search the
// active vector store, filter and normalize matches, and shape the public
// response. Batch requests fan out across a bounded worker pool with
// per-query isolation: one query's embedding or backend failure lands in
// that query's result slot and nowhere else.
//
// A TTL+LRU cache keyed by (query, limit, includeRestricted) short-circuits
// repeated queries. Embedding failures are retried once with backoff; store
// failures are retried once and then routed to a configured fallback store.
package discovery
