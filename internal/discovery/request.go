package discovery

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is a discovery call. Exactly one of Query or Queries must be set.
type Request struct {
	// Query is a single free-text query.
	Query string

	// Queries holds multiple queries for batch mode. It may also be set
	// via ParseQueriesInput from a raw string.
	Queries []string

	// Limit is the maximum matches per query. Zero means the engine default.
	Limit int

	// Threshold overrides the engine's confidence threshold when non-nil.
	Threshold *float64

	// IncludeRestricted includes records hidden from default searches.
	IncludeRestricted bool
}

// QueryInput is the tagged result of parsing the lenient queries argument:
// either a parsed list or a single literal value.
type QueryInput struct {
	// Queries holds the individual query strings.
	Queries []string

	// Parsed is true when the input was a JSON-encoded array.
	Parsed bool
}

// ParseQueriesInput interprets the queries argument, which may be a literal
// string or a string that is itself a JSON-encoded array of strings.
//
// A bracket-delimited string gets a structured parse attempt; anything else,
// including a bracket-delimited string that fails to parse as a JSON string
// array, is treated as one literal query. The fallback is deliberate — the
// calling layer hands queries through loosely-typed tool arguments — but it
// can mask caller bugs, so callers should log when Parsed is false on a
// bracket-delimited input.
func ParseQueriesInput(raw string) QueryInput {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		var queries []string
		if err := json.Unmarshal([]byte(trimmed), &queries); err == nil {
			return QueryInput{Queries: queries, Parsed: true}
		}
	}
	return QueryInput{Queries: []string{raw}}
}

// validate checks the request against the engine's limits. maxBatch is the
// batch size cap; defaultLimit fills a zero Limit.
func (r *Request) validate(defaultLimit, maxBatch int) error {
	hasSingle := strings.TrimSpace(r.Query) != ""
	hasBatch := len(r.Queries) > 0

	if hasSingle && hasBatch {
		return fmt.Errorf("%w: provide either query or queries, not both", ErrValidation)
	}
	if !hasSingle && !hasBatch {
		return fmt.Errorf("%w: provide query or queries", ErrValidation)
	}
	if hasBatch && len(r.Queries) > maxBatch {
		return fmt.Errorf("%w: batch size %d exceeds maximum %d", ErrValidation, len(r.Queries), maxBatch)
	}
	if hasBatch {
		for i, q := range r.Queries {
			if strings.TrimSpace(q) == "" {
				return fmt.Errorf("%w: query %d is empty", ErrValidation, i)
			}
		}
	}

	if r.Limit < 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrValidation, r.Limit)
	}
	if r.Limit == 0 {
		r.Limit = defaultLimit
	}
	return nil
}
