package vectorstore

import (
	"math"
	"sort"
)

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for mismatched or zero-magnitude inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankMatches applies the shared result contract to a set of candidate
// matches: strict threshold filter, deterministic ordering (confidence desc,
// subscribers desc, id asc), rank assignment, truncation to limit.
//
// Every backend funnels its raw candidates through this helper so that the
// external behavior is identical regardless of backend identity.
func rankMatches(candidates []Match, threshold float64, limit int, includeRestricted bool) []Match {
	out := make([]Match, 0, len(candidates))
	for _, m := range candidates {
		if !includeRestricted && m.Record.IsRestricted {
			continue
		}
		if m.Confidence <= threshold {
			continue
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Record.Subscribers != out[j].Record.Subscribers {
			return out[i].Record.Subscribers > out[j].Record.Subscribers
		}
		return out[i].Record.ID < out[j].Record.ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// validateQueryVector checks the query vector dimension against VectorSize.
func validateQueryVector(vector []float32) error {
	if len(vector) != VectorSize {
		return ErrInvalidVector
	}
	return nil
}
