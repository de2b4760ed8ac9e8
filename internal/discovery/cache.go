package discovery

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// resultCache memoizes successful single-query results. Repeated queries are
// common in agent sessions, and a hit skips both the embedding call and the
// store round-trip.
//
// Entries expire by TTL and LRU size pressure only; record mutation is rare
// relative to query traffic, so no invalidation hook exists.
type resultCache struct {
	lru *expirable.LRU[string, Result]
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	return &resultCache{
		lru: expirable.NewLRU[string, Result](size, nil, ttl),
	}
}

// cacheKey covers every request field that changes the result set. The
// threshold is the effective one (per-request override or the engine
// default), so an override never sees an entry cached under a looser cutoff.
func cacheKey(query string, limit int, threshold float64, includeRestricted bool) string {
	return fmt.Sprintf("%s|%d|%g|%t", query, limit, threshold, includeRestricted)
}

func (c *resultCache) get(query string, limit int, threshold float64, includeRestricted bool) (*Result, bool) {
	if c == nil {
		return nil, false
	}
	res, ok := c.lru.Get(cacheKey(query, limit, threshold, includeRestricted))
	if !ok {
		return nil, false
	}
	return &res, true
}

func (c *resultCache) put(query string, limit int, threshold float64, includeRestricted bool, res *Result) {
	if c == nil || res == nil || res.Error != "" {
		return
	}
	c.lru.Add(cacheKey(query, limit, threshold, includeRestricted), *res)
}
