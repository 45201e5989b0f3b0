// Package cache provides the bounded query-result cache. Entries are keyed
// by a deterministic fingerprint of the search request and expire after a
// TTL; any long-term-memory mutation clears the whole cache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentstack/htm/pkg/metrics"
	"github.com/agentstack/htm/pkg/models"
	"github.com/agentstack/htm/pkg/timeframe"
)

// Request carries every field that makes a search distinct. Two requests
// with equal fields always produce the same fingerprint.
type Request struct {
	Strategy string
	Interval *timeframe.Interval
	Query    string
	Tags     []string
	Limit    int
	Metadata map[string]any
}

// Fingerprint returns the cache key for the request: a SHA-256 over a
// canonical JSON encoding (tags and metadata keys sorted).
func Fingerprint(req Request) string {
	type canonical struct {
		Strategy string     `json:"s"`
		Start    *time.Time `json:"ts,omitempty"`
		End      *time.Time `json:"te,omitempty"`
		Query    string     `json:"q"`
		Tags     []string   `json:"t,omitempty"`
		Limit    int        `json:"l"`
		Metadata string     `json:"m,omitempty"`
	}
	c := canonical{
		Strategy: req.Strategy,
		Query:    req.Query,
		Limit:    req.Limit,
	}
	if req.Interval != nil {
		c.Start = &req.Interval.Start
		c.End = &req.Interval.End
	}
	if len(req.Tags) > 0 {
		c.Tags = append([]string(nil), req.Tags...)
		sort.Strings(c.Tags)
	}
	if len(req.Metadata) > 0 {
		keys := make([]string, 0, len(req.Metadata))
		for k := range req.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make(map[string]any, len(req.Metadata))
		for _, k := range keys {
			parts[k] = req.Metadata[k]
		}
		// json.Marshal sorts map keys, giving a stable encoding.
		if raw, err := json.Marshal(parts); err == nil {
			c.Metadata = string(raw)
		}
	}
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

// QueryCache is a fixed-capacity LRU with per-entry TTL. Safe for
// concurrent use.
type QueryCache struct {
	lru    *expirable.LRU[string, []models.SearchResult]
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most size entries for at most ttl each.
func New(size int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		lru: expirable.NewLRU[string, []models.SearchResult](size, nil, ttl),
	}
}

// Get returns a deep copy of the cached results for key, if present.
func (c *QueryCache) Get(key string) ([]models.SearchResult, bool) {
	results, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
		return nil, false
	}
	c.hits.Add(1)
	metrics.CacheHits.Inc()
	return models.CloneResults(results), true
}

// Set stores a deep copy of results under key.
func (c *QueryCache) Set(key string, results []models.SearchResult) {
	c.lru.Add(key, models.CloneResults(results))
}

// Clear drops every entry. Called after any long-term-memory mutation.
func (c *QueryCache) Clear() {
	c.lru.Purge()
}

// Stats returns current counters.
func (c *QueryCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.lru.Len(),
	}
}
