package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstack/htm/pkg/models"
	"github.com/agentstack/htm/pkg/timeframe"
)

func sampleResults() []models.SearchResult {
	return []models.SearchResult{
		{
			Node: models.Node{
				ID:      1,
				Content: "PostgreSQL is great",
				Metadata: map[string]any{
					"source": "chat",
				},
			},
			Similarity: 0.92,
			Tags:       []string{"database:postgresql"},
		},
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	iv := &timeframe.Interval{
		Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC),
	}
	req := Request{
		Strategy: "vector",
		Interval: iv,
		Query:    "postgres tuning",
		Tags:     []string{"b", "a"},
		Limit:    20,
		Metadata: map[string]any{"k": "v"},
	}

	assert.Equal(t, Fingerprint(req), Fingerprint(req))

	// Tag order must not matter.
	reordered := req
	reordered.Tags = []string{"a", "b"}
	assert.Equal(t, Fingerprint(req), Fingerprint(reordered))
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	base := Request{Strategy: "vector", Query: "q", Limit: 20}

	variants := []Request{
		{Strategy: "fulltext", Query: "q", Limit: 20},
		{Strategy: "vector", Query: "other", Limit: 20},
		{Strategy: "vector", Query: "q", Limit: 10},
		{Strategy: "vector", Query: "q", Limit: 20, Tags: []string{"x"}},
		{Strategy: "vector", Query: "q", Limit: 20, Metadata: map[string]any{"k": 1}},
		{Strategy: "vector", Query: "q", Limit: 20,
			Interval: &timeframe.Interval{Start: time.Unix(0, 0), End: time.Unix(1000, 0)}},
	}
	for i, v := range variants {
		assert.NotEqual(t, Fingerprint(base), Fingerprint(v), "variant %d collided", i)
	}
}

func TestCacheHitReturnsClone(t *testing.T) {
	c := New(8, time.Minute)
	key := Fingerprint(Request{Strategy: "vector", Query: "q", Limit: 1})

	c.Set(key, sampleResults())

	first, ok := c.Get(key)
	require.True(t, ok)
	first[0].Content = "mutated"
	first[0].Tags[0] = "mutated"
	first[0].Metadata["source"] = "mutated"

	second, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "PostgreSQL is great", second[0].Content)
	assert.Equal(t, "database:postgresql", second[0].Tags[0])
	assert.Equal(t, "chat", second[0].Metadata["source"])
}

func TestCacheMissAndStats(t *testing.T) {
	c := New(8, time.Minute)
	key := Fingerprint(Request{Strategy: "vector", Query: "q", Limit: 1})

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, sampleResults())
	_, ok = c.Get(key)
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestCacheClear(t *testing.T) {
	c := New(8, time.Minute)
	key := Fingerprint(Request{Strategy: "vector", Query: "q", Limit: 1})

	c.Set(key, sampleResults())
	c.Clear()

	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := New(8, 50*time.Millisecond)
	key := Fingerprint(Request{Strategy: "vector", Query: "q", Limit: 1})

	c.Set(key, sampleResults())
	time.Sleep(80 * time.Millisecond)

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestCacheEvictsAtCapacity(t *testing.T) {
	c := New(2, time.Minute)

	keys := []string{
		Fingerprint(Request{Strategy: "vector", Query: "a", Limit: 1}),
		Fingerprint(Request{Strategy: "vector", Query: "b", Limit: 1}),
		Fingerprint(Request{Strategy: "vector", Query: "c", Limit: 1}),
	}
	for _, k := range keys {
		c.Set(k, sampleResults())
	}

	_, ok := c.Get(keys[0])
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get(keys[2])
	assert.True(t, ok)
}
