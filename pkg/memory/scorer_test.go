package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentstack/htm/pkg/config"
)

func defaultScorer() *Scorer {
	return NewScorer(config.Default().Relevance)
}

func TestScoreBounds(t *testing.T) {
	s := defaultScorer()

	assert.Equal(t, 0.0, s.Score(Signals{}))
	assert.InDelta(t, 10.0, s.Score(Signals{Semantic: 1, Tag: 1, Recency: 1, Access: 1}), 1e-9)

	// Out-of-range inputs are clamped, keeping the composite in [0,10].
	wild := s.Score(Signals{Semantic: 5, Tag: -3, Recency: 2, Access: 9})
	assert.GreaterOrEqual(t, wild, 0.0)
	assert.LessOrEqual(t, wild, 10.0)
}

func TestScoreWeighting(t *testing.T) {
	s := defaultScorer()

	// Only the semantic signal set: composite = 0.5 × 1 × 10.
	assert.InDelta(t, 5.0, s.Score(Signals{Semantic: 1}), 1e-9)
	assert.InDelta(t, 3.0, s.Score(Signals{Tag: 1}), 1e-9)
	assert.InDelta(t, 1.0, s.Score(Signals{Recency: 1}), 1e-9)
	assert.InDelta(t, 1.0, s.Score(Signals{Access: 1}), 1e-9)
}

func TestRecencySignalHalfLife(t *testing.T) {
	s := defaultScorer()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	assert.InDelta(t, 1.0, s.RecencySignal(now, now), 1e-9)
	// One half-life (168h) halves the signal.
	assert.InDelta(t, 0.5, s.RecencySignal(now.Add(-168*time.Hour), now), 1e-9)
	assert.InDelta(t, 0.25, s.RecencySignal(now.Add(-336*time.Hour), now), 1e-9)
	// A future timestamp clamps to age zero.
	assert.InDelta(t, 1.0, s.RecencySignal(now.Add(time.Hour), now), 1e-9)
}

func TestAccessSignal(t *testing.T) {
	assert.Equal(t, 0.0, AccessSignal(0))
	assert.Equal(t, 0.0, AccessSignal(-5))
	assert.Greater(t, AccessSignal(10), AccessSignal(1))
	assert.Equal(t, 1.0, AccessSignal(100))
	assert.Equal(t, 1.0, AccessSignal(100000))
}

func TestTagJaccard(t *testing.T) {
	assert.Equal(t, 0.0, TagJaccard(nil, []string{"a"}))
	assert.Equal(t, 0.0, TagJaccard([]string{"a"}, nil))
	assert.Equal(t, 1.0, TagJaccard([]string{"a", "b"}, []string{"b", "a"}))
	assert.InDelta(t, 1.0/3.0, TagJaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	// Duplicate node tags must not inflate the union.
	assert.Equal(t, 1.0, TagJaccard([]string{"a"}, []string{"a", "a"}))
}
