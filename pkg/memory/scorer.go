package memory

import (
	"math"
	"time"

	"github.com/agentstack/htm/pkg/config"
)

// accessSaturation is the access count at which the access signal reaches
// its ceiling of 1.0.
const accessSaturation = 100

// relevanceScale maps the weighted [0,1] composite onto the [0,10] range
// returned to callers.
const relevanceScale = 10.0

// Signals are the four normalised relevance inputs, each in [0,1].
type Signals struct {
	Semantic float64
	Tag      float64
	Recency  float64
	Access   float64
}

// Scorer composes the relevance signals under the configured weights.
type Scorer struct {
	cfg config.RelevanceConfig
}

// NewScorer creates a scorer. The weights are assumed validated (they sum
// to 1.0; config.Load enforces this).
func NewScorer(cfg config.RelevanceConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score returns the composite relevance in [0,10].
func (s *Scorer) Score(sig Signals) float64 {
	composite := s.cfg.SemanticWeight*clamp01(sig.Semantic) +
		s.cfg.TagWeight*clamp01(sig.Tag) +
		s.cfg.RecencyWeight*clamp01(sig.Recency) +
		s.cfg.AccessWeight*clamp01(sig.Access)
	return composite * relevanceScale
}

// RecencySignal computes 2^(−age/half-life) for a node last accessed at t.
func (s *Scorer) RecencySignal(lastAccess, now time.Time) float64 {
	ageHours := now.Sub(lastAccess).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return math.Exp2(-ageHours / s.cfg.RecencyHalfLifeHours)
}

// AccessSignal computes min(1, log(1+count)/log(1+saturation)).
func AccessSignal(accessCount int64) float64 {
	if accessCount <= 0 {
		return 0
	}
	v := math.Log(1+float64(accessCount)) / math.Log(1+float64(accessSaturation))
	return math.Min(1, v)
}

// TagJaccard computes |intersection|/|union| of the two tag sets. An empty
// query set yields 0.
func TagJaccard(queryTags, nodeTags []string) float64 {
	if len(queryTags) == 0 {
		return 0
	}
	union := make(map[string]struct{}, len(queryTags)+len(nodeTags))
	q := make(map[string]struct{}, len(queryTags))
	for _, t := range queryTags {
		q[t] = struct{}{}
		union[t] = struct{}{}
	}
	intersection := 0
	seen := make(map[string]struct{}, len(nodeTags))
	for _, t := range nodeTags {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		union[t] = struct{}{}
		if _, ok := q[t]; ok {
			intersection++
		}
	}
	return float64(intersection) / float64(len(union))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
