package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentstack/htm/pkg/metrics"
)

// Source records how an entry reached working memory.
type Source string

// Entry sources.
const (
	SourceFresh    Source = "fresh"
	SourceRecalled Source = "recalled"
)

// ContextStrategy selects the ranking used by AssembleContext.
type ContextStrategy string

// Context assembly strategies.
const (
	StrategyRecent   ContextStrategy = "recent"
	StrategyFrequent ContextStrategy = "frequent"
	StrategyBalanced ContextStrategy = "balanced"
)

// Entry is one node held in working memory.
type Entry struct {
	NodeID       int64     `json:"node_id"`
	Content      string    `json:"content"`
	TokenCount   int       `json:"token_count"`
	Importance   float64   `json:"importance"`
	AddedAt      time.Time `json:"added_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
	Source       Source    `json:"source"`
}

// AddRequest carries the fields of a working-memory insertion.
type AddRequest struct {
	NodeID       int64
	Content      string
	TokenCount   int
	AccessCount  int64
	LastAccessed time.Time
	Importance   float64
	FromRecall   bool
}

// WorkingStats is a snapshot of working-memory usage.
type WorkingStats struct {
	NodeCount   int     `json:"node_count"`
	TokenCount  int     `json:"token_count"`
	MaxTokens   int     `json:"max_tokens"`
	Utilization float64 `json:"utilization_percentage"`
}

// Working is the per-agent token-budgeted hot cache. All public methods
// hold the mutex for their entire duration, so an orchestrator may be
// shared across goroutines.
//
// The token-budget invariant: immediately after any public method returns,
// the sum of entry token counts never exceeds maxTokens.
type Working struct {
	mu            sync.Mutex
	maxTokens     int
	entries       map[int64]*Entry
	order         []int64 // insertion order
	currentTokens int
	robot         string // metrics label
	now           func() time.Time
}

// WorkingOption customises a Working instance.
type WorkingOption func(*Working)

// WithRobotLabel sets the metrics label for this instance.
func WithRobotLabel(name string) WorkingOption {
	return func(w *Working) { w.robot = name }
}

// withClock injects a deterministic clock in tests.
func withClock(now func() time.Time) WorkingOption {
	return func(w *Working) { w.now = now }
}

// NewWorking creates a working memory bounded by maxTokens.
func NewWorking(maxTokens int, opts ...WorkingOption) *Working {
	w := &Working{
		maxTokens: maxTokens,
		entries:   make(map[int64]*Entry),
		robot:     "unknown",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// MaxTokens returns the budget.
func (w *Working) MaxTokens() int { return w.maxTokens }

// Add inserts a node, evicting as needed, and returns the evicted entries.
// Re-adding a present node refreshes its access statistics in place. An
// entry larger than the whole budget is rejected.
func (w *Working) Add(req AddRequest) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if req.TokenCount > w.maxTokens {
		return nil, fmt.Errorf("%w: entry of %d tokens exceeds budget of %d",
			ErrInvalidInput, req.TokenCount, w.maxTokens)
	}
	if req.TokenCount < 0 {
		return nil, fmt.Errorf("%w: negative token count", ErrInvalidInput)
	}

	now := w.now()
	last := req.LastAccessed
	if last.IsZero() {
		last = now
	}

	if existing, ok := w.entries[req.NodeID]; ok {
		existing.AccessCount++
		existing.LastAccessed = last
		if req.FromRecall {
			existing.Source = SourceRecalled
		}
		return nil, nil
	}

	evicted := w.evictLocked(req.TokenCount)

	source := SourceFresh
	if req.FromRecall {
		source = SourceRecalled
	}
	entry := &Entry{
		NodeID:       req.NodeID,
		Content:      req.Content,
		TokenCount:   req.TokenCount,
		Importance:   req.Importance,
		AddedAt:      now,
		LastAccessed: last,
		AccessCount:  req.AccessCount,
		Source:       source,
	}
	w.entries[req.NodeID] = entry
	w.order = append(w.order, req.NodeID)
	w.currentTokens += req.TokenCount
	w.updateGauge()

	return evicted, nil
}

// Remove deletes a node if present. Idempotent.
func (w *Working) Remove(nodeID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removeLocked(nodeID)
}

// Has reports whether the node is present.
func (w *Working) Has(nodeID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[nodeID]
	return ok
}

// HasSpace reports whether tokens fit without eviction.
func (w *Working) HasSpace(tokens int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTokens+tokens <= w.maxTokens
}

// EvictToMakeSpace frees at least needed tokens and returns the evicted
// entries. If the whole cache is smaller than needed, everything is
// evicted and returned; the caller decides whether to reject.
func (w *Working) EvictToMakeSpace(needed int) []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	free := w.maxTokens - w.currentTokens
	if free >= needed {
		return nil
	}
	return w.evictAmountLocked(needed - free)
}

// Clear removes everything and returns the removed entries in insertion
// order.
func (w *Working) Clear() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, *w.entries[id])
	}
	w.entries = make(map[int64]*Entry)
	w.order = nil
	w.currentTokens = 0
	w.updateGauge()
	return out
}

// TokenCount returns the current token sum.
func (w *Working) TokenCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTokens
}

// NodeCount returns the number of entries.
func (w *Working) NodeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// NodeIDs returns the present node ids in insertion order.
func (w *Working) NodeIDs() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.order...)
}

// Entries returns a snapshot in insertion order.
func (w *Working) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, *w.entries[id])
	}
	return out
}

// Stats returns a usage snapshot.
func (w *Working) Stats() WorkingStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkingStats{
		NodeCount:   len(w.entries),
		TokenCount:  w.currentTokens,
		MaxTokens:   w.maxTokens,
		Utilization: w.utilizationLocked(),
	}
}

// UtilizationPercentage returns current token usage as a percentage of the
// budget.
func (w *Working) UtilizationPercentage() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.utilizationLocked()
}

// AssembleContext walks the strategy's ranking, accumulating contents
// joined by blank lines until the next entry would exceed maxTokens.
// maxTokens <= 0 means the working-memory budget.
func (w *Working) AssembleContext(strategy ContextStrategy, maxTokens int) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxTokens <= 0 {
		maxTokens = w.maxTokens
	}

	ranked := w.rankLocked(strategy)
	var parts []string
	used := 0
	for _, e := range ranked {
		if used+e.TokenCount > maxTokens {
			break
		}
		parts = append(parts, e.Content)
		used += e.TokenCount
	}
	return strings.Join(parts, "\n\n")
}

// rankLocked orders entries per strategy, best first.
func (w *Working) rankLocked(strategy ContextStrategy) []*Entry {
	ranked := make([]*Entry, 0, len(w.order))
	for _, id := range w.order {
		ranked = append(ranked, w.entries[id])
	}
	now := w.now()
	switch strategy {
	case StrategyFrequent:
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].AccessCount > ranked[j].AccessCount
		})
	case StrategyBalanced:
		score := func(e *Entry) float64 {
			hours := now.Sub(e.LastAccessed).Hours()
			if hours < 0 {
				hours = 0
			}
			return float64(e.AccessCount) / (1 + hours)
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			return score(ranked[i]) > score(ranked[j])
		})
	default: // StrategyRecent
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].LastAccessed.After(ranked[j].LastAccessed)
		})
	}
	return ranked
}

// evictLocked makes room for an incoming entry of the given size.
func (w *Working) evictLocked(incoming int) []Entry {
	free := w.maxTokens - w.currentTokens
	if free >= incoming {
		return nil
	}
	return w.evictAmountLocked(incoming - free)
}

// evictAmountLocked frees at least needed tokens. Victims are chosen by
// ascending (access count, last accessed, node id) — the least-used,
// longest-idle entries go first — stopping as soon as the budget is met.
func (w *Working) evictAmountLocked(needed int) []Entry {
	victims := make([]*Entry, 0, len(w.order))
	for _, id := range w.order {
		victims = append(victims, w.entries[id])
	}
	sort.Slice(victims, func(i, j int) bool {
		a, b := victims[i], victims[j]
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		return a.NodeID < b.NodeID
	})

	var evicted []Entry
	freed := 0
	for _, v := range victims {
		if freed >= needed {
			break
		}
		evicted = append(evicted, *v)
		freed += v.TokenCount
		w.removeLocked(v.NodeID)
	}
	if len(evicted) > 0 {
		metrics.WorkingMemoryEvictions.WithLabelValues(w.robot).Add(float64(len(evicted)))
	}
	return evicted
}

func (w *Working) removeLocked(nodeID int64) bool {
	entry, ok := w.entries[nodeID]
	if !ok {
		return false
	}
	delete(w.entries, nodeID)
	for i, id := range w.order {
		if id == nodeID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.currentTokens -= entry.TokenCount
	w.updateGauge()
	return true
}

func (w *Working) utilizationLocked() float64 {
	if w.maxTokens == 0 {
		return 0
	}
	return float64(w.currentTokens) / float64(w.maxTokens) * 100
}

func (w *Working) updateGauge() {
	metrics.WorkingMemoryTokens.WithLabelValues(w.robot).Set(float64(w.currentTokens))
}
