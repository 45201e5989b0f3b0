package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentstack/htm/pkg/breaker"
	"github.com/agentstack/htm/pkg/events"
	"github.com/agentstack/htm/pkg/jobs"
	"github.com/agentstack/htm/pkg/memory"
	"github.com/agentstack/htm/pkg/metrics"
	"github.com/agentstack/htm/pkg/models"
	"github.com/agentstack/htm/pkg/tags"
	"github.com/agentstack/htm/pkg/timeframe"
)

// Strategy selects the recall search method.
type Strategy string

// Recall strategies.
const (
	StrategyVector    Strategy = "vector"
	StrategyFulltext  Strategy = "fulltext"
	StrategyHybrid    Strategy = "hybrid"
	StrategyRelevance Strategy = "relevance"
)

// RememberOptions carries the optional remember parameters.
type RememberOptions struct {
	Metadata map[string]any
	// Tags, when supplied, are persisted directly (after validation) and
	// the tag extraction job is skipped.
	Tags []string
}

// RecallOptions carries the optional recall parameters.
type RecallOptions struct {
	// Timeframe overrides the interval parsed out of the query text.
	Timeframe *timeframe.Interval
	Limit     int
	Strategy  Strategy
	Metadata  map[string]any
	// Raw skips working-memory promotion and event publication, returning
	// store rows untouched. Used by group synchronisation.
	Raw bool
}

// ForgetOptions carries the optional forget parameters. The zero value is
// a soft delete.
type ForgetOptions struct {
	Hard bool
	// Confirm must equal Confirmed for a hard delete.
	Confirm string
}

// Remember validates and stores content, places it in working memory
// (possibly evicting), enqueues enrichment, and publishes the added event.
// Enrichment failures never escape: they are logged and the node is
// enriched later.
func (h *HTM) Remember(ctx context.Context, content string, opts RememberOptions) (int64, error) {
	tokenCount := h.counter.CountTokens(content)

	explicitTags := tags.Normalize(opts.Tags)
	if len(opts.Tags) > 0 && len(explicitTags) == 0 {
		return 0, errInvalid("no valid tags among %v", opts.Tags)
	}

	result, err := h.ltm.Add(ctx, content, tokenCount, h.robot.ID, nil, opts.Metadata)
	if err != nil {
		return 0, err
	}
	nodeID := result.NodeID

	evicted, err := h.wm.Add(memory.AddRequest{
		NodeID:     nodeID,
		Content:    content,
		TokenCount: tokenCount,
	})
	if err != nil {
		// The node is durably stored; an oversize entry just stays out of
		// the hot cache.
		slog.Warn("Node too large for working memory",
			"robot", h.robot.Name, "node_id", nodeID, "tokens", tokenCount)
	} else {
		h.markEvictions(ctx, evicted)
		if err := h.ltm.SetWorkingMemory(ctx, h.robot.ID, []int64{nodeID}, true); err != nil {
			slog.Warn("Failed to flag working-memory edge",
				"robot", h.robot.Name, "node_id", nodeID, "error", err)
		}
	}

	if len(explicitTags) > 0 {
		if err := h.ltm.InsertTags(ctx, nodeID, explicitTags); err != nil {
			return 0, err
		}
	}

	h.enqueue(ctx, jobs.NewJob(jobs.KindEmbedding, nodeID))
	if len(explicitTags) == 0 {
		h.enqueue(ctx, jobs.NewJob(jobs.KindTags, nodeID))
	}

	h.publish(ctx, events.EventAdded, &nodeID)
	h.touchRobot(ctx)
	return nodeID, nil
}

// Recall parses any temporal phrase out of the query, runs the selected
// search, promotes hits into working memory, and returns them. When the
// embedding step fails (other than a breaker rejection or timeout) the
// strategy downgrades to full-text and the downgrade is recorded.
func (h *HTM) Recall(ctx context.Context, query string, opts RecallOptions) ([]models.SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyVector
	}

	cleaned := query
	interval := opts.Timeframe
	if interval == nil {
		parsed := timeframe.Extract(query, time.Now())
		cleaned = parsed.CleanedQuery
		interval = parsed.Interval
	}

	results, usedStrategy, err := h.search(ctx, strategy, interval, cleaned, limit, opts.Metadata)
	if err != nil {
		return nil, err
	}

	if !opts.Raw {
		h.promote(ctx, results)
	}

	nodeIDs := make([]int64, len(results))
	for i, r := range results {
		nodeIDs[i] = r.ID
	}
	if err := h.ltm.LogOperation(ctx, models.OpRecall, nil, &h.robot.ID, map[string]any{
		"query":    query,
		"strategy": string(usedStrategy),
		"results":  len(nodeIDs),
	}); err != nil {
		slog.Warn("Failed to log recall", "robot", h.robot.Name, "error", err)
	}
	h.touchRobot(ctx)
	return results, nil
}

// search dispatches to the long-term search method for the strategy,
// downgrading to full-text when query embedding fails.
func (h *HTM) search(ctx context.Context, strategy Strategy, interval *timeframe.Interval, query string, limit int, metadata map[string]any) ([]models.SearchResult, Strategy, error) {
	switch strategy {
	case StrategyFulltext:
		results, err := h.ltm.SearchFulltext(ctx, interval, query, limit, metadata)
		return results, StrategyFulltext, err

	case StrategyHybrid:
		embedding, err := h.ltm.EmbedQuery(ctx, query)
		if err != nil {
			return h.downgrade(ctx, strategy, interval, query, limit, metadata, err)
		}
		results, err := h.ltm.SearchHybrid(ctx, interval, query, limit, embedding, 0, metadata)
		return results, StrategyHybrid, err

	case StrategyRelevance:
		queryTags, err := h.ltm.FindQueryMatchingTags(ctx, query)
		if err != nil {
			return nil, strategy, err
		}
		results, err := h.ltm.SearchWithRelevance(ctx, interval, query, queryTags, limit, metadata)
		if err != nil {
			return h.downgrade(ctx, strategy, interval, query, limit, metadata, err)
		}
		return results, StrategyRelevance, nil

	case StrategyVector:
		results, err := h.ltm.Search(ctx, interval, query, limit, metadata)
		if err != nil {
			return h.downgrade(ctx, strategy, interval, query, limit, metadata, err)
		}
		return results, StrategyVector, nil

	default:
		return nil, strategy, errInvalid("unknown recall strategy %q", strategy)
	}
}

// downgrade falls back to full-text when the failure was the embedding
// callable. Breaker rejections and timeouts propagate unchanged.
func (h *HTM) downgrade(ctx context.Context, from Strategy, interval *timeframe.Interval, query string, limit int, metadata map[string]any, cause error) ([]models.SearchResult, Strategy, error) {
	if !errors.Is(cause, memory.ErrEmbedding) || errors.Is(cause, breaker.ErrOpen) {
		return nil, from, cause
	}
	metrics.RecallDowngrades.Inc()
	slog.Warn("Recall downgraded to full-text",
		"robot", h.robot.Name, "from", from, "error", cause)
	results, err := h.ltm.SearchFulltext(ctx, interval, query, limit, metadata)
	return results, StrategyFulltext, err
}

// promote moves recall hits into working memory, flips their edges, tracks
// access, and publishes one added event per promoted node.
func (h *HTM) promote(ctx context.Context, results []models.SearchResult) {
	var promoted []int64
	for _, r := range results {
		evicted, err := h.wm.Add(memory.AddRequest{
			NodeID:       r.ID,
			Content:      r.Content,
			TokenCount:   r.TokenCount,
			AccessCount:  r.AccessCount,
			LastAccessed: r.LastAccess,
			FromRecall:   true,
		})
		if err != nil {
			slog.Debug("Recall hit too large for working memory",
				"robot", h.robot.Name, "node_id", r.ID)
			continue
		}
		h.markEvictions(ctx, evicted)
		promoted = append(promoted, r.ID)
	}
	if len(promoted) == 0 {
		return
	}

	if err := h.ltm.SetWorkingMemory(ctx, h.robot.ID, promoted, true); err != nil {
		slog.Warn("Failed to flag promoted edges", "robot", h.robot.Name, "error", err)
	}
	if err := h.ltm.TrackAccess(ctx, promoted); err != nil {
		slog.Warn("Failed to track access", "robot", h.robot.Name, "error", err)
	}
	for _, id := range promoted {
		nodeID := id
		h.publish(ctx, events.EventAdded, &nodeID)
	}
}

// Retrieve returns one node by id, touching its access statistics.
func (h *HTM) Retrieve(ctx context.Context, nodeID int64) (*models.Node, error) {
	node, err := h.ltm.Retrieve(ctx, nodeID, false)
	if err != nil {
		return nil, err
	}
	h.touchRobot(ctx)
	return node, nil
}

// Forget removes a node from long-term memory. The default is a
// restorable soft delete; a hard delete requires the Confirmed sentinel
// and fails synchronously, with no side effects, without it.
func (h *HTM) Forget(ctx context.Context, nodeID int64, opts ForgetOptions) error {
	if opts.Hard && opts.Confirm != Confirmed {
		return errInvalid("hard delete requires confirm=%q", Confirmed)
	}

	if err := h.ltm.Delete(ctx, nodeID, !opts.Hard, &h.robot.ID); err != nil {
		return err
	}
	h.wm.Remove(nodeID)
	h.touchRobot(ctx)
	return nil
}

// Restore clears a node's soft-delete marker.
func (h *HTM) Restore(ctx context.Context, nodeID int64) error {
	if err := h.ltm.Restore(ctx, nodeID, &h.robot.ID); err != nil {
		return err
	}
	h.touchRobot(ctx)
	return nil
}

// AssembleContext renders working memory under the strategy, bounded by
// maxTokens (0 means the working-memory budget).
func (h *HTM) AssembleContext(strategy memory.ContextStrategy, maxTokens int) string {
	return h.wm.AssembleContext(strategy, maxTokens)
}

func (h *HTM) enqueue(ctx context.Context, job jobs.Job) {
	if err := h.backend.Submit(ctx, job); err != nil {
		slog.Error("Enrichment submission failed",
			"robot", h.robot.Name, "job_id", job.ID, "kind", job.Kind, "error", err)
	}
}

func (h *HTM) touchRobot(ctx context.Context) {
	if err := h.ltm.TouchRobot(ctx, h.robot.ID); err != nil {
		slog.Debug("Failed to touch robot", "robot", h.robot.Name, "error", err)
	}
}
