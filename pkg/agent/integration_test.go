package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstack/htm/pkg/agent"
	"github.com/agentstack/htm/pkg/config"
	"github.com/agentstack/htm/pkg/llm"
	"github.com/agentstack/htm/pkg/memory"
	"github.com/agentstack/htm/test/util"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Embedding.Dimensions = 4
	cfg.WorkingMemory.MaxTokens = 100
	cfg.Job.Backend = config.JobBackendInline
	return cfg
}

func stubEmbedder() llm.Embedder {
	return llm.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return []float32{0.1, 0.2, 0.3, 0.4}, nil
	})
}

func stubExtractor(out ...string) llm.TagExtractor {
	return llm.TagExtractorFunc(func(context.Context, string, []string) ([]string, error) {
		return out, nil
	})
}

func newTestAgent(t *testing.T, cfg *config.Config, opts ...agent.Option) *agent.HTM {
	t.Helper()
	store, _ := util.SetupTestStore(t)

	base := []agent.Option{
		agent.WithStore(store),
		agent.WithRobotName("atlas"),
		agent.WithEmbedder(stubEmbedder()),
		agent.WithTagExtractor(stubExtractor("database:postgresql")),
	}
	h, err := agent.New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func TestRememberStoresAndEnriches(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	nodeID, err := h.Remember(ctx, "PostgreSQL is great", agent.RememberOptions{})
	require.NoError(t, err)
	require.NotZero(t, nodeID)

	// Inline backend: enrichment has completed before Remember returned.
	node, err := h.LongTerm().GetNode(ctx, nodeID, false)
	require.NoError(t, err)
	assert.Len(t, node.Embedding, 4)

	nodeTags, err := h.LongTerm().NodeTags(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, []string{"database:postgresql"}, nodeTags)

	// The node landed in working memory with its edge flagged.
	assert.True(t, h.WorkingMemory().Has(nodeID))
	edge, err := h.LongTerm().EdgeFor(ctx, h.RobotID(), nodeID)
	require.NoError(t, err)
	assert.True(t, edge.InWorkingMemory)
}

func TestRememberDeduplicates(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	first, err := h.Remember(ctx, "same fact", agent.RememberOptions{})
	require.NoError(t, err)
	second, err := h.Remember(ctx, "same fact", agent.RememberOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	edge, err := h.LongTerm().EdgeFor(ctx, h.RobotID(), first)
	require.NoError(t, err)
	assert.Equal(t, 2, edge.RememberCount)
}

func TestRememberWithExplicitTagsSkipsExtraction(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	nodeID, err := h.Remember(ctx, "tagged directly", agent.RememberOptions{
		Tags: []string{"ops:oncall"},
	})
	require.NoError(t, err)

	nodeTags, err := h.LongTerm().NodeTags(ctx, nodeID)
	require.NoError(t, err)
	// Only the explicit tag: the extractor (which would add
	// database:postgresql) was not invoked.
	assert.Equal(t, []string{"ops:oncall"}, nodeTags)
}

func TestRememberRejectsInvalidExplicitTags(t *testing.T) {
	h := newTestAgent(t, testConfig())

	_, err := h.Remember(context.Background(), "content", agent.RememberOptions{
		Tags: []string{"Not A Tag"},
	})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestRememberEvictsAndKeepsLTM(t *testing.T) {
	cfg := testConfig()
	cfg.WorkingMemory.MaxTokens = 4 // tiny budget: one short fact at a time
	h := newTestAgent(t, cfg)
	ctx := context.Background()

	first, err := h.Remember(ctx, "aa bb", agent.RememberOptions{})
	require.NoError(t, err)
	second, err := h.Remember(ctx, "cc dd", agent.RememberOptions{})
	require.NoError(t, err)

	// The first node was evicted from the hot cache but survives durably.
	assert.False(t, h.WorkingMemory().Has(first))
	assert.True(t, h.WorkingMemory().Has(second))

	node, err := h.LongTerm().GetNode(ctx, first, false)
	require.NoError(t, err)
	assert.Equal(t, "aa bb", node.Content)

	edge, err := h.LongTerm().EdgeFor(ctx, h.RobotID(), first)
	require.NoError(t, err)
	assert.False(t, edge.InWorkingMemory)
}

func TestRecallPromotesIntoWorkingMemory(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	nodeID, err := h.Remember(ctx, "recallable caching fact", agent.RememberOptions{})
	require.NoError(t, err)
	h.WorkingMemory().Remove(nodeID)

	results, err := h.Recall(ctx, "caching", agent.RecallOptions{Strategy: agent.StrategyFulltext})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, nodeID, results[0].ID)

	assert.True(t, h.WorkingMemory().Has(nodeID))
	edge, err := h.LongTerm().EdgeFor(ctx, h.RobotID(), nodeID)
	require.NoError(t, err)
	assert.True(t, edge.InWorkingMemory)
}

func TestRecallRawSkipsPromotion(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	nodeID, err := h.Remember(ctx, "raw recall fact", agent.RememberOptions{})
	require.NoError(t, err)
	h.WorkingMemory().Remove(nodeID)

	_, err = h.Recall(ctx, "raw recall", agent.RecallOptions{
		Strategy: agent.StrategyFulltext,
		Raw:      true,
	})
	require.NoError(t, err)
	assert.False(t, h.WorkingMemory().Has(nodeID))
}

func TestRecallVectorStrategy(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	nodeID, err := h.Remember(ctx, "vector recall fact", agent.RememberOptions{})
	require.NoError(t, err)

	results, err := h.Recall(ctx, "anything", agent.RecallOptions{Strategy: agent.StrategyVector})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, nodeID, results[0].ID)
}

func TestRecallDowngradesOnEmbeddingFailure(t *testing.T) {
	// S6: the embedding callable throws; vector recall downgrades to
	// full-text instead of failing.
	failing := llm.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("provider exploded")
	})
	h := newTestAgent(t, testConfig(), agent.WithEmbedder(failing))
	ctx := context.Background()

	nodeID, err := h.Remember(ctx, "downgrade target fact", agent.RememberOptions{})
	require.NoError(t, err)

	results, err := h.Recall(ctx, "downgrade target", agent.RecallOptions{Strategy: agent.StrategyVector})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, nodeID, results[0].ID)
}

func TestRecallParsesTimeframe(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	_, err := h.Remember(ctx, "timeframed entry about deployments", agent.RememberOptions{})
	require.NoError(t, err)

	// "last week" covers now − 7d .. now, which includes the fresh row;
	// the phrase itself must not poison the full-text match.
	results, err := h.Recall(ctx, "deployments last week", agent.RecallOptions{Strategy: agent.StrategyFulltext})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestForgetSoftAndRestore(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	nodeID, err := h.Remember(ctx, "forgettable fact", agent.RememberOptions{})
	require.NoError(t, err)

	require.NoError(t, h.Forget(ctx, nodeID, agent.ForgetOptions{}))
	assert.False(t, h.WorkingMemory().Has(nodeID))
	_, err = h.Retrieve(ctx, nodeID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, h.Restore(ctx, nodeID))
	node, err := h.Retrieve(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, "forgettable fact", node.Content)
}

func TestForgetHardRequiresSentinel(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	nodeID, err := h.Remember(ctx, "hard forgettable", agent.RememberOptions{})
	require.NoError(t, err)

	// Wrong sentinel: synchronous failure, no side effects.
	err = h.Forget(ctx, nodeID, agent.ForgetOptions{Hard: true, Confirm: "yes please"})
	require.ErrorIs(t, err, memory.ErrInvalidInput)
	_, err = h.Retrieve(ctx, nodeID)
	require.NoError(t, err)

	require.NoError(t, h.Forget(ctx, nodeID, agent.ForgetOptions{Hard: true, Confirm: agent.Confirmed}))
	_, err = h.LongTerm().GetNode(ctx, nodeID, true)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestAssembleContext(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	_, err := h.Remember(ctx, "alpha fact", agent.RememberOptions{})
	require.NoError(t, err)
	_, err = h.Remember(ctx, "beta fact", agent.RememberOptions{})
	require.NoError(t, err)

	out := h.AssembleContext(memory.StrategyRecent, 0)
	assert.Contains(t, out, "alpha fact")
	assert.Contains(t, out, "beta fact")
}

func TestStatusSnapshot(t *testing.T) {
	h := newTestAgent(t, testConfig())
	ctx := context.Background()

	_, err := h.Remember(ctx, "status fixture fact", agent.RememberOptions{})
	require.NoError(t, err)

	status, err := h.Status(ctx)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(status.Version, "htm/"), "got %q", status.Version)
	assert.Equal(t, "atlas", status.Robot)
	assert.Equal(t, h.RobotID(), status.RobotID)
	assert.Equal(t, 1, status.WorkingMemory.NodeCount)
	require.NotNil(t, status.Database)
	assert.Equal(t, "healthy", status.Database.Status)
	assert.Positive(t, status.Database.TotalConns)
}

func TestShutdownIdempotent(t *testing.T) {
	h := newTestAgent(t, testConfig())
	h.Shutdown(context.Background())
	h.Shutdown(context.Background())
}
