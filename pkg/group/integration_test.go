package group_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstack/htm/pkg/agent"
	"github.com/agentstack/htm/pkg/config"
	"github.com/agentstack/htm/pkg/group"
	"github.com/agentstack/htm/pkg/llm"
	"github.com/agentstack/htm/test/util"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Embedding.Dimensions = 4
	cfg.WorkingMemory.MaxTokens = 200
	cfg.Job.Backend = config.JobBackendInline
	return cfg
}

func newTestCoordinator(t *testing.T, name string) *group.Coordinator {
	t.Helper()
	store, _ := util.SetupTestStore(t)

	stubEmbedder := llm.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return []float32{0.1, 0.2, 0.3, 0.4}, nil
	})
	stubExtractor := llm.TagExtractorFunc(func(context.Context, string, []string) ([]string, error) {
		return []string{"misc"}, nil
	})

	c, err := group.NewCoordinator(context.Background(), testConfig(), name, store,
		agent.WithEmbedder(stubEmbedder),
		agent.WithTagExtractor(stubExtractor),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestMembershipLifecycle(t *testing.T) {
	c := newTestCoordinator(t, "lifecycle")
	ctx := context.Background()

	_, err := c.AddActive(ctx, "leader")
	require.NoError(t, err)
	_, err = c.AddPassive(ctx, "standby")
	require.NoError(t, err)

	_, err = c.AddActive(ctx, "leader")
	assert.ErrorIs(t, err, group.ErrMemberExists)

	status := c.Status()
	assert.Equal(t, "lifecycle", status.Group)
	require.Len(t, status.Members, 2)
	assert.Equal(t, group.RoleActive, status.Members[0].Role)
	assert.Equal(t, group.RolePassive, status.Members[1].Role)
}

func TestDemoteLastActiveFails(t *testing.T) {
	c := newTestCoordinator(t, "demote")
	ctx := context.Background()

	_, err := c.AddActive(ctx, "leader")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Demote("leader"), group.ErrLastActive)

	_, err = c.AddPassive(ctx, "standby")
	require.NoError(t, err)
	require.NoError(t, c.Promote("standby"))
	assert.NoError(t, c.Demote("leader"))
}

func TestFailoverPromotesFirstPassive(t *testing.T) {
	c := newTestCoordinator(t, "failover")
	ctx := context.Background()

	_, err := c.AddActive(ctx, "leader")
	require.NoError(t, err)
	_, err = c.AddPassive(ctx, "standby-1")
	require.NoError(t, err)
	_, err = c.AddPassive(ctx, "standby-2")
	require.NoError(t, err)

	require.NoError(t, c.Failover())

	status := c.Status()
	roles := map[string]group.Role{}
	for _, m := range status.Members {
		roles[m.Name] = m.Role
	}
	assert.Equal(t, group.RolePassive, roles["leader"])
	assert.Equal(t, group.RoleActive, roles["standby-1"])
	assert.Equal(t, group.RolePassive, roles["standby-2"])
}

func TestFailoverWithoutPassiveFails(t *testing.T) {
	c := newTestCoordinator(t, "nofailover")
	_, err := c.AddActive(context.Background(), "leader")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Failover(), group.ErrMemberNotFound)
}

func TestDelegationRequiresActiveMember(t *testing.T) {
	c := newTestCoordinator(t, "empty")

	_, err := c.Remember(context.Background(), "content", agent.RememberOptions{})
	assert.ErrorIs(t, err, group.ErrNoActiveMember)
	_, err = c.Recall(context.Background(), "query", agent.RecallOptions{})
	assert.ErrorIs(t, err, group.ErrNoActiveMember)
}

func TestRememberMirrorsAcrossMembers(t *testing.T) {
	c := newTestCoordinator(t, "mirroring")
	ctx := context.Background()

	leader, err := c.AddActive(ctx, "leader")
	require.NoError(t, err)
	follower, err := c.AddPassive(ctx, "follower")
	require.NoError(t, err)

	nodeID, err := c.Remember(ctx, "a shared memory", agent.RememberOptions{
		Tags: []string{"shared"},
	})
	require.NoError(t, err)

	assert.True(t, leader.WorkingMemory().Has(nodeID))
	// The follower converges through the added event.
	waitFor(t, 5*time.Second, func() bool {
		return follower.WorkingMemory().Has(nodeID)
	})

	// The edge flag lands just after the in-process add; poll for full
	// convergence rather than racing it.
	waitFor(t, 5*time.Second, func() bool {
		inSync, err := c.InSync(ctx)
		return err == nil && inSync
	})
}

func TestClearWorkingMemory(t *testing.T) {
	c := newTestCoordinator(t, "clearing")
	ctx := context.Background()

	leader, err := c.AddActive(ctx, "leader")
	require.NoError(t, err)

	nodeID, err := c.Remember(ctx, "to be cleared", agent.RememberOptions{Tags: []string{"x"}})
	require.NoError(t, err)
	require.True(t, leader.WorkingMemory().Has(nodeID))

	require.NoError(t, c.ClearWorkingMemory(ctx))
	assert.False(t, leader.WorkingMemory().Has(nodeID))

	set, err := leader.LongTerm().WorkingSet(ctx, leader.RobotID())
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestTransferWorkingMemory(t *testing.T) {
	c := newTestCoordinator(t, "transfer")
	ctx := context.Background()

	src, err := c.AddActive(ctx, "src")
	require.NoError(t, err)
	dst, err := c.AddPassive(ctx, "dst")
	require.NoError(t, err)

	nodeID, err := c.Remember(ctx, "cargo", agent.RememberOptions{Tags: []string{"cargo"}})
	require.NoError(t, err)

	// Let the mirror settle so src/dst state is deterministic, then wipe
	// dst to make the transfer observable.
	waitFor(t, 5*time.Second, func() bool { return dst.WorkingMemory().Has(nodeID) })
	dst.WorkingMemory().Remove(nodeID)

	require.NoError(t, c.TransferWorkingMemory(ctx, "src", "dst", true))

	assert.True(t, dst.WorkingMemory().Has(nodeID))
	assert.False(t, src.WorkingMemory().Has(nodeID))

	edge, err := dst.LongTerm().EdgeFor(ctx, dst.RobotID(), nodeID)
	require.NoError(t, err)
	assert.True(t, edge.InWorkingMemory)
}

func TestSyncRobotReconcilesAgainstDatabase(t *testing.T) {
	c := newTestCoordinator(t, "syncing")
	ctx := context.Background()

	leader, err := c.AddActive(ctx, "leader")
	require.NoError(t, err)

	nodeID, err := c.Remember(ctx, "sync target", agent.RememberOptions{Tags: []string{"sync"}})
	require.NoError(t, err)

	// Simulate a missed event: local working memory lost the entry while
	// the database still records it as hot.
	leader.WorkingMemory().Remove(nodeID)
	inSync, err := c.InSync(ctx)
	require.NoError(t, err)
	require.False(t, inSync)

	require.NoError(t, c.SyncRobot(ctx, "leader"))
	assert.True(t, leader.WorkingMemory().Has(nodeID))

	inSync, err = c.InSync(ctx)
	require.NoError(t, err)
	assert.True(t, inSync)
}

func TestRemoveLastActiveGuard(t *testing.T) {
	c := newTestCoordinator(t, "removal")
	ctx := context.Background()

	_, err := c.AddActive(ctx, "leader")
	require.NoError(t, err)
	_, err = c.AddPassive(ctx, "standby")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Remove(ctx, "leader"), group.ErrLastActive)
	require.NoError(t, c.Remove(ctx, "standby"))
	// Now the sole member may leave.
	assert.NoError(t, c.Remove(ctx, "leader"))
}

func TestUnknownMemberOperations(t *testing.T) {
	c := newTestCoordinator(t, "unknown")

	assert.ErrorIs(t, c.Promote("ghost"), group.ErrMemberNotFound)
	assert.ErrorIs(t, c.Demote("ghost"), group.ErrMemberNotFound)
	assert.ErrorIs(t, c.Remove(context.Background(), "ghost"), group.ErrMemberNotFound)
	assert.ErrorIs(t, c.SyncRobot(context.Background(), "ghost"), group.ErrMemberNotFound)
	assert.ErrorIs(t, c.TransferWorkingMemory(context.Background(), "ghost", "ghost", false),
		group.ErrMemberNotFound)
}
