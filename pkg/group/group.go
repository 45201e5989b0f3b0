// Package group coordinates a named set of agents that share one
// long-term store and keep their working memories in lock-step through the
// pub/sub channel. Working memories stay private to each member; the
// coordinator mirrors operations across them and reconciles against the
// database, which remains the source of truth.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agentstack/htm/pkg/agent"
	"github.com/agentstack/htm/pkg/breaker"
	"github.com/agentstack/htm/pkg/config"
	"github.com/agentstack/htm/pkg/database"
	"github.com/agentstack/htm/pkg/events"
	"github.com/agentstack/htm/pkg/memory"
	"github.com/agentstack/htm/pkg/models"
)

// Role marks a member as serving or standing by.
type Role string

// Member roles.
const (
	RoleActive  Role = "active"
	RolePassive Role = "passive"
)

var (
	// ErrNoActiveMember is returned when an operation needs an active
	// member and none exists.
	ErrNoActiveMember = errors.New("group has no active member")

	// ErrLastActive is returned when demoting or removing would leave the
	// group without an active member.
	ErrLastActive = errors.New("cannot demote the last active member")

	// ErrMemberNotFound is returned for operations on unknown members.
	ErrMemberNotFound = errors.New("member not found")

	// ErrMemberExists is returned when adding a duplicate member name.
	ErrMemberExists = errors.New("member already exists")
)

// Member pairs an agent with its role.
type Member struct {
	Name  string
	Agent *agent.HTM
	Role  Role
}

// MemberStatus is one row of a coordinator status report.
type MemberStatus struct {
	Name            string  `json:"name"`
	Role            Role    `json:"role"`
	RobotID         int64   `json:"robot_id"`
	NodeCount       int     `json:"node_count"`
	TokenCount      int     `json:"token_count"`
	UtilizationPerc float64 `json:"utilization_percentage"`
}

// Status is a coordinator snapshot.
type Status struct {
	Group         string         `json:"group"`
	Channel       string         `json:"channel"`
	Members       []MemberStatus `json:"members"`
	Notifications int64          `json:"notifications_received"`
}

// Coordinator owns the group channel and the shared store, and manages
// member lifecycle, failover, and cross-member synchronisation.
type Coordinator struct {
	name     string
	cfg      *config.Config
	store    *database.Store
	channel  *events.Channel
	breakers *breaker.Registry

	mu      sync.RWMutex
	members []*Member

	memberOpts []agent.Option
	ownsStore  bool
}

// NewCoordinator opens the shared store (unless one is supplied), creates
// the group channel, starts its listener, and registers the mirror
// callback. memberOpts are applied to every agent the coordinator builds
// (custom callables, job backends).
func NewCoordinator(ctx context.Context, cfg *config.Config, groupName string, store *database.Store, memberOpts ...agent.Option) (*Coordinator, error) {
	if groupName == "" {
		return nil, fmt.Errorf("%w: empty group name", memory.ErrInvalidInput)
	}

	ownsStore := false
	if store == nil {
		var err error
		store, err = database.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		ownsStore = true
	}

	c := &Coordinator{
		name:       groupName,
		cfg:        cfg,
		store:      store,
		memberOpts: memberOpts,
		ownsStore:  ownsStore,
		breakers: breaker.NewRegistry(func(name string) *breaker.Breaker {
			return breaker.New(name, cfg.Breaker)
		}),
	}

	c.channel = events.NewChannel(store.Pool(), store.ConnString(), groupName)
	c.channel.OnChange(c.mirror)
	if err := c.channel.Start(ctx); err != nil {
		if ownsStore {
			store.Close()
		}
		return nil, err
	}

	slog.Info("Group coordinator started", "group", groupName, "channel", c.channel.Name())
	return c, nil
}

// Name returns the group name.
func (c *Coordinator) Name() string { return c.name }

// Channel returns the group's pub/sub channel.
func (c *Coordinator) Channel() *events.Channel { return c.channel }

// AddActive creates an agent for name and adds it as an active member.
func (c *Coordinator) AddActive(ctx context.Context, name string) (*agent.HTM, error) {
	return c.add(ctx, name, RoleActive)
}

// AddPassive creates an agent for name and adds it as a passive member.
func (c *Coordinator) AddPassive(ctx context.Context, name string) (*agent.HTM, error) {
	return c.add(ctx, name, RolePassive)
}

func (c *Coordinator) add(ctx context.Context, name string, role Role) (*agent.HTM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.findLocked(name) != nil {
		return nil, fmt.Errorf("%w: %s", ErrMemberExists, name)
	}

	opts := append([]agent.Option{
		agent.WithRobotName(name),
		agent.WithStore(c.store),
		agent.WithChannel(c.channel),
		agent.WithBreakers(c.breakers),
	}, c.memberOpts...)
	member, err := agent.New(ctx, c.cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("create member %s: %w", name, err)
	}

	c.members = append(c.members, &Member{Name: name, Agent: member, Role: role})
	slog.Info("Group member added", "group", c.name, "member", name, "role", role)
	return member, nil
}

// Remove shuts a member down and drops it. Removing the last active
// member fails while other members remain.
func (c *Coordinator) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, m := range c.members {
		if m.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, name)
	}
	if c.members[idx].Role == RoleActive && c.activeCountLocked() == 1 && len(c.members) > 1 {
		return fmt.Errorf("%w: remove the passives first or promote one", ErrLastActive)
	}

	member := c.members[idx]
	c.members = append(c.members[:idx], c.members[idx+1:]...)
	member.Agent.Shutdown(ctx)
	slog.Info("Group member removed", "group", c.name, "member", name)
	return nil
}

// Promote makes a passive member active.
func (c *Coordinator) Promote(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.findLocked(name)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, name)
	}
	m.Role = RoleActive
	slog.Info("Group member promoted", "group", c.name, "member", name)
	return nil
}

// Demote makes an active member passive. Demoting the last active member
// fails: the group invariant requires at least one active member.
func (c *Coordinator) Demote(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.findLocked(name)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, name)
	}
	if m.Role == RoleActive && c.activeCountLocked() == 1 {
		return ErrLastActive
	}
	m.Role = RolePassive
	slog.Info("Group member demoted", "group", c.name, "member", name)
	return nil
}

// Failover promotes the first passive member and demotes every currently
// active one. Fails when no passive member exists.
func (c *Coordinator) Failover() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first *Member
	for _, m := range c.members {
		if m.Role == RolePassive {
			first = m
			break
		}
	}
	if first == nil {
		return fmt.Errorf("%w: no passive member to promote", ErrMemberNotFound)
	}

	for _, m := range c.members {
		if m.Role == RoleActive {
			m.Role = RolePassive
		}
	}
	first.Role = RoleActive
	slog.Info("Group failover", "group", c.name, "promoted", first.Name)
	return nil
}

// Remember delegates to the first active member.
func (c *Coordinator) Remember(ctx context.Context, content string, opts agent.RememberOptions) (int64, error) {
	active, err := c.firstActive()
	if err != nil {
		return 0, err
	}
	return active.Remember(ctx, content, opts)
}

// Recall delegates to the first active member.
func (c *Coordinator) Recall(ctx context.Context, query string, opts agent.RecallOptions) ([]models.SearchResult, error) {
	active, err := c.firstActive()
	if err != nil {
		return nil, err
	}
	return active.Recall(ctx, query, opts)
}

// ClearWorkingMemory empties every member's working memory, flips the
// corresponding edges in one batch per member, and publishes a single
// cleared notification.
func (c *Coordinator) ClearWorkingMemory(ctx context.Context) error {
	c.mu.RLock()
	members := append([]*Member(nil), c.members...)
	c.mu.RUnlock()

	var firstErr error
	var announcer *agent.HTM
	for _, m := range members {
		if announcer == nil {
			announcer = m.Agent
		}
		cleared := m.Agent.WorkingMemory().Clear()
		if len(cleared) == 0 {
			continue
		}
		ids := make([]int64, len(cleared))
		for i, e := range cleared {
			ids[i] = e.NodeID
		}
		if err := m.Agent.LongTerm().SetWorkingMemory(ctx, m.Agent.RobotID(), ids, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if announcer != nil {
		if err := c.channel.Notify(ctx, events.EventCleared, nil, announcer.RobotID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TransferWorkingMemory copies src's working memory into dst (evicting in
// dst as needed) and, when clearSource is set, empties src afterwards.
func (c *Coordinator) TransferWorkingMemory(ctx context.Context, src, dst string, clearSource bool) error {
	c.mu.RLock()
	srcM := c.findLocked(src)
	dstM := c.findLocked(dst)
	c.mu.RUnlock()

	if srcM == nil {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, src)
	}
	if dstM == nil {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, dst)
	}

	entries := srcM.Agent.WorkingMemory().Entries()
	for _, e := range entries {
		if _, err := dstM.Agent.WorkingMemory().Add(memory.AddRequest{
			NodeID:       e.NodeID,
			Content:      e.Content,
			TokenCount:   e.TokenCount,
			AccessCount:  e.AccessCount,
			LastAccessed: e.LastAccessed,
			Importance:   e.Importance,
			FromRecall:   true,
		}); err != nil {
			slog.Warn("Transfer skipped oversize entry",
				"group", c.name, "node_id", e.NodeID, "error", err)
			continue
		}
		// The destination may never have remembered this node, so a
		// flag-only update is not enough: link creates the edge when
		// missing and records the hand-off on an existing one.
		if _, err := dstM.Agent.LongTerm().LinkRobotToNode(ctx, dstM.Agent.RobotID(), e.NodeID, true); err != nil {
			return err
		}
	}

	if clearSource {
		cleared := srcM.Agent.WorkingMemory().Clear()
		ids := make([]int64, len(cleared))
		for i, e := range cleared {
			ids[i] = e.NodeID
		}
		if err := srcM.Agent.LongTerm().SetWorkingMemory(ctx, srcM.Agent.RobotID(), ids, false); err != nil {
			return err
		}
	}
	return nil
}

// SyncRobot rebuilds one member's working memory from the database's view
// (the in_working_memory edges), which is authoritative.
func (c *Coordinator) SyncRobot(ctx context.Context, name string) error {
	c.mu.RLock()
	m := c.findLocked(name)
	c.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, name)
	}
	return c.syncMember(ctx, m)
}

// SyncAll reconciles every member against the database. After it returns,
// all members' edges referencing nodes in the shared view have
// in_working_memory set.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	c.mu.RLock()
	members := append([]*Member(nil), c.members...)
	c.mu.RUnlock()

	var firstErr error
	for _, m := range members {
		if err := c.syncMember(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Coordinator) syncMember(ctx context.Context, m *Member) error {
	a := m.Agent
	nodes, err := a.LongTerm().WorkingSet(ctx, a.RobotID())
	if err != nil {
		return fmt.Errorf("load working set for %s: %w", m.Name, err)
	}

	wanted := make(map[int64]struct{}, len(nodes))
	for _, n := range nodes {
		wanted[n.ID] = struct{}{}
	}
	for _, id := range a.WorkingMemory().NodeIDs() {
		if _, ok := wanted[id]; !ok {
			a.WorkingMemory().Remove(id)
		}
	}

	var present []int64
	for _, n := range nodes {
		if _, err := a.WorkingMemory().Add(memory.AddRequest{
			NodeID:       n.ID,
			Content:      n.Content,
			TokenCount:   n.TokenCount,
			AccessCount:  n.AccessCount,
			LastAccessed: n.LastAccess,
			FromRecall:   true,
		}); err != nil {
			slog.Warn("Sync skipped oversize node",
				"group", c.name, "member", m.Name, "node_id", n.ID)
			continue
		}
		present = append(present, n.ID)
	}
	return a.LongTerm().SetWorkingMemory(ctx, a.RobotID(), present, true)
}

// InSync reports whether every member's working memory matches the
// database view.
func (c *Coordinator) InSync(ctx context.Context) (bool, error) {
	c.mu.RLock()
	members := append([]*Member(nil), c.members...)
	c.mu.RUnlock()

	for _, m := range members {
		nodes, err := m.Agent.LongTerm().WorkingSet(ctx, m.Agent.RobotID())
		if err != nil {
			return false, err
		}
		dbIDs := make([]int64, len(nodes))
		for i, n := range nodes {
			dbIDs[i] = n.ID
		}
		wmIDs := m.Agent.WorkingMemory().NodeIDs()
		sort.Slice(dbIDs, func(i, j int) bool { return dbIDs[i] < dbIDs[j] })
		sort.Slice(wmIDs, func(i, j int) bool { return wmIDs[i] < wmIDs[j] })
		if len(dbIDs) != len(wmIDs) {
			return false, nil
		}
		for i := range dbIDs {
			if dbIDs[i] != wmIDs[i] {
				return false, nil
			}
		}
	}
	return true, nil
}

// Status snapshots the group.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		Group:         c.name,
		Channel:       c.channel.Name(),
		Notifications: c.channel.Received(),
	}
	for _, m := range c.members {
		stats := m.Agent.WorkingMemory().Stats()
		s.Members = append(s.Members, MemberStatus{
			Name:            m.Name,
			Role:            m.Role,
			RobotID:         m.Agent.RobotID(),
			NodeCount:       stats.NodeCount,
			TokenCount:      stats.TokenCount,
			UtilizationPerc: stats.Utilization,
		})
	}
	return s
}

// Shutdown stops the channel, shuts every member down, and closes the
// owned store.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if c.ownsStore {
		defer c.store.Close()
	}

	c.mu.Lock()
	members := c.members
	c.members = nil
	c.mu.Unlock()

	for _, m := range members {
		defer m.Agent.Shutdown(ctx)
	}

	c.channel.Stop(ctx)
	slog.Info("Group coordinator shut down", "group", c.name)
}

// mirror applies a peer's working-memory event to local members. Events
// from a member's own robot are skipped (its state already reflects the
// operation). Failures are logged; the next sync reconciles.
func (c *Coordinator) mirror(payload events.Payload) {
	ctx := context.Background()

	c.mu.RLock()
	members := append([]*Member(nil), c.members...)
	c.mu.RUnlock()

	switch payload.Event {
	case events.EventAdded:
		if payload.NodeID == nil {
			return
		}
		for _, m := range members {
			if m.Agent.RobotID() == payload.RobotID {
				continue
			}
			c.mirrorAdd(ctx, m, *payload.NodeID)
		}
	case events.EventEvicted:
		if payload.NodeID == nil {
			return
		}
		for _, m := range members {
			if m.Agent.RobotID() == payload.RobotID {
				continue
			}
			if m.Agent.WorkingMemory().Remove(*payload.NodeID) {
				if err := m.Agent.LongTerm().SetWorkingMemory(ctx, m.Agent.RobotID(), []int64{*payload.NodeID}, false); err != nil {
					slog.Warn("Mirror evict failed", "group", c.name, "member", m.Name, "error", err)
				}
			}
		}
	case events.EventCleared:
		for _, m := range members {
			if m.Agent.RobotID() == payload.RobotID {
				continue
			}
			cleared := m.Agent.WorkingMemory().Clear()
			if len(cleared) == 0 {
				continue
			}
			ids := make([]int64, len(cleared))
			for i, e := range cleared {
				ids[i] = e.NodeID
			}
			if err := m.Agent.LongTerm().SetWorkingMemory(ctx, m.Agent.RobotID(), ids, false); err != nil {
				slog.Warn("Mirror clear failed", "group", c.name, "member", m.Name, "error", err)
			}
		}
	}
}

func (c *Coordinator) mirrorAdd(ctx context.Context, m *Member, nodeID int64) {
	a := m.Agent
	if a.WorkingMemory().Has(nodeID) {
		return
	}
	node, err := a.LongTerm().GetNode(ctx, nodeID, false)
	if err != nil {
		slog.Warn("Mirror add could not load node",
			"group", c.name, "member", m.Name, "node_id", nodeID, "error", err)
		return
	}
	if _, err := a.WorkingMemory().Add(memory.AddRequest{
		NodeID:       node.ID,
		Content:      node.Content,
		TokenCount:   node.TokenCount,
		AccessCount:  node.AccessCount,
		LastAccessed: node.LastAccess,
		FromRecall:   true,
	}); err != nil {
		return
	}
	if err := a.LongTerm().EnsureEdge(ctx, a.RobotID(), nodeID, true); err != nil {
		slog.Warn("Mirror add could not flag edge",
			"group", c.name, "member", m.Name, "node_id", nodeID, "error", err)
	}
}

// firstActive returns the first active member's agent.
func (c *Coordinator) firstActive() (*agent.HTM, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.members {
		if m.Role == RoleActive {
			return m.Agent, nil
		}
	}
	return nil, ErrNoActiveMember
}

// findLocked requires c.mu held (read or write).
func (c *Coordinator) findLocked(name string) *Member {
	for _, m := range c.members {
		if m.Name == name {
			return m
		}
	}
	return nil
}

func (c *Coordinator) activeCountLocked() int {
	n := 0
	for _, m := range c.members {
		if m.Role == RoleActive {
			n++
		}
	}
	return n
}
