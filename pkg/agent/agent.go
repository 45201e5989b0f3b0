// Package agent provides the orchestrator: the public façade binding one
// robot identity to a private working memory and the shared long-term
// store.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/agentstack/htm/pkg/breaker"
	"github.com/agentstack/htm/pkg/cache"
	"github.com/agentstack/htm/pkg/config"
	"github.com/agentstack/htm/pkg/database"
	"github.com/agentstack/htm/pkg/events"
	"github.com/agentstack/htm/pkg/jobs"
	"github.com/agentstack/htm/pkg/llm"
	"github.com/agentstack/htm/pkg/memory"
	"github.com/agentstack/htm/pkg/models"
	"github.com/agentstack/htm/pkg/tags"
	"github.com/agentstack/htm/pkg/version"
)

// Confirmed is the sentinel a caller must pass to authorise a hard delete.
const Confirmed = "CONFIRMED"

// HTM binds one robot to one working memory and the shared long-term
// memory. All methods are safe for concurrent use.
type HTM struct {
	cfg      *config.Config
	robot    *models.Robot
	ltm      *memory.LongTerm
	wm       *memory.Working
	counter  llm.TokenCounter
	backend  jobs.Backend
	channel  *events.Channel
	breakers *breaker.Registry

	ownsStore   bool
	ownsChannel bool
	closed      atomic.Bool
}

// Option customises construction.
type Option func(*options)

type options struct {
	robotName string
	store     *database.Store
	channel   *events.Channel
	group     string
	embedder  llm.Embedder
	extractor llm.TagExtractor
	counter   llm.TokenCounter
	backend   jobs.Backend
	breakers  *breaker.Registry
}

// WithRobotName names the robot identity. Defaults to "default".
func WithRobotName(name string) Option {
	return func(o *options) { o.robotName = name }
}

// WithStore shares an existing store instead of opening a new pool. The
// caller keeps ownership; Shutdown will not close it.
func WithStore(store *database.Store) Option {
	return func(o *options) { o.store = store }
}

// WithChannel shares an existing pub/sub channel. The caller keeps
// ownership; Shutdown will not stop it.
func WithChannel(ch *events.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// WithGroup creates and owns a channel for the named group. Shutdown stops
// it.
func WithGroup(name string) Option {
	return func(o *options) { o.group = name }
}

// WithEmbedder supplies a custom embedding callable.
func WithEmbedder(e llm.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithTagExtractor supplies a custom tag extraction callable.
func WithTagExtractor(e llm.TagExtractor) Option {
	return func(o *options) { o.extractor = e }
}

// WithTokenCounter supplies a custom token counter.
func WithTokenCounter(c llm.TokenCounter) Option {
	return func(o *options) { o.counter = c }
}

// WithJobBackend supplies a custom job backend.
func WithJobBackend(b jobs.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithBreakers shares a breaker registry across orchestrators. Breakers
// are singleton per service name within a registry, so sharing one makes
// an outage observed by one agent protect them all.
func WithBreakers(r *breaker.Registry) Option {
	return func(o *options) { o.breakers = r }
}

// New constructs an orchestrator: it opens (or adopts) the store, wires
// the callables behind circuit breakers, registers the robot, and starts
// the job backend and the group channel when one is requested.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*HTM, error) {
	o := &options{robotName: "default"}
	for _, opt := range opts {
		opt(o)
	}

	h := &HTM{cfg: cfg}

	store := o.store
	if store == nil {
		var err error
		store, err = database.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		h.ownsStore = true
	}

	cleanup := func() {
		if h.ownsStore {
			store.Close()
		}
	}

	h.breakers = o.breakers
	if h.breakers == nil {
		h.breakers = breaker.NewRegistry(func(name string) *breaker.Breaker {
			return breaker.New(name, cfg.Breaker)
		})
	}

	rawEmbedder := o.embedder
	if rawEmbedder == nil {
		var err error
		rawEmbedder, err = llm.NewEmbedder(cfg.Embedding)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	extractor := o.extractor
	if extractor == nil {
		var err error
		extractor, err = llm.NewTagExtractor(cfg.Tag)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	h.counter = o.counter
	if h.counter == nil {
		h.counter = llm.WordCounter{}
	}

	// The long-term memory sees the embedder through the breaker so query
	// embedding is gated; the job runner gets the raw embedder and applies
	// the same breaker itself (avoiding nested executions).
	gated := gatedEmbedder{
		inner: rawEmbedder,
		br:    h.breakers.Get(breaker.ServiceEmbedding),
	}
	qc := cache.New(cfg.Cache.Size, cfg.Cache.TTL())
	h.ltm = memory.NewLongTerm(store, qc, gated, cfg)

	tagService := tags.NewService(extractor, h.breakers.Get(breaker.ServiceTags))
	runner := jobs.NewRunner(h.ltm, rawEmbedder, tagService, h.breakers)

	h.backend = o.backend
	if h.backend == nil {
		var err error
		h.backend, err = newBackend(cfg.Job, runner)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	h.backend.Start(ctx)

	robot, err := h.ltm.RegisterRobot(ctx, o.robotName)
	if err != nil {
		h.backend.Stop()
		cleanup()
		return nil, err
	}
	h.robot = robot

	h.wm = memory.NewWorking(cfg.WorkingMemory.MaxTokens, memory.WithRobotLabel(robot.Name))

	h.channel = o.channel
	if h.channel == nil && o.group != "" {
		h.channel = events.NewChannel(store.Pool(), store.ConnString(), o.group)
		if err := h.channel.Start(ctx); err != nil {
			h.backend.Stop()
			cleanup()
			return nil, err
		}
		h.ownsChannel = true
	}

	slog.Info("Orchestrator ready",
		"version", version.String(),
		"robot", robot.Name, "robot_id", robot.ID, "job_backend", cfg.Job.Backend)
	return h, nil
}

func newBackend(cfg config.JobConfig, runner *jobs.Runner) (jobs.Backend, error) {
	switch cfg.Backend {
	case config.JobBackendInline:
		return jobs.NewInline(runner), nil
	case config.JobBackendThread:
		return jobs.NewPool(runner, cfg.Workers), nil
	case config.JobBackendExternal:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse job redis_url: %w", err)
		}
		return jobs.NewExternal(redis.NewClient(redisOpts), cfg.Queue), nil
	default:
		return nil, fmt.Errorf("unknown job backend %q", cfg.Backend)
	}
}

// gatedEmbedder runs the embedding callable through the shared breaker.
type gatedEmbedder struct {
	inner llm.Embedder
	br    *breaker.Breaker
}

// Embed implements llm.Embedder.
func (g gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := g.br.Execute(func() (any, error) {
		return g.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	vec, _ := out.([]float32)
	return vec, nil
}

// RobotID returns the bound robot's id.
func (h *HTM) RobotID() int64 { return h.robot.ID }

// RobotName returns the bound robot's name.
func (h *HTM) RobotName() string { return h.robot.Name }

// WorkingMemory exposes the private working memory (read/observe only for
// external callers; mutations go through the orchestrator).
func (h *HTM) WorkingMemory() *memory.Working { return h.wm }

// LongTerm exposes the shared long-term memory.
func (h *HTM) LongTerm() *memory.LongTerm { return h.ltm }

// Channel returns the pub/sub channel, or nil when ungrouped.
func (h *HTM) Channel() *events.Channel { return h.channel }

// Breakers exposes the circuit breaker registry.
func (h *HTM) Breakers() *breaker.Registry { return h.breakers }

// Status is an orchestrator health snapshot: build identity, the bound
// robot, working-memory and cache usage, breaker states, and database
// connectivity.
type Status struct {
	Version       string                 `json:"version"`
	Robot         string                 `json:"robot"`
	RobotID       int64                  `json:"robot_id"`
	WorkingMemory memory.WorkingStats    `json:"working_memory"`
	Cache         cache.Stats            `json:"cache"`
	Breakers      []breaker.Stats        `json:"breakers"`
	Database      *database.HealthStatus `json:"database"`
}

// Status pings the database and assembles the snapshot. The returned
// status is populated even when the ping fails; the error reports why the
// database is unhealthy.
func (h *HTM) Status(ctx context.Context) (*Status, error) {
	dbHealth, err := h.ltm.Store().Health(ctx)
	return &Status{
		Version:       version.String(),
		Robot:         h.robot.Name,
		RobotID:       h.robot.ID,
		WorkingMemory: h.wm.Stats(),
		Cache:         h.ltm.Cache().Stats(),
		Breakers:      h.breakers.Stats(),
		Database:      dbHealth,
	}, err
}

// Shutdown stops the job backend, the owned channel, and the owned store.
// Idempotent.
func (h *HTM) Shutdown(ctx context.Context) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	if h.ownsStore {
		defer h.ltm.Store().Close()
	}
	if h.ownsChannel && h.channel != nil {
		defer h.channel.Stop(ctx)
	}
	h.backend.Stop()
	slog.Info("Orchestrator shut down", "robot", h.robot.Name)
}

// publish emits a working-memory event; failures are logged, never
// propagated — the database remains the source of truth.
func (h *HTM) publish(ctx context.Context, event events.Event, nodeID *int64) {
	if h.channel == nil {
		return
	}
	if err := h.channel.Notify(ctx, event, nodeID, h.robot.ID); err != nil {
		slog.Warn("Failed to publish working-memory event",
			"event", event, "robot", h.robot.Name, "error", err)
	}
}

// markEvictions flips edges and publishes one evicted event per entry.
func (h *HTM) markEvictions(ctx context.Context, evicted []memory.Entry) {
	if len(evicted) == 0 {
		return
	}
	ids := make([]int64, len(evicted))
	for i, e := range evicted {
		ids[i] = e.NodeID
	}
	if err := h.ltm.MarkEvicted(ctx, h.robot.ID, ids); err != nil {
		slog.Warn("Failed to mark evicted edges", "robot", h.robot.Name, "error", err)
	}
	for _, id := range ids {
		nodeID := id
		h.publish(ctx, events.EventEvicted, &nodeID)
	}
}

// errInvalid builds an ErrInvalidInput with context.
func errInvalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{memory.ErrInvalidInput}, args...)...)
}
