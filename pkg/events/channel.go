// Package events synchronises working memory across a peer group via
// PostgreSQL NOTIFY/LISTEN. Delivery is at-most-once and best-effort:
// consumers reconcile against the database, where the robot_nodes
// in_working_memory flag is the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentstack/htm/pkg/metrics"
)

// Event enumerates the working-memory change notifications.
type Event string

// Working-memory change events.
const (
	EventAdded   Event = "added"
	EventEvicted Event = "evicted"
	EventCleared Event = "cleared"
)

// notifyPayloadLimit is PostgreSQL's NOTIFY payload ceiling (8000 bytes);
// oversized payloads are rejected locally before publish.
const notifyPayloadLimit = 8000

// pollTimeout bounds each WaitForNotification call so Stop is responsive
// within one poll period.
const pollTimeout = 500 * time.Millisecond

// Payload is the JSON wire format on the channel.
type Payload struct {
	Event   Event     `json:"event"`
	NodeID  *int64    `json:"node_id"`
	RobotID int64     `json:"robot_id"`
	TS      time.Time `json:"ts"`
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// ChannelName derives the deterministic channel name for a group:
// "htm_wm_" plus the group name with non-alphanumerics replaced by '_'.
func ChannelName(group string) string {
	return "htm_wm_" + nonAlnum.ReplaceAllString(group, "_")
}

// Channel is one group's pub/sub topic. Publishing uses the shared pool;
// listening uses a dedicated connection owned by the listener goroutine.
type Channel struct {
	name       string
	pool       *pgxpool.Pool
	connString string

	mu        sync.RWMutex
	callbacks []func(Payload)

	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	received atomic.Int64
}

// NewChannel creates a channel for the named group. pool is used for
// publishing; connString for the listener's dedicated connection.
func NewChannel(pool *pgxpool.Pool, connString, group string) *Channel {
	return &Channel{
		name:       ChannelName(group),
		pool:       pool,
		connString: connString,
	}
}

// Name returns the deterministic channel name.
func (c *Channel) Name() string { return c.name }

// Received returns how many notifications the listener has dispatched.
func (c *Channel) Received() int64 { return c.received.Load() }

// OnChange registers a callback. All registered callbacks are invoked, in
// registration order, for every received notification.
func (c *Channel) OnChange(fn func(Payload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Notify publishes an event. nodeID may be nil (the cleared event has no
// node). The payload is serialised and size-checked before touching the
// server.
func (c *Channel) Notify(ctx context.Context, event Event, nodeID *int64, robotID int64) error {
	payload := Payload{
		Event:   event,
		NodeID:  nodeID,
		RobotID: robotID,
		TS:      time.Now().UTC(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if len(raw) > notifyPayloadLimit {
		return fmt.Errorf("notify payload %d bytes exceeds the %d byte limit", len(raw), notifyPayloadLimit)
	}
	if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", c.name, string(raw)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", c.name, err)
	}
	metrics.NotificationsPublished.WithLabelValues(c.name, string(event)).Inc()
	return nil
}

// Start opens the dedicated LISTEN connection and launches the receive
// loop. Calling Start on a running channel is a no-op.
func (c *Channel) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}

	conn, err := pgx.Connect(ctx, c.connString)
	if err != nil {
		c.running.Store(false)
		return fmt.Errorf("connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{c.name}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		c.running.Store(false)
		return fmt.Errorf("LISTEN %s: %w", c.name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.receiveLoop(loopCtx, conn)
	}()

	slog.Info("Channel listener started", "channel", c.name)
	return nil
}

// Stop signals the receive loop to exit and waits for it. The listener
// exits within one poll period.
func (c *Channel) Stop(ctx context.Context) {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	slog.Info("Channel listener stopped", "channel", c.name)
}

// receiveLoop is the sole user of the dedicated connection. Each received
// notification is decoded and fanned out to every callback synchronously;
// a panicking callback is recovered and logged so the listener survives.
func (c *Channel) receiveLoop(ctx context.Context, conn *pgx.Conn) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, pollTimeout)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return // shutting down
			}
			if waitCtx.Err() != nil {
				continue // poll timeout — loop back to check for stop
			}
			slog.Error("NOTIFY receive error", "channel", c.name, "error", err)
			if c.reconnect(ctx, &conn) {
				continue
			}
			return
		}

		var payload Payload
		if err := json.Unmarshal([]byte(notification.Payload), &payload); err != nil {
			slog.Warn("Dropping malformed channel payload",
				"channel", c.name, "error", err)
			continue
		}

		c.received.Add(1)
		metrics.NotificationsReceived.WithLabelValues(c.name).Inc()
		c.dispatch(payload)
	}
}

func (c *Channel) dispatch(payload Payload) {
	c.mu.RLock()
	callbacks := make([]func(Payload), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.mu.RUnlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Channel callback panicked",
						"channel", c.name, "panic", r)
				}
			}()
			fn(payload)
		}()
	}
}

// reconnect replaces the dead listener connection with exponential backoff.
// Returns false once the loop context is cancelled.
func (c *Channel) reconnect(ctx context.Context, conn **pgx.Conn) bool {
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = (*conn).Close(closeCtx)
	cancel()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		fresh, err := pgx.Connect(ctx, c.connString)
		if err == nil {
			if _, err = fresh.Exec(ctx, "LISTEN "+pgx.Identifier{c.name}.Sanitize()); err == nil {
				*conn = fresh
				slog.Info("Channel listener reconnected", "channel", c.name)
				return true
			}
			_ = fresh.Close(ctx)
		}
		slog.Error("Channel reconnect failed", "channel", c.name, "error", err, "backoff", backoff)
		backoff = min(backoff*2, 30*time.Second)
	}
}
