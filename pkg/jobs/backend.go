package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend dispatches submitted jobs for execution. Every backend provides
// at-least-once execution per submission.
type Backend interface {
	// Submit hands a job to the backend. Inline backends execute it before
	// returning; asynchronous backends return immediately.
	Submit(ctx context.Context, job Job) error
	// Start launches any background workers. Safe to call once.
	Start(ctx context.Context)
	// Stop drains in-flight work and releases resources.
	Stop()
}

// --- Inline ---

// Inline executes each job synchronously on the caller's goroutine. The
// job is guaranteed to have finished before Submit returns.
type Inline struct {
	runner *Runner
}

// NewInline creates the inline backend.
func NewInline(runner *Runner) *Inline {
	return &Inline{runner: runner}
}

// Submit implements Backend.
func (b *Inline) Submit(ctx context.Context, job Job) error {
	result := b.runner.Run(ctx, job)
	return result.Err
}

// Start implements Backend.
func (b *Inline) Start(context.Context) {}

// Stop implements Backend.
func (b *Inline) Stop() {}

// --- Pool ---

// poolQueueDepth bounds the pending-job buffer. Submits beyond it fall
// back to inline execution rather than blocking indefinitely.
const poolQueueDepth = 256

// Pool hands jobs to a bounded worker pool; Submit returns immediately.
type Pool struct {
	runner   *Runner
	workers  int
	queue    chan Job
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewPool creates a worker-pool backend with the given concurrency.
func NewPool(runner *Runner, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		runner:  runner,
		workers: workers,
		queue:   make(chan Job, poolQueueDepth),
		stopCh:  make(chan struct{}),
	}
}

// Start spawns the worker goroutines. Duplicate calls are no-ops.
func (b *Pool) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func(workerID int) {
			defer b.wg.Done()
			b.run(ctx, workerID)
		}(i)
	}
	slog.Info("Job pool started", "workers", b.workers)
}

func (b *Pool) run(ctx context.Context, workerID int) {
	log := slog.With("worker", workerID)
	for {
		select {
		case <-b.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case job := <-b.queue:
					b.runner.Run(context.Background(), job)
				default:
					log.Debug("Job worker stopped")
					return
				}
			}
		case <-ctx.Done():
			return
		case job := <-b.queue:
			b.runner.Run(ctx, job)
		}
	}
}

// Submit implements Backend. When the queue is full the job runs inline so
// submissions are never dropped.
func (b *Pool) Submit(ctx context.Context, job Job) error {
	select {
	case b.queue <- job:
		return nil
	default:
		slog.Warn("Job queue full, running inline", "job_id", job.ID, "kind", job.Kind)
		result := b.runner.Run(ctx, job)
		return result.Err
	}
}

// Stop signals the workers and waits for them to finish their current and
// queued jobs.
func (b *Pool) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// --- External ---

// External serialises job references onto a Redis list the host process
// drains. Submit returns once the reference is enqueued.
type External struct {
	rdb   *redis.Client
	queue string
}

// NewExternal creates the external backend over an open Redis client.
func NewExternal(rdb *redis.Client, queue string) *External {
	return &External{rdb: rdb, queue: queue}
}

// Submit implements Backend.
func (b *External) Submit(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := b.rdb.RPush(ctx, b.queue, raw).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Start implements Backend.
func (b *External) Start(context.Context) {}

// Stop implements Backend.
func (b *External) Stop() {
	if err := b.rdb.Close(); err != nil {
		slog.Warn("Closing job queue client failed", "error", err)
	}
}

// Drainer consumes an external job queue and executes each reference. Run
// it from the host process that owns the queue.
type Drainer struct {
	rdb    *redis.Client
	queue  string
	runner *Runner
}

// NewDrainer creates a drainer for the named queue.
func NewDrainer(rdb *redis.Client, queue string, runner *Runner) *Drainer {
	return &Drainer{rdb: rdb, queue: queue, runner: runner}
}

// Run blocks, popping and executing jobs until the context is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		vals, err := d.rdb.BLPop(ctx, time.Second, d.queue).Result()
		if err != nil {
			if err == redis.Nil {
				continue // poll timeout
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pop job: %w", err)
		}
		if len(vals) < 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
			slog.Warn("Dropping malformed job payload", "error", err)
			continue
		}
		d.runner.Run(ctx, job)
	}
}
