// Package jobs runs the asynchronous enrichment units (embedding and tag
// generation) behind a pluggable dispatch backend. Jobs are idempotent —
// the embedding and tag writes are upserts — so at-least-once execution
// per submission is safe on every backend.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentstack/htm/pkg/breaker"
	"github.com/agentstack/htm/pkg/llm"
	"github.com/agentstack/htm/pkg/metrics"
	"github.com/agentstack/htm/pkg/tags"
)

// Kind identifies the enrichment performed by a job.
type Kind string

// Job kinds.
const (
	KindEmbedding    Kind = "embedding"
	KindTags         Kind = "tags"
	KindPropositions Kind = "propositions"
)

// Outcome is the terminal state of one job execution.
type Outcome string

// Job outcomes. OutcomeCircuitOpen is reported as a non-error: the node
// is simply enriched later via an operator-driven replay, so the caller
// need not re-enqueue.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeError       Outcome = "error"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// Job is a serialisable reference to one enrichment unit.
type Job struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	NodeID int64  `json:"node_id"`
}

// NewJob creates a job reference with a fresh id.
func NewJob(kind Kind, nodeID int64) Job {
	return Job{ID: uuid.New().String(), Kind: kind, NodeID: nodeID}
}

// Result records one execution.
type Result struct {
	Job      Job
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

// NodeStore is the slice of long-term memory the runner needs. Implemented
// by memory.LongTerm.
type NodeStore interface {
	NodeContent(ctx context.Context, nodeID int64) (string, error)
	SetEmbedding(ctx context.Context, nodeID int64, embedding []float32) error
	InsertTags(ctx context.Context, nodeID int64, tagList []string) error
	SampleTags(ctx context.Context, limit int) ([]string, error)
}

// tagSampleSize bounds the existing-vocabulary sample sent to the
// extractor.
const tagSampleSize = 25

// Runner executes jobs against the store, gating callable invocations with
// the per-service circuit breakers.
type Runner struct {
	store    NodeStore
	embedder llm.Embedder
	tagger   *tags.Service
	breakers *breaker.Registry
}

// NewRunner wires a runner. The tagger already carries the tags breaker;
// the registry supplies the embedding breaker.
func NewRunner(store NodeStore, embedder llm.Embedder, tagger *tags.Service, breakers *breaker.Registry) *Runner {
	return &Runner{store: store, embedder: embedder, tagger: tagger, breakers: breakers}
}

// Run executes one job and records its duration and outcome. A breaker-open
// rejection reports OutcomeCircuitOpen with a nil error.
func (r *Runner) Run(ctx context.Context, job Job) Result {
	start := time.Now()

	var err error
	switch job.Kind {
	case KindEmbedding:
		err = r.runEmbedding(ctx, job.NodeID)
	case KindTags:
		err = r.runTags(ctx, job.NodeID)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	result := Result{Job: job, Duration: time.Since(start)}
	switch {
	case err == nil:
		result.Outcome = OutcomeSuccess
	case errors.Is(err, breaker.ErrOpen):
		result.Outcome = OutcomeCircuitOpen
		slog.Info("Enrichment deferred, circuit open",
			"job_id", job.ID, "kind", job.Kind, "node_id", job.NodeID)
	default:
		result.Outcome = OutcomeError
		result.Err = err
		slog.Error("Enrichment job failed",
			"job_id", job.ID, "kind", job.Kind, "node_id", job.NodeID, "error", err)
	}

	metrics.JobDuration.WithLabelValues(string(job.Kind), string(result.Outcome)).
		Observe(result.Duration.Seconds())
	return result
}

func (r *Runner) runEmbedding(ctx context.Context, nodeID int64) error {
	content, err := r.store.NodeContent(ctx, nodeID)
	if err != nil {
		return err
	}

	out, err := r.breakers.Get(breaker.ServiceEmbedding).Execute(func() (any, error) {
		return r.embedder.Embed(ctx, content)
	})
	if err != nil {
		return err
	}
	vec, _ := out.([]float32)
	if len(vec) == 0 {
		return fmt.Errorf("embedding callable returned an empty vector")
	}
	return r.store.SetEmbedding(ctx, nodeID, vec)
}

func (r *Runner) runTags(ctx context.Context, nodeID int64) error {
	content, err := r.store.NodeContent(ctx, nodeID)
	if err != nil {
		return err
	}
	sample, err := r.store.SampleTags(ctx, tagSampleSize)
	if err != nil {
		return err
	}

	extracted, err := r.tagger.Extract(ctx, content, sample)
	if err != nil {
		return err
	}
	if len(extracted) == 0 {
		return nil
	}
	return r.store.InsertTags(ctx, nodeID, extracted)
}
