// Package breaker gates calls to external services behind per-service
// circuit breakers. A breaker trips after a configured number of
// consecutive failures, fails fast while open, and closes again after a
// bounded number of successful half-open probes.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/agentstack/htm/pkg/config"
	"github.com/agentstack/htm/pkg/metrics"
)

// ErrOpen is returned when a call is rejected because the breaker is open
// (or the half-open probe budget is exhausted). The external service was
// not invoked.
var ErrOpen = errors.New("circuit breaker open")

// Well-known service names.
const (
	ServiceEmbedding    = "embedding"
	ServiceTags         = "tags"
	ServicePropositions = "propositions"
)

// Stats is a snapshot of a breaker's current state and counters.
type Stats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Breaker wraps one named gobreaker state machine.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New creates a breaker for the named service.
//
// The mapping onto gobreaker: MaxRequests is the half-open probe budget,
// Timeout is the open→half-open interval, and ReadyToTrip fires on the
// configured consecutive-failure count. Interval is zero so closed-state
// counters only reset on state change, keeping the consecutive-failure
// semantics exact.
func New(name string, cfg config.BreakerConfig) *Breaker {
	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenMaxCalls),
		Timeout:     cfg.ResetTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Circuit breaker state change",
				"service", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(stateGauge(to))
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. When the breaker rejects the call,
// the returned error wraps ErrOpen and fn is never invoked.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		return nil, err
	}
	return out, nil
}

// Do runs a value-less fn through the breaker.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.Execute(func() (any, error) { return nil, fn() })
	return err
}

// Name returns the service name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state as "closed", "half-open", or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	counts := b.cb.Counts()
	return Stats{
		Name:                b.name,
		State:               b.cb.State().String(),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
