// Package metrics exposes Prometheus collectors for the memory engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Query cache
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "htm_query_cache_hits_total",
		Help: "Query cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "htm_query_cache_misses_total",
		Help: "Query cache misses",
	})

	// Enrichment jobs
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "htm_job_duration_seconds",
		Help:    "Enrichment job duration by kind and outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "outcome"})

	// Circuit breakers: 0=closed, 1=half-open, 2=open
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "htm_circuit_breaker_state",
		Help: "Circuit breaker state by service (0=closed, 1=half-open, 2=open)",
	}, []string{"service"})

	// Recall strategy downgrades (vector → fulltext on embedding failure)
	RecallDowngrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "htm_recall_downgrades_total",
		Help: "Recalls downgraded from vector to full-text search",
	})

	// Pub/sub channel
	NotificationsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "htm_notifications_received_total",
		Help: "NOTIFY payloads received by channel",
	}, []string{"channel"})
	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "htm_notifications_published_total",
		Help: "NOTIFY payloads published by channel and event",
	}, []string{"channel", "event"})

	// Working memory
	WorkingMemoryTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "htm_working_memory_tokens",
		Help: "Working memory token usage by robot",
	}, []string{"robot"})
	WorkingMemoryEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "htm_working_memory_evictions_total",
		Help: "Working memory evictions by robot",
	}, []string{"robot"})
)
