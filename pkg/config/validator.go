package config

import (
	"errors"
	"fmt"
	"math"
)

// weightTolerance is how far the relevance weights may drift from 1.0.
const weightTolerance = 1e-9

// Validate checks the assembled configuration. It returns the first error
// encountered, section by section.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateEmbedding(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	if err := c.validateRelevance(); err != nil {
		return err
	}
	if c.WorkingMemory.MaxTokens <= 0 {
		return NewValidationError("working_memory", "max_tokens", errors.New("must be positive"))
	}
	if c.Cache.Size <= 0 {
		return NewValidationError("cache", "size", errors.New("must be positive"))
	}
	if err := c.validateJob(); err != nil {
		return err
	}
	if c.Tag.MaxDepth < 1 || c.Tag.MaxDepth > 4 {
		return NewValidationError("tag", "max_depth", errors.New("must be between 1 and 4"))
	}
	return nil
}

func (c *Config) validateDatabase() error {
	db := c.Database
	if db.URL == "" {
		if db.Host == "" {
			return NewValidationError("database", "host", errors.New("required when url is unset"))
		}
		if db.Port <= 0 || db.Port > 65535 {
			return NewValidationError("database", "port", fmt.Errorf("invalid port %d", db.Port))
		}
		if db.Name == "" {
			return NewValidationError("database", "name", errors.New("required when url is unset"))
		}
	}
	if db.PoolSize < 1 {
		return NewValidationError("database", "pool_size", errors.New("must be at least 1"))
	}
	if db.QueryTimeoutMS <= 0 {
		return NewValidationError("database", "query_timeout_ms", errors.New("must be positive"))
	}
	return nil
}

func (c *Config) validateEmbedding() error {
	if c.Embedding.Dimensions <= 0 {
		return NewValidationError("embedding", "dimensions", errors.New("must be positive"))
	}
	return nil
}

func (c *Config) validateBreaker() error {
	b := c.Breaker
	if b.FailureThreshold < 1 {
		return NewValidationError("circuit_breaker", "failure_threshold", errors.New("must be at least 1"))
	}
	if b.ResetTimeoutS < 1 {
		return NewValidationError("circuit_breaker", "reset_timeout_s", errors.New("must be at least 1"))
	}
	if b.HalfOpenMaxCalls < 1 {
		return NewValidationError("circuit_breaker", "half_open_max_calls", errors.New("must be at least 1"))
	}
	return nil
}

func (c *Config) validateRelevance() error {
	r := c.Relevance
	for field, w := range map[string]float64{
		"semantic_weight": r.SemanticWeight,
		"tag_weight":      r.TagWeight,
		"recency_weight":  r.RecencyWeight,
		"access_weight":   r.AccessWeight,
	} {
		if w < 0 || w > 1 {
			return NewValidationError("relevance", field, fmt.Errorf("weight %v outside [0,1]", w))
		}
	}
	sum := r.SemanticWeight + r.TagWeight + r.RecencyWeight + r.AccessWeight
	if math.Abs(sum-1.0) > weightTolerance {
		return NewValidationError("relevance", "",
			fmt.Errorf("weights sum to %v, want 1.0 within %v", sum, weightTolerance))
	}
	if r.RecencyHalfLifeHours <= 0 {
		return NewValidationError("relevance", "recency_half_life_hours", errors.New("must be positive"))
	}
	return nil
}

func (c *Config) validateJob() error {
	switch c.Job.Backend {
	case JobBackendInline, JobBackendThread:
	case JobBackendExternal:
		if c.Job.RedisURL == "" {
			return NewValidationError("job", "redis_url", errors.New("required for the external backend"))
		}
	default:
		return NewValidationError("job", "backend",
			fmt.Errorf("unknown backend %q (want inline, thread, or external)", c.Job.Backend))
	}
	if c.Job.Backend == JobBackendThread && c.Job.Workers < 1 {
		return NewValidationError("job", "workers", errors.New("must be at least 1"))
	}
	return nil
}
