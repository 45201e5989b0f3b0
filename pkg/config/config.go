// Package config loads and validates the memory engine configuration.
//
// Configuration is layered, lowest precedence first: built-in defaults,
// the per-user file (~/.config/htm/htm.yaml), the per-project file
// (./htm.yaml), the local override file (./htm.local.yaml), environment
// variables, and programmatic overrides passed to Load.
package config

import "time"

// Config is the single configuration schema consumed by every constructor
// in the module. Pass it explicitly; there is no process-global instance.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Tag           TagConfig           `yaml:"tag"`
	Breaker       BreakerConfig       `yaml:"circuit_breaker"`
	Relevance     RelevanceConfig     `yaml:"relevance"`
	WorkingMemory WorkingMemoryConfig `yaml:"working_memory"`
	Cache         CacheConfig         `yaml:"cache"`
	Job           JobConfig           `yaml:"job"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// DatabaseConfig holds PostgreSQL connection settings. URL, when set, takes
// precedence over the discrete host/port/name/user/password fields.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	PoolSize       int    `yaml:"pool_size"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
}

// QueryTimeout returns the per-statement deadline.
func (c DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

// EmbeddingConfig selects and parametrises the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
}

// Timeout returns the per-call client deadline.
func (c EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// TagConfig selects and parametrises the tag extraction provider.
type TagConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
	MaxDepth  int    `yaml:"max_depth"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
}

// Timeout returns the per-call client deadline.
func (c TagConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// BreakerConfig configures the per-service circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutS    int `yaml:"reset_timeout_s"`
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// ResetTimeout returns the open→half-open wall-clock interval.
func (c BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutS) * time.Second
}

// RelevanceConfig holds the composite scorer weights. The four weights must
// sum to 1.0 within 1e-9; Validate enforces this at load time.
type RelevanceConfig struct {
	SemanticWeight       float64 `yaml:"semantic_weight"`
	TagWeight            float64 `yaml:"tag_weight"`
	RecencyWeight        float64 `yaml:"recency_weight"`
	AccessWeight         float64 `yaml:"access_weight"`
	RecencyHalfLifeHours float64 `yaml:"recency_half_life_hours"`
}

// WorkingMemoryConfig bounds the per-agent hot cache.
type WorkingMemoryConfig struct {
	MaxTokens int `yaml:"max_tokens"`
}

// CacheConfig bounds the query-result cache.
type CacheConfig struct {
	Size int `yaml:"size"`
	TTLS int `yaml:"ttl_s"`
}

// TTL returns the per-entry time to live.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLS) * time.Second
}

// Job backend names.
const (
	JobBackendInline   = "inline"
	JobBackendThread   = "thread"
	JobBackendExternal = "external"
)

// JobConfig selects how enrichment jobs are dispatched.
type JobConfig struct {
	Backend string `yaml:"backend"`
	// Workers is the pool size for the thread backend.
	Workers int `yaml:"workers"`
	// RedisURL and Queue parametrise the external backend.
	RedisURL string `yaml:"redis_url"`
	Queue    string `yaml:"queue"`
}

// TelemetryConfig toggles metric collection.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Name:           "htm",
			User:           "htm",
			PoolSize:       10,
			QueryTimeoutMS: 30_000,
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			TimeoutMS:  30_000,
		},
		Tag: TagConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			TimeoutMS: 30_000,
			MaxDepth:  4,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutS:    60,
			HalfOpenMaxCalls: 3,
		},
		Relevance: RelevanceConfig{
			SemanticWeight:       0.5,
			TagWeight:            0.3,
			RecencyWeight:        0.1,
			AccessWeight:         0.1,
			RecencyHalfLifeHours: 168,
		},
		WorkingMemory: WorkingMemoryConfig{MaxTokens: 4096},
		Cache:         CacheConfig{Size: 256, TTLS: 300},
		Job:           JobConfig{Backend: JobBackendThread, Workers: 4, Queue: "htm:jobs"},
		Telemetry:     TelemetryConfig{Enabled: true},
	}
}
