package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Option mutates the configuration after all files and environment
// variables have been applied. Options are the programmatic-override layer
// and always win.
type Option func(*Config)

// WithDatabaseURL overrides the database connection URL.
func WithDatabaseURL(url string) Option {
	return func(c *Config) { c.Database.URL = url }
}

// WithWorkingMemoryTokens overrides the working-memory token budget.
func WithWorkingMemoryTokens(max int) Option {
	return func(c *Config) { c.WorkingMemory.MaxTokens = max }
}

// WithJobBackend overrides the enrichment job backend.
func WithJobBackend(backend string) Option {
	return func(c *Config) { c.Job.Backend = backend }
}

// Load builds the configuration from defaults, the per-user file, the
// per-project file, the local override file, environment variables, and
// the given options, in that order of increasing precedence. Missing files
// are skipped silently; a malformed file aborts the load.
func Load(opts ...Option) (*Config, error) {
	// .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := Default()

	for _, path := range configFiles() {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	slog.Debug("Configuration loaded",
		"db_pool_size", cfg.Database.PoolSize,
		"embedding_provider", cfg.Embedding.Provider,
		"job_backend", cfg.Job.Backend)

	return cfg, nil
}

// configFiles returns the candidate file paths, lowest precedence first.
func configFiles() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "htm", "htm.yaml"))
	}
	paths = append(paths, "htm.yaml", "htm.local.yaml")
	return paths
}

// mergeFile loads a YAML file and merges it over cfg. Environment variables
// referenced as ${VAR} or $VAR inside the file are expanded before parsing;
// missing variables expand to empty string and are caught by validation.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return NewLoadError(path, err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var layer Config
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if err := mergo.Merge(cfg, layer, mergo.WithOverride); err != nil {
		return NewLoadError(path, err)
	}
	return nil
}

// applyEnv binds the recognised HTM_* environment variables.
func applyEnv(cfg *Config) {
	setString(&cfg.Database.URL, "HTM_DATABASE_URL")
	setString(&cfg.Database.Host, "HTM_DATABASE_HOST")
	setInt(&cfg.Database.Port, "HTM_DATABASE_PORT")
	setString(&cfg.Database.Name, "HTM_DATABASE_NAME")
	setString(&cfg.Database.User, "HTM_DATABASE_USER")
	setString(&cfg.Database.Password, "HTM_DATABASE_PASSWORD")
	setInt(&cfg.Database.PoolSize, "HTM_DATABASE_POOL_SIZE")
	setInt(&cfg.Database.QueryTimeoutMS, "HTM_DATABASE_QUERY_TIMEOUT_MS")

	setString(&cfg.Embedding.Provider, "HTM_EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.Model, "HTM_EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dimensions, "HTM_EMBEDDING_DIMENSIONS")
	setString(&cfg.Embedding.BaseURL, "HTM_EMBEDDING_BASE_URL")
	setString(&cfg.Embedding.APIKey, "HTM_EMBEDDING_API_KEY")

	setString(&cfg.Tag.Provider, "HTM_TAG_PROVIDER")
	setString(&cfg.Tag.Model, "HTM_TAG_MODEL")
	setString(&cfg.Tag.BaseURL, "HTM_TAG_BASE_URL")
	setString(&cfg.Tag.APIKey, "HTM_TAG_API_KEY")

	setInt(&cfg.WorkingMemory.MaxTokens, "HTM_WORKING_MEMORY_MAX_TOKENS")
	setString(&cfg.Job.Backend, "HTM_JOB_BACKEND")
	setString(&cfg.Job.RedisURL, "HTM_JOB_REDIS_URL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		}
	}
}
