package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRelevanceWeights(t *testing.T) {
	t.Run("weights must sum to one", func(t *testing.T) {
		cfg := Default()
		cfg.Relevance.SemanticWeight = 0.6 // sum now 1.1

		err := cfg.Validate()
		require.Error(t, err)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "relevance", ve.Section)
	})

	t.Run("tiny drift within tolerance passes", func(t *testing.T) {
		cfg := Default()
		cfg.Relevance.SemanticWeight = 0.5 + 1e-12
		assert.NoError(t, cfg.Validate())
	})

	t.Run("negative weight rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Relevance.TagWeight = -0.3
		cfg.Relevance.SemanticWeight = 1.1
		assert.Error(t, cfg.Validate())
	})
}

func TestValidateBreaker(t *testing.T) {
	cfg := Default()
	cfg.Breaker.FailureThreshold = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateJobBackend(t *testing.T) {
	cfg := Default()
	cfg.Job.Backend = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Job.Backend = JobBackendExternal
	assert.Error(t, cfg.Validate(), "external backend requires redis_url")

	cfg.Job.RedisURL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate())
}

func TestValidateDatabase(t *testing.T) {
	cfg := Default()
	cfg.Database.PoolSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Host = ""
	assert.Error(t, cfg.Validate())

	// A URL makes the discrete fields optional.
	cfg.Database.URL = "postgres://u:p@localhost:5432/htm"
	assert.NoError(t, cfg.Validate())
}

func TestMergeFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "htm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  host: db.internal
  pool_size: 32
working_memory:
  max_tokens: 8192
`), 0o644))

	cfg := Default()
	require.NoError(t, mergeFile(cfg, path))

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 32, cfg.Database.PoolSize)
	assert.Equal(t, 8192, cfg.WorkingMemory.MaxTokens)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestMergeFileMissingIsSkipped(t *testing.T) {
	cfg := Default()
	require.NoError(t, mergeFile(cfg, filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestMergeFileMalformedFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "htm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: ["), 0o644))

	err := mergeFile(Default(), path)
	require.Error(t, err)
	var le *LoadError
	assert.ErrorAs(t, err, &le)
}

func TestMergeFileExpandsEnv(t *testing.T) {
	t.Setenv("HTM_TEST_DB_HOST", "expanded.example")

	dir := t.TempDir()
	path := filepath.Join(dir, "htm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  host: ${HTM_TEST_DB_HOST}\n"), 0o644))

	cfg := Default()
	require.NoError(t, mergeFile(cfg, path))
	assert.Equal(t, "expanded.example", cfg.Database.Host)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("HTM_DATABASE_POOL_SIZE", "7")
	t.Setenv("HTM_WORKING_MEMORY_MAX_TOKENS", "2048")
	t.Setenv("HTM_JOB_BACKEND", "inline")

	cfg := Default()
	applyEnv(cfg)

	assert.Equal(t, 7, cfg.Database.PoolSize)
	assert.Equal(t, 2048, cfg.WorkingMemory.MaxTokens)
	assert.Equal(t, JobBackendInline, cfg.Job.Backend)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "30s", cfg.Database.QueryTimeout().String())
	assert.Equal(t, "1m0s", cfg.Breaker.ResetTimeout().String())
	assert.Equal(t, "5m0s", cfg.Cache.TTL().String())
}
