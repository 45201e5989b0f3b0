package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentstack/htm/pkg/config"
)

func testDatabaseConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Host:           "db.local",
		Port:           5432,
		Name:           "memories",
		User:           "htm",
		Password:       "secret",
		PoolSize:       10,
		QueryTimeoutMS: 30_000,
	}
}

func TestMapError(t *testing.T) {
	assert.NoError(t, MapError(nil))

	wrapped := fmt.Errorf("query: %w", context.DeadlineExceeded)
	assert.ErrorIs(t, MapError(wrapped), ErrQueryTimeout)

	other := errors.New("connection refused")
	assert.Equal(t, other, MapError(other))
}
