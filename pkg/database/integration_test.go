package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstack/htm/test/util"
)

func TestHealthSnapshot(t *testing.T) {
	store, _ := util.SetupTestStore(t)

	health, err := store.Health(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "healthy", health.Status)
	assert.Positive(t, health.ResponseTime)
	assert.Positive(t, health.TotalConns)
	assert.Equal(t, int32(5), health.MaxConns)
}
