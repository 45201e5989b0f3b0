package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstack/htm/pkg/config"
)

var errBoom = errors.New("boom")

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeoutS:    1,
		HalfOpenMaxCalls: 3,
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("embedding", testConfig())

	for i := 0; i < 3; i++ {
		err := b.Do(func() error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, "open", b.State())

	// The fourth call must fail fast without invoking the callable.
	invoked := false
	err := b.Do(func() error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := New("embedding", testConfig())

	require.Error(t, b.Do(func() error { return errBoom }))
	require.Error(t, b.Do(func() error { return errBoom }))
	require.NoError(t, b.Do(func() error { return nil }))
	require.Error(t, b.Do(func() error { return errBoom }))
	require.Error(t, b.Do(func() error { return errBoom }))

	// Still closed: the success interrupted the consecutive run.
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHalfOpenCloseCycle(t *testing.T) {
	b := New("embedding", testConfig())

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errBoom })
	}
	require.Equal(t, "open", b.State())

	// After the reset timeout the breaker admits probes again.
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, "half-open", b.State())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Do(func() error { return nil }))
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("embedding", testConfig())

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errBoom })
	}
	time.Sleep(1100 * time.Millisecond)
	require.Equal(t, "half-open", b.State())

	require.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
	assert.Equal(t, "open", b.State())
}

func TestExecuteReturnsValue(t *testing.T) {
	b := New("embedding", testConfig())

	out, err := b.Execute(func() (any, error) { return []float32{1, 2}, nil })
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, out)
}

func TestStats(t *testing.T) {
	b := New("tags", testConfig())

	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errBoom })

	stats := b.Stats()
	assert.Equal(t, "tags", stats.Name)
	assert.Equal(t, uint32(2), stats.Requests)
	assert.Equal(t, uint32(1), stats.TotalSuccesses)
	assert.Equal(t, uint32(1), stats.TotalFailures)
	assert.Equal(t, uint32(1), stats.ConsecutiveFailures)
}

func TestRegistrySingletonPerName(t *testing.T) {
	r := NewRegistry(func(name string) *Breaker {
		return New(name, testConfig())
	})

	a := r.Get("embedding")
	b := r.Get("embedding")
	c := r.Get("tags")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, r.Stats(), 2)
}
