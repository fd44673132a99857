package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(now *time.Time) *CircuitBreaker {
	cfg := DefaultConfig("oracle", 2, 10*time.Second)
	cfg.OnStateChange = nil
	cb := New(cfg)
	cb.now = func() time.Time { return *now }
	return cb
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)
	ctx := context.Background()

	fail := func(context.Context) error { return errBoom }

	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.ExecuteContext(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.ExecuteContext(ctx, func(context.Context) error { return errBoom })
	}
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.ExecuteContext(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 3; i++ {
		err := cb.ExecuteContext(ctx, func(ctx context.Context) error { return ctx.Err() })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestManagerHealthStatus(t *testing.T) {
	m := NewManager()
	oracle := m.GetOrCreate("oracle", DefaultConfig("", 1, time.Minute))
	m.GetOrCreate("publish", nil)

	assert.Same(t, oracle, m.GetOrCreate("oracle", nil))

	status, states := m.HealthStatus()
	assert.Equal(t, "HEALTHY", status)
	assert.Equal(t, "CLOSED", states["publish"])

	_ = oracle.ExecuteContext(context.Background(), func(context.Context) error { return errBoom })
	status, states = m.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", states["oracle"])
}

func TestManagerSnapshots(t *testing.T) {
	m := NewManager()
	oracle := m.GetOrCreate("oracle", DefaultConfig("", 3, time.Minute))
	m.GetOrCreate("publish", nil)
	ctx := context.Background()

	require.NoError(t, oracle.ExecuteContext(ctx, func(context.Context) error { return nil }))
	_ = oracle.ExecuteContext(ctx, func(context.Context) error { return errBoom })

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "oracle", snaps[0].Name)
	assert.Equal(t, "CLOSED", snaps[0].State)
	assert.Equal(t, uint32(2), snaps[0].Requests)
	assert.Equal(t, uint32(1), snaps[0].Failures)
	assert.Equal(t, uint32(1), snaps[0].ConsecutiveFailures)
	assert.InDelta(t, 0.5, snaps[0].FailureRatio, 1e-9)

	assert.Equal(t, "publish", snaps[1].Name)
	assert.Equal(t, uint32(0), snaps[1].Requests)
	assert.Zero(t, snaps[1].FailureRatio)
}
