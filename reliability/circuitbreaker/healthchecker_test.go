package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker_Validation(t *testing.T) {
	m := NewManager(nil)

	_, err := NewHealthChecker(nil, time.Second, time.Second, nil)
	assert.ErrorIs(t, err, ErrNilManager)

	_, err = NewHealthChecker(m, 0, time.Second, nil)
	assert.ErrorIs(t, err, ErrInvalidHealthCheckInterval)

	_, err = NewHealthChecker(m, time.Second, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidHealthCheckTimeout)
}

func TestHealthChecker_ResetsOpenBreakerImmediately(t *testing.T) {
	m := NewManager(nil)

	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.ResetTimeout = time.Hour

	_, err := m.GetOrCreate("payments", cfg)
	require.NoError(t, err)

	hc, err := NewHealthChecker(m, time.Hour, time.Second, nil)
	require.NoError(t, err)

	var probes atomic.Int32

	hc.Register("payments", func(context.Context) error {
		probes.Add(1)
		return nil
	})
	m.RegisterStateChangeListener(hc)

	hc.Start()
	defer hc.Stop()

	_ = m.Execute(context.Background(), "payments", fail)

	require.Eventually(t, func() bool { return m.IsHealthy("payments") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), probes.Load())
	assert.Equal(t, map[string]State{"payments": StateClosed}, hc.HealthStatus())
}

func TestHealthChecker_KeepsBreakerOpenWhileProbeFails(t *testing.T) {
	m := NewManager(nil)

	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.ResetTimeout = time.Hour

	_, err := m.GetOrCreate("payments", cfg)
	require.NoError(t, err)

	hc, err := NewHealthChecker(m, 10*time.Millisecond, time.Second, nil)
	require.NoError(t, err)

	var probes atomic.Int32

	hc.Register("payments", func(context.Context) error {
		probes.Add(1)
		return errors.New("still down")
	})

	_ = m.Execute(context.Background(), "payments", fail)

	hc.Start()

	require.Eventually(t, func() bool { return probes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	hc.Stop()
	hc.Stop()

	assert.Equal(t, StateOpen, m.State("payments"))
}

func TestHealthChecker_SkipsHealthyDependencies(t *testing.T) {
	m := NewManager(nil)

	_, err := m.GetOrCreate("payments", testConfig())
	require.NoError(t, err)

	hc, err := NewHealthChecker(m, time.Hour, time.Second, nil)
	require.NoError(t, err)

	called := false
	hc.Register("payments", func(context.Context) error {
		called = true
		return nil
	})

	hc.checkAll()

	assert.False(t, called)
}

func TestHealthChecker_RunStopsWithContext(t *testing.T) {
	hc, err := NewHealthChecker(NewManager(nil), time.Hour, time.Second, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- hc.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
