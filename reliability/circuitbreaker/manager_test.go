package circuitbreaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics/metricstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) OnStateChange(dependency string, from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, dependency+":"+string(from)+"->"+string(to))
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.events...)
}

func TestManager_GetOrCreateReturnsSameBreaker(t *testing.T) {
	m := NewManager(nil)

	first, err := m.GetOrCreate("payments", testConfig())
	require.NoError(t, err)

	second, err := m.GetOrCreate("payments", AggressiveConfig())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, testConfig().FailureThreshold, second.Config().FailureThreshold)

	got, ok := m.Get("payments")
	assert.True(t, ok)
	assert.Same(t, first, got)

	_, err = m.GetOrCreate("bad", Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManager_ExecuteUnknownDependency(t *testing.T) {
	m := NewManager(nil)

	err := m.Execute(context.Background(), "missing", succeed)
	assert.ErrorIs(t, err, ErrBreakerNotFound)
	assert.Equal(t, StateUnknown, m.State("missing"))
	assert.False(t, m.Reset("missing"))
}

func TestManager_StateChangesEmitMetricsAndListeners(t *testing.T) {
	sink := metricstest.NewRecorder()
	listener := &recordingListener{}

	m := NewManager(nil, WithMetrics(sink))
	m.RegisterStateChangeListener(listener)
	m.RegisterStateChangeListener(nil)

	_, err := m.GetOrCreate("payments", testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	labels := map[string]string{"dependency": "payments"}

	assert.InDelta(t, 0, sink.GaugeValue(stateMetric.Name, labels), 0)

	for range 3 {
		_ = m.Execute(ctx, "payments", fail)
	}

	assert.False(t, m.IsHealthy("payments"))
	assert.InDelta(t, 2, sink.GaugeValue(stateMetric.Name, labels), 0)
	assert.InDelta(t, 1, sink.CounterValue(transitionsMetric.Name, map[string]string{
		"dependency": "payments", "from": "CLOSED", "to": "OPEN",
	}), 0)

	require.True(t, m.Reset("payments"))
	assert.True(t, m.IsHealthy("payments"))
	assert.Equal(t, map[string]State{"payments": StateClosed}, m.States())

	require.Eventually(t, func() bool { return len(listener.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"payments:CLOSED->OPEN", "payments:OPEN->CLOSED"}, listener.snapshot())
}

func TestManager_ListenerPanicIsContained(t *testing.T) {
	m := NewManager(nil)
	done := make(chan struct{})

	m.RegisterStateChangeListener(StateChangeFunc(func(string, State, State) { panic("listener bug") }))
	m.RegisterStateChangeListener(StateChangeFunc(func(string, State, State) { close(done) }))

	cfg := testConfig()
	cfg.FailureThreshold = 1

	_, err := m.GetOrCreate("x", cfg)
	require.NoError(t, err)

	_ = m.Execute(context.Background(), "x", fail)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second listener not notified")
	}
}
