package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/circuitbreaker"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics/metricstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errclass.Mark(errors.New("upstream 503"), errclass.Transient)

func fastConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{Points: 1000, Duration: time.Second},
		Queue:     QueueConfig{Concurrency: 10},
		Retry:     RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: 150 * time.Millisecond},
		Breaker:   circuitbreaker.Config{FailureThreshold: 5, SuccessThreshold: 1, ResetTimeout: time.Minute},
	}
}

func newTestExecutor(t *testing.T, cfg Config, opts ...Option) (*Executor, *[]time.Duration) {
	t.Helper()

	e, err := New("marketplace", cfg, opts...)
	require.NoError(t, err)

	var sleeps []time.Duration

	e.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	return e, &sleeps
}

func TestExecutor_IntervalCapSpacesStarts(t *testing.T) {
	cfg := fastConfig()
	cfg.Queue = QueueConfig{Concurrency: 1, IntervalCap: 1, Interval: time.Second}

	e, _ := newTestExecutor(t, cfg)

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)

	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = e.Execute(context.Background(), Request{Operation: "sync"}, func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()

				return nil
			}, nil)
		}()
	}

	wg.Wait()

	require.Len(t, starts, 2)

	gap := starts[1].Sub(starts[0])
	if gap < 0 {
		gap = -gap
	}

	assert.GreaterOrEqual(t, gap, 990*time.Millisecond)
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	cfg := fastConfig()
	cfg.Queue.Concurrency = 2

	e, _ := newTestExecutor(t, cfg)

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)

	for range 6 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = e.Execute(context.Background(), Request{}, func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}

				time.Sleep(20 * time.Millisecond)
				current.Add(-1)

				return nil
			}, nil)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, int64(6), e.Stats().Successes)
	assert.Zero(t, e.InFlight())
}

func TestExecutor_RetriesWithCappedBackoff(t *testing.T) {
	e, sleeps := newTestExecutor(t, fastConfig())

	calls := 0
	err := e.Execute(context.Background(), Request{}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}

		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, *sleeps)
}

func TestExecutor_StopsOnNonRetryable(t *testing.T) {
	e, sleeps := newTestExecutor(t, fastConfig())
	permanent := &errclass.ValidationError{Field: "sku", Reason: "missing"}

	calls := 0
	err := e.Execute(context.Background(), Request{}, func(context.Context) error {
		calls++
		return permanent
	}, nil)

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *sleeps)
}

func TestExecutor_CustomShouldRetry(t *testing.T) {
	e, _ := newTestExecutor(t, fastConfig())
	plain := errors.New("flaky")

	calls := 0
	err := e.Execute(context.Background(), Request{}, func(context.Context) error {
		calls++
		return plain
	}, func(err error) bool { return errors.Is(err, plain) })

	require.ErrorIs(t, err, plain)
	assert.Equal(t, 3, calls)
}

func TestExecutor_BreakerRejectsAfterExhaustedRetries(t *testing.T) {
	cfg := fastConfig()
	cfg.Breaker.FailureThreshold = 1

	sink := metricstest.NewRecorder()
	e, _ := newTestExecutor(t, cfg, WithMetrics(sink))

	calls := 0
	fn := func(context.Context) error {
		calls++
		return errTransient
	}

	require.ErrorIs(t, e.Execute(context.Background(), Request{}, fn, nil), errTransient)
	assert.Equal(t, 3, calls, "retries run inside one breaker call")
	assert.Equal(t, circuitbreaker.StateOpen, e.Breaker().State())

	var open *errclass.CircuitOpenError
	require.ErrorAs(t, e.Execute(context.Background(), Request{}, fn, nil), &open)
	assert.Equal(t, 3, calls)

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.Failures)
	assert.InDelta(t, 1, sink.CounterValue(requestsMetric.Name, map[string]string{"executor": "marketplace", "outcome": "failure"}), 0)
	assert.InDelta(t, 1, sink.CounterValue(requestsMetric.Name, map[string]string{"executor": "marketplace", "outcome": "circuit_open"}), 0)
	assert.InDelta(t, 2, sink.CounterValue(retriesMetric.Name, map[string]string{"executor": "marketplace"}), 0)
}

func TestExecutor_SharedBreakerFromManager(t *testing.T) {
	manager := circuitbreaker.NewManager(nil)

	e, _ := newTestExecutor(t, fastConfig(), WithBreakerManager(manager))

	b, ok := manager.Get("marketplace")
	require.True(t, ok)
	assert.Same(t, b, e.Breaker())
}

func TestExecutor_RateLimitFailFast(t *testing.T) {
	cfg := fastConfig()
	cfg.RateLimit = RateLimitConfig{Points: 1, Duration: time.Hour, Mode: RateLimitFailFast}

	e, _ := newTestExecutor(t, cfg)

	require.NoError(t, e.Execute(context.Background(), Request{}, func(context.Context) error { return nil }, nil))

	called := false
	err := e.Execute(context.Background(), Request{}, func(context.Context) error {
		called = true
		return nil
	}, nil)

	var limited *errclass.RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "marketplace", limited.Dependency)
	assert.Greater(t, limited.RetryAfter, 59*time.Minute)
	assert.False(t, called)
	assert.True(t, errclass.IsRetryable(err))
}

func TestExecutor_RateLimitWaitBlocksForToken(t *testing.T) {
	cfg := fastConfig()
	cfg.RateLimit = RateLimitConfig{Points: 1, Duration: 100 * time.Millisecond}

	e, _ := newTestExecutor(t, cfg)
	noop := func(context.Context) error { return nil }

	require.NoError(t, e.Execute(context.Background(), Request{}, noop, nil))

	start := time.Now()
	require.NoError(t, e.Execute(context.Background(), Request{}, noop, nil))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, e.Execute(ctx, Request{}, noop, nil))
}

type recordingAudit struct {
	mu        sync.Mutex
	requests  []Request
	responses map[string]Outcome
	failLog   bool
}

func (a *recordingAudit) LogRequest(_ context.Context, req Request) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failLog {
		return "", errors.New("audit store down")
	}

	a.requests = append(a.requests, req)

	return "log-1", nil
}

func (a *recordingAudit) LogResponse(_ context.Context, logID string, outcome Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.responses == nil {
		a.responses = map[string]Outcome{}
	}

	a.responses[logID] = outcome

	return nil
}

func TestExecutor_AuditPairsRequestAndResponse(t *testing.T) {
	cfg := fastConfig()
	cfg.AuditEnabled = true

	audit := &recordingAudit{}
	e, _ := newTestExecutor(t, cfg, WithAuditLogger(audit))

	req := Request{Operation: "create_listing", Target: "https://api.example.test/listings"}
	require.NoError(t, e.Execute(context.Background(), req, func(context.Context) error { return nil }, nil))

	require.Len(t, audit.requests, 1)
	assert.Equal(t, "create_listing", audit.requests[0].Operation)
	assert.True(t, audit.responses["log-1"].Success)
	assert.Equal(t, 1, audit.responses["log-1"].Attempts)
}

func TestExecutor_AuditFailureDoesNotFailCall(t *testing.T) {
	cfg := fastConfig()
	cfg.AuditEnabled = true

	audit := &recordingAudit{failLog: true}
	e, _ := newTestExecutor(t, cfg, WithAuditLogger(audit))

	require.NoError(t, e.Execute(context.Background(), Request{}, func(context.Context) error { return nil }, nil))
	assert.Empty(t, audit.responses)
}

func TestExecutor_AuditDisabled(t *testing.T) {
	audit := &recordingAudit{}
	e, _ := newTestExecutor(t, fastConfig(), WithAuditLogger(audit))

	require.NoError(t, e.Execute(context.Background(), Request{}, func(context.Context) error { return nil }, nil))
	assert.Empty(t, audit.requests)
}

func TestCall(t *testing.T) {
	e, _ := newTestExecutor(t, fastConfig())

	id, err := Call(context.Background(), e, Request{}, func(context.Context) (string, error) { return "listing-9", nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, "listing-9", id)

	_, err = Call[string](context.Background(), e, Request{}, nil, nil)
	assert.ErrorIs(t, err, ErrNilCall)
}

func TestExecutor_StatsAverageLatency(t *testing.T) {
	e, _ := newTestExecutor(t, fastConfig())

	for _, d := range []time.Duration{10 * time.Millisecond, 30 * time.Millisecond} {
		require.NoError(t, e.Execute(context.Background(), Request{}, func(context.Context) error {
			time.Sleep(d)
			return nil
		}, nil))
	}

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.Total)
	assert.GreaterOrEqual(t, stats.AverageLatency, 20*time.Millisecond)
	assert.Less(t, stats.AverageLatency, 200*time.Millisecond)
}

func TestExecutor_Close(t *testing.T) {
	e, _ := newTestExecutor(t, fastConfig())
	e.Close()

	err := e.Execute(context.Background(), Request{}, func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrExecutorClosed)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.BackoffFactor = 0.5

	_, err := New("x", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BackoffFactor")

	cfg = fastConfig()
	cfg.Breaker = circuitbreaker.Config{FailureThreshold: 1}

	_, err = New("x", cfg)
	assert.ErrorIs(t, err, circuitbreaker.ErrInvalidConfig)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{RateLimit: RateLimitConfig{Mode: RateLimitFailFast}, Queue: QueueConfig{IntervalCap: 2}}.withDefaults()

	assert.Equal(t, 10, cfg.RateLimit.Points)
	assert.Equal(t, RateLimitFailFast, cfg.RateLimit.Mode)
	assert.Equal(t, time.Second, cfg.Queue.Interval)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	require.NoError(t, cfg.validate())
}
