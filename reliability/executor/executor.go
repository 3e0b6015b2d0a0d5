package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/backoff"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/circuitbreaker"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	// ErrExecutorClosed is returned by Execute after Close.
	ErrExecutorClosed = errors.New("executor: closed")
	// ErrNilCall is returned when Execute is given no call.
	ErrNilCall = errors.New("executor: call is nil")
)

const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeCircuitOpen = "circuit_open"
	outcomeRateLimited = "rate_limited"
	outcomeCanceled    = "canceled"
)

var (
	requestsMetric = metrics.Metric{
		Name:        "executor_requests_total",
		Description: "Outbound requests by terminal outcome",
	}
	durationMetric = metrics.Metric{
		Name:        "executor_request_duration_seconds",
		Unit:        "s",
		Description: "Latency of outbound requests including retries",
		Buckets:     metrics.DefaultLatencyBuckets,
	}
	inFlightMetric = metrics.Metric{
		Name:        "executor_in_flight",
		Description: "Outbound requests currently executing",
	}
	retriesMetric = metrics.Metric{
		Name:        "executor_retries_total",
		Description: "Retry attempts made by the inner retry loop",
	}
)

// Stats are running totals over terminal outcomes.
type Stats struct {
	Total          int64
	Successes      int64
	Failures       int64
	AverageLatency time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Executor) { e.logger = log.OrNop(logger) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(e *Executor) { e.sink = metrics.OrNop(sink) }
}

// WithAuditLogger sets the audit collaborator. It is used only when
// Config.AuditEnabled is true.
func WithAuditLogger(audit AuditLogger) Option {
	return func(e *Executor) { e.audit = audit }
}

// WithBreakerManager takes the breaker from manager instead of creating a
// private one, so its state is visible to health checks.
func WithBreakerManager(manager *circuitbreaker.Manager) Option {
	return func(e *Executor) { e.manager = manager }
}

// Executor runs calls against one dependency.
type Executor struct {
	name    string
	cfg     Config
	logger  log.Logger
	sink    metrics.Sink
	audit   AuditLogger
	manager *circuitbreaker.Manager

	limiter *rate.Limiter
	slots   *semaphore.Weighted
	gate    *intervalGate
	breaker *circuitbreaker.Breaker
	sleep   func(context.Context, time.Duration) error

	inFlight atomic.Int64
	closed   atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

// New builds an executor for the named dependency.
func New(name string, cfg Config, opts ...Option) (*Executor, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("executor %q: %w", name, err)
	}

	e := &Executor{
		name:   name,
		cfg:    cfg,
		logger: log.NewNop(),
		sink:   metrics.NewNop(),
		sleep:  backoff.SleepWithContext,
	}

	for _, opt := range opts {
		opt(e)
	}

	var err error

	if e.manager != nil {
		e.breaker, err = e.manager.GetOrCreate(name, cfg.Breaker)
	} else {
		e.breaker, err = circuitbreaker.NewBreaker(name, cfg.Breaker, circuitbreaker.WithLogger(e.logger))
	}

	if err != nil {
		return nil, fmt.Errorf("executor %q: %w", name, err)
	}

	every := cfg.RateLimit.Duration / time.Duration(cfg.RateLimit.Points)
	e.limiter = rate.NewLimiter(rate.Every(every), cfg.RateLimit.Points)
	e.slots = semaphore.NewWeighted(int64(cfg.Queue.Concurrency))
	e.gate = newIntervalGate(cfg.Queue.IntervalCap, cfg.Queue.Interval)

	return e, nil
}

// Name returns the dependency name.
func (e *Executor) Name() string { return e.name }

// Breaker returns the executor's circuit breaker.
func (e *Executor) Breaker() *circuitbreaker.Breaker { return e.breaker }

// Execute runs call under the rate limit, the queue, the breaker and the
// retry loop. shouldRetry decides whether a failed attempt is retried; nil
// means errclass.IsRetryable.
func (e *Executor) Execute(ctx context.Context, req Request, call func(context.Context) error, shouldRetry func(error) bool) error {
	if call == nil {
		return ErrNilCall
	}

	if e.closed.Load() {
		return ErrExecutorClosed
	}

	if shouldRetry == nil {
		shouldRetry = errclass.IsRetryable
	}

	tracer := reliability.NewTrackingFromContext(ctx).Tracer

	ctx, span := tracer.Start(ctx, "executor.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("executor.name", e.name),
		attribute.String("executor.operation", req.Operation),
	)

	start := time.Now()
	logID := e.auditRequest(ctx, req)

	attempts, err := e.run(ctx, call, shouldRetry)

	outcome := Outcome{Success: err == nil, Err: err, Attempts: attempts, Duration: time.Since(start)}
	e.finish(ctx, req, outcome)
	e.auditResponse(ctx, logID, outcome)

	if err != nil {
		opentelemetry.HandleSpanError(&span, "outbound request failed", err)
	}

	return err
}

// Call is Execute for calls that return a value.
func Call[T any](ctx context.Context, e *Executor, req Request, call func(context.Context) (T, error), shouldRetry func(error) bool) (T, error) {
	var out T

	if call == nil {
		return out, ErrNilCall
	}

	err := e.Execute(ctx, req, func(ctx context.Context) error {
		v, err := call(ctx)
		if err == nil {
			out = v
		}

		return err
	}, shouldRetry)

	return out, err
}

func (e *Executor) run(ctx context.Context, call func(context.Context) error, shouldRetry func(error) bool) (int, error) {
	if err := e.admit(ctx); err != nil {
		return 0, err
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer e.slots.Release(1)

	if err := e.gate.wait(ctx); err != nil {
		return 0, err
	}

	e.sink.Gauge(inFlightMetric).Set(ctx, metrics.Labels{"executor": e.name}, float64(e.inFlight.Add(1)))
	defer func() {
		e.sink.Gauge(inFlightMetric).Set(ctx, metrics.Labels{"executor": e.name}, float64(e.inFlight.Add(-1)))
	}()

	attempts := 0

	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.retry(ctx, call, shouldRetry, &attempts)
	})

	return attempts, err
}

// admit takes one token from the bucket.
func (e *Executor) admit(ctx context.Context) error {
	if e.cfg.RateLimit.Mode == RateLimitWait {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("executor %q: rate limit wait: %w", e.name, err)
		}

		return nil
	}

	now := time.Now()

	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)

		return &errclass.RateLimitError{Dependency: e.name, RetryAfter: delay}
	}

	return nil
}

func (e *Executor) retry(ctx context.Context, call func(context.Context) error, shouldRetry func(error) bool, attempts *int) error {
	var err error

	for n := 1; n <= e.cfg.Retry.MaxAttempts; n++ {
		*attempts = n

		err = call(ctx)
		if err == nil {
			return nil
		}

		if n == e.cfg.Retry.MaxAttempts || !shouldRetry(err) {
			return err
		}

		delay := backoff.Multiplicative(e.cfg.Retry.InitialDelay, e.cfg.Retry.BackoffFactor, n-1, e.cfg.Retry.MaxDelay)

		e.sink.Counter(retriesMetric).Inc(ctx, metrics.Labels{"executor": e.name})
		e.logger.Log(ctx, log.LevelDebug, "retrying outbound request",
			log.String("executor", e.name), log.Int("attempt", n), log.Duration("delay", delay), log.Err(err))

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}

	return err
}

func (e *Executor) finish(ctx context.Context, req Request, outcome Outcome) {
	e.statsMu.Lock()
	e.stats.Total++

	if outcome.Success {
		e.stats.Successes++
	} else {
		e.stats.Failures++
	}

	e.stats.AverageLatency += (outcome.Duration - e.stats.AverageLatency) / time.Duration(e.stats.Total)
	e.statsMu.Unlock()

	label := outcomeLabel(outcome.Err)
	labels := metrics.Labels{"executor": e.name, "outcome": label}

	e.sink.Counter(requestsMetric).Inc(ctx, labels)
	e.sink.Histogram(durationMetric).Observe(ctx, metrics.Labels{"executor": e.name}, outcome.Duration.Seconds())

	if !outcome.Success {
		e.logger.Log(ctx, log.LevelWarn, "outbound request failed",
			log.String("executor", e.name), log.String("operation", req.Operation),
			log.String("outcome", label), log.Int("attempts", outcome.Attempts), log.Err(outcome.Err))
	}
}

func outcomeLabel(err error) string {
	switch errclass.Classify(err) {
	case errclass.Unclassified:
		if err == nil {
			return outcomeSuccess
		}
	case errclass.CircuitOpen:
		return outcomeCircuitOpen
	case errclass.RateLimited:
		return outcomeRateLimited
	}

	if errors.Is(err, context.Canceled) {
		return outcomeCanceled
	}

	return outcomeFailure
}

func (e *Executor) auditRequest(ctx context.Context, req Request) string {
	if !e.cfg.AuditEnabled || e.audit == nil {
		return ""
	}

	logID, err := e.audit.LogRequest(ctx, req)
	if err != nil {
		e.logger.Log(ctx, log.LevelWarn, "audit request log failed", log.String("executor", e.name), log.Err(err))
		return ""
	}

	return logID
}

func (e *Executor) auditResponse(ctx context.Context, logID string, outcome Outcome) {
	if logID == "" {
		return
	}

	if err := e.audit.LogResponse(ctx, logID, outcome); err != nil {
		e.logger.Log(ctx, log.LevelWarn, "audit response log failed",
			log.String("executor", e.name), log.String("log_id", logID), log.Err(err))
	}
}

// Stats returns the running totals.
func (e *Executor) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	return e.stats
}

// InFlight returns the number of calls currently executing.
func (e *Executor) InFlight() int64 { return e.inFlight.Load() }

// Close rejects later calls. Calls already admitted finish normally.
func (e *Executor) Close() {
	e.closed.Store(true)
}
