package circuitbreaker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/sony/gobreaker/v2"
)

// ErrEmptyName is returned when a breaker is created without a dependency name.
var ErrEmptyName = errors.New("circuitbreaker: dependency name is required")

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the breaker logger.
func WithLogger(logger log.Logger) Option {
	return func(b *Breaker) { b.logger = log.OrNop(logger) }
}

// WithStateChange registers fn for every transition of this breaker. fn runs
// while the transition is in progress and must not call back into the breaker.
func WithStateChange(fn func(dependency string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is a three-state circuit breaker for one dependency.
type Breaker struct {
	name     string
	cfg      Config
	logger   log.Logger
	onChange func(dependency string, from, to State)

	mu sync.RWMutex
	cb *gobreaker.CircuitBreaker[any]

	statsMu     sync.Mutex
	lastFailure time.Time
	lastSuccess time.Time
}

// NewBreaker returns a CLOSED breaker for the named dependency.
func NewBreaker(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &Breaker{name: name, cfg: cfg, logger: log.NewNop()}

	for _, opt := range opts {
		opt(b)
	}

	b.cb = b.newEngine()

	return b, nil
}

func (b *Breaker) newEngine() *gobreaker.CircuitBreaker[any] {
	cfg := b.cfg

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		IsExcluded: cfg.ignored,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.transition(convertState(from), convertState(to))
		},
	})
}

func (b *Breaker) engine() *gobreaker.CircuitBreaker[any] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.cb
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Config returns the breaker configuration.
func (b *Breaker) Config() Config { return b.cfg }

// Execute runs fn unless the breaker is open. A rejected call returns
// *errclass.CircuitOpenError, or the result of Config.Fallback when set.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	called := false

	_, err := b.engine().Execute(func() (any, error) {
		called = true
		return nil, fn(ctx)
	})

	if !called {
		return b.reject(ctx)
	}

	b.record(err)

	return err
}

// Do runs fn through b and returns its value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T

	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v

		return err
	})

	return out, err
}

func (b *Breaker) reject(ctx context.Context) error {
	rejection := &errclass.CircuitOpenError{Dependency: b.name}

	b.logger.Log(ctx, log.LevelDebug, "circuit breaker rejected call", log.String("dependency", b.name))

	if b.cfg.Fallback != nil {
		return b.cfg.Fallback(ctx, rejection)
	}

	return rejection
}

// record stamps the last success or failure. Ignored errors leave both.
func (b *Breaker) record(err error) {
	now := time.Now()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	switch {
	case err == nil:
		b.lastSuccess = now
	case !b.cfg.ignored(err):
		b.lastFailure = now
	}
}

// State returns the current state. An OPEN breaker whose reset timeout has
// elapsed reports HALF_OPEN.
func (b *Breaker) State() State {
	return convertState(b.engine().State())
}

// Metrics returns a snapshot of the breaker.
func (b *Breaker) Metrics() Metrics {
	cb := b.engine()
	state := convertState(cb.State())
	counts := cb.Counts()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	m := Metrics{
		State:           state,
		FailureCount:    counts.ConsecutiveFailures,
		SuccessCount:    counts.ConsecutiveSuccesses,
		TotalFailures:   counts.TotalFailures,
		TotalSuccesses:  counts.TotalSuccesses,
		LastFailureTime: b.lastFailure,
		LastSuccessTime: b.lastSuccess,
	}

	if state == StateHalfOpen {
		m.HalfOpenCallCount = counts.Requests
	}

	return m
}

// Reset forces the breaker CLOSED with cleared counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := convertState(b.cb.State())
	b.cb = b.newEngine()
	b.mu.Unlock()

	if prev != StateClosed {
		b.transition(prev, StateClosed)
	}
}

func (b *Breaker) transition(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
		return
	}

	b.logger.Log(context.Background(), log.LevelWarn, "circuit breaker state changed",
		log.String("dependency", b.name), log.String("from", string(from)), log.String("to", string(to)))
}
