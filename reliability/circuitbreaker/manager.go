package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/runtime"
)

// ErrBreakerNotFound is returned by Execute for an unregistered dependency.
var ErrBreakerNotFound = errors.New("circuitbreaker: breaker not found")

var (
	stateMetric = metrics.Metric{
		Name:        "circuit_breaker_state",
		Description: "Breaker state: 0 closed, 1 half-open, 2 open",
	}
	transitionsMetric = metrics.Metric{
		Name:        "circuit_breaker_transitions_total",
		Description: "Breaker state transitions",
	}
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics sets the sink for state metrics.
func WithMetrics(sink metrics.Sink) ManagerOption {
	return func(m *Manager) { m.sink = metrics.OrNop(sink) }
}

// Manager owns one Breaker per dependency.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateChangeListener
	logger    log.Logger
	sink      metrics.Sink
}

// NewManager returns an empty Manager.
func NewManager(logger log.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]*Breaker),
		logger:   log.OrNop(logger),
		sink:     metrics.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// GetOrCreate returns the breaker for dependency, creating it with cfg on
// first use. cfg is ignored for an existing breaker.
func (m *Manager) GetOrCreate(dependency string, cfg Config) (*Breaker, error) {
	m.mu.RLock()
	b, ok := m.breakers[dependency]
	m.mu.RUnlock()

	if ok {
		return b, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok = m.breakers[dependency]; ok {
		return b, nil
	}

	b, err := NewBreaker(dependency, cfg, WithLogger(m.logger), WithStateChange(m.handleStateChange))
	if err != nil {
		return nil, fmt.Errorf("circuitbreaker: create %q: %w", dependency, err)
	}

	m.breakers[dependency] = b
	m.sink.Gauge(stateMetric).Set(context.Background(), metrics.Labels{"dependency": dependency}, StateClosed.gaugeValue())

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created",
		log.String("dependency", dependency),
		log.Int("failure_threshold", int(cfg.FailureThreshold)),
		log.Duration("reset_timeout", cfg.ResetTimeout))

	return b, nil
}

// Get returns the breaker for dependency.
func (m *Manager) Get(dependency string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.breakers[dependency]

	return b, ok
}

// Execute runs fn through the dependency's breaker.
func (m *Manager) Execute(ctx context.Context, dependency string, fn func(context.Context) error) error {
	b, ok := m.Get(dependency)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBreakerNotFound, dependency)
	}

	return b.Execute(ctx, fn)
}

// State returns the dependency's state, StateUnknown when unregistered.
func (m *Manager) State(dependency string) State {
	b, ok := m.Get(dependency)
	if !ok {
		return StateUnknown
	}

	return b.State()
}

// IsHealthy reports whether the dependency's breaker is CLOSED.
func (m *Manager) IsHealthy(dependency string) bool {
	return m.State(dependency) == StateClosed
}

// Reset forces the dependency's breaker CLOSED. It reports false when no
// such breaker exists.
func (m *Manager) Reset(dependency string) bool {
	b, ok := m.Get(dependency)
	if !ok {
		return false
	}

	b.Reset()

	return true
}

// States returns the state of every breaker.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	breakers := make(map[string]*Breaker, len(m.breakers))
	for name, b := range m.breakers {
		breakers[name] = b
	}
	m.mu.RUnlock()

	out := make(map[string]State, len(breakers))
	for name, b := range breakers {
		out[name] = b.State()
	}

	return out
}

// RegisterStateChangeListener adds a listener. Listeners run in their own
// goroutine.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *Manager) handleStateChange(dependency string, from, to State) {
	ctx := context.Background()
	fields := []log.Field{log.String("dependency", dependency), log.String("from", string(from)), log.String("to", string(to))}

	switch to {
	case StateOpen:
		m.logger.Log(ctx, log.LevelError, "circuit breaker opened, calls will fail fast", fields...)
	case StateHalfOpen:
		m.logger.Log(ctx, log.LevelInfo, "circuit breaker half-open, probing dependency", fields...)
	default:
		m.logger.Log(ctx, log.LevelInfo, "circuit breaker closed", fields...)
	}

	m.sink.Gauge(stateMetric).Set(ctx, metrics.Labels{"dependency": dependency}, to.gaugeValue())
	m.sink.Counter(transitionsMetric).Inc(ctx, metrics.Labels{
		"dependency": dependency,
		"from":       string(from),
		"to":         string(to),
	})

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		runtime.SafeGo(m.logger, "circuit_breaker_listener", func() {
			listener.OnStateChange(dependency, from, to)
		})
	}
}
