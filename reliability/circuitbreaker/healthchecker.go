package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/runtime"
)

var (
	// ErrInvalidHealthCheckInterval indicates that the health check interval must be positive.
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	// ErrInvalidHealthCheckTimeout indicates that the health check timeout must be positive.
	ErrInvalidHealthCheckTimeout = errors.New("circuitbreaker: health check timeout must be positive")
	// ErrNilManager is returned when the health checker has no manager.
	ErrNilManager = errors.New("circuitbreaker: manager is nil")
)

// BreakerRegistry is what the health checker needs from a Manager.
type BreakerRegistry interface {
	IsHealthy(dependency string) bool
	State(dependency string) State
	Reset(dependency string) bool
}

// HealthChecker probes dependencies whose breaker is not CLOSED and resets
// the breaker when the probe passes.
type HealthChecker struct {
	registry       BreakerRegistry
	services       map[string]HealthCheckFunc
	interval       time.Duration
	checkTimeout   time.Duration
	logger         log.Logger
	stop           chan struct{}
	immediateCheck chan string
	wg             sync.WaitGroup
	mu             sync.RWMutex
	startOnce      sync.Once
	stopOnce       sync.Once
}

// NewHealthChecker returns a checker that runs every interval, giving each
// probe checkTimeout.
func NewHealthChecker(registry BreakerRegistry, interval, checkTimeout time.Duration, logger log.Logger) (*HealthChecker, error) {
	if registry == nil {
		return nil, ErrNilManager
	}

	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	return &HealthChecker{
		registry:       registry,
		services:       make(map[string]HealthCheckFunc),
		interval:       interval,
		checkTimeout:   checkTimeout,
		logger:         log.OrNop(logger),
		stop:           make(chan struct{}),
		immediateCheck: make(chan string, 10),
	}, nil
}

// Register adds a probe for dependency.
func (hc *HealthChecker) Register(dependency string, fn HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.services[dependency] = fn
}

// Start begins the check loop.
func (hc *HealthChecker) Start() {
	hc.startOnce.Do(func() {
		hc.wg.Add(1)

		go hc.loop()

		hc.logger.Log(context.Background(), log.LevelInfo, "health checker started", log.Duration("interval", hc.interval))
	})
}

// Stop ends the loop and waits for a running check to finish.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() {
		close(hc.stop)
		hc.wg.Wait()
	})
}

// Run starts the checker and blocks until ctx is done. It fits the launcher.
func (hc *HealthChecker) Run(ctx context.Context) error {
	hc.Start()

	select {
	case <-ctx.Done():
	case <-hc.stop:
	}

	hc.Stop()

	return nil
}

func (hc *HealthChecker) loop() {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.checkAll()
		case dependency := <-hc.immediateCheck:
			hc.check(dependency)
		case <-hc.stop:
			return
		}
	}
}

func (hc *HealthChecker) checkAll() {
	hc.mu.RLock()
	services := maps.Clone(hc.services)
	hc.mu.RUnlock()

	for dependency := range services {
		hc.check(dependency)
	}
}

// check probes one dependency when its breaker is not CLOSED.
func (hc *HealthChecker) check(dependency string) {
	ctx := context.Background()

	defer runtime.RecoverAndLog(ctx, hc.logger, "circuit_breaker_health", dependency)

	hc.mu.RLock()
	fn, ok := hc.services[dependency]
	hc.mu.RUnlock()

	if !ok || hc.registry.IsHealthy(dependency) {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
	err := fn(probeCtx)

	cancel()

	if err != nil {
		hc.logger.Log(ctx, log.LevelWarn, "dependency still unhealthy",
			log.String("dependency", dependency), log.Err(err), log.Duration("next_check_in", hc.interval))

		return
	}

	hc.logger.Log(ctx, log.LevelInfo, "dependency recovered, resetting circuit breaker", log.String("dependency", dependency))
	hc.registry.Reset(dependency)
}

// HealthStatus returns the breaker state of every registered dependency.
func (hc *HealthChecker) HealthStatus() map[string]State {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]State, len(hc.services))
	for dependency := range hc.services {
		status[dependency] = hc.registry.State(dependency)
	}

	return status
}

// OnStateChange schedules an immediate probe when a breaker opens.
func (hc *HealthChecker) OnStateChange(dependency string, _ State, to State) {
	if to != StateOpen {
		return
	}

	select {
	case hc.immediateCheck <- dependency:
	default:
		hc.logger.Log(context.Background(), log.LevelWarn, "immediate health check queue full",
			log.String("dependency", dependency))
	}
}
