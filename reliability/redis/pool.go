package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/runtime"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrAcquireTimeout is returned when no connection became available in time.
	ErrAcquireTimeout = errors.New("redis pool: acquire timeout")
	// ErrPoolDestroyed is returned by every acquire after Destroy.
	ErrPoolDestroyed = errors.New("redis pool: destroyed")
	// ErrNotInUse is returned when releasing a connection that is not checked out.
	ErrNotInUse = errors.New("redis pool: connection is not in use")
	// ErrNilDialer is returned when the pool is built without a dialer.
	ErrNilDialer = errors.New("redis pool: dialer is nil")
)

// Dialer opens one pooled connection.
type Dialer func(ctx context.Context) (*redis.Client, error)

// SingleConnDialer dials go-redis clients restricted to one socket each.
func SingleConnDialer(base *redis.Options) Dialer {
	return func(ctx context.Context) (*redis.Client, error) {
		opts := *base
		opts.PoolSize = 1
		opts.MinIdleConns = 0
		opts.MaxIdleConns = 1

		client := redis.NewClient(&opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis pool: dial: %w", err)
		}

		return client, nil
	}
}

// PoolConfig bounds the pool.
type PoolConfig struct {
	MinConnections      int
	MaxConnections      int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	EvictionInterval    time.Duration
	HealthCheckInterval time.Duration
	PingTimeout         time.Duration
}

// DefaultPoolConfig returns the defaults used by the worker.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConnections:      2,
		MaxConnections:      10,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		EvictionInterval:    30 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		PingTimeout:         2 * time.Second,
	}
}

func (c *PoolConfig) normalize() {
	d := DefaultPoolConfig()

	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}

	c.MinConnections = min(max(c.MinConnections, 0), c.MaxConnections)

	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}

	if c.EvictionInterval <= 0 {
		c.EvictionInterval = d.EvictionInterval
	}

	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}

	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
}

// PoolOption configures a ConnectionPool.
type PoolOption func(*ConnectionPool)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger log.Logger) PoolOption {
	return func(p *ConnectionPool) { p.logger = log.OrNop(logger) }
}

// WithPoolMetrics sets the metrics sink.
func WithPoolMetrics(sink metrics.Sink) PoolOption {
	return func(p *ConnectionPool) { p.sink = metrics.OrNop(sink) }
}

// WithPoolName labels the pool in logs and metrics.
func WithPoolName(name string) PoolOption {
	return func(p *ConnectionPool) { p.name = name }
}

// PooledConnection is one connection owned by the pool.
type PooledConnection struct {
	ID        string
	Client    *redis.Client
	CreatedAt time.Time

	inUse     bool
	idleSince time.Time
}

// InUse reports whether the connection is checked out.
func (c *PooledConnection) InUse() bool { return c.inUse }

// IdleSince reports when the connection was last returned.
func (c *PooledConnection) IdleSince() time.Time { return c.idleSince }

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Total   int
	Idle    int
	InUse   int
	Waiting int
}

type grant struct {
	conn   *PooledConnection
	permit bool
	err    error
}

type waiter struct {
	ch chan grant
}

// ConnectionPool hands out single-socket connections. Waiters are served
// in arrival order once the pool is at MaxConnections.
type ConnectionPool struct {
	cfg    PoolConfig
	dial   Dialer
	logger log.Logger
	sink   metrics.Sink
	name   string

	mu        sync.Mutex
	idle      []*PooledConnection
	total     int
	waiters   []*waiter
	destroyed bool

	healthy     atomic.Bool
	stop        chan struct{}
	stopOnce    sync.Once
	maintenance sync.WaitGroup
	now         func() time.Time
}

var (
	poolConnectionsMetric = metrics.Metric{
		Name:        "redis_pool_connections",
		Description: "Connections held by the pool by state",
	}
	poolAcquireTimeoutsMetric = metrics.Metric{
		Name:        "redis_pool_acquire_timeouts_total",
		Description: "Acquire calls that timed out waiting for a connection",
	}
	poolAcquireWaitMetric = metrics.Metric{
		Name:        "redis_pool_acquire_wait_seconds",
		Unit:        "s",
		Description: "Time spent waiting in Acquire",
	}
	poolHealthyMetric = metrics.Metric{
		Name:        "redis_pool_healthy",
		Description: "1 when the last pool health check succeeded",
	}
)

// NewConnectionPool opens MinConnections connections and starts the eviction
// and health-check loop.
func NewConnectionPool(ctx context.Context, dial Dialer, cfg PoolConfig, opts ...PoolOption) (*ConnectionPool, error) {
	if dial == nil {
		return nil, ErrNilDialer
	}

	cfg.normalize()

	p := &ConnectionPool{
		cfg:    cfg,
		dial:   dial,
		logger: log.NewNop(),
		sink:   metrics.NewNop(),
		name:   "default",
		stop:   make(chan struct{}),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.healthy.Store(true)

	if err := p.ensureMinimum(ctx); err != nil {
		p.Destroy()
		return nil, err
	}

	p.maintenance.Add(1)

	go p.maintain()

	return p, nil
}

// Acquire returns an idle connection, dials a new one below MaxConnections,
// or waits in line until Release hands one over. Waiting ends with
// ErrAcquireTimeout after AcquireTimeout.
func (p *ConnectionPool) Acquire(ctx context.Context) (*PooledConnection, error) {
	start := p.now()

	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrPoolDestroyed
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		conn.inUse = true
		p.mu.Unlock()

		return conn, nil
	}

	if p.total < p.cfg.MaxConnections {
		p.total++
		p.mu.Unlock()

		return p.dialReserved(ctx)
	}

	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case g := <-w.ch:
		p.observeWait(start)
		return p.take(ctx, g)
	case <-timer.C:
		return nil, p.abandon(ctx, w, ErrAcquireTimeout)
	case <-ctx.Done():
		return nil, p.abandon(ctx, w, ctx.Err())
	}
}

// Release returns conn to the oldest waiter or to the idle set.
func (p *ConnectionPool) Release(conn *PooledConnection) error {
	if conn == nil {
		return nil
	}

	p.mu.Lock()

	if !conn.inUse {
		p.mu.Unlock()
		return ErrNotInUse
	}

	conn.inUse = false

	if p.destroyed {
		p.total--
		p.mu.Unlock()

		return conn.Client.Close()
	}

	if len(p.waiters) > 0 {
		w := p.popWaiterLocked()
		conn.inUse = true
		p.mu.Unlock()

		w.ch <- grant{conn: conn}

		return nil
	}

	conn.idleSince = p.now()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()

	return nil
}

// Discard closes a broken connection and frees its slot for a waiter.
func (p *ConnectionPool) Discard(conn *PooledConnection) error {
	if conn == nil {
		return nil
	}

	p.mu.Lock()

	if !conn.inUse {
		p.mu.Unlock()
		return ErrNotInUse
	}

	conn.inUse = false
	p.total--
	p.grantPermitLocked()
	p.mu.Unlock()

	return conn.Client.Close()
}

// Do runs fn on a pooled connection. Connections that fail at the transport
// level are discarded instead of returned.
func (p *ConnectionPool) Do(ctx context.Context, fn func(redis.Cmdable) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(conn.Client)
	if isBrokenConnection(err) {
		p.logger.Log(ctx, log.LevelWarn, "redis pool connection discarded",
			log.String("pool", p.name), log.String("connection_id", conn.ID), log.Err(err))

		_ = p.Discard(conn)

		return err
	}

	_ = p.Release(conn)

	return err
}

// Healthy reports the result of the last health check.
func (p *ConnectionPool) Healthy() bool {
	return p.healthy.Load()
}

// Stats returns current counters.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Total:   p.total,
		Idle:    len(p.idle),
		InUse:   p.total - len(p.idle),
		Waiting: len(p.waiters),
	}
}

// Destroy rejects pending acquires, closes idle connections and stops
// maintenance. Connections still checked out are closed on Release.
func (p *ConnectionPool) Destroy() {
	p.mu.Lock()

	if p.destroyed {
		p.mu.Unlock()
		return
	}

	p.destroyed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- grant{err: ErrPoolDestroyed}
	}

	for _, conn := range idle {
		_ = conn.Client.Close()
	}

	p.stopOnce.Do(func() { close(p.stop) })
	p.maintenance.Wait()

	p.logger.Log(context.Background(), log.LevelInfo, "redis pool destroyed",
		log.String("pool", p.name), log.Int("rejected_waiters", len(waiters)))
}

func (p *ConnectionPool) dialReserved(ctx context.Context) (*PooledConnection, error) {
	client, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.grantPermitLocked()
		p.mu.Unlock()

		return nil, err
	}

	conn := &PooledConnection{
		ID:        uuid.NewString(),
		Client:    client,
		CreatedAt: p.now(),
		inUse:     true,
	}

	p.mu.Lock()
	destroyed := p.destroyed
	if destroyed {
		p.total--
	}
	p.mu.Unlock()

	if destroyed {
		_ = client.Close()
		return nil, ErrPoolDestroyed
	}

	return conn, nil
}

// take resolves a grant delivered to a waiter.
func (p *ConnectionPool) take(ctx context.Context, g grant) (*PooledConnection, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.permit:
		return p.dialReserved(ctx)
	default:
		return g.conn, nil
	}
}

// abandon removes w from the queue. When a grant raced the timeout it is
// handed back to the pool.
func (p *ConnectionPool) abandon(ctx context.Context, w *waiter, cause error) error {
	p.mu.Lock()

	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()

			if errors.Is(cause, ErrAcquireTimeout) {
				p.sink.Counter(poolAcquireTimeoutsMetric).Inc(ctx, metrics.Labels{"pool": p.name})
			}

			return cause
		}
	}

	p.mu.Unlock()

	g := <-w.ch

	switch {
	case g.err != nil:
		return g.err
	case g.permit:
		p.mu.Lock()
		p.total--
		p.grantPermitLocked()
		p.mu.Unlock()
	default:
		_ = p.Release(g.conn)
	}

	return cause
}

func (p *ConnectionPool) popWaiterLocked() *waiter {
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]

	return w
}

// grantPermitLocked lets the oldest waiter dial into a freed slot.
func (p *ConnectionPool) grantPermitLocked() {
	if p.destroyed || len(p.waiters) == 0 || p.total >= p.cfg.MaxConnections {
		return
	}

	p.total++
	w := p.popWaiterLocked()
	w.ch <- grant{permit: true}
}

func (p *ConnectionPool) observeWait(start time.Time) {
	p.sink.Histogram(poolAcquireWaitMetric).Observe(context.Background(), metrics.Labels{"pool": p.name},
		p.now().Sub(start).Seconds())
}

// ensureMinimum dials until the pool holds MinConnections.
func (p *ConnectionPool) ensureMinimum(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.destroyed || p.total >= p.cfg.MinConnections {
			p.mu.Unlock()
			return nil
		}

		p.total++
		p.mu.Unlock()

		conn, err := p.dialReserved(ctx)
		if err != nil {
			return err
		}

		if err := p.Release(conn); err != nil {
			return err
		}
	}
}

// evictIdle closes connections idle longer than IdleTimeout while keeping
// at least MinConnections in the pool.
func (p *ConnectionPool) evictIdle() int {
	now := p.now()

	p.mu.Lock()

	sort.SliceStable(p.idle, func(i, j int) bool {
		return p.idle[i].idleSince.Before(p.idle[j].idleSince)
	})

	var evicted []*PooledConnection

	kept := p.idle[:0]
	for _, conn := range p.idle {
		if p.total > p.cfg.MinConnections && now.Sub(conn.idleSince) > p.cfg.IdleTimeout {
			evicted = append(evicted, conn)
			p.total--

			continue
		}

		kept = append(kept, conn)
	}

	p.idle = kept
	p.mu.Unlock()

	for _, conn := range evicted {
		_ = conn.Client.Close()
	}

	return len(evicted)
}

// checkHealth pings one idle connection.
func (p *ConnectionPool) checkHealth(ctx context.Context) {
	p.mu.Lock()

	if p.destroyed || len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}

	conn := p.idle[0]
	p.idle = p.idle[1:]
	conn.inUse = true
	p.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	err := conn.Client.Ping(pingCtx).Err()

	cancel()

	if err != nil {
		p.healthy.Store(false)
		p.sink.Gauge(poolHealthyMetric).Set(ctx, metrics.Labels{"pool": p.name}, 0)
		p.logger.Log(ctx, log.LevelError, "redis pool unhealthy",
			log.String("pool", p.name), log.String("connection_id", conn.ID), log.Err(err))

		_ = p.Discard(conn)

		return
	}

	p.healthy.Store(true)
	p.sink.Gauge(poolHealthyMetric).Set(ctx, metrics.Labels{"pool": p.name}, 1)

	_ = p.Release(conn)
}

func (p *ConnectionPool) maintain() {
	defer p.maintenance.Done()

	evict := time.NewTicker(p.cfg.EvictionInterval)
	defer evict.Stop()

	health := time.NewTicker(p.cfg.HealthCheckInterval)
	defer health.Stop()

	ctx := context.Background()

	for {
		select {
		case <-p.stop:
			return
		case <-evict.C:
			p.maintenanceTick(ctx, "evict", func() {
				if n := p.evictIdle(); n > 0 {
					p.logger.Log(ctx, log.LevelDebug, "redis pool idle connections evicted",
						log.String("pool", p.name), log.Int("evicted", n))
				}
			})
		case <-health.C:
			p.maintenanceTick(ctx, "health_check", func() {
				p.checkHealth(ctx)

				if err := p.ensureMinimum(ctx); err != nil {
					p.logger.Log(ctx, log.LevelWarn, "redis pool refill failed",
						log.String("pool", p.name), log.Err(err))
				}
			})
		}
	}
}

func (p *ConnectionPool) maintenanceTick(ctx context.Context, name string, fn func()) {
	defer runtime.RecoverAndLog(ctx, p.logger, "redis_pool", name)

	fn()

	stats := p.Stats()
	p.sink.Gauge(poolConnectionsMetric).Set(ctx, metrics.Labels{"pool": p.name, "state": "idle"}, float64(stats.Idle))
	p.sink.Gauge(poolConnectionsMetric).Set(ctx, metrics.Labels{"pool": p.name, "state": "in_use"}, float64(stats.InUse))
}

// isBrokenConnection reports transport failures. Redis reply errors leave the
// socket usable.
func isBrokenConnection(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}

	var reply redis.Error
	if errors.As(err, &reply) {
		return false
	}

	return errclass.Classify(err) == errclass.Transient
}
