package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"go.opentelemetry.io/otel"
)

const (
	defaultMaxConns        = 10
	defaultConnectTimeout  = 10 * time.Second
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrEmptyDSN     = errors.New("postgres: dsn is required")
	ErrClientClosed = errors.New("postgres: client is closed")
	ErrNotConnected = errors.New("postgres: client is not connected")

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

var connectionFailuresMetric = metrics.Metric{
	Name:        "postgres_connection_failures_total",
	Description: "Total number of postgres connection failures",
}

// Config describes the pool.
type Config struct {
	DSN             string        `env:"POSTGRES_DSN"`
	MaxConns        int32         `env:"POSTGRES_MAX_CONNS"`
	MinConns        int32         `env:"POSTGRES_MIN_CONNS"`
	ConnectTimeout  time.Duration `env:"POSTGRES_CONNECT_TIMEOUT"`
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (cfg Config) normalize() Config {
	cfg.DSN = strings.TrimSpace(cfg.DSN)

	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}

	cfg.MinConns = min(max(cfg.MinConns, 0), cfg.MaxConns)

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return cfg
}

// Option customizes a Client.
type Option func(*Client)

func WithLogger(logger log.Logger) Option {
	return func(c *Client) { c.logger = log.OrNop(logger) }
}

func WithMetrics(sink metrics.Sink) Option {
	return func(c *Client) { c.failures = metrics.OrNop(sink).Counter(connectionFailuresMetric) }
}

// Client owns one pgxpool.Pool.
type Client struct {
	mu       sync.RWMutex
	cfg      Config
	pool     *pgxpool.Pool
	closed   bool
	logger   log.Logger
	failures metrics.Counter
}

// NewClient validates cfg and connects.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.normalize()
	if cfg.DSN == "" {
		return nil, ErrEmptyDSN
	}

	c := &Client{cfg: cfg, logger: log.NewNop(), failures: metrics.NewNop().Counter(connectionFailuresMetric)}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect opens the pool and pings it. It is a no-op when connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	if c.pool != nil {
		return nil
	}

	ctx, span := otel.Tracer("postgres").Start(ctx, "postgres.connect")
	defer span.End()

	poolCfg, err := pgxpool.ParseConfig(c.cfg.DSN)
	if err != nil {
		err = fmt.Errorf("postgres: parse dsn: %s", sanitize(err))
		opentelemetry.HandleSpanError(&span, "invalid postgres dsn", err)

		return err
	}

	poolCfg.MaxConns = c.cfg.MaxConns
	poolCfg.MinConns = c.cfg.MinConns
	poolCfg.MaxConnLifetime = c.cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = c.cfg.ConnMaxIdleTime

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err == nil {
		if err = pool.Ping(connectCtx); err != nil {
			pool.Close()
		}
	}

	if err != nil {
		c.failures.Inc(ctx, metrics.Labels{"operation": "connect"})
		err = fmt.Errorf("postgres: connect: %s", sanitize(err))
		opentelemetry.HandleSpanError(&span, "failed to connect to postgres", err)

		return err
	}

	c.pool = pool
	c.logger.Log(ctx, log.LevelInfo, "connected to postgres",
		log.Int("max_conns", int(c.cfg.MaxConns)), log.String("database", poolCfg.ConnConfig.Database))

	return nil
}

// Pool returns the connected pool.
func (c *Client) Pool() (*pgxpool.Pool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClientClosed
	}

	if c.pool == nil {
		return nil, ErrNotConnected
	}

	return c.pool, nil
}

// Ping checks the pool with one round trip.
func (c *Client) Ping(ctx context.Context) error {
	pool, err := c.Pool()
	if err != nil {
		return err
	}

	if err := pool.Ping(ctx); err != nil {
		c.failures.Inc(ctx, metrics.Labels{"operation": "ping"})
		return fmt.Errorf("postgres: ping: %s", sanitize(err))
	}

	return nil
}

// Close closes the pool. Later calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}

	return nil
}

func sanitize(err error) string {
	if err == nil {
		return ""
	}

	out := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(out, "${1}***")
}
