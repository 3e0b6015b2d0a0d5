package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/backoff"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrNilClient     = errors.New("redis client is nil")
	ErrInvalidConfig = errors.New("invalid redis config")
	// ErrReconnectThrottled is returned while a failed client waits out its
	// reconnect backoff.
	ErrReconnectThrottled = errors.New("redis reconnect throttled")
)

// Mode is the deployment shape a Config resolves to.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeSentinel   Mode = "sentinel"
	ModeCluster    Mode = "cluster"
)

// Config describes how to reach Redis. A MasterName selects sentinel mode
// and Cluster selects cluster mode; otherwise the single address is used.
type Config struct {
	Addresses  []string
	MasterName string
	Cluster    bool

	Password string
	DB       int

	// CACertBase64 enables TLS when set.
	CACertBase64  string
	TLSMinVersion uint16

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	MaxRetries   int

	Logger  log.Logger
	Metrics metrics.Sink
}

// Mode reports the deployment shape selected by c.
func (c Config) Mode() Mode {
	switch {
	case c.Cluster:
		return ModeCluster
	case c.MasterName != "":
		return ModeSentinel
	default:
		return ModeStandalone
	}
}

// String omits the password.
func (c Config) String() string {
	return fmt.Sprintf("redis.Config{Mode:%s, Addresses:%v, DB:%d, TLS:%t, Password:REDACTED}",
		c.Mode(), c.Addresses, c.DB, c.CACertBase64 != "")
}

func (c *Config) normalize() error {
	c.Logger = log.OrNop(c.Logger)
	c.Metrics = metrics.OrNop(c.Metrics)

	c.MasterName = strings.TrimSpace(c.MasterName)

	addresses := make([]string, 0, len(c.Addresses))
	for _, address := range c.Addresses {
		if address = strings.TrimSpace(address); address != "" {
			addresses = append(addresses, address)
		}
	}

	// go-redis quietly falls back to localhost:6379 on an empty list.
	if len(addresses) == 0 {
		return fmt.Errorf("%w: at least one address is required", ErrInvalidConfig)
	}

	c.Addresses = addresses

	if c.Mode() == ModeStandalone && len(addresses) > 1 {
		return fmt.Errorf("%w: standalone mode takes one address, got %d", ErrInvalidConfig, len(addresses))
	}

	if c.Cluster && c.MasterName != "" {
		return fmt.Errorf("%w: cluster and sentinel are mutually exclusive", ErrInvalidConfig)
	}

	c.PoolSize = min(cmpOr(c.PoolSize, 10), 1000)
	c.DialTimeout = cmpOr(c.DialTimeout, 5*time.Second)
	c.ReadTimeout = cmpOr(c.ReadTimeout, 3*time.Second)
	c.WriteTimeout = cmpOr(c.WriteTimeout, 3*time.Second)
	c.PoolTimeout = cmpOr(c.PoolTimeout, 2*time.Second)

	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}

	return nil
}

func cmpOr[T int | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}

	return v
}

func (c Config) tlsConfig() (*tls.Config, error) {
	if c.CACertBase64 == "" {
		return nil, nil
	}

	pem, err := base64.StdEncoding.DecodeString(c.CACertBase64)
	if err != nil {
		return nil, fmt.Errorf("redis: decode CA cert: %w", err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, errors.New("redis: CA cert holds no PEM certificate")
	}

	minVersion := uint16(tls.VersionTLS12)
	if c.TLSMinVersion == tls.VersionTLS13 {
		minVersion = tls.VersionTLS13
	}

	return &tls.Config{RootCAs: roots, MinVersion: minVersion}, nil
}

var (
	connectionFailuresMetric = metrics.Metric{
		Name:        "redis_connection_failures_total",
		Unit:        "1",
		Description: "Total number of redis connection failures",
	}
	reconnectionsMetric = metrics.Metric{
		Name:        "redis_reconnections_total",
		Unit:        "1",
		Description: "Total number of redis reconnection attempts",
	}
)

// Client owns a go-redis universal client and rebuilds it lazily after a
// failure. Reconnects are spaced by jittered exponential backoff.
type Client struct {
	cfg Config
	tls *tls.Config

	mu       sync.RWMutex
	rdb      redis.UniversalClient
	failures int
	nextTry  time.Time
	now      func() time.Time
}

// New validates cfg and connects.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	c := &Client{cfg: cfg, tls: tlsCfg, now: time.Now}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect replaces the current client with a freshly pinged one.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dial(ctx, "connect")
}

// GetClient returns the live client, dialing again when the previous
// attempt failed and the backoff window has passed.
//
//nolint:ireturn
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	rdb := c.rdb
	c.mu.RUnlock()

	if rdb != nil {
		return rdb, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rdb != nil {
		return c.rdb, nil
	}

	if wait := c.nextTry.Sub(c.now()); wait > 0 {
		return nil, fmt.Errorf("%w: retry in %s", ErrReconnectThrottled, wait.Round(time.Millisecond))
	}

	if err := c.dial(ctx, "reconnect"); err != nil {
		return nil, err
	}

	return c.rdb, nil
}

// Options returns single-connection options for the standalone address,
// used by the connection pool dialer.
func (c *Client) Options() (*redis.Options, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	if c.cfg.Mode() != ModeStandalone {
		return nil, fmt.Errorf("%w: connection pool requires standalone mode", ErrInvalidConfig)
	}

	return &redis.Options{
		Addr:         c.cfg.Addresses[0],
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		MaxRetries:   c.cfg.MaxRetries,
		TLSConfig:    c.tls,
	}, nil
}

// Ping checks the live client.
func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	return rdb.Ping(ctx).Err()
}

// IsConnected reports whether a live client is held.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.rdb != nil
}

// Close releases the client. Closing twice is a no-op.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.drop()
}

func (c *Client) drop() error {
	if c.rdb == nil {
		return nil
	}

	err := c.rdb.Close()
	c.rdb = nil

	return err
}

func (c *Client) universalOptions() *redis.UniversalOptions {
	opts := &redis.UniversalOptions{
		Addrs:         slices.Clone(c.cfg.Addresses),
		Password:      c.cfg.Password,
		DB:            c.cfg.DB,
		PoolSize:      c.cfg.PoolSize,
		MinIdleConns:  c.cfg.MinIdleConns,
		DialTimeout:   c.cfg.DialTimeout,
		ReadTimeout:   c.cfg.ReadTimeout,
		WriteTimeout:  c.cfg.WriteTimeout,
		PoolTimeout:   c.cfg.PoolTimeout,
		MaxRetries:    c.cfg.MaxRetries,
		TLSConfig:     c.tls,
		IsClusterMode: c.cfg.Cluster,
	}

	if c.cfg.Mode() == ModeSentinel {
		opts.MasterName = c.cfg.MasterName
	}

	return opts
}

// dial must be called with mu held.
func (c *Client) dial(ctx context.Context, operation string) error {
	ctx, span := otel.Tracer("redis").Start(ctx, "redis."+operation)
	defer span.End()

	mode := c.cfg.Mode()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("redis.mode", string(mode)))

	logger := c.cfg.Logger.With(log.String("mode", string(mode)))

	if err := c.drop(); err != nil {
		logger.Log(ctx, log.LevelWarn, "closing previous redis client failed", log.Err(err))
	}

	rdb := redis.NewUniversalClient(c.universalOptions())

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.failures++
		c.nextTry = c.now().Add(min(backoff.ExponentialWithJitter(500*time.Millisecond, c.failures), 30*time.Second))

		c.count(connectionFailuresMetric, metrics.Labels{"operation": operation})

		if operation == "reconnect" {
			c.count(reconnectionsMetric, metrics.Labels{"result": "failure"})
		}

		logger.Log(ctx, log.LevelError, "redis ping failed", log.String("operation", operation), log.Err(err))
		opentelemetry.HandleSpanError(&span, "redis "+operation+" failed", err)

		return fmt.Errorf("redis %s: %w", operation, err)
	}

	if operation == "reconnect" {
		c.count(reconnectionsMetric, metrics.Labels{"result": "success"})
	}

	c.rdb = rdb
	c.failures = 0
	c.nextTry = time.Time{}

	logger.Log(ctx, log.LevelInfo, "redis connected", log.Bool("tls", c.tls != nil))

	return nil
}

func (c *Client) count(m metrics.Metric, labels metrics.Labels) {
	c.cfg.Metrics.Counter(m).Inc(context.Background(), labels)
}
