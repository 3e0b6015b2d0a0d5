package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultExchange       = "events"
	defaultPrefetch       = 10
	defaultHeartbeat      = 10 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

var (
	ErrEmptyURL          = errors.New("rabbitmq: url is required")
	ErrConnectionClosed  = errors.New("rabbitmq: connection is closed")
	ErrChannelRequired   = errors.New("rabbitmq: channel is required")
	ErrPublisherRequired = errors.New("rabbitmq: publisher is required")
)

var connectionFailuresMetric = metrics.Metric{
	Name:        "rabbitmq_connection_failures_total",
	Description: "Total number of rabbitmq connection failures",
}

// Config describes the broker connection and topology. The env tags are read
// by reliability.SetConfigFromEnvVars.
type Config struct {
	URL            string        `env:"RABBITMQ_URL"`
	Exchange       string        `env:"RABBITMQ_EXCHANGE"`
	DLXExchange    string        `env:"RABBITMQ_DLX_EXCHANGE"`
	Prefetch       int           `env:"RABBITMQ_PREFETCH"`
	ConfirmTimeout time.Duration `env:"RABBITMQ_CONFIRM_TIMEOUT"`
	Heartbeat      time.Duration
}

func (cfg Config) normalize() Config {
	cfg.URL = strings.TrimSpace(cfg.URL)

	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}

	if cfg.DLXExchange == "" {
		cfg.DLXExchange = cfg.Exchange + ".dlx"
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	return cfg
}

// Connection owns one AMQP connection and hands out channels on it. It
// redials on demand after the broker closed the connection.
type Connection struct {
	mu       sync.Mutex
	cfg      Config
	conn     *amqp.Connection
	closed   bool
	logger   log.Logger
	failures metrics.Counter

	dial func(ctx context.Context, url string, cfg amqp.Config) (*amqp.Connection, error)
}

// ConnectionOption customizes a Connection.
type ConnectionOption func(*Connection)

func WithConnectionLogger(logger log.Logger) ConnectionOption {
	return func(c *Connection) { c.logger = log.OrNop(logger) }
}

// WithConnectionMetrics counts dial and channel failures.
func WithConnectionMetrics(sink metrics.Sink) ConnectionOption {
	return func(c *Connection) { c.failures = metrics.OrNop(sink).Counter(connectionFailuresMetric) }
}

// NewConnection validates cfg. No network I/O happens until Connect or
// Channel.
func NewConnection(cfg Config, opts ...ConnectionOption) (*Connection, error) {
	cfg = cfg.normalize()
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}

	c := &Connection{
		cfg:      cfg,
		logger:   log.NewNop(),
		failures: metrics.NewNop().Counter(connectionFailuresMetric),
		dial:     dialContext,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

func dialContext(ctx context.Context, rawURL string, cfg amqp.Config) (*amqp.Connection, error) {
	timeout := defaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	cfg.Dial = amqp.DefaultDial(timeout)

	return amqp.DialConfig(rawURL, cfg)
}

// Config returns the effective configuration.
func (c *Connection) Config() Config { return c.cfg }

// Connect dials the broker if no live connection exists.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.connectLocked(ctx)

	return err
}

func (c *Connection) connectLocked(ctx context.Context) (*amqp.Connection, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	conn, err := c.dial(ctx, c.cfg.URL, amqp.Config{Heartbeat: c.cfg.Heartbeat, Properties: amqp.NewConnectionProperties()})
	if err != nil {
		c.failures.Inc(ctx, metrics.Labels{"operation": "connect"})
		sanitized := newSanitizedError(err, c.cfg.URL, "rabbitmq connect")
		opentelemetry.HandleSpanError(&span, "failed to connect to rabbitmq", sanitized)

		return nil, sanitized
	}

	c.conn = conn
	c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq", log.String("exchange", c.cfg.Exchange))

	return conn, nil
}

// Channel opens a fresh channel, dialing first when needed.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connectLocked(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		c.failures.Inc(ctx, metrics.Labels{"operation": "channel"})
		return nil, fmt.Errorf("rabbitmq open channel: %w", err)
	}

	return ch, nil
}

// Healthy reports whether a live connection exists.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection. Later calls to Channel fail.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("rabbitmq close: %w", err)
	}

	return nil
}

// sanitizedError hides the connection URL credentials from Error while
// keeping the original for errors.Is and errors.As.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	ref, parseErr := url.Parse(connectionString)
	if connectionString == "" || parseErr != nil {
		return msg
	}

	redacted := ref.Redacted()
	msg = strings.ReplaceAll(msg, connectionString, redacted)

	if ref.User != nil {
		if pass, ok := ref.User.Password(); ok && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}

	return msg
}
