package mongo

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

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrClientClosed        = errors.New("mongo client is closed")
	ErrInvalidConfig       = errors.New("invalid mongo config")
	ErrEmptyURI            = errors.New("mongo uri cannot be empty")
	ErrEmptyDatabaseName   = errors.New("database name cannot be empty")
	ErrEmptyCollectionName = errors.New("collection name cannot be empty")

	ErrConnect     = errors.New("mongo connect failed")
	ErrPing        = errors.New("mongo ping failed")
	ErrDisconnect  = errors.New("mongo disconnect failed")
	ErrCreateIndex = errors.New("mongo create index failed")
)

const maxPoolCeiling = 1000

// Config holds connection settings. TLS is enabled by CACertBase64.
type Config struct {
	URI                    string        `env:"MONGO_URI"`
	Database               string        `env:"MONGO_DATABASE"`
	AppName                string        `env:"MONGO_APP_NAME"`
	MaxPoolSize            uint64        `env:"MONGO_MAX_POOL_SIZE"`
	MinPoolSize            uint64        `env:"MONGO_MIN_POOL_SIZE"`
	ServerSelectionTimeout time.Duration `env:"MONGO_SERVER_SELECTION_TIMEOUT"`
	HeartbeatInterval      time.Duration
	CACertBase64           string `env:"MONGO_TLS_CA_CERT"`
	TLSMinVersion          uint16
}

func (cfg *Config) normalize() error {
	cfg.URI = strings.TrimSpace(cfg.URI)
	cfg.Database = strings.TrimSpace(cfg.Database)

	switch {
	case cfg.URI == "":
		return ErrEmptyURI
	case cfg.Database == "":
		return ErrEmptyDatabaseName
	}

	if cfg.TLSMinVersion != 0 && cfg.TLSMinVersion != tls.VersionTLS12 && cfg.TLSMinVersion != tls.VersionTLS13 {
		return fmt.Errorf("%w: unsupported TLS version %#x", ErrInvalidConfig, cfg.TLSMinVersion)
	}

	cfg.MaxPoolSize = min(cfg.MaxPoolSize, maxPoolCeiling)
	cfg.MinPoolSize = min(cfg.MinPoolSize, cfg.MaxPoolSize)

	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = 5 * time.Second
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}

	return nil
}

func (cfg Config) clientOptions() (*options.ClientOptions, error) {
	opts := options.Client().ApplyURI(cfg.URI).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetHeartbeatInterval(cfg.HeartbeatInterval)

	if cfg.AppName != "" {
		opts.SetAppName(cfg.AppName)
	}

	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize).SetMinPoolSize(cfg.MinPoolSize)
	}

	if cfg.CACertBase64 == "" {
		return opts, nil
	}

	pem, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode CA cert: %w", ErrInvalidConfig, err)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: CA cert holds no PEM certificate", ErrInvalidConfig)
	}

	return opts.SetTLSConfig(&tls.Config{RootCAs: roots, MinVersion: max(cfg.TLSMinVersion, tls.VersionTLS12)}), nil
}

// tlsEnabled reports whether the connection will be encrypted, either by a
// configured CA or by the URI itself.
func (cfg Config) tlsEnabled() bool {
	return cfg.CACertBase64 != "" ||
		strings.HasPrefix(cfg.URI, "mongodb+srv://") ||
		strings.Contains(cfg.URI, "tls=true") ||
		strings.Contains(cfg.URI, "ssl=true")
}

var connectionFailuresMetric = metrics.Metric{
	Name:        "mongo_connection_failures_total",
	Description: "Total number of mongo connection failures",
}

type Option func(*Client)

func WithLogger(logger log.Logger) Option {
	return func(c *Client) { c.logger = log.OrNop(logger) }
}

func WithMetrics(sink metrics.Sink) Option {
	return func(c *Client) { c.failures = metrics.OrNop(sink).Counter(connectionFailuresMetric) }
}

// backend is the part of the driver that talks to a server.
type backend interface {
	connect(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error)
	ping(ctx context.Context, client *mongo.Client) error
	disconnect(ctx context.Context, client *mongo.Client) error
	createIndex(ctx context.Context, coll *mongo.Collection, index mongo.IndexModel) error
}

type driverBackend struct{}

func (driverBackend) connect(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	return mongo.Connect(ctx, opts)
}

func (driverBackend) ping(ctx context.Context, client *mongo.Client) error {
	return client.Ping(ctx, nil)
}

func (driverBackend) disconnect(ctx context.Context, client *mongo.Client) error {
	return client.Disconnect(ctx)
}

func (driverBackend) createIndex(ctx context.Context, coll *mongo.Collection, index mongo.IndexModel) error {
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// Client is a connected MongoDB database with index helpers.
type Client struct {
	cfg      Config
	logger   log.Logger
	failures metrics.Counter
	backend  backend

	mu     sync.RWMutex
	client *mongo.Client
}

// NewClient validates cfg and connects.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c, err := newClient(cfg, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func newClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		logger:   log.NewNop(),
		failures: metrics.NewNop().Counter(connectionFailuresMetric),
		backend:  driverBackend{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Connect dials and pings. It is a no-op while connected.
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := otel.Tracer("mongo").Start(ctx, "mongo.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "mongodb"), attribute.String("db.name", c.cfg.Database))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	fail := func(operation string, sentinel, err error) error {
		c.failures.Inc(ctx, metrics.Labels{"operation": operation})
		opentelemetry.HandleSpanError(&span, "mongo "+operation+" failed", err)

		return fmt.Errorf("%w: %w", sentinel, err)
	}

	opts, err := c.cfg.clientOptions()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	client, err := c.backend.connect(ctx, opts)
	if err != nil {
		return fail("connect", ErrConnect, err)
	}

	if err := c.backend.ping(ctx, client); err != nil {
		if dErr := c.backend.disconnect(ctx, client); dErr != nil {
			c.logger.Log(ctx, log.LevelWarn, "mongo disconnect after failed ping", log.Err(dErr))
		}

		return fail("ping", ErrPing, err)
	}

	c.client = client

	c.logger.Log(ctx, log.LevelInfo, "mongo connected",
		log.String("database", c.cfg.Database), log.Bool("tls", c.cfg.tlsEnabled()))

	if !c.cfg.tlsEnabled() {
		c.logger.Log(ctx, log.LevelWarn, "mongo connection is not encrypted")
	}

	return nil
}

func (c *Client) live() (*mongo.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientClosed
	}

	return c.client, nil
}

func (c *Client) Database() (*mongo.Database, error) {
	client, err := c.live()
	if err != nil {
		return nil, err
	}

	return client.Database(c.cfg.Database), nil
}

func (c *Client) Collection(name string) (*mongo.Collection, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyCollectionName
	}

	db, err := c.Database()
	if err != nil {
		return nil, err
	}

	return db.Collection(name), nil
}

func (c *Client) Ping(ctx context.Context) error {
	client, err := c.live()
	if err != nil {
		return err
	}

	if err := c.backend.ping(ctx, client); err != nil {
		return fmt.Errorf("%w: %w", ErrPing, err)
	}

	return nil
}

// Close disconnects. The client counts as closed even when disconnect fails.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}

	if err := c.backend.disconnect(ctx, client); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnect, err)
	}

	return nil
}

// EnsureIndexes creates the given indexes on collection. Each index is tried
// and the failures are joined.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...mongo.IndexModel) error {
	coll, err := c.Collection(collection)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("mongo").Start(ctx, "mongo.ensure_indexes")
	defer span.End()

	span.SetAttributes(attribute.String("db.mongodb.collection", collection), attribute.Int("db.mongodb.indexes", len(indexes)))

	var errs []error

	for _, index := range indexes {
		if err := c.backend.createIndex(ctx, coll, index); err != nil {
			keys := indexKeys(index.Keys)

			c.logger.Log(ctx, log.LevelWarn, "mongo index creation failed",
				log.String("collection", collection), log.String("fields", keys), log.Err(err))

			errs = append(errs, fmt.Errorf("%w: collection=%s fields=%s: %w", ErrCreateIndex, collection, keys, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		opentelemetry.HandleSpanError(&span, "mongo index creation failed", err)
		return err
	}

	return nil
}

// indexKeys renders the field names of an index key document.
func indexKeys(keys any) string {
	var names []string

	switch k := keys.(type) {
	case bson.D:
		for _, e := range k {
			names = append(names, e.Key)
		}
	case bson.M:
		for name := range k {
			names = append(names, name)
		}

		slices.Sort(names)
	default:
		return "<unknown>"
	}

	return strings.Join(names, ",")
}
