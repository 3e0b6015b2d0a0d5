package mongo

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics/metricstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type fakeBackend struct {
	connectErr    error
	pingErr       error
	disconnectErr error
	indexErr      map[string]error

	connects    atomic.Int32
	disconnects atomic.Int32
	indexes     atomic.Int32
}

func (f *fakeBackend) connect(context.Context, *options.ClientOptions) (*mongo.Client, error) {
	f.connects.Add(1)

	if f.connectErr != nil {
		return nil, f.connectErr
	}

	return &mongo.Client{}, nil
}

func (f *fakeBackend) ping(context.Context, *mongo.Client) error { return f.pingErr }

func (f *fakeBackend) disconnect(context.Context, *mongo.Client) error {
	f.disconnects.Add(1)
	return f.disconnectErr
}

func (f *fakeBackend) createIndex(_ context.Context, _ *mongo.Collection, index mongo.IndexModel) error {
	f.indexes.Add(1)
	return f.indexErr[indexKeys(index.Keys)]
}

func newTestClient(t *testing.T, b *fakeBackend, opts ...Option) *Client {
	t.Helper()

	c, err := newClient(Config{URI: "mongodb://localhost:27017", Database: "app"}, opts...)
	require.NoError(t, err)

	c.backend = b

	return c
}

func TestConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := Config{URI: " mongodb://h ", Database: "app", MaxPoolSize: 5000, MinPoolSize: 9000}
	require.NoError(t, cfg.normalize())

	assert.Equal(t, "mongodb://h", cfg.URI)
	assert.Equal(t, uint64(maxPoolCeiling), cfg.MaxPoolSize)
	assert.Equal(t, uint64(maxPoolCeiling), cfg.MinPoolSize)
	assert.Equal(t, 5*time.Second, cfg.ServerSelectionTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
}

func TestConfig_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "empty uri", cfg: Config{Database: "app"}, want: ErrEmptyURI},
		{name: "empty database", cfg: Config{URI: "mongodb://h"}, want: ErrEmptyDatabaseName},
		{name: "tls 1.1", cfg: Config{URI: "mongodb://h", Database: "app", TLSMinVersion: tls.VersionTLS11}, want: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := newClient(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConfig_ClientOptions(t *testing.T) {
	t.Parallel()

	cfg := Config{URI: "mongodb://h", Database: "app", AppName: "worker", MaxPoolSize: 20, MinPoolSize: 2}
	require.NoError(t, cfg.normalize())

	opts, err := cfg.clientOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.AppName)
	assert.Equal(t, "worker", *opts.AppName)
	assert.Equal(t, uint64(20), *opts.MaxPoolSize)
	assert.Nil(t, opts.TLSConfig)

	cfg.CACertBase64 = "%%%"
	_, err = cfg.clientOptions()
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg.CACertBase64 = base64.StdEncoding.EncodeToString([]byte("not pem"))
	_, err = cfg.clientOptions()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_TLSEnabled(t *testing.T) {
	t.Parallel()

	assert.True(t, Config{URI: "mongodb+srv://cluster.example"}.tlsEnabled())
	assert.True(t, Config{URI: "mongodb://h/?tls=true"}.tlsEnabled())
	assert.True(t, Config{URI: "mongodb://h", CACertBase64: "x"}.tlsEnabled())
	assert.False(t, Config{URI: "mongodb://h"}.tlsEnabled())
}

func TestConnect_IsIdempotent(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	c := newTestClient(t, b)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), b.connects.Load())

	db, err := c.Database()
	require.NoError(t, err)
	assert.Equal(t, "app", db.Name())
}

func TestConnect_FailuresAreCounted(t *testing.T) {
	t.Parallel()

	t.Run("connect error", func(t *testing.T) {
		t.Parallel()

		rec := metricstest.NewRecorder()
		c := newTestClient(t, &fakeBackend{connectErr: errors.New("dial refused")}, WithMetrics(rec))

		require.ErrorIs(t, c.Connect(context.Background()), ErrConnect)
		assert.Equal(t, 1.0, rec.CounterValue(connectionFailuresMetric.Name, map[string]string{"operation": "connect"}))
	})

	t.Run("ping error disconnects", func(t *testing.T) {
		t.Parallel()

		rec := metricstest.NewRecorder()
		b := &fakeBackend{pingErr: errors.New("no primary")}
		c := newTestClient(t, b, WithMetrics(rec))

		require.ErrorIs(t, c.Connect(context.Background()), ErrPing)
		assert.Equal(t, int32(1), b.disconnects.Load())
		assert.Equal(t, 1.0, rec.CounterValue(connectionFailuresMetric.Name, map[string]string{"operation": "ping"}))

		_, err := c.Database()
		assert.ErrorIs(t, err, ErrClientClosed)
	})
}

func TestClose(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{disconnectErr: errors.New("boom")}
	c := newTestClient(t, b)
	require.NoError(t, c.Connect(context.Background()))

	require.ErrorIs(t, c.Close(context.Background()), ErrDisconnect)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrClientClosed)
	assert.NoError(t, c.Close(context.Background()))
	assert.Equal(t, int32(1), b.disconnects.Load())
}

func TestEnsureIndexes_JoinsFailures(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{indexErr: map[string]error{"bad": errors.New("conflict")}}
	c := newTestClient(t, b)

	assert.ErrorIs(t, c.EnsureIndexes(context.Background(), "events"), ErrClientClosed)

	require.NoError(t, c.Connect(context.Background()))

	err := c.EnsureIndexes(context.Background(), "events",
		mongo.IndexModel{Keys: bson.D{{Key: "bad", Value: 1}}},
		mongo.IndexModel{Keys: bson.D{{Key: "status", Value: 1}}},
	)
	require.ErrorIs(t, err, ErrCreateIndex)
	assert.Contains(t, err.Error(), "fields=bad")
	assert.Equal(t, int32(2), b.indexes.Load())

	assert.ErrorIs(t, c.EnsureIndexes(context.Background(), " "), ErrEmptyCollectionName)
}

func TestIndexKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "status,createdAt", indexKeys(bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}))
	assert.Equal(t, "a,b", indexKeys(bson.M{"b": 1, "a": 1}))
	assert.Equal(t, "<unknown>", indexKeys(42))
}
