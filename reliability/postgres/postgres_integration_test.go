//go:build integration

package postgres

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func startPostgres(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("outbox"),
		tcpostgres.WithUsername("relay"),
		tcpostgres.WithPassword("relay"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn
}

func TestIntegration_ClientLifecycle(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	client, err := NewClient(ctx, Config{DSN: dsn, MaxConns: 4, MinConns: 1})
	require.NoError(t, err)

	require.NoError(t, client.Connect(ctx), "second connect is a no-op")
	require.NoError(t, client.Ping(ctx))

	pool, err := client.Pool()
	require.NoError(t, err)
	assert.Equal(t, int32(4), pool.Config().MaxConns)

	var version string
	require.NoError(t, pool.QueryRow(ctx, "SHOW server_version").Scan(&version))
	assert.NotEmpty(t, version)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Ping(ctx), ErrClientClosed)
}

func TestIntegration_WrongPasswordIsSanitized(t *testing.T) {
	dsn := startPostgres(t)

	cfg, err := pgxDSNWithPassword(dsn, "wrong-secret")
	require.NoError(t, err)

	_, err = NewClient(context.Background(), Config{DSN: cfg, ConnectTimeout: 5 * time.Second})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "wrong-secret")
}

func pgxDSNWithPassword(dsn, password string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}

	u.User = url.UserPassword(u.User.Username(), password)

	return u.String(), nil
}
