//go:build integration

// Package mongotest provides MongoDB servers for integration tests.
package mongotest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
)

// URIEnv points the tests at an already running server instead of a
// container.
const URIEnv = "MONGO_TEST_URI"

const image = "mongo:7"

// StartContainer returns a connection string for a disposable server. The
// container is terminated when t finishes.
func StartContainer(t *testing.T) string {
	t.Helper()

	if uri := os.Getenv(URIEnv); uri != "" {
		return uri
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcmongo.Run(ctx, image,
		testcontainers.WithWaitStrategy(wait.ForListeningPort("27017/tcp").WithStartupTimeout(time.Minute)),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start %s", image)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	return uri
}
