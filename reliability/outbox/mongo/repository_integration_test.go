//go:build integration

package mongo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	reliabilitymongo "github.com/oguzhanayyldz/moon-lib-sub000/reliability/mongo"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/mongo/mongotest"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationRepo(t *testing.T) *Repository {
	t.Helper()

	ctx := context.Background()
	uri := mongotest.StartContainer(t)

	client, err := reliabilitymongo.NewClient(ctx, reliabilitymongo.Config{URI: uri, Database: "outbox_it"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	name := "outbox_" + uuid.NewString()[:8]
	require.NoError(t, client.EnsureIndexes(ctx, name, Indexes()...))

	coll, err := client.Collection(name)
	require.NoError(t, err)

	repo, err := NewRepository(coll)
	require.NoError(t, err)

	return repo
}

func TestIntegration_OutboxLifecycle(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()

	record, err := outbox.NewRecord("order.created", []byte(`{"id":"o1"}`), time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Insert(ctx, record))

	pending, err := repo.FindPending(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, record.ID, pending[0].ID)
	assert.Equal(t, outbox.StatusPending, pending[0].Status)

	claimed, err := repo.Claim(ctx, record.ID, 0, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, claimed)

	failed, err := repo.MarkFailed(ctx, record.ID, 0, "broker down", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, failed)

	stored, err := repo.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "broker down", stored.Error)
	assert.Nil(t, stored.ProcessingStartedAt)

	n, err := repo.ResetFailedForRetry(ctx, time.Now().UTC().Add(-time.Minute), 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	claimed, err = repo.Claim(ctx, record.ID, 1, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	published, err := repo.MarkPublished(ctx, record.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, published)

	stored, err = repo.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPublished, stored.Status)
	assert.NotNil(t, stored.PublishedAt)
	assert.Empty(t, stored.Error)

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, outbox.ErrRecordNotFound)
}

func TestIntegration_ClaimAtMostOnce(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()

	record, err := outbox.NewRecord("order.created", []byte(`{}`), time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Insert(ctx, record))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ok, claimErr := repo.Claim(ctx, record.ID, 0, time.Now().UTC())
			assert.NoError(t, claimErr)

			if ok {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestIntegration_StuckAndTerminal(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()

	stuck, err := outbox.NewRecord("stuck", []byte(`{}`), time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Insert(ctx, stuck))

	ok, err := repo.Claim(ctx, stuck.ID, 0, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := repo.ResetStuck(ctx, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	terminal, err := outbox.NewRecord("terminal", []byte(`{}`), time.Now())
	require.NoError(t, err)
	terminal.Status = outbox.StatusFailed
	terminal.RetryCount = 5
	last := time.Now().UTC().Add(-time.Hour)
	terminal.LastAttempt = &last
	require.NoError(t, repo.Insert(ctx, terminal))

	count, err := repo.CountFailed(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	reset, err := repo.ResetFailedForRetry(ctx, time.Now().UTC(), 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reset)

	pending, err := repo.FindPending(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stuck.ID, pending[0].ID)
}
