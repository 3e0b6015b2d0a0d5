package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLockManager(t *testing.T) (*RedisLockManager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Config{
		Addresses: []string{mr.Addr()},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	manager, err := NewRedisLockManager(context.Background(), client)
	require.NoError(t, err)

	return manager, mr
}

func TestRedisLockManager_TryLock(t *testing.T) {
	manager, mr := newTestLockManager(t)
	ctx := context.Background()

	handle, acquired, err := manager.TryLock(ctx, "sweep:outbox", 5*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.True(t, mr.Exists("sweep:outbox"))

	other, acquired, err := manager.TryLock(ctx, "sweep:outbox", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Nil(t, other)

	require.NoError(t, handle.Unlock(ctx))
	assert.False(t, mr.Exists("sweep:outbox"))

	assert.ErrorIs(t, handle.Unlock(ctx), ErrLockNotHeld)
}

func TestRedisLockManager_TryLockValidation(t *testing.T) {
	manager, _ := newTestLockManager(t)

	_, _, err := manager.TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyLockKey)

	_, _, err = manager.TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrLockExpiryInvalid)

	var nilManager *RedisLockManager

	_, _, err = nilManager.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrNilLockManager)
}

func TestRedisLockManager_WithLock(t *testing.T) {
	manager, mr := newTestLockManager(t)
	ctx := context.Background()

	err := manager.WithLock(ctx, "sweep:dlq", func(context.Context) error {
		assert.True(t, mr.Exists("sweep:dlq"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("sweep:dlq"))

	boom := errors.New("sweep failed")
	err = manager.WithLock(ctx, "sweep:dlq", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("sweep:dlq"))
}

func TestRedisLockManager_WithLockContention(t *testing.T) {
	manager, _ := newTestLockManager(t)
	ctx := context.Background()

	handle, acquired, err := manager.TryLock(ctx, "sweep:busy", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	defer func() { _ = handle.Unlock(ctx) }()

	err = manager.WithLockOptions(ctx, "sweep:busy", SweepLockOptions(time.Second), func(context.Context) error {
		t.Fatal("must not run while another instance leads")
		return nil
	})
	assert.ErrorIs(t, err, errclass.ErrLockContention)
}

func TestValidateLockOptions(t *testing.T) {
	base := DefaultLockOptions()
	require.NoError(t, validateLockOptions(base))

	cases := []struct {
		name   string
		mutate func(*LockOptions)
		want   error
	}{
		{"expiry", func(o *LockOptions) { o.Expiry = 0 }, ErrLockExpiryInvalid},
		{"tries low", func(o *LockOptions) { o.Tries = 0 }, ErrLockTriesInvalid},
		{"tries high", func(o *LockOptions) { o.Tries = maxLockTries + 1 }, ErrLockTriesInvalid},
		{"delay", func(o *LockOptions) { o.RetryDelay = -1 }, ErrLockRetryDelayNegative},
		{"drift", func(o *LockOptions) { o.DriftFactor = 1 }, ErrLockDriftFactorInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			assert.ErrorIs(t, validateLockOptions(opts), tc.want)
		})
	}
}
