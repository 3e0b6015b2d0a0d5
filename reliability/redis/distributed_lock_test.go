package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockKey(t *testing.T) {
	assert.Equal(t, "lock:orders.created:evt-1", LockKey("orders.created", "evt-1"))
}

func TestDistributedLock_AcquireRelease(t *testing.T) {
	store, mr := newTestStore(t)
	lock := NewDistributedLock(store, nil)
	ctx := context.Background()

	acquired, err := lock.Acquire(ctx, "lock:s:1", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, 30*time.Second, mr.TTL("lock:s:1"))

	acquired, err = lock.Acquire(ctx, "lock:s:1", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	released, err := lock.Release(ctx, "lock:s:1", "worker-b")
	require.NoError(t, err)
	assert.False(t, released, "only the owner may release")

	released, err = lock.Release(ctx, "lock:s:1", "worker-a")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = lock.Release(ctx, "lock:s:1", "worker-a")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestDistributedLock_AcquireValidation(t *testing.T) {
	store, _ := newTestStore(t)
	lock := NewDistributedLock(store, nil)
	ctx := context.Background()

	_, err := lock.Acquire(ctx, " ", "w", time.Second)
	assert.ErrorIs(t, err, ErrEmptyLockKey)

	_, err = lock.Acquire(ctx, "k", "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyOwner)

	_, err = lock.Acquire(ctx, "k", "w", 0)
	assert.ErrorIs(t, err, ErrLockExpiryInvalid)
}

func TestDistributedLock_HoldReleasesOnEveryPath(t *testing.T) {
	store, mr := newTestStore(t)
	lock := NewDistributedLock(store, nil)
	ctx := context.Background()

	require.NoError(t, lock.Hold(ctx, "lock:s:ok", "w", time.Minute, func(context.Context) error {
		assert.True(t, mr.Exists("lock:s:ok"))
		return nil
	}))
	assert.False(t, mr.Exists("lock:s:ok"))

	boom := errors.New("handler failed")
	err := lock.Hold(ctx, "lock:s:err", "w", time.Minute, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:s:err"))

	assert.Panics(t, func() {
		_ = lock.Hold(ctx, "lock:s:panic", "w", time.Minute, func(context.Context) error { panic("kaboom") })
	})
	assert.False(t, mr.Exists("lock:s:panic"))
}

func TestDistributedLock_HoldContention(t *testing.T) {
	store, mr := newTestStore(t)
	lock := NewDistributedLock(store, nil)

	require.NoError(t, mr.Set("lock:s:busy", "someone-else"))

	called := false
	err := lock.Hold(context.Background(), "lock:s:busy", "w", time.Minute, func(context.Context) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, errclass.ErrLockContention)
	assert.False(t, called)
	assert.True(t, mr.Exists("lock:s:busy"))
}

func TestDistributedLock_MutualExclusion(t *testing.T) {
	store, _ := newTestStore(t)
	lock := NewDistributedLock(store, nil)

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
		ran     atomic.Int32
	)

	for i := range 8 {
		wg.Add(1)

		go func(owner string) {
			defer wg.Done()

			_ = lock.Hold(context.Background(), "lock:s:shared", owner, time.Minute, func(context.Context) error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}

				ran.Add(1)
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)

				return nil
			})
		}(string(rune('a' + i)))
	}

	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.GreaterOrEqual(t, ran.Load(), int32(1))
}
