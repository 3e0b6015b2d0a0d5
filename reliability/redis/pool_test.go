package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics/metricstest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg PoolConfig, opts ...PoolOption) (*ConnectionPool, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	pool, err := NewConnectionPool(context.Background(), SingleConnDialer(&redis.Options{Addr: mr.Addr()}), cfg, opts...)
	require.NoError(t, err)

	t.Cleanup(pool.Destroy)

	return pool, mr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestConnectionPool_OpensMinimumConnections(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MinConnections: 2, MaxConnections: 4})

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
	assert.True(t, pool.Healthy())
}

func TestConnectionPool_AcquireRelease(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MinConnections: 1, MaxConnections: 2})
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, first.InUse())

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, PoolStats{Total: 2, Idle: 0, InUse: 2}, pool.Stats())

	require.NoError(t, pool.Release(first))
	assert.False(t, first.IdleSince().IsZero())
	assert.ErrorIs(t, pool.Release(first), ErrNotInUse)

	require.NoError(t, pool.Release(second))
	assert.Equal(t, PoolStats{Total: 2, Idle: 2, InUse: 0}, pool.Stats())
}

func TestConnectionPool_WaitersServedInArrivalOrder(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)

	order := make(chan string, 2)
	acquire := func(name string) {
		conn, acquireErr := pool.Acquire(ctx)
		if acquireErr != nil {
			order <- "error"
			return
		}

		order <- name

		time.Sleep(10 * time.Millisecond)

		_ = pool.Release(conn)
	}

	go acquire("first")
	waitFor(t, func() bool { return pool.Stats().Waiting == 1 })

	go acquire("second")
	waitFor(t, func() bool { return pool.Stats().Waiting == 2 })

	require.NoError(t, pool.Release(held))

	assert.Equal(t, "first", <-order)
	assert.Equal(t, "second", <-order)
}

func TestConnectionPool_AcquireTimeout(t *testing.T) {
	sink := metricstest.NewRecorder()
	pool, _ := newTestPool(t,
		PoolConfig{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 50 * time.Millisecond},
		WithPoolMetrics(sink), WithPoolName("test"))

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(context.Background())

	require.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, pool.Stats().Waiting)
	assert.InDelta(t, 1, sink.CounterValue(poolAcquireTimeoutsMetric.Name, map[string]string{"pool": "test"}), 0)

	require.NoError(t, pool.Release(held))
}

func TestConnectionPool_AcquireHonoursContext(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MinConnections: 1, MaxConnections: 1, AcquireTimeout: time.Minute})

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, pool.Release(held))
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestConnectionPool_DiscardLetsWaiterDial(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	broken, err := pool.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *PooledConnection, 1)

	go func() {
		conn, acquireErr := pool.Acquire(ctx)
		if acquireErr == nil {
			got <- conn
		}

		close(got)
	}()

	waitFor(t, func() bool { return pool.Stats().Waiting == 1 })
	require.NoError(t, pool.Discard(broken))

	fresh, ok := <-got
	require.True(t, ok)
	assert.NotEqual(t, broken.ID, fresh.ID)
	assert.Equal(t, 1, pool.Stats().Total)

	require.NoError(t, pool.Release(fresh))
}

func TestConnectionPool_DestroyRejectsWaiters(t *testing.T) {
	mr := miniredis.RunT(t)

	pool, err := NewConnectionPool(context.Background(), SingleConnDialer(&redis.Options{Addr: mr.Addr()}),
		PoolConfig{MinConnections: 1, MaxConnections: 1, AcquireTimeout: time.Minute})
	require.NoError(t, err)

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	result := make(chan error, 1)

	go func() {
		_, acquireErr := pool.Acquire(context.Background())
		result <- acquireErr
	}()

	waitFor(t, func() bool { return pool.Stats().Waiting == 1 })

	pool.Destroy()

	assert.ErrorIs(t, <-result, ErrPoolDestroyed)

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolDestroyed)

	require.NoError(t, pool.Release(held))
	assert.Equal(t, 0, pool.Stats().Total)
}

func TestConnectionPool_EvictionKeepsMinimum(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{
		MinConnections: 1,
		MaxConnections: 3,
		IdleTimeout:    time.Minute,
	})
	ctx := context.Background()

	now := time.Now()
	pool.now = func() time.Time { return now }

	conns := make([]*PooledConnection, 0, 3)

	for range 3 {
		conn, err := pool.Acquire(ctx)
		require.NoError(t, err)

		conns = append(conns, conn)
	}

	for _, conn := range conns {
		require.NoError(t, pool.Release(conn))
	}

	assert.Equal(t, 0, pool.evictIdle())

	now = now.Add(2 * time.Minute)

	assert.Equal(t, 2, pool.evictIdle())
	assert.Equal(t, PoolStats{Total: 1, Idle: 1}, pool.Stats())
}

func TestConnectionPool_HealthCheckReportsFailure(t *testing.T) {
	pool, mr := newTestPool(t, PoolConfig{MinConnections: 1, MaxConnections: 1, PingTimeout: 200 * time.Millisecond})

	pool.checkHealth(context.Background())
	assert.True(t, pool.Healthy())

	mr.Close()

	pool.checkHealth(context.Background())
	assert.False(t, pool.Healthy())
	assert.Equal(t, 0, pool.Stats().Total)
}

func TestConnectionPool_DoDiscardsBrokenConnections(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MinConnections: 1, MaxConnections: 2})

	err := pool.Do(context.Background(), func(redis.Cmdable) error {
		return errors.New("ERR wrong number of arguments")
	})
	require.Error(t, err)
	assert.Equal(t, 1, pool.Stats().Total)

	err = pool.Do(context.Background(), func(redis.Cmdable) error {
		return context.DeadlineExceeded
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, pool.Stats().Total)
}

func TestNewConnectionPool_NilDialer(t *testing.T) {
	_, err := NewConnectionPool(context.Background(), nil, PoolConfig{})
	assert.ErrorIs(t, err, ErrNilDialer)
}
