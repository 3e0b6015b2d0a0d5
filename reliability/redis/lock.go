package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
)

const maxLockTries = 1000

var (
	ErrNilLockManager = errors.New("lock manager is nil")
	ErrNilLockHandle  = errors.New("lock handle is nil")
	ErrNilLockFn      = errors.New("lock function is nil")
	ErrEmptyLockKey   = errors.New("lock key is empty")
	// ErrLockNotHeld is returned when releasing a lock that expired or
	// passed to another owner.
	ErrLockNotHeld = errors.New("lock not held")

	ErrLockExpiryInvalid      = errors.New("lock expiry must be positive")
	ErrLockTriesInvalid       = fmt.Errorf("lock tries must be within [1, %d]", maxLockTries)
	ErrLockRetryDelayNegative = errors.New("lock retry delay is negative")
	ErrLockDriftFactorInvalid = errors.New("lock drift factor must be within [0, 1)")
)

// LockHandle releases a lock taken with TryLock.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// LockManager elects one instance per key for periodic sweeps.
type LockManager interface {
	WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error
	WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error
	TryLock(ctx context.Context, lockKey string, expiry time.Duration) (LockHandle, bool, error)
}

var _ LockManager = (*RedisLockManager)(nil)

// LockOptions tunes a redlock acquisition.
type LockOptions struct {
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

func DefaultLockOptions() LockOptions {
	return LockOptions{Expiry: 10 * time.Second, Tries: 3, RetryDelay: 500 * time.Millisecond, DriftFactor: 0.01}
}

// SweepLockOptions makes one attempt and holds the lock for two cycles.
func SweepLockOptions(cycle time.Duration) LockOptions {
	return LockOptions{Expiry: max(2*cycle, time.Second), Tries: 1, DriftFactor: 0.01}
}

func validateLockOptions(opts LockOptions) error {
	if opts.Expiry <= 0 {
		return ErrLockExpiryInvalid
	}

	if opts.Tries < 1 || opts.Tries > maxLockTries {
		return ErrLockTriesInvalid
	}

	if opts.RetryDelay < 0 {
		return ErrLockRetryDelayNegative
	}

	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return ErrLockDriftFactorInvalid
	}

	return nil
}

func (o LockOptions) redsync() []redsync.Option {
	opts := []redsync.Option{
		redsync.WithExpiry(o.Expiry),
		redsync.WithTries(o.Tries),
		redsync.WithDriftFactor(o.DriftFactor),
	}

	if o.RetryDelay > 0 {
		opts = append(opts, redsync.WithRetryDelay(o.RetryDelay))
	}

	return opts
}

// livePool hands redsync whatever client the Client currently holds, so
// leadership keeps working across reconnects.
type livePool struct{ client *Client }

func (p livePool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.client.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// RedisLockManager is a LockManager backed by redsync.
type RedisLockManager struct {
	rs *redsync.Redsync
}

// NewRedisLockManager fails when client cannot reach Redis.
func NewRedisLockManager(ctx context.Context, client *Client) (*RedisLockManager, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	if _, err := client.GetClient(ctx); err != nil {
		return nil, fmt.Errorf("lock manager: %w", err)
	}

	return &RedisLockManager{rs: redsync.New(livePool{client: client})}, nil
}

func (m *RedisLockManager) WithLock(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	return m.WithLockOptions(ctx, lockKey, DefaultLockOptions(), fn)
}

// WithLockOptions runs fn while holding lockKey. A lock held elsewhere
// yields an error matching errclass.ErrLockContention.
func (m *RedisLockManager) WithLockOptions(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if fn == nil {
		return ErrNilLockFn
	}

	if err := validateLockOptions(opts); err != nil {
		return err
	}

	mutex, err := m.mutex(lockKey, opts)
	if err != nil {
		return err
	}

	tracking := reliability.NewTrackingFromContext(ctx)
	key := printableKey(lockKey)

	ctx, span := tracking.Tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	if err := mutex.LockContext(ctx); err != nil {
		opentelemetry.HandleSpanError(&span, "lock acquisition failed", err)

		if taken(err) {
			return fmt.Errorf("lock %s: %w: %w", key, errclass.ErrLockContention, err)
		}

		return fmt.Errorf("lock %s: %w", key, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			tracking.Logger.Log(ctx, log.LevelWarn, "lock release failed",
				log.String("lock_key", key), log.Bool("released", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		opentelemetry.HandleSpanError(&span, "locked function failed", err)
		return err
	}

	return nil
}

// TryLock makes one attempt. A lock held elsewhere returns (nil, false, nil).
func (m *RedisLockManager) TryLock(ctx context.Context, lockKey string, expiry time.Duration) (LockHandle, bool, error) {
	if expiry <= 0 {
		return nil, false, ErrLockExpiryInvalid
	}

	mutex, err := m.mutex(lockKey, LockOptions{Expiry: expiry, Tries: 1, DriftFactor: 0.01})
	if err != nil {
		return nil, false, err
	}

	tracking := reliability.NewTrackingFromContext(ctx)
	key := printableKey(lockKey)

	ctx, span := tracking.Tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	if err := mutex.LockContext(ctx); err != nil {
		if taken(err) {
			tracking.Logger.Log(ctx, log.LevelDebug, "lock held elsewhere", log.String("lock_key", key))
			return nil, false, nil
		}

		opentelemetry.HandleSpanError(&span, "lock attempt failed", err)

		return nil, false, fmt.Errorf("lock %s: %w", key, err)
	}

	return &heldLock{mutex: mutex, key: key, logger: tracking.Logger}, true, nil
}

func (m *RedisLockManager) mutex(lockKey string, opts LockOptions) (*redsync.Mutex, error) {
	if m == nil || m.rs == nil {
		return nil, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, ErrEmptyLockKey
	}

	return m.rs.NewMutex(lockKey, opts.redsync()...), nil
}

type heldLock struct {
	mutex  *redsync.Mutex
	key    string
	logger log.Logger
}

// Unlock reports ErrLockNotHeld once the lock has expired or been released.
func (h *heldLock) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if ok {
		return nil
	}

	if err != nil {
		h.logger.Log(ctx, log.LevelWarn, "lock release failed", log.String("lock_key", h.key), log.Err(err))
		return fmt.Errorf("%w: %w", ErrLockNotHeld, err)
	}

	return ErrLockNotHeld
}

func taken(err error) bool {
	var nodeTaken *redsync.ErrTaken

	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &nodeTaken) || strings.Contains(err.Error(), "lock already taken")
}

// printableKey quotes lockKey for logs and caps its length.
func printableKey(lockKey string) string {
	const limit = 128

	quoted := strconv.QuoteToASCII(lockKey)
	if len(quoted) > limit {
		return quoted[:limit] + "...(truncated)"
	}

	return quoted
}
