package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
)

// ErrEmptyOwner is returned when a lock is requested without an owner token.
var ErrEmptyOwner = errors.New("lock owner cannot be empty")

// LockStore is the subset of Store a DistributedLock needs.
type LockStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
}

// LockKey returns the per-event lock key.
func LockKey(subject, eventID string) string {
	return "lock:" + subject + ":" + eventID
}

// DistributedLock is a single-key mutual exclusion lock. The entry holds the
// owner token and is removed only by that owner.
type DistributedLock struct {
	store  LockStore
	logger log.Logger
}

// NewDistributedLock returns a lock over store.
func NewDistributedLock(store LockStore, logger log.Logger) *DistributedLock {
	return &DistributedLock{store: store, logger: log.OrNop(logger)}
}

// Acquire creates key for owner with ttl. It reports true only when this
// call created the entry.
func (l *DistributedLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyLockKey
	}

	if owner == "" {
		return false, ErrEmptyOwner
	}

	if ttl <= 0 {
		return false, ErrLockExpiryInvalid
	}

	acquired, err := l.store.SetNX(ctx, key, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("distributed lock: acquire: %w", err)
	}

	return acquired, nil
}

// Release deletes key if owner still holds it. It reports false when the
// entry expired or belongs to someone else.
func (l *DistributedLock) Release(ctx context.Context, key, owner string) (bool, error) {
	released, err := l.store.CompareAndDelete(ctx, key, owner)
	if err != nil {
		return false, fmt.Errorf("distributed lock: release: %w", err)
	}

	return released, nil
}

// Hold runs fn while holding key. The lock is released on every exit path,
// including a panic in fn. When another owner holds the key Hold returns
// errclass.ErrLockContention without calling fn.
func (l *DistributedLock) Hold(ctx context.Context, key, owner string, ttl time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return ErrNilLockFn
	}

	tracer := reliability.NewTrackingFromContext(ctx).Tracer

	ctx, span := tracer.Start(ctx, "redis.lock.hold")
	defer span.End()

	span.SetAttributes(attribute.String("lock.key", printableKey(key)))

	acquired, err := l.Acquire(ctx, key, owner, ttl)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to acquire lock", err)
		return err
	}

	if !acquired {
		opentelemetry.HandleSpanEvent(&span, "lock.contention")
		return errclass.ErrLockContention
	}

	defer func() {
		released, releaseErr := l.Release(context.WithoutCancel(ctx), key, owner)
		if releaseErr != nil || !released {
			l.logger.Log(ctx, log.LevelWarn, "lock release failed",
				log.String("lock_key", printableKey(key)), log.Bool("released", released), log.Err(releaseErr))
		}
	}()

	return fn(ctx)
}
