package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes KEYS[1] only when it still holds ARGV[1].
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const scanBatch = 100

// Store is the key-value contract used by counters and locks, executed on
// pooled connections.
type Store struct {
	pool *ConnectionPool
}

// NewStore returns a Store backed by pool.
func NewStore(pool *ConnectionPool) *Store {
	return &Store{pool: pool}
}

// Get returns the value at key. found is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (value string, found bool, err error) {
	err = s.pool.Do(ctx, func(c redis.Cmdable) error {
		v, getErr := c.Get(ctx, key).Result()
		if errors.Is(getErr, redis.Nil) {
			return nil
		}

		if getErr != nil {
			return getErr
		}

		value, found = v, true

		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("redis store: get %q: %w", key, err)
	}

	return value, found, nil
}

// Set writes value with ttl. A zero ttl keeps the key forever.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.pool.Do(ctx, func(c redis.Cmdable) error {
		return c.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis store: set %q: %w", key, err)
	}

	return nil
}

// SetNX writes value only when key does not exist and reports whether it did.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var created bool

	err := s.pool.Do(ctx, func(c redis.Cmdable) error {
		ok, setErr := c.SetNX(ctx, key, value, ttl).Result()
		created = ok

		return setErr
	})
	if err != nil {
		return false, fmt.Errorf("redis store: setnx %q: %w", key, err)
	}

	return created, nil
}

// Incr increments the integer at key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	var n int64

	err := s.pool.Do(ctx, func(c redis.Cmdable) error {
		v, incrErr := c.Incr(ctx, key).Result()
		n = v

		return incrErr
	})
	if err != nil {
		return 0, fmt.Errorf("redis store: incr %q: %w", key, err)
	}

	return n, nil
}

// Expire sets a ttl on key. It reports false when the key does not exist.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool

	err := s.pool.Do(ctx, func(c redis.Cmdable) error {
		v, expErr := c.Expire(ctx, key, ttl).Result()
		ok = v

		return expErr
	})
	if err != nil {
		return false, fmt.Errorf("redis store: expire %q: %w", key, err)
	}

	return ok, nil
}

// TTL returns the remaining lifetime of key. exists is false for a missing
// key; a key without expiry reports exists with a zero ttl.
func (s *Store) TTL(ctx context.Context, key string) (ttl time.Duration, exists bool, err error) {
	err = s.pool.Do(ctx, func(c redis.Cmdable) error {
		d, ttlErr := c.TTL(ctx, key).Result()
		if ttlErr != nil {
			return ttlErr
		}

		switch {
		case d == -2 || d == -2*time.Second:
		case d < 0:
			exists = true
		default:
			ttl, exists = d, true
		}

		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("redis store: ttl %q: %w", key, err)
	}

	return ttl, exists, nil
}

// Del removes keys and returns how many existed.
func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var n int64

	err := s.pool.Do(ctx, func(c redis.Cmdable) error {
		v, delErr := c.Del(ctx, keys...).Result()
		n = v

		return delErr
	})
	if err != nil {
		return 0, fmt.Errorf("redis store: del: %w", err)
	}

	return n, nil
}

// CompareAndDelete atomically deletes key when its value equals expected.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var deleted int64

	err := s.pool.Do(ctx, func(c redis.Cmdable) error {
		v, runErr := compareAndDeleteScript.Run(ctx, c, []string{key}, expected).Int64()
		deleted = v

		return runErr
	})
	if err != nil {
		return false, fmt.Errorf("redis store: compare-and-delete %q: %w", key, err)
	}

	return deleted == 1, nil
}

// Scan returns every key matching pattern using cursor iteration.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string

	err := s.pool.Do(ctx, func(c redis.Cmdable) error {
		var cursor uint64

		for {
			batch, next, scanErr := c.Scan(ctx, cursor, pattern, scanBatch).Result()
			if scanErr != nil {
				return scanErr
			}

			keys = append(keys, batch...)

			if next == 0 {
				return nil
			}

			cursor = next
		}
	})
	if err != nil {
		return nil, fmt.Errorf("redis store: scan %q: %w", pattern, err)
	}

	return keys, nil
}
