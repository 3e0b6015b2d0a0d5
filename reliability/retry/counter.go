package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/backoff"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
)

const (
	defaultKeyPrefix      = "retry"
	defaultBaseTTL        = 10 * time.Second
	defaultBackoffFactor  = 2.0
	defaultMaxRetries     = 3
	defaultScheduledDelay = 30 * time.Second
	maxTTLMultiplier      = 24
)

// ErrInvalidIdentity is returned when eventType or eventID is blank.
var ErrInvalidIdentity = errors.New("retry: event type and id are required")

// KV is the key-value contract the counter store runs on. redis.Store
// satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// CounterConfig tunes the counters.
type CounterConfig struct {
	BaseTTL        time.Duration `env:"RETRY_BASE_TTL"`
	BackoffFactor  float64       `env:"RETRY_BACKOFF_FACTOR"`
	MaxRetries     int64         `env:"CONSUMER_MAX_RETRIES"`
	ScheduledDelay time.Duration `env:"RETRY_SCHEDULED_DELAY"`
	KeyPrefix      string
}

func (c CounterConfig) withDefaults() CounterConfig {
	if c.BaseTTL <= 0 {
		c.BaseTTL = defaultBaseTTL
	}

	if c.BackoffFactor < 1 {
		c.BackoffFactor = defaultBackoffFactor
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.ScheduledDelay <= 0 {
		c.ScheduledDelay = defaultScheduledDelay
	}

	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = defaultKeyPrefix
	}

	return c
}

// CounterStore tracks how often each event has failed.
type CounterStore struct {
	kv     KV
	cfg    CounterConfig
	logger log.Logger
}

// NewCounterStore returns a CounterStore over kv. Zero config fields take
// defaults: 10s base TTL, factor 2, 3 retries, 30s scheduled delay.
func NewCounterStore(kv KV, cfg CounterConfig, logger log.Logger) *CounterStore {
	return &CounterStore{kv: kv, cfg: cfg.withDefaults(), logger: log.OrNop(logger)}
}

// Config returns the effective configuration.
func (s *CounterStore) Config() CounterConfig { return s.cfg }

// Key returns the counter key for an event.
func (s *CounterStore) Key(eventType, eventID string) string {
	return s.cfg.KeyPrefix + ":" + eventType + ":" + eventID
}

func (s *CounterStore) scheduledKey(eventType, eventID string) string {
	return s.cfg.KeyPrefix + ":scheduled:" + eventType + ":" + eventID
}

// TTLFor returns the lifetime written with a counter that held count
// before the increment.
func (s *CounterStore) TTLFor(count int64) time.Duration {
	return backoff.Multiplicative(s.cfg.BaseTTL, s.cfg.BackoffFactor, int(count), s.cfg.BaseTTL*maxTTLMultiplier)
}

// Increment adds one to the counter and returns the new count.
//
// The read and the write are separate commands; concurrent increments for
// the same event may collapse into one. Deliveries of one event are
// serialized by the consumer lock.
func (s *CounterStore) Increment(ctx context.Context, eventType, eventID string) (int64, error) {
	if err := validate(eventType, eventID); err != nil {
		return 0, err
	}

	current, err := s.Get(ctx, eventType, eventID)
	if err != nil {
		return 0, err
	}

	next := current + 1
	ttl := s.TTLFor(current)

	if err := s.kv.Set(ctx, s.Key(eventType, eventID), strconv.FormatInt(next, 10), ttl); err != nil {
		return 0, fmt.Errorf("retry: increment %s/%s: %w", eventType, eventID, err)
	}

	s.logger.Log(ctx, log.LevelDebug, "retry counter incremented",
		log.String("event_type", eventType), log.String("event_id", eventID),
		log.Int64("count", next), log.Duration("ttl", ttl))

	return next, nil
}

// Get returns the current count, 0 when absent.
func (s *CounterStore) Get(ctx context.Context, eventType, eventID string) (int64, error) {
	if err := validate(eventType, eventID); err != nil {
		return 0, err
	}

	raw, found, err := s.kv.Get(ctx, s.Key(eventType, eventID))
	if err != nil {
		return 0, fmt.Errorf("retry: get %s/%s: %w", eventType, eventID, err)
	}

	if !found {
		return 0, nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "retry counter holds a non-integer value, treating as zero",
			log.String("event_type", eventType), log.String("event_id", eventID))

		return 0, nil
	}

	return n, nil
}

// Reset deletes the counter.
func (s *CounterStore) Reset(ctx context.Context, eventType, eventID string) error {
	if err := validate(eventType, eventID); err != nil {
		return err
	}

	if _, err := s.kv.Del(ctx, s.Key(eventType, eventID)); err != nil {
		return fmt.Errorf("retry: reset %s/%s: %w", eventType, eventID, err)
	}

	return nil
}

// ShouldRetry reports whether the event is still below MaxRetries.
func (s *CounterStore) ShouldRetry(ctx context.Context, eventType, eventID string) (bool, error) {
	n, err := s.Get(ctx, eventType, eventID)
	if err != nil {
		return false, err
	}

	return s.Allows(n), nil
}

// Allows reports whether count is below MaxRetries.
func (s *CounterStore) Allows(count int64) bool {
	return count < s.cfg.MaxRetries
}

// MarkScheduled records that a redelivery is pending. It returns false when
// a marker already exists.
func (s *CounterStore) MarkScheduled(ctx context.Context, eventType, eventID string) (bool, error) {
	if err := validate(eventType, eventID); err != nil {
		return false, err
	}

	created, err := s.kv.SetNX(ctx, s.scheduledKey(eventType, eventID), "1", s.cfg.ScheduledDelay)
	if err != nil {
		return false, fmt.Errorf("retry: mark scheduled %s/%s: %w", eventType, eventID, err)
	}

	return created, nil
}

// IsScheduled reports whether a scheduled marker exists.
func (s *CounterStore) IsScheduled(ctx context.Context, eventType, eventID string) (bool, error) {
	if err := validate(eventType, eventID); err != nil {
		return false, err
	}

	_, found, err := s.kv.Get(ctx, s.scheduledKey(eventType, eventID))
	if err != nil {
		return false, fmt.Errorf("retry: is scheduled %s/%s: %w", eventType, eventID, err)
	}

	return found, nil
}

// ClearScheduled removes the scheduled marker.
func (s *CounterStore) ClearScheduled(ctx context.Context, eventType, eventID string) error {
	if err := validate(eventType, eventID); err != nil {
		return err
	}

	if _, err := s.kv.Del(ctx, s.scheduledKey(eventType, eventID)); err != nil {
		return fmt.Errorf("retry: clear scheduled %s/%s: %w", eventType, eventID, err)
	}

	return nil
}

// Keys lists live counter keys for eventType. Scheduled markers are excluded.
func (s *CounterStore) Keys(ctx context.Context, eventType string) ([]string, error) {
	pattern := s.cfg.KeyPrefix + ":" + eventType + ":*"
	if eventType == "" {
		pattern = s.cfg.KeyPrefix + ":*"
	}

	keys, err := s.kv.Scan(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("retry: keys: %w", err)
	}

	scheduled := s.cfg.KeyPrefix + ":scheduled:"
	out := keys[:0]

	for _, k := range keys {
		if !strings.HasPrefix(k, scheduled) {
			out = append(out, k)
		}
	}

	return out, nil
}

func validate(eventType, eventID string) error {
	if strings.TrimSpace(eventType) == "" || strings.TrimSpace(eventID) == "" {
		return ErrInvalidIdentity
	}

	return nil
}
