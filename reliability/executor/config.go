package executor

import (
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/circuitbreaker"
)

// RateLimitMode selects what happens when the token bucket is empty.
type RateLimitMode int

const (
	// RateLimitWait blocks until a token is available.
	RateLimitWait RateLimitMode = iota
	// RateLimitFailFast returns *errclass.RateLimitError without consuming a token.
	RateLimitFailFast
)

func (m RateLimitMode) String() string {
	if m == RateLimitFailFast {
		return "fail_fast"
	}

	return "wait"
}

// RateLimitConfig refills Points tokens every Duration. Each call costs one.
type RateLimitConfig struct {
	Points   int           `validate:"gt=0"`
	Duration time.Duration `validate:"gt=0"`
	Mode     RateLimitMode `validate:"gte=0,lte=1"`
}

// QueueConfig bounds in-flight calls and call starts per interval. A zero
// IntervalCap disables the interval gate.
type QueueConfig struct {
	Concurrency int           `validate:"gt=0"`
	IntervalCap int           `validate:"gte=0"`
	Interval    time.Duration `validate:"gte=0"`
}

// RetryConfig bounds the inner retry loop. MaxAttempts counts the first call.
type RetryConfig struct {
	MaxAttempts   int           `validate:"gt=0"`
	InitialDelay  time.Duration `validate:"gte=0"`
	BackoffFactor float64       `validate:"gte=1"`
	MaxDelay      time.Duration `validate:"gte=0"`
}

// Config configures one Executor.
type Config struct {
	RateLimit    RateLimitConfig
	Queue        QueueConfig
	Retry        RetryConfig
	Breaker      circuitbreaker.Config `validate:"-"`
	AuditEnabled bool
}

// DefaultConfig returns 10 calls per second, 5 in flight, 3 attempts with
// 100ms doubling backoff capped at 5s, and the default breaker.
func DefaultConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{Points: 10, Duration: time.Second},
		Queue:     QueueConfig{Concurrency: 5},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  100 * time.Millisecond,
			BackoffFactor: 2,
			MaxDelay:      5 * time.Second,
		},
		Breaker: circuitbreaker.DefaultConfig(),
	}
}

// withDefaults fills zero sections from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.RateLimit.Points == 0 && c.RateLimit.Duration == 0 {
		mode := c.RateLimit.Mode
		c.RateLimit = d.RateLimit
		c.RateLimit.Mode = mode
	}

	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = d.Queue.Concurrency
	}

	if c.Queue.IntervalCap > 0 && c.Queue.Interval == 0 {
		c.Queue.Interval = time.Second
	}

	if c.Retry == (RetryConfig{}) {
		c.Retry = d.Retry
	}

	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = 1
	}

	if c.Breaker.FailureThreshold == 0 && c.Breaker.SuccessThreshold == 0 && c.Breaker.ResetTimeout == 0 {
		fallback, ignored, isIgnored := c.Breaker.Fallback, c.Breaker.IgnoredErrors, c.Breaker.IsIgnored
		c.Breaker = d.Breaker
		c.Breaker.Fallback, c.Breaker.IgnoredErrors, c.Breaker.IsIgnored = fallback, ignored, isIgnored
	}

	return c
}

func (c Config) validate() error {
	return reliability.ValidateStruct(c)
}
