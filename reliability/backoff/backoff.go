package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential returns base·2^attempt with overflow protection. Negative
// attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = min(max(attempt, 0), maxShift)

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// Multiplicative returns min(base·factor^exponent, ceiling). A non-positive
// ceiling means uncapped, a factor below 1 is treated as 1.
func Multiplicative(base time.Duration, factor float64, exponent int, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	if factor < 1 {
		factor = 1
	}

	exponent = max(exponent, 0)

	d := time.Duration(math.MaxInt64)
	if delay := float64(base) * math.Pow(factor, float64(exponent)); delay < math.MaxInt64 {
		d = time.Duration(delay)
	}

	if ceiling > 0 && d > ceiling {
		return ceiling
	}

	return d
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(delay))) // #nosec G404 -- jitter only
}

// ExponentialWithJitter returns a random duration in [0, base·2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext waits for duration unless ctx ends first.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
