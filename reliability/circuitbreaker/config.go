package circuitbreaker

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidConfig is returned for a breaker configuration that cannot trip
// or recover.
var ErrInvalidConfig = errors.New("circuitbreaker: invalid config")

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32 `env:"CB_FAILURE_THRESHOLD"`
	// SuccessThreshold is the number of consecutive half-open successes that closes it.
	SuccessThreshold uint32 `env:"CB_SUCCESS_THRESHOLD"`
	// ResetTimeout is how long the breaker stays OPEN before probing.
	ResetTimeout time.Duration `env:"CB_RESET_TIMEOUT"`
	// IsIgnored marks errors that propagate without counting as failures.
	IsIgnored func(error) bool
	// IgnoredErrors are matched with errors.Is.
	IgnoredErrors []error
	// Fallback, when set, replaces the rejection error of an open breaker.
	Fallback func(ctx context.Context, err error) error
}

func (c Config) validate() error {
	if c.FailureThreshold == 0 || c.SuccessThreshold == 0 || c.ResetTimeout <= 0 {
		return ErrInvalidConfig
	}

	return nil
}

func (c Config) ignored(err error) bool {
	if err == nil {
		return false
	}

	if c.IsIgnored != nil && c.IsIgnored(err) {
		return true
	}

	for _, target := range c.IgnoredErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// DefaultConfig suits most dependencies.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// AggressiveConfig trips fast for dependencies on a hot path.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		ResetTimeout:     10 * time.Second,
	}
}

// ConservativeConfig tolerates more failures before tripping.
func ConservativeConfig() Config {
	return Config{
		FailureThreshold: 15,
		SuccessThreshold: 3,
		ResetTimeout:     60 * time.Second,
	}
}

// HTTPServiceConfig suits external HTTP APIs.
func HTTPServiceConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     10 * time.Second,
	}
}

// DatabaseConfig tolerates short network blips against a database.
func DatabaseConfig() Config {
	return Config{
		FailureThreshold: 10,
		SuccessThreshold: 3,
		ResetTimeout:     45 * time.Second,
	}
}
