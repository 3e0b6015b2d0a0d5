package outbox

import (
	"context"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/redis"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultInterval       = 5 * time.Second
	defaultBatchSize      = 50
	defaultMaxRetries     = 5
	defaultStuckThreshold = 5 * time.Minute
	defaultRetryWindow    = time.Minute
	defaultAlertThreshold = 10
	defaultLeaderKey      = "outbox:monitor"
)

// RelayConfig controls polling and retry behavior. The env tags are read by
// reliability.SetConfigFromEnvVars.
type RelayConfig struct {
	// Interval between cycles of both periodic tasks.
	Interval time.Duration `env:"OUTBOX_INTERVAL"`
	// BatchSize is the max number of records fetched per cycle.
	BatchSize int `env:"OUTBOX_BATCH_SIZE"`
	// MaxRetries is the publish attempt ceiling. A failed record whose
	// RetryCount reached it is terminal.
	MaxRetries int `env:"OUTBOX_MAX_RETRIES"`
	// StuckThreshold is the age after which a processing record is reset.
	StuckThreshold time.Duration `env:"OUTBOX_STUCK_THRESHOLD"`
	// RetryWindow is the minimum age of a failed record before it is retried.
	RetryWindow time.Duration `env:"OUTBOX_RETRY_WINDOW"`
	// AlertThreshold is the count of terminal records that triggers the alert hook.
	AlertThreshold int `env:"OUTBOX_ALERT_THRESHOLD"`
	// LeaderKey names the lock that elects the monitor instance.
	LeaderKey string `env:"OUTBOX_LEADER_KEY"`
}

// DefaultRelayConfig returns the baseline relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:       defaultInterval,
		BatchSize:      defaultBatchSize,
		MaxRetries:     defaultMaxRetries,
		StuckThreshold: defaultStuckThreshold,
		RetryWindow:    defaultRetryWindow,
		AlertThreshold: defaultAlertThreshold,
		LeaderKey:      defaultLeaderKey,
	}
}

func (cfg *RelayConfig) normalize() {
	defaults := DefaultRelayConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = defaults.StuckThreshold
	}

	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = defaults.RetryWindow
	}

	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = defaults.AlertThreshold
	}

	if cfg.LeaderKey == "" {
		cfg.LeaderKey = defaults.LeaderKey
	}
}

// Alert describes a breach of the terminal-failure threshold.
type Alert struct {
	FailedCount int64
	Threshold   int
}

// AlertHook is called when terminal records reach the alert threshold.
type AlertHook func(ctx context.Context, alert Alert)

// RelayOption mutates relay configuration at construction.
type RelayOption func(*Relay)

// WithConfig replaces the whole configuration. Zero fields take defaults.
func WithConfig(cfg RelayConfig) RelayOption {
	return func(relay *Relay) { relay.cfg = cfg }
}

// WithInterval sets the polling interval.
func WithInterval(interval time.Duration) RelayOption {
	return func(relay *Relay) {
		if interval > 0 {
			relay.cfg.Interval = interval
		}
	}
}

// WithBatchSize sets the max records processed per cycle.
func WithBatchSize(size int) RelayOption {
	return func(relay *Relay) {
		if size > 0 {
			relay.cfg.BatchSize = size
		}
	}
}

// WithMaxRetries sets the publish attempt ceiling.
func WithMaxRetries(maxRetries int) RelayOption {
	return func(relay *Relay) {
		if maxRetries > 0 {
			relay.cfg.MaxRetries = maxRetries
		}
	}
}

// WithStuckThreshold sets the processing age after which records are reset.
func WithStuckThreshold(threshold time.Duration) RelayOption {
	return func(relay *Relay) {
		if threshold > 0 {
			relay.cfg.StuckThreshold = threshold
		}
	}
}

// WithRetryWindow sets the cooldown before a failed record is retried.
func WithRetryWindow(window time.Duration) RelayOption {
	return func(relay *Relay) {
		if window > 0 {
			relay.cfg.RetryWindow = window
		}
	}
}

// WithAlertThreshold sets the terminal record count that fires the hook.
func WithAlertThreshold(threshold int) RelayOption {
	return func(relay *Relay) {
		if threshold > 0 {
			relay.cfg.AlertThreshold = threshold
		}
	}
}

// WithAlertHook sets the alert callback.
func WithAlertHook(hook AlertHook) RelayOption {
	return func(relay *Relay) { relay.alertHook = hook }
}

// WithLockManager makes the monitor task run on one instance per cycle.
func WithLockManager(manager redis.LockManager) RelayOption {
	return func(relay *Relay) { relay.leader = manager }
}

// WithLogger sets the relay logger.
func WithLogger(logger log.Logger) RelayOption {
	return func(relay *Relay) { relay.logger = log.OrNop(logger) }
}

// WithTracer sets the relay tracer.
func WithTracer(tracer trace.Tracer) RelayOption {
	return func(relay *Relay) {
		if tracer != nil {
			relay.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(sink metrics.Sink) RelayOption {
	return func(relay *Relay) { relay.metrics = newRelayMetrics(metrics.OrNop(sink)) }
}
