package deadletter

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/backoff"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/redis"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultInterval          = 30 * time.Second
	defaultSweepInterval     = time.Minute
	defaultProcessingTimeout = 10 * time.Minute
	defaultBatchSize         = 20
	defaultMaxRetries        = 5
	defaultBaseDelay         = 30 * time.Second
	defaultMaxDelay          = 30 * time.Minute
	defaultSweepKey          = "deadletter:sweep"
)

// RelayConfig controls reprocessing. The env tags are read by
// reliability.SetConfigFromEnvVars.
type RelayConfig struct {
	Interval          time.Duration `env:"DLQ_INTERVAL"`
	SweepInterval     time.Duration `env:"DLQ_SWEEP_INTERVAL"`
	ProcessingTimeout time.Duration `env:"DLQ_PROCESSING_TIMEOUT"`
	BatchSize         int           `env:"DLQ_BATCH_SIZE"`
	// MaxRetries applies to records stored without their own ceiling.
	MaxRetries  int           `env:"DLQ_MAX_RETRIES"`
	BaseDelay   time.Duration `env:"DLQ_BASE_DELAY"`
	MaxDelay    time.Duration `env:"DLQ_MAX_DELAY"`
	ProcessorID string        `env:"DLQ_PROCESSOR_ID"`
	SweepKey    string        `env:"DLQ_SWEEP_KEY"`
}

// DefaultRelayConfig returns the baseline configuration. ProcessorID is
// left empty and resolved from the hostname at construction.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:          defaultInterval,
		SweepInterval:     defaultSweepInterval,
		ProcessingTimeout: defaultProcessingTimeout,
		BatchSize:         defaultBatchSize,
		MaxRetries:        defaultMaxRetries,
		BaseDelay:         defaultBaseDelay,
		MaxDelay:          defaultMaxDelay,
		SweepKey:          defaultSweepKey,
	}
}

func (cfg *RelayConfig) normalize() {
	d := DefaultRelayConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = d.ProcessingTimeout
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}

	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}

	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(d.MaxDelay, cfg.BaseDelay)
	}

	if cfg.SweepKey == "" {
		cfg.SweepKey = d.SweepKey
	}

	if cfg.ProcessorID == "" {
		cfg.ProcessorID = defaultProcessorID()
	}
}

func defaultProcessorID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "deadletter"
	}

	return host + "-" + uuid.NewString()[:8]
}

// NextDelay is the wait before attempt retryCount+1: BaseDelay*2^retryCount
// capped at MaxDelay.
func (cfg RelayConfig) NextDelay(retryCount int) time.Duration {
	return backoff.Multiplicative(cfg.BaseDelay, 2, retryCount, cfg.MaxDelay)
}

// RelayOption mutates relay configuration at construction.
type RelayOption func(*Relay)

// WithConfig replaces the whole configuration. Zero fields take defaults.
func WithConfig(cfg RelayConfig) RelayOption {
	return func(relay *Relay) { relay.cfg = cfg }
}

// WithProcessorID sets the claim owner identity.
func WithProcessorID(id string) RelayOption {
	return func(relay *Relay) { relay.cfg.ProcessorID = id }
}

// WithBackoff sets the base and max retry delay.
func WithBackoff(base, maxDelay time.Duration) RelayOption {
	return func(relay *Relay) {
		relay.cfg.BaseDelay = base
		relay.cfg.MaxDelay = maxDelay
	}
}

// WithLockManager makes the stuck sweep run on one instance per cycle.
func WithLockManager(manager redis.LockManager) RelayOption {
	return func(relay *Relay) { relay.leader = manager }
}

func WithLogger(logger log.Logger) RelayOption {
	return func(relay *Relay) { relay.logger = log.OrNop(logger) }
}

func WithTracer(tracer trace.Tracer) RelayOption {
	return func(relay *Relay) {
		if tracer != nil {
			relay.tracer = tracer
		}
	}
}

func WithMetrics(sink metrics.Sink) RelayOption {
	return func(relay *Relay) { relay.metrics = newRelayMetrics(metrics.OrNop(sink)) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RelayOption {
	return func(relay *Relay) {
		if now != nil {
			relay.now = now
		}
	}
}
