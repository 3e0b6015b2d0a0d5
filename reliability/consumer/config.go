package consumer

import (
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDeadLetterMaxRetries = 5
	defaultLockTimeout          = 30 * time.Second
	defaultAckWait              = 30 * time.Second
	defaultDeadLetterDelay      = time.Minute
)

// Config tunes one consumer. The env tags are read by
// reliability.SetConfigFromEnvVars.
type Config struct {
	// ImmediateRetries is the number of in-process retries before the
	// failure is handed to the broker.
	ImmediateRetries int  `env:"CONSUMER_IMMEDIATE_RETRIES"`
	EnableDeadLetter bool `env:"CONSUMER_ENABLE_DEAD_LETTER"`
	// MaxRetries is the broker redelivery ceiling counted in Redis. Zero
	// takes the ceiling of the retry counter store.
	MaxRetries int64 `env:"CONSUMER_MAX_RETRIES"`
	// DeadLetterMaxRetries is stored on dead-letter records as their
	// reprocessing ceiling.
	DeadLetterMaxRetries int           `env:"DLQ_MAX_RETRIES"`
	EnableLock           bool          `env:"CONSUMER_ENABLE_LOCK"`
	LockTimeout          time.Duration `env:"LOCK_TIMEOUT"`
	AckWait              time.Duration `env:"CONSUMER_ACK_WAIT"`
	DeadLetterDelay      time.Duration `env:"CONSUMER_DEAD_LETTER_DELAY"`
	Service              string        `env:"SERVICE_NAME"`
	Environment          string        `env:"ENV_NAME"`
	// WorkerID prefixes the per-delivery lock owner tokens. Defaults to
	// hostname plus a random suffix.
	WorkerID string `env:"WORKER_ID"`
}

func (cfg *Config) normalize() {
	if cfg.ImmediateRetries < 0 {
		cfg.ImmediateRetries = 0
	}

	if cfg.DeadLetterMaxRetries <= 0 {
		cfg.DeadLetterMaxRetries = defaultDeadLetterMaxRetries
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}

	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}

	if cfg.DeadLetterDelay <= 0 {
		cfg.DeadLetterDelay = defaultDeadLetterDelay
	}

	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "consumer"
		}

		cfg.WorkerID = host + "-" + uuid.NewString()[:8]
	}
}
