package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/deadletter"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/redis"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/retry"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrHandlerRequired     = errors.New("consumer: handler is required")
	ErrCountersRequired    = errors.New("consumer: retry counter store is required")
	ErrLockRequired        = errors.New("consumer: distributed lock is required when locking is enabled")
	ErrDeadLettersRequired = errors.New("consumer: dead-letter repository is required when dead-lettering is enabled")
	ErrSubscriberRequired  = errors.New("consumer: subscriber is required")
)

// Handler is the business logic for one event.
type Handler func(ctx context.Context, msg bus.Message) error

// Deps are the shared collaborators of a consumer.
type Deps struct {
	Counters    *retry.CounterStore
	Lock        *redis.DistributedLock
	DeadLetters deadletter.Repository
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithIdentityFunc replaces DefaultIdentity.
func WithIdentityFunc(fn IdentityFunc) Option {
	return func(c *Consumer) {
		if fn != nil {
			c.identity = fn
		}
	}
}

// WithClassifier replaces errclass.Classify.
func WithClassifier(classify errclass.Classifier) Option {
	return func(c *Consumer) {
		if classify != nil {
			c.classify = classify
		}
	}
}

func WithLogger(logger log.Logger) Option {
	return func(c *Consumer) { c.logger = log.OrNop(logger) }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Consumer) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func WithMetrics(sink metrics.Sink) Option {
	return func(c *Consumer) { c.metrics = newConsumerMetrics(metrics.OrNop(sink)) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		if now != nil {
			c.now = now
		}
	}
}

// Consumer handles deliveries of one subject.
type Consumer struct {
	subject  string
	handler  Handler
	deps     Deps
	cfg      Config
	identity IdentityFunc
	classify errclass.Classifier
	logger   log.Logger
	tracer   trace.Tracer
	metrics  consumerMetrics
	now      func() time.Time
}

// New validates deps against cfg and returns a consumer for subject.
func New(subject string, handler Handler, deps Deps, cfg Config, opts ...Option) (*Consumer, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, bus.ErrEmptySubject
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	if deps.Counters == nil {
		return nil, ErrCountersRequired
	}

	if cfg.EnableLock && deps.Lock == nil {
		return nil, ErrLockRequired
	}

	if cfg.EnableDeadLetter && deps.DeadLetters == nil {
		return nil, ErrDeadLettersRequired
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = deps.Counters.Config().MaxRetries
	}

	cfg.normalize()

	c := &Consumer{
		subject:  subject,
		handler:  handler,
		deps:     deps,
		cfg:      cfg,
		identity: DefaultIdentity,
		classify: errclass.Classify,
		logger:   log.NewNop(),
		tracer:   otel.Tracer("consumer"),
		metrics:  newConsumerMetrics(metrics.NewNop()),
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Subject returns the subject the consumer handles.
func (c *Consumer) Subject() string { return c.subject }

// Config returns the effective configuration.
func (c *Consumer) Config() Config { return c.cfg }

// Subscribe binds Handle to the subject for group. It blocks like
// subscriber.Subscribe.
func (c *Consumer) Subscribe(ctx context.Context, subscriber bus.Subscriber, group string) error {
	if subscriber == nil {
		return ErrSubscriberRequired
	}

	return subscriber.Subscribe(ctx, c.subject, group, c.Handle)
}

// Handle processes and settles one delivery. A nil return means the
// delivery was settled; an error means settling itself failed and the
// broker will redeliver on its own timeout.
func (c *Consumer) Handle(ctx context.Context, msg bus.Message) (err error) {
	start := c.now()

	ctx = opentelemetry.ExtractQueueTraceContext(ctx, msg.Headers())

	ctx, span := c.tracer.Start(ctx, "consumer.handle")
	defer span.End()

	eventID := c.identity(c.subject, msg.Data(), msg.Headers())
	logger := c.logger.With(log.String("subject", c.subject), log.String("event_id", eventID))

	ctx = reliability.ContextWithCorrelationID(ctx, eventID)
	ctx = reliability.ContextWithLogger(ctx, logger)
	ctx = reliability.ContextWithTracer(ctx, c.tracer)

	span.SetAttributes(attribute.String("messaging.destination", c.subject), attribute.String("event.id", eventID))

	defer func() {
		if err != nil {
			opentelemetry.HandleSpanError(&span, "failed to settle delivery", err)
		}
	}()

	if c.cfg.EnableLock {
		key := redis.LockKey(c.subject, eventID)
		owner := c.lockOwner()

		acquired, lockErr := c.deps.Lock.Acquire(ctx, key, owner, c.cfg.LockTimeout)
		if lockErr != nil {
			logger.Log(ctx, log.LevelError, "consumer lock unavailable, requesting redelivery", log.Err(lockErr))
			c.metrics.record(ctx, c.subject, OutcomeRetry, start)

			return c.nak(ctx, msg, lockErr)
		}

		if !acquired {
			logger.Log(ctx, log.LevelInfo, "event already being processed by another worker")
			opentelemetry.HandleSpanEvent(&span, "consumer.duplicate")
			c.metrics.record(ctx, c.subject, OutcomeDuplicate, start)

			return msg.Ack(ctx)
		}

		defer func() {
			released, releaseErr := c.deps.Lock.Release(context.WithoutCancel(ctx), key, owner)
			if releaseErr != nil || !released {
				logger.Log(ctx, log.LevelWarn, "consumer lock release failed",
					log.Bool("released", released), log.Err(releaseErr))
			}
		}()
	}

	handleErr := c.invoke(ctx, msg)
	if handleErr == nil {
		if resetErr := c.deps.Counters.Reset(ctx, c.subject, eventID); resetErr != nil {
			logger.Log(ctx, log.LevelWarn, "retry counter reset failed", log.Err(resetErr))
		}

		c.metrics.record(ctx, c.subject, OutcomeSuccess, start)

		return msg.Ack(ctx)
	}

	return c.handleFailure(ctx, logger, msg, eventID, handleErr, start)
}

// lockOwner is unique per delivery so concurrent handlers of one worker never
// release each other's lock.
func (c *Consumer) lockOwner() string {
	return c.cfg.WorkerID + ":" + uuid.NewString()
}

func (c *Consumer) invoke(ctx context.Context, msg bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			runtime.HandlePanicValue(ctx, c.logger, r, "consumer", c.subject)
			err = errclass.Mark(fmt.Errorf("consumer: handler panic: %v", r), errclass.Permanent)
		}
	}()

	return ProcessWithImmediateRetries(ctx, c.cfg.ImmediateRetries, c.classify, func(ctx context.Context) error {
		return c.handler(ctx, msg)
	})
}

func (c *Consumer) handleFailure(ctx context.Context, logger log.Logger, msg bus.Message, eventID string, cause error, start time.Time) error {
	kind := c.classify(cause)
	logger = logger.With(log.String("error_kind", kind.String()), log.String("error", errclass.Redact(cause)))

	if kind == errclass.Conflict {
		logger.Log(ctx, log.LevelInfo, "event effect already applied, acknowledging")
		c.metrics.record(ctx, c.subject, OutcomeConflict, start)

		return msg.Ack(ctx)
	}

	if redeliverable(kind) {
		count, incErr := c.deps.Counters.Increment(ctx, c.subject, eventID)
		if incErr != nil {
			logger.Log(ctx, log.LevelError, "retry counter unavailable, requesting redelivery", log.Err(incErr))
			c.metrics.record(ctx, c.subject, OutcomeRetry, start)

			return c.nak(ctx, msg, cause)
		}

		if count < c.cfg.MaxRetries {
			logger.Log(ctx, log.LevelWarn, "event failed, requesting redelivery",
				log.Int64("attempt", count), log.Int64("max_retries", c.cfg.MaxRetries))
			c.metrics.record(ctx, c.subject, OutcomeRetry, start)

			return c.nak(ctx, msg, cause)
		}
	}

	if !c.cfg.EnableDeadLetter {
		logger.Log(ctx, log.LevelError, "event failed permanently, dropping")
		c.resetCounter(ctx, logger, eventID)
		c.metrics.record(ctx, c.subject, OutcomeDropped, start)

		return msg.Ack(ctx)
	}

	if err := c.deadLetter(ctx, msg, eventID, cause); err != nil {
		logger.Log(ctx, log.LevelError, "dead-letter write failed, requesting redelivery", log.Err(err))
		c.metrics.record(ctx, c.subject, OutcomeRetry, start)

		return c.nak(ctx, msg, err)
	}

	logger.Log(ctx, log.LevelError, "event moved to dead-letter store")
	c.resetCounter(ctx, logger, eventID)
	c.metrics.record(ctx, c.subject, OutcomeDeadLetter, start)

	return msg.Ack(ctx)
}

func (c *Consumer) deadLetter(ctx context.Context, msg bus.Message, eventID string, cause error) error {
	now := c.now().UTC()

	record, err := deadletter.NewRecord(c.subject, eventID, msg.Data(), c.cfg.DeadLetterMaxRetries, now.Add(c.cfg.DeadLetterDelay), now)
	if err != nil {
		return err
	}

	record.Error = errclass.Redact(cause)
	record.Service = c.cfg.Service
	record.Environment = c.cfg.Environment

	return c.deps.DeadLetters.Insert(ctx, record)
}

func (c *Consumer) nak(ctx context.Context, msg bus.Message, cause error) error {
	if err := msg.Nak(ctx, c.cfg.AckWait); err != nil {
		return fmt.Errorf("consumer: nak after %w: %w", cause, err)
	}

	return nil
}

func (c *Consumer) resetCounter(ctx context.Context, logger log.Logger, eventID string) {
	if err := c.deps.Counters.Reset(ctx, c.subject, eventID); err != nil {
		logger.Log(ctx, log.LevelWarn, "retry counter reset failed", log.Err(err))
	}
}

// redeliverable reports whether the broker should redeliver a failure of
// kind. Permanent and unclassified failures escalate at once.
func redeliverable(kind errclass.Kind) bool {
	switch kind {
	case errclass.Transient, errclass.RateLimited, errclass.CircuitOpen, errclass.LockContention:
		return true
	default:
		return false
	}
}
