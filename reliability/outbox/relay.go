package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/redis"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Relay publishes pending outbox records and recovers stuck and failed ones.
type Relay struct {
	repo      Repository
	registry  *PublisherRegistry
	leader    redis.LockManager
	alertHook AlertHook
	logger    log.Logger
	tracer    trace.Tracer
	metrics   relayMetrics
	cfg       RelayConfig
	now       func() time.Time

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cycleWg    sync.WaitGroup
}

var _ reliability.App = (*Relay)(nil)

// CycleResult counts the outcome of one ProcessPendingEvents call.
type CycleResult struct {
	Fetched           int
	Claimed           int
	Published         int
	Failed            int
	Conflicts         int
	StateUpdateFailed int
}

// MonitorResult counts the outcome of one MonitorFailedEvents call.
type MonitorResult struct {
	// Skipped is true when another instance holds the monitor lock.
	Skipped      bool
	StuckReset   int64
	RetryReset   int64
	FailedEvents int64
	Alerted      bool
}

// NewRelay creates an outbox relay.
func NewRelay(repo Repository, registry *PublisherRegistry, opts ...RelayOption) (*Relay, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	relay := &Relay{
		repo:     repo,
		registry: registry,
		logger:   log.NewNop(),
		tracer:   otel.Tracer("outbox"),
		metrics:  newRelayMetrics(metrics.NewNop()),
		cfg:      DefaultRelayConfig(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	relay.cfg.normalize()

	return relay, nil
}

// Config returns the effective configuration.
func (relay *Relay) Config() RelayConfig { return relay.cfg }

// Run starts the relay loop until Stop is called.
func (relay *Relay) Run(launcher *reliability.Launcher) error {
	return relay.RunContext(context.Background(), launcher)
}

// RunContext runs both periodic tasks every Interval until Stop is called
// or ctx is cancelled. A cycle already running when Stop is called
// completes.
func (relay *Relay) RunContext(ctx context.Context, launcher *reliability.Launcher) error {
	if relay == nil {
		return ErrRelayRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !relay.registerRun() {
		return ErrRelayRunning
	}

	defer relay.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "outbox relay started",
			log.Duration("interval", relay.cfg.Interval), log.Int("batch_size", relay.cfg.BatchSize))
		defer launcher.Logger.Log(ctx, log.LevelInfo, "outbox relay stopped")
	}

	defer runtime.RecoverAndLog(ctx, relay.logger, "outbox", "relay_run")

	ticker := time.NewTicker(relay.cfg.Interval)
	defer ticker.Stop()

	relay.cycle(ctx)

	for {
		select {
		case <-relay.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-relay.stop:
				return nil
			default:
			}

			relay.cycle(ctx)
		}
	}
}

func (relay *Relay) cycle(ctx context.Context) {
	relay.cycleWg.Add(1)
	defer relay.cycleWg.Done()

	tickCtx, span := relay.tracer.Start(ctx, "outbox.relay.cycle")
	defer span.End()
	defer runtime.RecoverAndLog(tickCtx, relay.logger, "outbox", "relay_cycle")

	if _, err := relay.ProcessPendingEvents(tickCtx); err != nil {
		log.SafeError(relay.logger, tickCtx, "outbox process cycle failed", err, runtime.IsProductionMode())
	}

	if _, err := relay.MonitorFailedEvents(tickCtx); err != nil {
		log.SafeError(relay.logger, tickCtx, "outbox monitor cycle failed", err, runtime.IsProductionMode())
	}
}

// Stop halts future cycles. It does not interrupt a running cycle.
func (relay *Relay) Stop() {
	if relay == nil {
		return
	}

	relay.stopOnce.Do(func() {
		relay.runStateMu.Lock()
		stop := relay.stop
		relay.runStateMu.Unlock()

		close(stop)
	})
}

// Shutdown stops the relay and waits for the running cycle to complete.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	relay.Stop()

	done := make(chan struct{})

	runtime.SafeGo(relay.logger, "outbox.relay_shutdown_wait", func() {
		relay.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox relay shutdown: %w", ctx.Err())
	}
}

// ProcessPendingEvents claims and publishes one batch of pending records.
// A record another instance claimed first is skipped silently.
func (relay *Relay) ProcessPendingEvents(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	start := relay.now()
	defer relay.metrics.observeCycle(ctx, taskProcess, start)

	ctx, span := relay.tracer.Start(ctx, "outbox.relay.process_pending")
	defer span.End()

	records, err := relay.repo.FindPending(ctx, relay.cfg.BatchSize, relay.cfg.MaxRetries)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to find pending outbox records", err)
		return result, fmt.Errorf("outbox: find pending: %w", err)
	}

	result.Fetched = len(records)

	for _, record := range records {
		if ctx.Err() != nil {
			break
		}

		if record == nil {
			continue
		}

		relay.processRecord(ctx, record, &result)
	}

	span.SetAttributes(
		attribute.Int("outbox.fetched", result.Fetched),
		attribute.Int("outbox.published", result.Published),
		attribute.Int("outbox.failed", result.Failed),
		attribute.Int("outbox.conflicts", result.Conflicts),
	)

	return result, nil
}

// processRecord publishes one record. Delivery is at-least-once: the publish
// happens before MarkPublished, so a crash in between republishes it after
// the stuck sweep.
func (relay *Relay) processRecord(ctx context.Context, record *Record, result *CycleResult) {
	logger := relay.logger.With(log.String("event_id", record.ID), log.String("event_type", record.EventType))
	labels := metrics.Labels{"event_type": record.EventType}

	claimed, err := relay.repo.Claim(ctx, record.ID, record.RetryCount, relay.now().UTC())
	if err != nil {
		logger.Log(ctx, log.LevelError, "outbox claim failed", log.Err(err))
		return
	}

	if !claimed {
		result.Conflicts++
		relay.metrics.claimConflicts.Inc(ctx, labels)

		return
	}

	result.Claimed++

	if pubErr := relay.registry.Publish(ctx, record); pubErr != nil {
		result.Failed++
		relay.metrics.failed.Inc(ctx, labels)

		marked, markErr := relay.repo.MarkFailed(ctx, record.ID, record.RetryCount, errclass.Redact(pubErr), relay.now().UTC())

		switch {
		case markErr != nil:
			logger.Log(ctx, log.LevelError, "outbox failure state not persisted", log.Err(markErr))
		case !marked:
			logger.Log(ctx, log.LevelWarn, "outbox record changed while publishing")
		default:
			logger.Log(ctx, log.LevelWarn, "outbox publish failed",
				log.Int("retry_count", record.RetryCount+1), log.Bool("terminal", record.RetryCount+1 >= relay.cfg.MaxRetries),
				log.String("error", errclass.Redact(pubErr)))
		}

		return
	}

	marked, err := relay.repo.MarkPublished(ctx, record.ID, relay.now().UTC())
	if err != nil || !marked {
		result.StateUpdateFailed++

		logger.Log(ctx, log.LevelError, "outbox record published but published state not persisted; it may be republished",
			log.Bool("matched", marked), log.Err(err))

		return
	}

	result.Published++
	relay.metrics.published.Inc(ctx, labels)
}

// MonitorFailedEvents resets stuck processing records, returns retryable
// failed records to pending and raises the alert when terminal failures
// reach the threshold. With a lock manager configured only the instance
// holding the leader lock runs it.
func (relay *Relay) MonitorFailedEvents(ctx context.Context) (MonitorResult, error) {
	var result MonitorResult

	start := relay.now()
	defer relay.metrics.observeCycle(ctx, taskMonitor, start)

	ctx, span := relay.tracer.Start(ctx, "outbox.relay.monitor")
	defer span.End()

	if relay.leader != nil {
		expiry := redis.SweepLockOptions(relay.cfg.Interval).Expiry

		handle, acquired, err := relay.leader.TryLock(ctx, relay.cfg.LeaderKey, expiry)
		if err != nil {
			opentelemetry.HandleSpanError(&span, "failed to acquire monitor lock", err)
			return result, fmt.Errorf("outbox: monitor lock: %w", err)
		}

		if !acquired {
			result.Skipped = true
			return result, nil
		}

		defer func() {
			if unlockErr := handle.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
				relay.logger.Log(ctx, log.LevelWarn, "outbox monitor lock release failed", log.Err(unlockErr))
			}
		}()
	}

	now := relay.now().UTC()

	var errs []error

	stuck, err := relay.repo.ResetStuck(ctx, now.Add(-relay.cfg.StuckThreshold))
	if err != nil {
		errs = append(errs, fmt.Errorf("reset stuck: %w", err))
	}

	result.StuckReset = stuck

	if stuck > 0 {
		relay.metrics.stuckReset.Add(ctx, nil, float64(stuck))
		relay.logger.Log(ctx, log.LevelWarn, "outbox stuck records reset", log.Int64("count", stuck))
	}

	retried, err := relay.repo.ResetFailedForRetry(ctx, now.Add(-relay.cfg.RetryWindow), relay.cfg.MaxRetries, relay.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("reset failed for retry: %w", err))
	}

	result.RetryReset = retried

	failed, err := relay.repo.CountFailed(ctx, relay.cfg.MaxRetries)
	if err != nil {
		errs = append(errs, fmt.Errorf("count failed: %w", err))
	} else {
		result.FailedEvents = failed
		relay.metrics.failedEvents.Set(ctx, nil, float64(failed))

		if failed >= int64(relay.cfg.AlertThreshold) {
			result.Alerted = true
			relay.alert(ctx, failed)
		}
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		opentelemetry.HandleSpanError(&span, "outbox monitor failed", joined)

		return result, fmt.Errorf("outbox: monitor: %w", joined)
	}

	return result, nil
}

func (relay *Relay) alert(ctx context.Context, failed int64) {
	relay.logger.Log(ctx, log.LevelError, "outbox failed records above alert threshold",
		log.Int64("failed", failed), log.Int("threshold", relay.cfg.AlertThreshold))

	if relay.alertHook == nil {
		return
	}

	defer runtime.RecoverAndLog(ctx, relay.logger, "outbox", "alert_hook")

	relay.alertHook(ctx, Alert{FailedCount: failed, Threshold: relay.cfg.AlertThreshold})
}

func (relay *Relay) registerRun() bool {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	if relay.running {
		return false
	}

	if relay.stop == nil || isClosed(relay.stop) {
		relay.stop = make(chan struct{})
		relay.stopOnce = sync.Once{}
	}

	relay.running = true

	return true
}

func (relay *Relay) clearRun() {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	relay.running = false
}

func isClosed(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}
