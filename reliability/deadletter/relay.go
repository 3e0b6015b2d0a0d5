package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus"
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

// HeaderDeadLetterID carries the record id on republished messages.
const HeaderDeadLetterID = "x-deadletter-id"

const (
	taskReprocess = "reprocess"
	taskSweep     = "sweep"
)

// Relay republishes eligible dead-letter records and recovers stuck ones.
type Relay struct {
	repo      Repository
	publisher bus.Publisher
	leader    redis.LockManager
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

// CycleResult counts the outcome of one ProcessEligible call.
type CycleResult struct {
	Fetched     int
	Claimed     int
	Completed   int
	Rescheduled int
	Exhausted   int
	Conflicts   int
}

// SweepResult counts the outcome of one RecoverStuck call.
type SweepResult struct {
	// Skipped is true when another instance holds the sweep lock.
	Skipped    bool
	StuckReset int64
	ByStatus   map[Status]int64
}

// NewRelay creates a relay that republishes through publisher.
func NewRelay(repo Repository, publisher bus.Publisher, opts ...RelayOption) (*Relay, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	relay := &Relay{
		repo:      repo,
		publisher: publisher,
		logger:    log.NewNop(),
		tracer:    otel.Tracer("deadletter"),
		metrics:   newRelayMetrics(metrics.NewNop()),
		cfg:       DefaultRelayConfig(),
		now:       time.Now,
		stop:      make(chan struct{}),
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

// Run starts both periodic tasks until Stop is called.
func (relay *Relay) Run(launcher *reliability.Launcher) error {
	return relay.RunContext(context.Background(), launcher)
}

// RunContext reprocesses every Interval and sweeps stuck records every
// SweepInterval until Stop is called or ctx is cancelled.
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
		launcher.Logger.Log(ctx, log.LevelInfo, "deadletter relay started",
			log.String("processor_id", relay.cfg.ProcessorID), log.Duration("interval", relay.cfg.Interval))
		defer launcher.Logger.Log(ctx, log.LevelInfo, "deadletter relay stopped")
	}

	defer runtime.RecoverAndLog(ctx, relay.logger, "deadletter", "relay_run")

	reprocess := time.NewTicker(relay.cfg.Interval)
	defer reprocess.Stop()

	sweep := time.NewTicker(relay.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-relay.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-reprocess.C:
			if isClosed(relay.stop) {
				return nil
			}

			relay.runTask(ctx, taskReprocess)
		case <-sweep.C:
			if isClosed(relay.stop) {
				return nil
			}

			relay.runTask(ctx, taskSweep)
		}
	}
}

func (relay *Relay) runTask(ctx context.Context, task string) {
	relay.cycleWg.Add(1)
	defer relay.cycleWg.Done()
	defer runtime.RecoverAndLog(ctx, relay.logger, "deadletter", task)

	var err error

	switch task {
	case taskReprocess:
		_, err = relay.ProcessEligible(ctx)
	case taskSweep:
		_, err = relay.RecoverStuck(ctx)
	}

	if err != nil {
		log.SafeError(relay.logger, ctx, "deadletter "+task+" cycle failed", err, runtime.IsProductionMode())
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

// Shutdown stops the relay and waits for running cycles to complete.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	relay.Stop()

	done := make(chan struct{})

	runtime.SafeGo(relay.logger, "deadletter.relay_shutdown_wait", func() {
		relay.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deadletter relay shutdown: %w", ctx.Err())
	}
}

// ProcessEligible claims and republishes one batch of eligible records.
func (relay *Relay) ProcessEligible(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	start := relay.now()
	defer relay.metrics.observeCycle(ctx, taskReprocess, start)

	ctx, span := relay.tracer.Start(ctx, "deadletter.relay.process_eligible")
	defer span.End()

	records, err := relay.repo.FindEligible(ctx, relay.now().UTC(), relay.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to find eligible deadletter records", err)
		return result, fmt.Errorf("deadletter: find eligible: %w", err)
	}

	result.Fetched = len(records)

	var errs []error

	for _, record := range records {
		if ctx.Err() != nil {
			break
		}

		if record == nil {
			continue
		}

		if err := relay.processRecord(ctx, record, &result); err != nil {
			errs = append(errs, err)
		}
	}

	span.SetAttributes(
		attribute.Int("deadletter.fetched", result.Fetched),
		attribute.Int("deadletter.completed", result.Completed),
		attribute.Int("deadletter.rescheduled", result.Rescheduled),
		attribute.Int("deadletter.exhausted", result.Exhausted),
	)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		opentelemetry.HandleSpanError(&span, "deadletter reprocess failed", joined)

		return result, fmt.Errorf("deadletter: reprocess: %w", joined)
	}

	return result, nil
}

func (relay *Relay) processRecord(ctx context.Context, record *Record, result *CycleResult) error {
	logger := relay.logger.With(
		log.String("deadletter_id", record.ID),
		log.String("subject", record.Subject),
		log.String("event_id", record.EventID),
	)
	processor := relay.cfg.ProcessorID

	claimed, err := relay.repo.Claim(ctx, record.ID, processor, relay.now().UTC())
	if err != nil {
		return fmt.Errorf("claim %s: %w", record.ID, err)
	}

	if !claimed {
		result.Conflicts++
		return nil
	}

	result.Claimed++
	labels := metrics.Labels{"subject": record.Subject}

	pubErr := relay.publisher.Publish(ctx, record.Subject, record.Data, relay.headers(ctx, record))
	if pubErr == nil {
		marked, markErr := relay.repo.MarkCompleted(ctx, record.ID, processor, relay.now().UTC())
		if markErr != nil {
			return fmt.Errorf("mark completed %s: %w", record.ID, markErr)
		}

		if !marked {
			logger.Log(ctx, log.LevelWarn, "deadletter record republished but no longer owned")
			return nil
		}

		result.Completed++
		relay.metrics.republished.Inc(ctx, labels)
		logger.Log(ctx, log.LevelInfo, "deadletter record republished", log.Int("retry_count", record.RetryCount))

		return nil
	}

	update := relay.retryUpdate(record, pubErr)

	marked, markErr := relay.repo.MarkRetry(ctx, record.ID, processor, update)
	if markErr != nil {
		return fmt.Errorf("mark retry %s: %w", record.ID, markErr)
	}

	if !marked {
		logger.Log(ctx, log.LevelWarn, "deadletter record changed while republishing")
		return nil
	}

	if update.Status == StatusFailed {
		result.Exhausted++
		relay.metrics.exhausted.Inc(ctx, labels)
		logger.Log(ctx, log.LevelError, "deadletter record exhausted its retries",
			log.Int("retry_count", update.RetryCount), log.String("error", update.Error))

		return nil
	}

	result.Rescheduled++
	relay.metrics.retried.Inc(ctx, labels)
	logger.Log(ctx, log.LevelWarn, "deadletter republish failed, rescheduled",
		log.Int("retry_count", update.RetryCount), log.Duration("delay", update.NextRetryAt.Sub(relay.now().UTC())))

	return nil
}

func (relay *Relay) retryUpdate(record *Record, cause error) RetryUpdate {
	ceiling := record.MaxRetries
	if ceiling <= 0 {
		ceiling = relay.cfg.MaxRetries
	}

	update := RetryUpdate{
		RetryCount:  record.RetryCount + 1,
		NextRetryAt: relay.now().UTC().Add(relay.cfg.NextDelay(record.RetryCount)),
		Status:      StatusPending,
		Error:       errclass.Redact(cause),
	}

	if update.RetryCount >= ceiling {
		update.Status = StatusFailed
	}

	return update
}

func (relay *Relay) headers(ctx context.Context, record *Record) map[string]string {
	headers := opentelemetry.InjectQueueTraceContext(ctx)
	if headers == nil {
		headers = make(map[string]string, 3)
	}

	headers[bus.HeaderEventID] = record.EventID
	headers[bus.HeaderRetry] = strconv.Itoa(record.RetryCount)
	headers[HeaderDeadLetterID] = record.ID

	return headers
}

// RecoverStuck returns records stuck in processing past ProcessingTimeout
// to pending and refreshes the per-status gauge. With a lock manager
// configured only the instance holding the sweep lock runs it.
func (relay *Relay) RecoverStuck(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	start := relay.now()
	defer relay.metrics.observeCycle(ctx, taskSweep, start)

	ctx, span := relay.tracer.Start(ctx, "deadletter.relay.recover_stuck")
	defer span.End()

	if relay.leader != nil {
		expiry := redis.SweepLockOptions(relay.cfg.SweepInterval).Expiry

		handle, acquired, err := relay.leader.TryLock(ctx, relay.cfg.SweepKey, expiry)
		if err != nil {
			opentelemetry.HandleSpanError(&span, "failed to acquire sweep lock", err)
			return result, fmt.Errorf("deadletter: sweep lock: %w", err)
		}

		if !acquired {
			result.Skipped = true
			return result, nil
		}

		defer func() {
			if unlockErr := handle.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
				relay.logger.Log(ctx, log.LevelWarn, "deadletter sweep lock release failed", log.Err(unlockErr))
			}
		}()
	}

	var errs []error

	stuck, err := relay.repo.ResetStuck(ctx, relay.now().UTC().Add(-relay.cfg.ProcessingTimeout))
	if err != nil {
		errs = append(errs, fmt.Errorf("reset stuck: %w", err))
	}

	result.StuckReset = stuck

	if stuck > 0 {
		relay.metrics.stuckReset.Add(ctx, nil, float64(stuck))
		relay.logger.Log(ctx, log.LevelWarn, "deadletter stuck records reset", log.Int64("count", stuck))
	}

	counts, err := relay.repo.CountByStatus(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("count by status: %w", err))
	} else {
		result.ByStatus = counts

		for _, status := range Statuses {
			relay.metrics.records.Set(ctx, metrics.Labels{"status": string(status)}, float64(counts[status]))
		}
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		opentelemetry.HandleSpanError(&span, "deadletter sweep failed", joined)

		return result, fmt.Errorf("deadletter: sweep: %w", joined)
	}

	return result, nil
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
