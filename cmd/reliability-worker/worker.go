package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus/kafka"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus/rabbitmq"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/circuitbreaker"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/deadletter"
	dlmongo "github.com/oguzhanayyldz/moon-lib-sub000/reliability/deadletter/mongo"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/executor"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/mongo"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/outbox"
	outboxmongo "github.com/oguzhanayyldz/moon-lib-sub000/reliability/outbox/mongo"
	outboxpg "github.com/oguzhanayyldz/moon-lib-sub000/reliability/outbox/postgres"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/postgres"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/redis"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/retry"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/runtime"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	busDependency   = "bus"
	shutdownTimeout = 30 * time.Second
)

// closer releases one resource during shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// worker holds everything run builds so shutdown can unwind it.
type worker struct {
	logger    log.Logger
	telemetry *opentelemetry.Telemetry
	closers   []closer
}

func (w *worker) onClose(name string, fn func(ctx context.Context) error) {
	w.closers = append(w.closers, closer{name: name, fn: fn})
}

// close runs the closers in reverse order of registration.
func (w *worker) close(ctx context.Context) error {
	var errs []error

	for i := len(w.closers) - 1; i >= 0; i-- {
		c := w.closers[i]
		if err := c.fn(ctx); err != nil {
			w.logger.Log(ctx, log.LevelError, "shutdown step failed", log.String("step", c.name), log.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}

	return errors.Join(errs...)
}

func run(ctx context.Context, cfg Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	w := &worker{logger: logger}

	defer func() { _ = logger.Sync(context.Background()) }()

	launcher, relays, err := w.build(ctx, cfg)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Join(err, w.close(closeCtx))
	}

	runErr := make(chan error, 1)

	go func() { runErr <- launcher.RunWithError() }()

	select {
	case <-ctx.Done():
		logger.Log(ctx, log.LevelInfo, "shutdown signal received")
	case err := <-runErr:
		logger.Log(ctx, log.LevelError, "launcher exited before shutdown", log.Err(err))
		relays.stopAll()
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	shutdownErr := w.close(closeCtx)

	select {
	case err = <-runErr:
	case <-closeCtx.Done():
		err = fmt.Errorf("launcher did not stop: %w", closeCtx.Err())
	}

	return errors.Join(err, shutdownErr)
}

// stoppables groups the long-running apps so a launcher failure can stop
// the survivors.
type stoppables []interface{ Stop() }

func (s stoppables) stopAll() {
	for _, st := range s {
		st.Stop()
	}
}

func (w *worker) build(ctx context.Context, cfg Config) (*reliability.Launcher, stoppables, error) {
	logger := w.logger

	telemetry, err := opentelemetry.InitTelemetry(ctx, &opentelemetry.TelemetryConfig{
		LibraryName:               otelLibraryName,
		ServiceName:               cfg.ServiceName,
		ServiceVersion:            cfg.Version,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.OTelEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: %w", err)
	}

	w.telemetry = telemetry
	w.onClose("telemetry", telemetry.Shutdown)

	tracer := telemetry.Tracer()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sink := metrics.NewPrometheus(registry, logger)

	runtime.SetProductionMode(cfg.EnvName == "production")
	runtime.InitPanicMetrics(sink)

	mongoClient, err := mongo.NewClient(ctx, cfg.Mongo, mongo.WithLogger(logger), mongo.WithMetrics(sink))
	if err != nil {
		return nil, nil, err
	}

	w.onClose("mongo", mongoClient.Close)

	if err := mongoClient.EnsureIndexes(ctx, cfg.DLQCollection, dlmongo.Indexes()...); err != nil {
		return nil, nil, err
	}

	dlqColl, err := mongoClient.Collection(cfg.DLQCollection)
	if err != nil {
		return nil, nil, err
	}

	outboxRepo, outboxCheck, err := w.buildOutboxStore(ctx, cfg, mongoClient, logger, sink)
	if err != nil {
		return nil, nil, err
	}

	dlqRepo, err := dlmongo.NewRepository(dlqColl, dlmongo.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	redisClient, err := redis.New(ctx, redis.Config{
		Addresses: []string{cfg.RedisAddress},
		Password:  cfg.RedisPassword,
		Logger:    logger,
		Metrics:   sink,
	})
	if err != nil {
		return nil, nil, err
	}

	w.onClose("redis", func(context.Context) error { return redisClient.Close() })

	redisOpts, err := redisClient.Options()
	if err != nil {
		return nil, nil, err
	}

	pool, err := redis.NewConnectionPool(ctx, redis.SingleConnDialer(redisOpts), redis.PoolConfig{
		MinConnections: cfg.RedisMinConnections,
		MaxConnections: cfg.RedisMaxConnections,
		AcquireTimeout: cfg.RedisAcquireTimeout,
	}, redis.WithPoolLogger(logger), redis.WithPoolMetrics(sink), redis.WithPoolName(cfg.ServiceName))
	if err != nil {
		return nil, nil, err
	}

	w.onClose("redis pool", func(context.Context) error {
		pool.Destroy()
		return nil
	})

	counters := retry.NewCounterStore(redis.NewStore(pool), cfg.Retry, logger)

	lockManager, err := redis.NewRedisLockManager(ctx, redisClient)
	if err != nil {
		return nil, nil, err
	}

	publisher, busCheck, err := w.buildBus(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	breakers := circuitbreaker.NewManager(logger, circuitbreaker.WithMetrics(sink))

	executors := executor.NewRegistry(executor.WithLogger(logger), executor.WithMetrics(sink), executor.WithBreakerManager(breakers))
	w.onClose("executors", func(context.Context) error {
		executors.Close()
		return nil
	})

	execCfg := executor.DefaultConfig()
	execCfg.RateLimit.Points = cfg.BusRatePoints
	execCfg.Queue.Concurrency = cfg.BusConcurrency

	busExec, err := executors.Register(busDependency, execCfg)
	if err != nil {
		return nil, nil, err
	}

	guarded := guardedPublisher(busExec, publisher)

	healthChecker, err := circuitbreaker.NewHealthChecker(breakers, cfg.BreakerCheckInterval, 5*time.Second, logger)
	if err != nil {
		return nil, nil, err
	}

	healthChecker.Register(busDependency, busCheck)
	healthChecker.Start()
	w.onClose("breaker health checker", func(context.Context) error {
		healthChecker.Stop()
		return nil
	})

	publishers := outbox.NewPublisherRegistry()
	for _, eventType := range cfg.eventTypes() {
		if err := publishers.Register(eventType, outbox.PublishTo(guarded, eventType)); err != nil {
			return nil, nil, err
		}
	}

	outboxRelay, err := outbox.NewRelay(outboxRepo, publishers,
		outbox.WithConfig(cfg.Outbox),
		outbox.WithLockManager(lockManager),
		outbox.WithLogger(logger),
		outbox.WithTracer(tracer),
		outbox.WithMetrics(sink),
		outbox.WithAlertHook(func(ctx context.Context, alert outbox.Alert) {
			logger.Log(ctx, log.LevelError, "outbox terminal failures over threshold",
				log.Int64("failed", alert.FailedCount), log.Int("threshold", alert.Threshold))
		}),
	)
	if err != nil {
		return nil, nil, err
	}

	dlqRelay, err := deadletter.NewRelay(dlqRepo, guarded,
		deadletter.WithConfig(cfg.DeadLetter),
		deadletter.WithLockManager(lockManager),
		deadletter.WithLogger(logger),
		deadletter.WithTracer(tracer),
		deadletter.WithMetrics(sink),
	)
	if err != nil {
		return nil, nil, err
	}

	ops, err := server.NewOpsServer(cfg.OpsAddress,
		server.WithLogger(logger),
		server.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})),
	)
	if err != nil {
		return nil, nil, err
	}

	checks := []struct {
		name  string
		check server.Check
	}{
		{"mongo", mongoClient.Ping},
		{"outbox store", outboxCheck},
		{"redis", func(context.Context) error {
			if !pool.Healthy() {
				return errors.New("redis pool unhealthy")
			}

			return nil
		}},
		{"redis lock", redisClient.Ping},
		{busDependency, func(context.Context) error {
			if !breakers.IsHealthy(busDependency) {
				return fmt.Errorf("circuit %s", breakers.State(busDependency))
			}

			return nil
		}},
	}

	for _, c := range checks {
		if err := ops.AddCheck(c.name, c.check); err != nil {
			return nil, nil, err
		}
	}

	if err := ops.AddDiagnostic("retry-counters", retryCounterReport(counters, cfg.eventTypes())); err != nil {
		return nil, nil, err
	}

	w.onClose("outbox relay", outboxRelay.Shutdown)
	w.onClose("dead-letter relay", dlqRelay.Shutdown)
	w.onClose("ops server", ops.Shutdown)

	launcher := reliability.NewLauncher(
		reliability.WithLogger(logger),
		reliability.RunApp("outbox-relay", outboxRelay),
		reliability.RunApp("deadletter-relay", dlqRelay),
		reliability.RunApp("ops-server", ops),
	)

	logger.Log(ctx, log.LevelInfo, "reliability worker ready",
		log.String("bus", cfg.BusDriver), log.String("outbox_store", cfg.OutboxStore), log.Any("event_types", cfg.eventTypes()))

	return launcher, stoppables{outboxRelay, dlqRelay}, nil
}

// buildOutboxStore returns the outbox repository for OutboxStore together
// with its readiness probe.
func (w *worker) buildOutboxStore(ctx context.Context, cfg Config, mongoClient *mongo.Client, logger log.Logger, sink metrics.Sink) (outbox.Repository, server.Check, error) {
	if cfg.OutboxStore == storePostgres {
		pg, err := postgres.NewClient(ctx, cfg.Postgres, postgres.WithLogger(logger), postgres.WithMetrics(sink))
		if err != nil {
			return nil, nil, err
		}

		w.onClose("postgres", func(context.Context) error { return pg.Close() })

		pool, err := pg.Pool()
		if err != nil {
			return nil, nil, err
		}

		repo, err := outboxpg.NewRepository(pool, outboxpg.WithLogger(logger), outboxpg.WithTableName(cfg.OutboxTable))
		if err != nil {
			return nil, nil, err
		}

		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}

		return repo, pg.Ping, nil
	}

	if err := mongoClient.EnsureIndexes(ctx, cfg.OutboxCollection, outboxmongo.Indexes()...); err != nil {
		return nil, nil, err
	}

	coll, err := mongoClient.Collection(cfg.OutboxCollection)
	if err != nil {
		return nil, nil, err
	}

	repo, err := outboxmongo.NewRepository(coll, outboxmongo.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	return repo, mongoClient.Ping, nil
}

// buildBus returns the publisher for the configured driver and a probe the
// breaker health checker uses to close the bus circuit.
func (w *worker) buildBus(ctx context.Context, cfg Config, logger log.Logger) (bus.Publisher, circuitbreaker.HealthCheckFunc, error) {
	switch cfg.BusDriver {
	case busKafka:
		pub, err := kafka.NewPublisher(cfg.Kafka, kafka.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}

		w.onClose("kafka publisher", func(context.Context) error {
			pub.Close()
			return nil
		})

		return pub, pub.Ping, nil
	default:
		conn, err := rabbitmq.NewConnection(cfg.RabbitMQ, rabbitmq.WithConnectionLogger(logger))
		if err != nil {
			return nil, nil, err
		}

		if err := conn.Connect(ctx); err != nil {
			return nil, nil, err
		}

		w.onClose("rabbitmq connection", func(context.Context) error { return conn.Close() })

		setup, err := conn.Channel(ctx)
		if err != nil {
			return nil, nil, err
		}

		pub, err := rabbitmq.NewPublisher(rabbitmq.ConnectionChannels(conn), conn.Config().Exchange,
			rabbitmq.WithPublisherLogger(logger), rabbitmq.WithConfirmTimeout(conn.Config().ConfirmTimeout))
		if err != nil {
			_ = setup.Close()
			return nil, nil, err
		}

		declareErr := pub.DeclareExchange(ctx, setup)
		_ = setup.Close()

		if declareErr != nil {
			return nil, nil, declareErr
		}

		w.onClose("rabbitmq publisher", func(context.Context) error { return pub.Close() })

		return pub, func(ctx context.Context) error { return conn.Connect(ctx) }, nil
	}
}

// retryCounterReport lists the live retry counter keys per event type.
func retryCounterReport(counters *retry.CounterStore, eventTypes []string) server.Diagnostic {
	return func(ctx context.Context) (any, error) {
		report := make(map[string][]string, len(eventTypes))

		for _, eventType := range eventTypes {
			keys, err := counters.Keys(ctx, eventType)
			if err != nil {
				return nil, err
			}

			report[eventType] = keys
		}

		return report, nil
	}
}

// guardedPublisher routes every publish through exec so the bus shares one
// rate limit, concurrency bound and circuit breaker.
func guardedPublisher(exec *executor.Executor, publisher bus.Publisher) bus.Publisher {
	return bus.PublisherFunc(func(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
		return exec.Execute(ctx, executor.Request{
			Operation:  "publish",
			Target:     subject,
			Attributes: map[string]string{bus.HeaderEventID: headers[bus.HeaderEventID]},
		}, func(ctx context.Context) error {
			return publisher.Publish(ctx, subject, payload, headers)
		}, nil)
	})
}
