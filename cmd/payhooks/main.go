package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goliatone/go-command"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun/dialect/pgdialect"

	payhooks "github.com/goliatone/go-payhooks"
	"github.com/goliatone/go-payhooks/adapters/gocommand"
	"github.com/goliatone/go-payhooks/adapters/gojob"
	"github.com/goliatone/go-payhooks/adapters/gologger"
	"github.com/goliatone/go-payhooks/adapters/prommetrics"
	"github.com/goliatone/go-payhooks/alerts"
	"github.com/goliatone/go-payhooks/alerts/kafka"
	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/migrations"
	sqlstore "github.com/goliatone/go-payhooks/store/sql"
	"github.com/goliatone/go-payhooks/transport"
	"github.com/goliatone/go-payhooks/webhooks"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "payhooks: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	settings, err := LoadSettings("config.yaml")
	if err != nil {
		return err
	}
	cfg, err := core.LoadConfig(ctx, nil, settings.PipelineOverrides())
	if err != nil {
		return err
	}
	if strings.TrimSpace(settings.Webhooks.Secret) == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := prommetrics.NewRecorder(registry)
	loggers := gologger.Resolve(settings.App.Name, nil, nil)
	observer := loggers.Observer(recorder)

	client, err := openPersistence(ctx, settings)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	stores, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		return err
	}
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = cfg.AccountCacheTTL
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return err
	}
	accounts, err := sqlstore.NewCachedAccountStore(stores.AccountStore(), cacheService)
	if err != nil {
		return err
	}

	sink, closeSink, err := alertSink(settings, observer)
	if err != nil {
		return err
	}
	defer closeSink()

	memoryQueue := gojob.NewMemoryQueue(256)
	defer memoryQueue.Close()
	jobs := gojob.NewQueue(memoryQueue, memoryQueue, gojob.RetryPolicy{MaxAttempts: 5, MaxDelay: time.Minute})
	escalator, err := alerts.NewEscalator(stores.AlertOutbox(),
		alerts.WithDispatchJobs(jobs),
		alerts.WithEscalatorObserver(loggers.ComponentObserver("alerts", recorder)),
	)
	if err != nil {
		return err
	}
	dispatcher, err := alerts.NewDispatcher(stores.AlertOutbox(), sink, cfg.Alerts,
		alerts.WithDispatcherObserver(loggers.ComponentObserver("alerts", recorder)),
	)
	if err != nil {
		return err
	}

	pipeline, err := payhooks.NewPipeline(cfg, payhooks.Dependencies{
		Events:          stores.EventStore(),
		Accounts:        accounts,
		Alerter:         escalator,
		Verifier:        webhooks.SourceVerifiers{cfg.Source: webhooks.NewSignedPayloadVerifier(settings.Webhooks.Secret)},
		StatusSource:    statusSource(settings),
		AlertDispatcher: dispatcher,
		Observer:        observer,
	})
	if err != nil {
		return err
	}

	operators := gocommand.NewBus(command.NewRegistry())
	defer operators.Close()
	if err := operators.Register(gocommand.Operators{
		Replayer: pipeline.Processor(),
		Sweeper:  pipeline.Sweeper(),
		Alerts:   dispatcher,
		Events:   stores.EventStore(),
		Failed:   pipeline.Gatekeeper(),
		Accounts: accounts,
	}); err != nil {
		return err
	}
	if err := operators.Initialize(); err != nil {
		return err
	}

	runner := gojob.NewRunner(jobs,
		gojob.WithRunnerObserver(loggers.ComponentObserver("jobs", recorder)),
		gojob.WithRunnerHook(gojob.NewWorkerHook(gojob.NewMetricsHook(observer))),
	)
	if err := runner.Handle(core.JobIDAlertDispatch, gojob.AlertDispatchJob(dispatcher)); err != nil {
		return err
	}
	if err := runner.Handle(core.JobIDStuckSweep, gojob.StuckSweepJob(pipeline.Sweeper())); err != nil {
		return err
	}

	router := transport.NewRouter(transport.NewWebhookHandler(pipeline.Processor(), observer), transport.RouterOptions{
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Health:       func(ctx context.Context) error { return client.DB().PingContext(ctx) },
		HealthWait:   settings.Postgres.PingTimeout,
		RequestLog:   settings.HTTP.RequestLog,
		MaxBodyBytes: settings.HTTP.MaxBodyBytes,
	})
	server := &http.Server{
		Addr:              ":" + settings.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			observer.Error(ctx, "payhooks: job runner stopped", map[string]any{"error": err.Error()})
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx, settings.Pipeline.AlertPollInterval); err != nil && !errors.Is(err, context.Canceled) {
			observer.Error(ctx, "payhooks: alert dispatcher stopped", map[string]any{"error": err.Error()})
		}
	}()
	go scheduleSweeps(ctx, jobs, settings.Pipeline.SweepInterval, observer)

	serveErr := make(chan error, 1)
	go func() {
		observer.Info(ctx, "payhooks: listening", map[string]any{"addr": server.Addr, "source": cfg.Source})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.HTTP.ShutdownTimeout)
	defer cancel()
	observer.Info(shutdownCtx, "payhooks: shutting down", nil)
	return server.Shutdown(shutdownCtx)
}

func openPersistence(ctx context.Context, settings *Settings) (*persistence.Client, error) {
	sqlDB, err := sql.Open("postgres", settings.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	client, err := persistence.New(persistenceConfig{
		driver:      "postgres",
		server:      settings.Postgres.DSN,
		debug:       settings.Postgres.Debug,
		pingTimeout: settings.Postgres.PingTimeout,
		name:        settings.App.Name,
	}, sqlDB, pgdialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	_, err = migrations.Register(ctx, func(_ context.Context, set migrations.Set) error {
		client.RegisterSQLMigrations(set.FS)
		return nil
	}, migrations.DialectPostgres)
	if err == nil {
		err = client.Migrate(ctx)
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return client, nil
}

func alertSink(settings *Settings, observer core.Observer) (core.AlertSink, func(), error) {
	logSink := alerts.LoggerSink{Observer: observer}
	if len(settings.Kafka.Brokers) == 0 {
		return logSink, func() {}, nil
	}
	sink, err := kafka.NewSink(kafka.Config{
		Brokers:      settings.Kafka.Brokers,
		Topic:        settings.Kafka.Topic,
		WriteTimeout: settings.Kafka.WriteTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return alerts.FanoutSink{logSink, sink}, func() { _ = sink.Close() }, nil
}

func statusSource(settings *Settings) core.AccountStatusSource {
	if strings.TrimSpace(settings.Processor.APIKey) == "" {
		return nil
	}
	return transport.NewAccountStatusClient(&http.Client{Timeout: 10 * time.Second}, settings.Processor.BaseURL, settings.Processor.APIKey)
}

func scheduleSweeps(ctx context.Context, jobs core.JobEnqueuer, interval time.Duration, observer core.Observer) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := jobs.Enqueue(ctx, &core.JobExecutionMessage{
				JobID:          core.JobIDStuckSweep,
				IdempotencyKey: core.JobIDStuckSweep,
			})
			if err != nil {
				observer.Warn(ctx, "payhooks: stuck sweep not scheduled", map[string]any{"error": err.Error()})
			}
		}
	}
}
