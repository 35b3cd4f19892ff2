// Package main is the entrypoint for the TuneHub API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/tunehub/internal/api"
	"github.com/kiranshivaraju/tunehub/internal/api/handler"
	mw "github.com/kiranshivaraju/tunehub/internal/api/middleware"
	"github.com/kiranshivaraju/tunehub/internal/cache"
	"github.com/kiranshivaraju/tunehub/internal/config"
	"github.com/kiranshivaraju/tunehub/internal/ipregistry"
	"github.com/kiranshivaraju/tunehub/internal/jobs"
	"github.com/kiranshivaraju/tunehub/internal/outbox"
	"github.com/kiranshivaraju/tunehub/internal/registration"
	"github.com/kiranshivaraju/tunehub/internal/replicate"
	"github.com/kiranshivaraju/tunehub/internal/storage"
	"github.com/kiranshivaraju/tunehub/internal/store"
	"github.com/kiranshivaraju/tunehub/internal/submit"
	"github.com/kiranshivaraju/tunehub/internal/webhook"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	rehostTimeout   = 10 * time.Minute
	memoryQueueSize = 1024
	sweepBatch      = 100
	requeueBatch    = 1000
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// app is the wired server: HTTP routes plus background workers.
type app struct {
	router     http.Handler
	dispatcher *outbox.Dispatcher
	pipeline   *registration.Pipeline
	cleanup    []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "outbox_mode", cfg.Outbox.Mode, "ip_registry_mode", cfg.IPRegistry.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.dispatcher.Run(workerCtx)
	}()
	if cfg.Registration.SweepInterval > 0 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.pipeline.RunSweep(workerCtx, cfg.Registration.SweepInterval, sweepBatch)
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Workers stop after the server so in-flight requests can still enqueue.
	stopWorkers()
	workers.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// newApp connects every backing service named by cfg and wires the
// components together. The caller must call close on the result.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	st, err := openStore(ctx, cfg.Database, a)
	if err != nil {
		return nil, err
	}

	ca, redisCache, err := openCache(ctx, cfg.Redis, a)
	if err != nil {
		return nil, err
	}

	objects, err := openStorage(ctx, cfg.Storage, a)
	if err != nil {
		return nil, err
	}

	queue, err := openQueue(ctx, cfg.Outbox, redisCache)
	if err != nil {
		return nil, err
	}

	catalog, err := config.LoadModelCatalog(cfg.Replicate.ModelsFile)
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}

	registrar, err := ipregistry.NewRegistrar(cfg.IPRegistry)
	if err != nil {
		return nil, fmt.Errorf("create ip registrar: %w", err)
	}
	slog.Info("ip registrar initialized", "enabled", registrar.Enabled())

	var verifier *replicate.Verifier
	if cfg.Replicate.WebhookSecret != "" {
		verifier, err = replicate.NewVerifier(cfg.Replicate.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("create webhook verifier: %w", err)
		}
	} else {
		slog.Warn("REPLICATE_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	client := replicate.NewHTTPClient(cfg.Replicate.BaseURL, cfg.Replicate.APIToken, cfg.Replicate.Timeout)
	rehoster := storage.NewRehoster(objects, rehostTimeout)

	svc := jobs.NewService(st, ca, queue, rehoster, client, cfg.Projection)
	submitter := submit.NewSubmitter(svc, st, client, catalog, objects, rehoster, cfg.Server.BaseURL)
	pipeline := registration.NewPipeline(st, registrar, cfg.Registration)
	ingestor := webhook.NewIngestor(svc, st, verifier, ca)

	dispatcher := outbox.NewDispatcher(queue, cfg.Outbox.Workers, cfg.Outbox.MaxAttempts)
	dispatcher.Handle(outbox.TaskSubmitJob, submitter.HandleTask)
	dispatcher.Handle(outbox.TaskRehostOutput, svc.HandleRehostTask)
	dispatcher.Handle(outbox.TaskRegisterDerivative, pipeline.HandleDerivativeTask)
	dispatcher.Handle(outbox.TaskRegisterAsset, pipeline.HandleAssetTask)

	a.dispatcher = dispatcher
	a.pipeline = pipeline
	a.router = api.NewRouter(api.Dependencies{
		AdminAuth: mw.NewAdminAuth(cfg.Server.AdminAPIKeyHash),
		RateLimit: mw.NewRateLimit(ca, cfg.Server.RateLimitPerMinute),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": st,
			"cache":    ca,
		}),

		CreateJobHandler: handler.NewCreateJobHandler(svc),
		ListJobsHandler:  handler.NewListJobsHandler(svc),
		GetJobHandler:    handler.NewGetJobHandler(svc),
		JobStatusHandler: handler.NewJobStatusHandler(svc),
		HideJobHandler:   handler.NewSetHiddenHandler(svc, true),
		UnhideJobHandler: handler.NewSetHiddenHandler(svc, false),

		TrainingWebhookHandler:   handler.NewWebhookHandler(ingestor, models.JobKindTraining),
		GenerationWebhookHandler: handler.NewWebhookHandler(ingestor, models.JobKindGeneration),

		RetryRegistrationsHandler: handler.NewRetryRegistrationsHandler(pipeline),
		UnmatchedWebhooksHandler:  handler.NewUnmatchedWebhooksHandler(st),
	})
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, a *app) (store.Store, error) {
	if cfg.InMemory() {
		slog.Warn("using in-memory job store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.URL, "migrations"); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), nil
}

// openCache returns the cache and, when Redis backs it, the Redis cache
// itself for components that need the raw client.
func openCache(ctx context.Context, cfg config.RedisConfig, a *app) (cache.Cache, *cache.RedisCache, error) {
	if cfg.InMemory() {
		slog.Warn("using in-memory cache")
		return cache.NewMemoryCache(), nil, nil
	}

	redisCache, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { redisCache.Close() })

	if err := redisCache.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return redisCache, redisCache, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig, a *app) (storage.ObjectStorage, error) {
	if cfg.InMemory() {
		slog.Warn("using in-memory object storage")
		return storage.NewMemoryStorage(cfg.PublicBaseURL), nil
	}

	gcs, err := storage.NewGCSStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create object storage: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { gcs.Close() })
	slog.Info("object storage initialized", "bucket", cfg.Bucket)
	return gcs, nil
}

func openQueue(ctx context.Context, cfg config.OutboxConfig, redisCache *cache.RedisCache) (outbox.Queue, error) {
	switch cfg.Mode {
	case "memory":
		slog.Warn("using in-memory outbox, queued tasks are lost on restart")
		return outbox.NewMemoryQueue(memoryQueueSize), nil
	case "redis":
		if redisCache == nil {
			return nil, fmt.Errorf("redis outbox requires a redis cache")
		}
		q := outbox.NewRedisQueue(redisCache.Client(), cfg.QueueKey)
		// Nothing else is consuming yet, so every in-flight task is orphaned.
		n, err := q.RequeueStale(ctx, requeueBatch)
		if err != nil {
			return nil, fmt.Errorf("requeue stale outbox tasks: %w", err)
		}
		if n > 0 {
			slog.Info("requeued in-flight outbox tasks", "count", n)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown outbox mode %q", cfg.Mode)
	}
}
