// Package main is the entrypoint for the configurator generation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mss-industries/configurator/internal/api"
	"github.com/mss-industries/configurator/internal/api/handler"
	mw "github.com/mss-industries/configurator/internal/api/middleware"
	"github.com/mss-industries/configurator/internal/apikeys"
	"github.com/mss-industries/configurator/internal/blob"
	"github.com/mss-industries/configurator/internal/cache"
	"github.com/mss-industries/configurator/internal/config"
	"github.com/mss-industries/configurator/internal/generation"
	"github.com/mss-industries/configurator/internal/logger"
	"github.com/mss-industries/configurator/internal/metrics"
	"github.com/mss-industries/configurator/internal/render"
	"github.com/mss-industries/configurator/internal/slots"
	"github.com/mss-industries/configurator/internal/store"
	"github.com/mss-industries/configurator/internal/worker"
	"github.com/mss-industries/configurator/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = 10 * time.Minute
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to an optional YAML config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(os.Stdout, cfg.Log)
	slog.SetDefault(log)
	log.Info("config loaded",
		"env", cfg.Server.Env,
		"blob_backend", cfg.Blob.Backend,
		"max_concurrent_invocations", cfg.Generation.MaxConcurrentInvocations,
		"invocation_timeout", cfg.Generation.InvocationTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database and migrate
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	log.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied")

	pgStore := store.NewPostgresStore(pool)

	// 3. Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis connected")

	// 4. Blob storage
	blobs, err := blob.New(ctx, cfg.Blob, log)
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}
	var files http.Handler
	switch b := blobs.(type) {
	case *blob.FSStore:
		go b.RunSweeper(ctx, cfg.Blob.ResultContainer, sweepInterval)
		files = http.StripPrefix("/"+cfg.Blob.ResultContainer, b.Handler(cfg.Blob.ResultContainer))
	case *blob.GCSStore:
		defer b.Close()
	}
	log.Info("blob store ready", "backend", cfg.Blob.Backend)

	// 5. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// 6. Executor
	limiter := slots.New(cfg.Generation.MaxConcurrentInvocations, m)
	tool := render.NewBlenderTool(cfg.Generation.ToolExecutablePath, cfg.Generation.ToolScriptPath, log)
	exec := worker.New(pgStore, limiter, tool, blobs, m, log, worker.Config{
		InvocationTimeout: cfg.Generation.InvocationTimeout,
		TemplateContainer: cfg.Blob.TemplateContainer,
		ResultContainer:   cfg.Blob.ResultContainer,
		ResultTTL:         cfg.Blob.ResultTTL,
		WorkDir:           cfg.Generation.WorkDir,
		Retry: worker.RetryConfig{
			BaseDelay: cfg.Generation.RetryBaseDelay,
			MaxDelay:  cfg.Generation.RetryMaxDelay,
			MaxJitter: cfg.Generation.RetryMaxJitter,
		},
	})
	if _, err := exec.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	// 7. Admin key
	keys := apikeys.NewService(pgStore)
	if cfg.Auth.BootstrapAdminKey != "" {
		created, err := bootstrapAdminKey(ctx, keys, cfg.Auth.BootstrapAdminKey)
		if err != nil {
			return fmt.Errorf("bootstrap admin key: %w", err)
		}
		if created {
			log.Info("bootstrap admin key registered")
		}
	}

	// 8. Router
	svc := generation.NewService(pgStore, redisCache, exec, m, log, generation.Config{
		MaxRetries: cfg.Generation.MaxRetries,
	})

	router := api.NewRouter(api.Dependencies{
		Logger:    log,
		Metrics:   m,
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Auth.RateLimitPerMinute),

		HealthHandler: handler.NewHealthHandler(handler.HealthDeps{
			Database: pgStore,
			Cache:    redisCache,
			Slots:    limiter,
			WorkerID: exec.WorkerID(),
		}),
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		GenerateHandler:    handler.NewGenerateHandler(svc),
		GetJobHandler:      handler.NewGetJobHandler(svc),
		CancelJobHandler:   handler.NewCancelJobHandler(svc),
		ListJobsHandler:    handler.NewListJobsHandler(svc),
		CreateStyleHandler: handler.NewCreateStyleHandler(svc),
		CreateKeyHandler:   handler.NewCreateKeyHandler(keys),
		ListKeysHandler:    handler.NewListKeysHandler(keys),
		RevokeKeyHandler:   handler.NewRevokeKeyHandler(keys),
		Files:              files,
	})

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr, "worker_id", exec.WorkerID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: stop accepting requests, then interrupt running jobs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", "error", err)
	}
	if err := exec.Shutdown(shutdownCtx); err != nil {
		log.Error("executor shutdown", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	log.Info("server stopped gracefully")
	return nil
}

// bootstrapAdminKey installs raw as the operator's admin key. Repeated
// starts with the same key are no-ops.
func bootstrapAdminKey(ctx context.Context, keys *apikeys.Service, raw string) (bool, error) {
	return keys.Register(ctx, raw, "bootstrap-admin", []string{models.ScopeAdmin, models.ScopeGenerate})
}
