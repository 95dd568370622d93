// Package main is the entrypoint for the CI engine API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/ciengine/internal/api"
	"github.com/kiranshivaraju/ciengine/internal/api/handler"
	mw "github.com/kiranshivaraju/ciengine/internal/api/middleware"
	"github.com/kiranshivaraju/ciengine/internal/artifact"
	"github.com/kiranshivaraju/ciengine/internal/cache"
	"github.com/kiranshivaraju/ciengine/internal/clock"
	"github.com/kiranshivaraju/ciengine/internal/config"
	"github.com/kiranshivaraju/ciengine/internal/ingest"
	"github.com/kiranshivaraju/ciengine/internal/lifecycle"
	"github.com/kiranshivaraju/ciengine/internal/registry"
	"github.com/kiranshivaraju/ciengine/internal/revision"
	"github.com/kiranshivaraju/ciengine/internal/scheduler"
	"github.com/kiranshivaraju/ciengine/internal/store"
	"github.com/kiranshivaraju/ciengine/internal/trigger"
)

const shutdownTimeout = 30 * time.Second

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(cfg.Server.LogLevel)
	slog.Info("config loaded", "env", cfg.Server.Env, "log_level", cfg.Server.LogLevel.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Wire services and routes
	a := newApp(cfg, store.NewPostgresStore(pool), redisCache, revision.NewGitReader(cfg.Storage.ReposDir), clock.Real())

	// 6. Start the timeout sweeper
	if err := a.sweeper.Start(cfg.Sweeper.Interval); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	slog.Info("timeout sweeper started", "interval", cfg.Sweeper.Interval.String())

	// 7. Start HTTP server
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

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		<-a.sweeper.Stop().Done()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	select {
	case <-a.sweeper.Stop().Done():
	case <-shutdownCtx.Done():
		slog.Warn("timeout sweep still running at shutdown")
	}

	slog.Info("server stopped gracefully")
	return nil
}

type app struct {
	router  http.Handler
	sweeper *scheduler.Sweeper
}

// newApp builds every service on top of the given storage and returns the
// HTTP router and the timeout sweeper.
func newApp(cfg *config.Config, st store.Store, c cache.Cache, reader revision.Reader, clk clock.Clock) *app {
	reg := registry.New(st, c, clk, registry.Options{
		AutoRegister: cfg.Auth.RunnerAutoRegister,
		MinTokenLen:  cfg.Auth.RunnerTokenMinLen,
	})
	settler := lifecycle.NewSettler(st, c, clk)
	engine := trigger.NewEngine(reader, st, clk, trigger.Config{
		DefinitionFiles: cfg.Pipeline.DefinitionFiles,
		DefaultImage:    cfg.Pipeline.DefaultImage,
	})
	leases := scheduler.NewManager(st, c, clk, scheduler.Config{
		WorkspaceRoot: cfg.Storage.WorkspaceRoot,
		ScanLimit:     cfg.Pipeline.LeaseScanLimit,
	})
	artifacts := artifact.NewStore(cfg.Storage.ArtifactsDir, int64(cfg.Storage.MaxArtifactMB)<<20)
	svc := ingest.NewService(st, c, settler, artifacts, clk)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(reg, cfg.Auth.UserJWTSecret),
		RateLimit: mw.NewRateLimit(c, cfg.Auth.RunnerRateLimit),

		HealthHandler: handler.NewHealthHandler(st, c),

		LeaseHandler:          handler.NewLeaseHandler(leases),
		AppendLogHandler:      handler.NewAppendLogHandler(svc),
		ReportStatusHandler:   handler.NewReportStatusHandler(svc),
		UploadArtifactHandler: handler.NewUploadArtifactHandler(svc, artifacts.MaxBytes()),

		GetJobHandler:    handler.NewGetJobHandler(svc),
		JobStatusHandler: handler.NewJobStatusHandler(svc),
		JobLogsHandler:   handler.NewJobLogsHandler(svc),
		ListArtifacts:    handler.NewListArtifactsHandler(svc),

		TriggerHandler:        handler.NewTriggerHandler(engine),
		ListPipelines:         handler.NewListPipelinesHandler(svc),
		GetPipeline:           handler.NewGetPipelineHandler(svc),
		CancelPipelineHandler: handler.NewCancelPipelineHandler(svc),
		PlayJobHandler:        handler.NewPlayJobHandler(svc),
		StreamLogsHandler:     handler.NewStreamLogsHandler(svc),
		DownloadArtifact:      handler.NewDownloadArtifactHandler(svc),
		ListRunners:           handler.NewListRunnersHandler(reg),
		UpdateRunner:          handler.NewUpdateRunnerHandler(reg),
	}

	return &app{
		router:  api.NewRouter(deps),
		sweeper: scheduler.NewSweeper(st, settler, c, clk),
	}
}
