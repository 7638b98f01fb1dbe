// Package main is the entrypoint for the BizScout API server.
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

	"github.com/yassine700/bizscout/internal/api"
	"github.com/yassine700/bizscout/internal/api/handler"
	mw "github.com/yassine700/bizscout/internal/api/middleware"
	"github.com/yassine700/bizscout/internal/api/response"
	"github.com/yassine700/bizscout/internal/cache"
	"github.com/yassine700/bizscout/internal/config"
	"github.com/yassine700/bizscout/internal/events"
	"github.com/yassine700/bizscout/internal/orchestrator"
	"github.com/yassine700/bizscout/internal/scraper"
	"github.com/yassine700/bizscout/internal/store"
)

const shutdownTimeout = 30 * time.Second

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

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "pool_concurrency", cfg.Pool.Concurrency)

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
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect Redis: rate-limit counters and the live event fan-out
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	fanout := events.NewRedisFanoutFromClient(redisCache.Client())

	// 5. Create store, emitter, gateway
	pgStore := store.NewPostgresStore(pool)
	emitter := events.NewEmitter(pgStore, fanout, slog.Default())
	gateway := events.NewGateway(pgStore, fanout)

	// 6. Scraper registry — source implementations register here at build
	// time; the control plane itself ships none.
	registry := scraper.NewRegistry()
	if len(registry.Sources()) == 0 {
		slog.Warn("no scraper sources registered; submissions will be rejected")
	}

	// 7. Worker pool and orchestrator
	workerPool := orchestrator.NewPool(slog.Default(),
		orchestrator.WithConcurrency(cfg.Pool.Concurrency),
		orchestrator.WithQueueSize(cfg.Pool.QueueSize),
	)
	workerPool.Start()

	svc := orchestrator.NewService(pgStore, registry, workerPool, emitter, slog.Default())

	// 8. Build router with dependencies
	rateLimit := mw.NewRateLimit(redisCache, cfg.Scraper.RequestsPerMin)

	deps := api.Dependencies{
		Logger:    slog.Default(),
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),
		SubmitHandler: handler.NewSubmitHandler(svc),
		StatusHandler: handler.NewStatusHandler(svc),
		TasksHandler:  handler.NewTasksHandler(svc),
		PauseHandler:  handler.NewControlHandler(svc, handler.Pause),
		ResumeHandler: handler.NewControlHandler(svc, handler.Resume),
		KillHandler:   handler.NewControlHandler(svc, handler.Kill),
		StreamHandler: handler.NewStreamHandler(gateway),
		ExportHandler: handler.NewExportHandler(svc),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open indefinitely
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
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout; stop the pool after the HTTP layer
	// so in-flight control requests still see a live pool.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	workerPool.Stop(shutdownCtx)

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"redis":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["redis"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["redis"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
