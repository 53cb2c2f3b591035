// Package main is the entrypoint for the PinHawk API server.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pinhawk/pinhawk/internal/api"
	"github.com/pinhawk/pinhawk/internal/api/handler"
	mw "github.com/pinhawk/pinhawk/internal/api/middleware"
	"github.com/pinhawk/pinhawk/internal/api/response"
	"github.com/pinhawk/pinhawk/internal/cache"
	"github.com/pinhawk/pinhawk/internal/config"
	"github.com/pinhawk/pinhawk/internal/store"
	"github.com/pinhawk/pinhawk/internal/syncer"
	"github.com/pinhawk/pinhawk/internal/twitter"
	"github.com/pinhawk/pinhawk/internal/ws"
	"github.com/pinhawk/pinhawk/pkg/models"
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
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Sync.WorkerConcurrency)

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

	pgStore := store.NewPostgresStore(pool)

	// 4. Recover jobs orphaned by the previous process
	if n, err := pgStore.FailInterruptedJobs(ctx); err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Warn("marked interrupted jobs as failed", "count", n)
	}

	// 5. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 6. Build the external API client stack. One breaker guards the
	// provider as a whole; per-user clients share it.
	breaker := twitter.NewBreaker(cfg.Breaker)
	factory := func(u *models.User) twitter.Client {
		httpClient := twitter.NewHTTPClient(
			cfg.Twitter.BaseURL,
			cfg.Twitter.ClientID,
			cfg.Twitter.ClientSecret,
			u.TwitterUserID,
			u.AccessToken,
			cfg.Twitter.Timeout,
			cfg.Twitter.RateLimitBuffer,
		)
		return twitter.NewBreakerClient(httpClient, breaker)
	}

	// 7. Start the sync pipeline
	hub := ws.NewHub()
	worker := syncer.NewWorker(pgStore, cfg.Sync)
	scheduler := syncer.NewScheduler(pgStore, redisCache, hub, worker, factory, cfg.Sync)
	scheduler.Start()

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:  healthHandler(pgStore, redisCache, scheduler, cfg.Health),
		MetricsHandler: promhttp.Handler(),

		SubmitSyncHandler:  handler.NewSubmitSyncHandler(scheduler),
		SyncStatusHandler:  handler.NewSyncStatusHandler(scheduler),
		CancelSyncHandler:  handler.NewCancelSyncHandler(scheduler),
		SyncHistoryHandler: handler.NewSyncHistoryHandler(pgStore),
		SyncStatsHandler:   handler.NewSyncStatsHandler(scheduler),
		SyncSocketHandler:  handler.NewSyncSocketHandler(scheduler, hub),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
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

	// Graceful shutdown: drain the worker pool first so terminal statuses
	// land, then close push sessions and the HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	scheduler.Stop(shutdownCtx)
	hub.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// queueCounter is the slice of the scheduler the health check needs.
type queueCounter interface {
	QueueStats() (waiting, active, failed int)
}

// healthHandler checks database and cache connectivity plus queue pressure.
func healthHandler(s store.Store, c cache.Cache, q queueCounter, limits config.HealthConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"queue":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		waiting, active, failed := q.QueueStats()
		if waiting >= limits.MaxWaiting || active >= limits.MaxActive || failed >= limits.MaxFailed {
			checks["queue"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok" || checks["queue"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
			"queue": map[string]int{
				"waiting": waiting,
				"active":  active,
				"failed":  failed,
			},
		})
	}
}
