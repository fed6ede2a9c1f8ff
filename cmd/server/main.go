// Package main is the entrypoint for the report engine server.
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

	"github.com/reportforge/engine/internal/api"
	"github.com/reportforge/engine/internal/api/handler"
	mw "github.com/reportforge/engine/internal/api/middleware"
	"github.com/reportforge/engine/internal/collab"
	"github.com/reportforge/engine/internal/config"
	"github.com/reportforge/engine/internal/engine"
	"github.com/reportforge/engine/internal/progress"
	"github.com/reportforge/engine/internal/queue"
	"github.com/reportforge/engine/internal/store"
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
	slog.Info("config loaded", "env", cfg.Server.Env, "workers", cfg.Engine.Workers)

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

	// 4. Connect to Redis: progress records, value cache, run locks, queue
	prog, err := progress.NewRedisStore(cfg.Redis.URL, cfg.Engine.ProgressTTL)
	if err != nil {
		return fmt.Errorf("create progress store: %w", err)
	}
	if err := prog.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	valueCache := progress.NewValueCache(prog.Client())
	runLock := progress.NewRunLock(prog.Client())
	workQueue := queue.New(prog.Client(), cfg.Engine.QueueName)

	// 5. Collaborator clients
	analyzer, executor, renderer, notifier := collab.NewFromConfig(cfg.Collab)

	// 6. Build the engine
	pgStore := store.NewPostgresStore(pool)
	readiness := engine.NewReadinessAnalyzer(pgStore)
	balancer := engine.NewLoadBalancer(cfg.Engine.Workers)
	recovery := engine.NewRecoveryManager(pgStore, valueCache, executor, renderer)

	pipeline := engine.NewPipeline(pgStore, prog, valueCache,
		analyzer, executor, renderer, balancer, recovery,
		engine.PipelineConfig{
			CacheThreshold:      cfg.Engine.CacheThreshold,
			PartialSuccessRatio: cfg.Engine.PartialSuccessRatio,
		})

	emitter := engine.MultiEmitter{
		engine.LogEmitter{},
		&engine.NotifierEmitter{Notifier: notifier},
	}

	// The monitor reads the engine's active-task count; the engine is built
	// right after, so the closure binds late.
	var eng *engine.Engine
	monitor := engine.NewLoadMonitor(cfg.Engine.LoadSampleTTL, func() int {
		if eng == nil {
			return 0
		}
		return eng.ActiveTasks()
	})

	eng = engine.New(pgStore, prog, readiness, monitor, pipeline, recovery,
		runLock, emitter, engine.Config{
			MaxRetryAttempts: cfg.Engine.MaxRetryAttempts,
			Mode: engine.ModeConfig{
				EnablePartialAnalysis: cfg.Engine.EnablePartialAnalysis,
				EnableRecovery:        cfg.Engine.EnableRecovery,
			},
		})

	// 7. Start queue workers
	workers := queue.NewWorkerPool(workQueue, eng, cfg.Engine.Workers, cfg.Engine.MaxRetryAttempts)
	workers.Start(ctx)

	// 8. Build router with dependencies
	reports := handler.NewReports(pgStore, prog, workQueue, eng)
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(prog, 60),

		HealthHandler: handler.Health(pgStore, prog),
		CreateReport:  reports.Create,
		GetReport:     reports.Get,
		ListReports:   reports.List,
		CancelReport:  reports.Cancel,
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

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	workers.Wait()
	slog.Info("server stopped gracefully")
	return nil
}
