package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pulsecrm/internal/bootstrap"
	"pulsecrm/internal/config"
	"pulsecrm/internal/middleware"
	"pulsecrm/internal/repository"
	"pulsecrm/internal/router"
	"pulsecrm/internal/scheduler"
)

func main() {
	// --- Logger ---
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if hasArg("--bootstrap-db") {
		if err := runDBBootstrap(logger); err != nil {
			logger.Fatal("Database bootstrap failed", zap.Error(err))
		}
		logger.Info("Database bootstrap completed")
		return
	}

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// --- Database ---
	db, err := config.NewDatabase(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := bootstrap.Migrate(db); err != nil {
		logger.Fatal("Failed to bootstrap database schema", zap.Error(err))
	}

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true

	// --- Callback Deduper (Redis with in-memory fallback) ---
	callbackDeduper, dedupeErr := middleware.NewCallbackDeduper(
		cfg.Redis.Addr,
		cfg.Redis.Pass,
		cfg.Redis.DB,
		10*time.Minute,
	)
	if dedupeErr != nil {
		logger.Warn("Redis unavailable for callback dedup, using in-memory fallback", zap.Error(dedupeErr))
	}

	// --- Scheduler ---
	configRepo := repository.NewSchedulerConfigRepository(db)
	executionRepo := repository.NewScheduleExecutionRepository(db)
	registry := scheduler.NewTimerRegistry()
	trigger := scheduler.NewHTTPWorkflowTrigger(logger)

	orch := scheduler.NewOrchestrator(
		configRepo,
		executionRepo,
		trigger,
		registry,
		scheduler.Options{
			DefaultWebhookTarget: cfg.Scheduler.WebhookTarget,
			CallbackURL:          cfg.Scheduler.CallbackURL,
			RecentLimit:          cfg.Scheduler.RecentLimit,
		},
		logger,
	)

	// --- Routes ---
	router.Setup(e, orch, logger, cfg.API.Key, callbackDeduper)

	// Rebuild timers from persisted enabled configs
	if err := orch.InitializeAll(); err != nil {
		logger.Error("Scheduler initialization failed", zap.Error(err))
	}

	// Reconciliation sweep
	reconciler := scheduler.NewReconciler(orch, logger)
	reconciler.Start()

	// --- Start Server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting PulseCRM scheduler server", zap.String("addr", addr))
		if err := e.Start(addr); err != nil {
			logger.Info("Server stopped", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Disarm all timers
	orch.ShutdownAll()

	// Stop reconciler
	ctx := reconciler.Stop()
	<-ctx.Done()

	// Stop HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func hasArg(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

func runDBBootstrap(logger *zap.Logger) error {
	dbCfg, err := config.LoadDatabaseOnly()
	if err != nil {
		return err
	}
	db, err := config.NewDatabase(dbCfg)
	if err != nil {
		return err
	}
	if err := bootstrap.Migrate(db); err != nil {
		return err
	}
	logger.Info("Schema migration completed")
	return nil
}
