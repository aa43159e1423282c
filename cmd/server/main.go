// Package main provides the API server entry point for the reward settlement service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reward-settlement/internal/api"
	"github.com/reward-settlement/internal/app"
	"github.com/reward-settlement/internal/config"
	"github.com/reward-settlement/internal/logging"
)

func main() {
	migrate := flag.Bool("migrate", true, "apply pending ledger migrations on startup")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger(logging.LevelError, logging.FormatText).ErrorWithErr("Failed to load configuration", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger, app.Options{Migrate: *migrate})
	if err != nil {
		logger.ErrorWithErr("Failed to initialize", err)
		os.Exit(1)
	}
	defer deps.Close()

	checks := map[string]api.HealthChecker{"postgres": deps.DB}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis
	}

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second, // settle waits for confirmation
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		SchedulerSecret:   cfg.Scheduler.Secret,
	}
	if cfg.Scheduler.Secret == "" {
		logger.Warn("CRON_SECRET is not set: /internal/sweep will refuse every request")
	}

	server := api.NewServer(serverConfig, api.Deps{
		Claims:  deps.Claims,
		Sweeps:  deps.Sweeps,
		Checks:  checks,
		Metrics: deps.Metrics,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.ErrorWithErr("Server failed", err)
	}

	logger.Info("Shutting down server...")

	// in-flight settles may still be confirming; let them finish
	if err := server.Shutdown(context.Background()); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}

	logger.Info("Server exited")
}
