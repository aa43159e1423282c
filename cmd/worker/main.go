// Package main provides the background worker entry point for the reward settlement service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reward-settlement/internal/app"
	"github.com/reward-settlement/internal/config"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/service"
	"github.com/reward-settlement/internal/worker"
)

func main() {
	noSweep := flag.Bool("no-sweep", false, "leave sweeping to the HTTP scheduler trigger")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger(logging.LevelError, logging.FormatText).ErrorWithErr("Failed to load configuration", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.ErrorWithErr("Failed to initialize", err)
		os.Exit(1)
	}
	defer deps.Close()

	hygiene := &worker.Hygiene{
		Campaigns:  deps.Ledger.Campaigns,
		Epochs:     deps.Ledger.Epochs,
		Unresolved: deps.Ledger.Claims,
		Reconcile:  deps.Claims,
		TTL:        cfg.Claims.ReservationTTL,
		Clock:      deps.Clock,
	}

	configs := []*worker.LoopConfig{
		{
			Name:     "prune",
			Task:     worker.PruneJob(deps.Ledger.Claims, cfg.Claims.ReservationTTL),
			Interval: cfg.Workers.PruneInterval,
		},
		{
			Name:       "hygiene",
			Task:       hygiene.Run,
			Interval:   cfg.Workers.HygieneInterval,
			RunOnStart: true,
		},
	}
	if !*noSweep {
		var gate worker.Gate
		if deps.Limiter != nil {
			gate = deps.Limiter
		}
		configs = append(configs, &worker.LoopConfig{
			Name:     "sweep",
			Task:     worker.SweepJob(deps.Sweeps, service.BatchOptions{Limit: cfg.Sweep.BatchLimit}, gate),
			Interval: cfg.Workers.SweepInterval,
		})
	}

	var loops []*worker.Loop
	for _, lc := range configs {
		lc.Clock, lc.Logger, lc.Metrics = deps.Clock, logger, deps.Metrics
		loop, err := worker.NewLoop(lc)
		if err != nil {
			logger.ErrorWithErr("Failed to create worker", err)
			os.Exit(1)
		}
		if err := loop.Start(ctx); err != nil {
			logger.ErrorWithErr("Failed to start worker", err)
			os.Exit(1)
		}
		loops = append(loops, loop)
	}

	logger.WithField("workers", len(loops)).Info("Workers started")

	<-ctx.Done()
	logger.Info("Shutting down workers...")

	// a sweep in flight gets its time budget to finish
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Sweep.TimeBudget+30*time.Second)
	defer cancel()
	for _, loop := range loops {
		if err := loop.Stop(stopCtx); err != nil {
			logger.WithError(err).Warnf("Worker %s did not stop cleanly", loop.Name())
		}
	}

	logger.Info("Workers exited")
}
