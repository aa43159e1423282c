// Package app assembles the settlement engine from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/reward-settlement/internal/adapter"
	"github.com/reward-settlement/internal/config"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/metrics"
	"github.com/reward-settlement/internal/ratelimit"
	"github.com/reward-settlement/internal/service"
	"github.com/reward-settlement/internal/storage"
)

// App holds every long lived dependency of a process
type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Clock   clockwork.Clock

	DB         *storage.PostgresDB
	Redis      *storage.RedisCache   // nil when Redis is unreachable
	ClickHouse *storage.ClickHouseDB // nil when the mirror is disabled
	Cache      *storage.CacheService // nil when Redis is unreachable
	Mirror     *storage.AuditMirror  // nil when the mirror is disabled
	Limiter    *ratelimit.Limiter    // nil when Redis is unreachable
	Ledger     *storage.Ledger
	Executor   *adapter.Executor

	Claims *service.ClaimService
	Sweeps *service.SweepService
}

// Options tune Build
type Options struct {
	// Migrate applies pending ledger migrations before anything else touches the database
	Migrate bool
}

// Build connects to every store and wires the services. Postgres and the
// chain are required; Redis and ClickHouse degrade to disabled with a warning.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		Clock:   clockwork.NewRealClock(),
	}

	if opts.Migrate {
		logger.Info("Applying ledger migrations...")
		if err := storage.RunMigrations(storage.PostgresURL(&cfg.Database.Postgres)); err != nil {
			return nil, err
		}
	}

	logger.Info("Connecting to databases...")
	db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.DB = db
	a.Ledger = storage.NewLedger(db)

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable: summary cache, sweep lease and RPC budget disabled")
	} else {
		a.Redis = redis
		a.Cache = storage.NewCacheService(redis, cfg.Claims.SummaryCacheTTL)

		budget := ratelimit.LoadFromEnv(logger)
		limiter, err := ratelimit.NewFromConfig(budget, &ratelimit.BudgetTrackerConfig{
			Redis: redis.Client(),
			Clock: a.Clock,
		}, logger, a.Metrics)
		if err != nil {
			logger.WithError(err).Warn("RPC budget disabled")
		} else {
			a.Limiter = limiter
			logger.WithField("budget", budget.String()).Info("RPC credit budget enabled")
		}
	}

	if cfg.Database.ClickHouse.Enabled() {
		ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable: audit mirror disabled")
		} else if err := storage.RunClickHouseMigrations(ctx, ch, logger); err != nil {
			logger.WithError(err).Warn("ClickHouse migrations failed: audit mirror disabled")
			ch.Close()
		} else {
			a.ClickHouse = ch
			a.Mirror = storage.NewAuditMirror(ch)
		}
	}

	if err := a.wireChain(logger); err != nil {
		a.Close()
		return nil, err
	}
	a.wireServices(logger)

	logger.Info("Settlement engine initialized")
	return a, nil
}

func (a *App) wireChain(logger *logging.Logger) error {
	opts := []adapter.GatewayOption{adapter.WithClock(a.Clock)}
	if a.Limiter != nil {
		opts = append(opts, adapter.WithBudget(a.Limiter))
	}
	gw, err := adapter.NewSolanaGateway(&a.Config.Solana, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create Solana gateway: %w", err)
	}
	keystore, err := adapter.ParseKeystore(a.Config.Keys.CustodialKeys)
	if err != nil {
		return fmt.Errorf("failed to load custodial keys: %w", err)
	}
	escrow := adapter.NewEscrowSigner(a.Config.Keys.EscrowMasterSecret)
	a.Executor = adapter.NewExecutor(gw, gw.Program(), keystore, escrow, a.Config.Keys.SponsorRef)
	return nil
}

func (a *App) wireServices(logger *logging.Logger) {
	sweepDeps := service.SweepDeps{
		FeeSources: a.Ledger.FeeSources,
		State:      a.Ledger.SweepState,
		Audit:      a.Ledger.Audit,
		Campaigns:  a.Ledger.Campaigns,
		Allocator:  service.NewAllocator(a.Ledger, a.Clock),
		Chain:      a.Executor,
		Metrics:    a.Metrics,
		Clock:      a.Clock,
		Logger:     logger,
	}
	claimDeps := service.ClaimDeps{
		Claims:  a.Ledger.Claims,
		Ledger:  a.Ledger,
		Chain:   a.Executor,
		Audit:   a.Ledger.Audit,
		Cache:   a.Cache,
		Metrics: a.Metrics,
		Clock:   a.Clock,
		Logger:  logger,
	}
	// optional collaborators stay nil interfaces, never typed nil pointers
	if a.Cache != nil {
		sweepDeps.Lease = a.Cache
	}
	if a.Mirror != nil {
		sweepDeps.Mirror = a.Mirror
		claimDeps.Mirror = a.Mirror
	}

	a.Sweeps = service.NewSweepService(sweepDeps, a.Config.Sweep)
	a.Claims = service.NewClaimService(claimDeps, a.Config.Claims)
}

// Close releases every connection Build opened
func (a *App) Close() {
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			a.Logger.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("Error closing Redis connection")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
