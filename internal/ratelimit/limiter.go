package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/metrics"
)

// ErrBudgetExhausted is returned when credits did not free up within MaxWait.
var ErrBudgetExhausted = errors.New("rpc credit budget exhausted")

type priorityKey struct{}

// WithPriority marks every RPC call made with ctx as priority.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority carried by ctx, PriorityBackground if none.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityBackground
}

// Limiter blocks RPC calls until the shared budget grants their credits.
// Denials back off exponentially per priority; a success resets the delay.
type Limiter struct {
	tracker        *BudgetTracker
	costs          *CostRegistry
	clock          clockwork.Clock
	logger         *logging.Logger
	metrics        *metrics.Metrics
	baseDelay      time.Duration
	maxDelay       time.Duration
	maxWait        time.Duration
	pauseThreshold int

	mu    sync.Mutex
	fails map[Priority]int
}

// LimiterConfig holds configuration for the limiter.
type LimiterConfig struct {
	Tracker        *BudgetTracker // required
	Costs          *CostRegistry
	Clock          clockwork.Clock
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxWait        time.Duration
	PauseThreshold int
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(cfg *LimiterConfig) (*Limiter, error) {
	if cfg == nil || cfg.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 || cfg.MaxWait < 0 {
		return nil, errors.New("delays cannot be negative")
	}
	if cfg.BaseDelay > 0 && cfg.MaxDelay > 0 && cfg.BaseDelay > cfg.MaxDelay {
		return nil, errors.New("base delay cannot exceed max delay")
	}

	l := &Limiter{
		tracker:        cfg.Tracker,
		costs:          cfg.Costs,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		maxWait:        cfg.MaxWait,
		pauseThreshold: cfg.PauseThreshold,
		fails:          make(map[Priority]int),
	}
	if l.costs == nil {
		l.costs = NewCostRegistry(DefaultCost, nil)
	}
	if l.clock == nil {
		l.clock = cfg.Tracker.clock
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	l.logger = l.logger.WithComponent("rpc-budget")
	if l.baseDelay == 0 {
		l.baseDelay = DefaultBaseDelay
	}
	if l.maxDelay == 0 {
		l.maxDelay = DefaultMaxDelay
	}
	if l.maxWait == 0 {
		l.maxWait = DefaultMaxWait
	}
	if l.pauseThreshold <= 0 || l.pauseThreshold > 100 {
		l.pauseThreshold = DefaultPauseThreshold
	}
	return l, nil
}

// NewFromConfig builds the tracker and limiter described by cfg.
func NewFromConfig(cfg *Config, tracker *BudgetTrackerConfig, logger *logging.Logger, m *metrics.Metrics) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tracker.TotalBudget = cfg.CreditsPerWindow
	tracker.ReservedBudget = cfg.ReservedCredits
	tracker.WindowSize = cfg.WindowSize
	t, err := NewBudgetTracker(tracker)
	if err != nil {
		return nil, err
	}
	return NewLimiter(&LimiterConfig{
		Tracker:        t,
		Costs:          NewCostRegistry(cfg.DefaultCost, cfg.CostOverrides),
		Logger:         logger,
		Metrics:        m,
		MaxWait:        cfg.MaxWait,
		PauseThreshold: cfg.PauseThreshold,
	})
}

// Wait blocks until the credits for method are granted, ctx ends, or
// MaxWait passes. If Redis cannot be reached the call proceeds unmetered.
func (l *Limiter) Wait(ctx context.Context, method string) error {
	cost := l.costs.Cost(method)
	priority := PriorityFrom(ctx)
	deadline := l.clock.Now().Add(l.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait, err := l.tracker.TryConsume(ctx, cost, priority)
		if err != nil {
			l.logger.WithError(err).WithField("method", method).Warn("RPC budget unreachable, proceeding unmetered")
			return nil
		}
		if allowed {
			l.recordSuccess(priority)
			l.metrics.RPCSpend(method, priority.String(), cost)
			return nil
		}

		l.metrics.RPCThrottle(priority.String())
		delay := l.recordFailure(priority)
		if wait > delay {
			delay = wait
		}
		if l.clock.Now().Add(delay).After(deadline) {
			return fmt.Errorf("%w: %s waited %s", ErrBudgetExhausted, method, l.maxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
	}
}

func (l *Limiter) recordSuccess(p Priority) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fails, p)
}

// recordFailure returns baseDelay * 2^fails, capped at maxDelay.
func (l *Limiter) recordFailure(p Priority) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fails[p]++
	delay := l.baseDelay
	for i := 1; i < l.fails[p]; i++ {
		delay *= 2
		if delay >= l.maxDelay {
			return l.maxDelay
		}
	}
	return delay
}

// CurrentDelay is the backoff the next denial of p would wait.
func (l *Limiter) CurrentDelay(p Priority) time.Duration {
	l.mu.Lock()
	n := l.fails[p]
	l.mu.Unlock()

	delay := l.baseDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= l.maxDelay {
			return l.maxDelay
		}
	}
	return delay
}

// Saturated reports whether this window's usage is at or above the pause
// threshold. Background jobs check it before starting a batch. A nil
// limiter or an unreachable Redis is never saturated.
func (l *Limiter) Saturated(ctx context.Context) bool {
	if l == nil {
		return false
	}
	u, err := l.tracker.Utilization(ctx)
	if err != nil {
		l.logger.WithError(err).Warn("RPC budget unreachable")
		return false
	}
	return u >= float64(l.pauseThreshold)
}

// Tracker exposes the underlying budget tracker.
func (l *Limiter) Tracker() *BudgetTracker {
	return l.tracker
}
