// Package worker runs the periodic background jobs of the settlement engine.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/reward-settlement/internal/logging"
	"github.com/reward-settlement/internal/metrics"
)

// Task is one iteration of a background job
type Task func(ctx context.Context) error

// Loop runs a Task on a fixed interval until stopped
type Loop struct {
	name       string
	task       Task
	interval   time.Duration
	runOnStart bool
	clock      clockwork.Clock
	logger     *logging.Logger
	metrics    *metrics.Metrics

	running bool
	mu      sync.RWMutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastRun time.Time
	lastErr error
}

// LoopConfig holds configuration for a Loop
type LoopConfig struct {
	Name       string
	Task       Task
	Interval   time.Duration
	RunOnStart bool // run once immediately instead of waiting a full interval
	Clock      clockwork.Clock
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
}

// NewLoop creates a new loop
func NewLoop(cfg *LoopConfig) (*Loop, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("loop name cannot be empty")
	}
	if cfg.Task == nil {
		return nil, fmt.Errorf("loop %s: task cannot be nil", cfg.Name)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("loop %s: interval must be positive, got %v", cfg.Name, cfg.Interval)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Loop{
		name:       cfg.Name,
		task:       cfg.Task,
		interval:   cfg.Interval,
		runOnStart: cfg.RunOnStart,
		clock:      clock,
		logger:     logger.WithComponent("worker").WithField("worker", cfg.Name),
		metrics:    cfg.Metrics,
	}, nil
}

// Name returns the loop name
func (l *Loop) Name() string {
	return l.name
}

// Start begins the loop in a goroutine
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("worker %s is already running", l.name)
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	l.logger.Infof("Starting worker with interval %v", l.interval)
	go l.run(ctx, l.stopCh, l.doneCh)

	return nil
}

// Stop signals the loop and waits for the in-flight iteration to finish
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return fmt.Errorf("worker %s is not running", l.name)
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.running = false
	l.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		l.logger.Info("Worker stopped gracefully")
		return nil
	case <-ctx.Done():
		l.logger.Warn("Worker stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the loop is active
func (l *Loop) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// LastRun returns when the last iteration finished and its error
func (l *Loop) LastRun() (time.Time, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastRun, l.lastErr
}

func (l *Loop) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	if l.runOnStart {
		l.RunOnce(ctx)
	}

	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Debugf("context cancelled")
			return
		case <-stopCh:
			l.logger.Debugf("stop signal received")
			return
		case <-ticker.Chan():
			l.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single iteration. A panicking task is logged and counted as failed.
func (l *Loop) RunOnce(ctx context.Context) (err error) {
	start := l.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", l.name, r)
		}
		l.mu.Lock()
		l.lastRun, l.lastErr = l.clock.Now(), err
		l.mu.Unlock()

		l.metrics.WorkerRun(l.name, err)
		if err != nil {
			// continue on the next tick despite errors
			l.logger.WithError(err).Error("iteration failed")
			return
		}
		l.logger.Debugf("iteration finished in %v", l.clock.Since(start))
	}()

	return l.task(logging.WithLogger(ctx, l.logger))
}
