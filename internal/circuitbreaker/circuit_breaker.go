// Package circuitbreaker stops hammering an RPC endpoint that keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/reward-settlement/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is probing whether the endpoint recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is spent
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// ConsecutiveFailures opens the circuit
	ConsecutiveFailures int
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
	// HalfOpenProbes successful calls close the circuit again
	HalfOpenProbes int
	// IsFailure decides which errors count; nil counts every non-nil error
	IsFailure func(error) bool
	Clock     clockwork.Clock
	Logger    *logging.Logger
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		ConsecutiveFailures: 5,
		Cooldown:            15 * time.Second,
		HalfOpenProbes:      2,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg   Config
	clock clockwork.Clock
	log   *logging.Logger

	mu          sync.Mutex
	state       State
	consecutive int
	probes      int
	probeOK     int
	openedAt    time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cb := &CircuitBreaker{cfg: *config, clock: config.Clock, log: config.Logger, state: StateClosed}
	if cb.clock == nil {
		cb.clock = clockwork.NewRealClock()
	}
	if cb.log == nil {
		cb.log = logging.Discard()
	}
	cb.log = cb.log.WithField("circuitBreaker", config.Name)
	return cb
}

// Execute executes fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Since(cb.openedAt) < cb.cfg.Cooldown {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.probeOK = 0, 0
		cb.log.Info("circuit breaker half-open")
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenProbes {
			return ErrTooManyRequests
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil
	if failed && cb.cfg.IsFailure != nil {
		failed = cb.cfg.IsFailure(err)
	}

	if !failed {
		cb.consecutive = 0
		if cb.state == StateHalfOpen {
			cb.probeOK++
			if cb.probeOK >= cb.cfg.HalfOpenProbes {
				cb.state = StateClosed
				cb.log.Info("circuit breaker closed after recovery")
			}
		}
		return
	}

	cb.consecutive++
	switch cb.state {
	case StateClosed:
		if cb.consecutive >= cb.cfg.ConsecutiveFailures {
			cb.open()
			cb.log.WithField("consecutiveFails", cb.consecutive).Warn("circuit breaker opened")
		}
	case StateHalfOpen:
		cb.open()
		cb.log.Warn("circuit breaker reopened after failed probe")
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.clock.Now()
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
