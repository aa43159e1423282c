package adapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DataProvider tracks which RPC endpoint reads should use
type DataProvider interface {
	// GetCurrentURL returns the currently active RPC endpoint URL
	GetCurrentURL() string

	// Failover switches to the other endpoint.
	// Returns error if no fallback is configured.
	Failover() error

	// RecordSuccess records a successful request for health tracking
	RecordSuccess(duration time.Duration)

	// RecordFailure records a failed request for health tracking
	RecordFailure(err error)

	// GetHealth returns the current health status of the provider
	GetHealth() *ProviderHealth

	// IsHealthy returns true if the provider is considered healthy
	IsHealthy() bool

	// Reset switches back to the primary endpoint
	Reset()
}

// ProviderHealth represents the health status of a data provider
type ProviderHealth struct {
	CurrentURL       string        `json:"currentUrl"`
	OnFallback       bool          `json:"onFallback"`
	TotalRequests    int64         `json:"totalRequests"`
	SuccessfulReqs   int64         `json:"successfulRequests"`
	FailedReqs       int64         `json:"failedRequests"`
	SuccessRate      float64       `json:"successRate"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastSuccess      time.Time     `json:"lastSuccess"`
	LastFailure      time.Time     `json:"lastFailure"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	IsHealthy        bool          `json:"isHealthy"`
}

// RPCProvider implements DataProvider for a primary and optional fallback endpoint
type RPCProvider struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	primaryURL  string
	fallbackURL string
	currentURL  string

	// Health tracking
	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int

	maxConsecutiveFails int     // Max consecutive failures before marking unhealthy
	minSuccessRate      float64 // Minimum success rate to be considered healthy
}

// NewRPCProvider creates a new RPC provider with primary and optional fallback URLs
func NewRPCProvider(primaryURL, fallbackURL string, clock clockwork.Clock) (*RPCProvider, error) {
	if primaryURL == "" {
		return nil, fmt.Errorf("primary URL cannot be empty")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &RPCProvider{
		clock:               clock,
		primaryURL:          primaryURL,
		fallbackURL:         fallbackURL,
		currentURL:          primaryURL,
		maxConsecutiveFails: 3,
		minSuccessRate:      0.5,
	}, nil
}

// GetCurrentURL returns the currently active RPC endpoint URL
func (p *RPCProvider) GetCurrentURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentURL
}

// Failover switches between primary and fallback and clears the failure streak
func (p *RPCProvider) Failover() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fallbackURL == "" {
		return fmt.Errorf("no fallback provider configured")
	}
	if p.currentURL == p.primaryURL {
		p.currentURL = p.fallbackURL
	} else {
		p.currentURL = p.primaryURL
	}
	p.consecutiveFails = 0
	return nil
}

// RecordSuccess records a successful request for health tracking
func (p *RPCProvider) RecordSuccess(duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.successfulReqs++
	p.totalLatency += duration
	p.lastSuccess = p.clock.Now()
	p.consecutiveFails = 0
}

// RecordFailure records a failed request for health tracking
func (p *RPCProvider) RecordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.failedReqs++
	p.lastFailure = p.clock.Now()
	p.consecutiveFails++
}

// GetHealth returns the current health status of the provider
func (p *RPCProvider) GetHealth() *ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var successRate float64
	if p.totalRequests > 0 {
		successRate = float64(p.successfulReqs) / float64(p.totalRequests)
	}

	var avgLatency time.Duration
	if p.successfulReqs > 0 {
		avgLatency = p.totalLatency / time.Duration(p.successfulReqs)
	}

	return &ProviderHealth{
		CurrentURL:       p.currentURL,
		OnFallback:       p.currentURL != p.primaryURL,
		TotalRequests:    p.totalRequests,
		SuccessfulReqs:   p.successfulReqs,
		FailedReqs:       p.failedReqs,
		SuccessRate:      successRate,
		AverageLatency:   avgLatency,
		LastSuccess:      p.lastSuccess,
		LastFailure:      p.lastFailure,
		ConsecutiveFails: p.consecutiveFails,
		IsHealthy:        p.isHealthyLocked(),
	}
}

// IsHealthy returns true if the provider is considered healthy
func (p *RPCProvider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.isHealthyLocked()
}

// isHealthyLocked checks health status (must be called with lock held)
func (p *RPCProvider) isHealthyLocked() bool {
	if p.consecutiveFails >= p.maxConsecutiveFails {
		return false
	}

	// Check success rate (only if we have enough data)
	if p.totalRequests >= 10 {
		successRate := float64(p.successfulReqs) / float64(p.totalRequests)
		if successRate < p.minSuccessRate {
			return false
		}
	}

	return true
}

// Reset resets the provider to use the primary endpoint
func (p *RPCProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentURL = p.primaryURL
	p.consecutiveFails = 0
}

// SetHealthThresholds configures health check thresholds. Values out of
// range keep the current threshold.
func (p *RPCProvider) SetHealthThresholds(maxConsecutiveFails int, minSuccessRate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if maxConsecutiveFails > 0 {
		p.maxConsecutiveFails = maxConsecutiveFails
	}

	if minSuccessRate > 0 && minSuccessRate <= 1.0 {
		p.minSuccessRate = minSuccessRate
	}
}
