package ratelimit

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/reward-settlement/internal/logging"
)

// Default configuration values for the RPC credit budget.
const (
	DefaultPauseThreshold = 90 // percent of the total budget at which sweeps hold off
	DefaultMaxWait        = 5 * time.Second
	DefaultBaseDelay      = 100 * time.Millisecond
	DefaultMaxDelay       = 2 * time.Second
)

// Environment variable names for the RPC credit budget.
const (
	EnvCreditsPerWindow = "SOLANA_RPC_CREDITS_PER_SECOND"
	EnvReservedCredits  = "SOLANA_RPC_RESERVED_CREDITS"
	EnvWindowSize       = "SOLANA_RPC_WINDOW"
	EnvPauseThreshold   = "SOLANA_RPC_PAUSE_THRESHOLD"
	EnvDefaultCost      = "SOLANA_RPC_DEFAULT_COST"
	EnvMaxWait          = "SOLANA_RPC_MAX_WAIT"
	EnvCostOverrides    = "SOLANA_RPC_COSTS" // GetBalance=2,SubmitTransaction=10
)

// Config holds the RPC credit budget settings.
type Config struct {
	CreditsPerWindow int
	ReservedCredits  int
	WindowSize       time.Duration
	PauseThreshold   int
	DefaultCost      int
	MaxWait          time.Duration
	CostOverrides    map[string]int
}

// NewConfig returns the defaults.
func NewConfig() *Config {
	return &Config{
		CreditsPerWindow: DefaultTotalBudget,
		ReservedCredits:  DefaultReservedBudget,
		WindowSize:       DefaultWindowSize,
		PauseThreshold:   DefaultPauseThreshold,
		DefaultCost:      DefaultCost,
		MaxWait:          DefaultMaxWait,
	}
}

// LoadFromEnv reads the budget from the environment. Invalid values are
// logged and replaced with defaults; an inconsistent result falls back to
// the defaults entirely.
func LoadFromEnv(logger *logging.Logger) *Config {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("rpc-budget")
	cfg := NewConfig()

	intVar := func(key string, dst *int, ok func(int) bool) {
		raw := os.Getenv(key)
		if raw == "" {
			return
		}
		v, err := strconv.Atoi(raw)
		if err != nil || !ok(v) {
			logger.WithField("value", raw).Warnf("Invalid %s, using default %d", key, *dst)
			return
		}
		*dst = v
	}
	durVar := func(key string, dst *time.Duration) {
		raw := os.Getenv(key)
		if raw == "" {
			return
		}
		v, err := time.ParseDuration(raw)
		if err != nil || v <= 0 {
			logger.WithField("value", raw).Warnf("Invalid %s, using default %s", key, *dst)
			return
		}
		*dst = v
	}
	positive := func(v int) bool { return v > 0 }

	intVar(EnvCreditsPerWindow, &cfg.CreditsPerWindow, positive)
	intVar(EnvReservedCredits, &cfg.ReservedCredits, func(v int) bool { return v >= 0 })
	intVar(EnvPauseThreshold, &cfg.PauseThreshold, func(v int) bool { return v >= 0 && v <= 100 })
	intVar(EnvDefaultCost, &cfg.DefaultCost, positive)
	durVar(EnvWindowSize, &cfg.WindowSize)
	durVar(EnvMaxWait, &cfg.MaxWait)

	if raw := os.Getenv(EnvCostOverrides); raw != "" {
		overrides, err := ParseCostOverrides(raw)
		if err != nil {
			logger.WithError(err).Warnf("Ignoring %s", EnvCostOverrides)
		} else {
			cfg.CostOverrides = overrides
		}
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Warn("RPC budget configuration invalid, using defaults")
		return NewConfig()
	}
	return cfg
}

// ParseCostOverrides parses "Method=cost" pairs separated by commas.
func ParseCostOverrides(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		method, cost, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(method) == "" {
			return nil, fmt.Errorf("malformed cost %q", pair)
		}
		v, err := strconv.Atoi(strings.TrimSpace(cost))
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("cost for %s must be a positive integer", method)
		}
		out[strings.TrimSpace(method)] = v
	}
	return out, nil
}

// Validate ensures the budget is internally consistent.
func (c *Config) Validate() error {
	if c.CreditsPerWindow <= 0 {
		return errors.New("CreditsPerWindow must be positive")
	}
	if c.ReservedCredits < 0 {
		return errors.New("ReservedCredits cannot be negative")
	}
	if c.ReservedCredits > c.CreditsPerWindow {
		return fmt.Errorf("ReservedCredits (%d) exceeds CreditsPerWindow (%d)", c.ReservedCredits, c.CreditsPerWindow)
	}
	if c.WindowSize <= 0 {
		return errors.New("WindowSize must be positive")
	}
	if c.PauseThreshold < 0 || c.PauseThreshold > 100 {
		return fmt.Errorf("PauseThreshold must be between 0 and 100, got %d", c.PauseThreshold)
	}
	if c.DefaultCost <= 0 {
		return errors.New("DefaultCost must be positive")
	}
	if c.MaxWait <= 0 {
		return errors.New("MaxWait must be positive")
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{CreditsPerWindow: %d, ReservedCredits: %d, WindowSize: %s, PauseThreshold: %d%%, DefaultCost: %d, MaxWait: %s}",
		c.CreditsPerWindow, c.ReservedCredits, c.WindowSize, c.PauseThreshold, c.DefaultCost, c.MaxWait)
}
