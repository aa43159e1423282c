// Package ratelimit paces Solana RPC calls against a credit budget shared
// by every server and worker process through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 40              // credits per window
	DefaultReservedBudget = 25              // reserved for claim traffic
	DefaultWindowSize     = time.Second     // fixed window
	DefaultKeyTTL         = 2 * time.Second // window + buffer
)

// Redis key prefixes for credit tracking.
const (
	KeyPrefixTotal    = "rpc:credits:total:"
	KeyPrefixReserved = "rpc:credits:reserved:"
	KeyPrefixShared   = "rpc:credits:shared:"
)

// Priority selects the pool a call draws from.
type Priority int

const (
	// PriorityInteractive is for claim traffic a user is waiting on (reserved pool).
	PriorityInteractive Priority = iota
	// PriorityBackground is for sweeps and hygiene (shared pool).
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// consumeScript checks both the total and the pool counter and increments
// them together, so concurrent processes never overshoot either limit.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget or poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// BudgetTracker counts credits per fixed window in Redis with separate
// pools for interactive and background callers.
type BudgetTracker struct {
	redis          redis.Cmdable
	clock          clockwork.Clock
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is required; the budget only means something when shared.
	Redis redis.Cmdable

	// Clock aligns windows. Default: real clock.
	Clock clockwork.Clock

	// TotalBudget is the credit limit per window. Default: 40.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget only interactive calls may use.
	// Default: 25 when TotalBudget is also defaulted, otherwise 0.
	ReservedBudget int

	WindowSize time.Duration
	KeyTTL     time.Duration
}

// Usage is the consumption of the current window.
type Usage struct {
	TotalUsed      int
	ReservedUsed   int
	SharedUsed     int
	TotalBudget    int
	ReservedBudget int
	SharedBudget   int
	WindowStart    time.Time
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	total, reserved := c.budgets()
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	return nil
}

func (c *BudgetTrackerConfig) budgets() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	// an explicit total with no reservation leaves every credit shared
	if total == 0 {
		total = DefaultTotalBudget
		if reserved == 0 {
			reserved = DefaultReservedBudget
		}
	}
	return total, reserved
}

// NewBudgetTracker creates a tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total, reserved := cfg.budgets()

	t := &BudgetTracker{
		redis:          cfg.Redis,
		clock:          cfg.Clock,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     cfg.WindowSize,
		keyTTL:         cfg.KeyTTL,
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	if t.windowSize <= 0 {
		t.windowSize = DefaultWindowSize
	}
	if t.keyTTL <= 0 {
		t.keyTTL = DefaultKeyTTL
	}
	if t.keyTTL < t.windowSize {
		t.keyTTL = t.windowSize
	}
	return t, nil
}

func (t *BudgetTracker) windowStart() time.Time {
	return t.clock.Now().Truncate(t.windowSize)
}

func keys(window time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume takes cost credits from the pool of priority.
// When refused it returns how long until the next window opens.
// A Redis failure is returned as an error; the caller decides what to do.
func (t *BudgetTracker) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration, error) {
	if cost <= 0 {
		return true, 0, nil
	}

	window := t.windowStart()
	totalKey, reservedKey, sharedKey := keys(window)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityInteractive && t.reservedBudget > 0 {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttl := int(t.keyTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	res, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cost, t.totalBudget, poolBudget, ttl).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("consume rpc credits: %w", err)
	}
	if len(res) == 0 || res[0] != 1 {
		return false, t.untilNextWindow(window), nil
	}
	return true, 0, nil
}

func (t *BudgetTracker) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(t.windowSize).Sub(t.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns the consumption of the current window.
func (t *BudgetTracker) GetUsage(ctx context.Context) (*Usage, error) {
	window := t.windowStart()
	totalKey, reservedKey, sharedKey := keys(window)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	// missing keys come back as redis.Nil and count as zero
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read rpc credit usage: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    window,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}

// AvailableBudget returns the credits left in the pool of priority.
func (t *BudgetTracker) AvailableBudget(ctx context.Context, priority Priority) (int, error) {
	u, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}

	available := t.sharedBudget - u.SharedUsed
	if priority == PriorityInteractive && t.reservedBudget > 0 {
		available = t.reservedBudget - u.ReservedUsed
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}

// Utilization returns the share of the total budget used this window, 0 to 100.
func (t *BudgetTracker) Utilization(ctx context.Context) (float64, error) {
	u, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}
	if t.totalBudget == 0 {
		return 100, nil
	}
	return float64(u.TotalUsed) * 100 / float64(t.totalBudget), nil
}

func (t *BudgetTracker) TotalBudget() int    { return t.totalBudget }
func (t *BudgetTracker) ReservedBudget() int { return t.reservedBudget }
func (t *BudgetTracker) SharedBudget() int   { return t.sharedBudget }
