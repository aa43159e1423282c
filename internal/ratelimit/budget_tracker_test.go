package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var windowStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func newTestTracker(t *testing.T, total, reserved int) (*BudgetTracker, *clockwork.FakeClock, *miniredis.Miniredis) {
	t.Helper()
	client, mr := newTestRedis(t)
	clock := clockwork.NewFakeClockAt(windowStart)
	tracker, err := NewBudgetTracker(&BudgetTrackerConfig{
		Redis:          client,
		Clock:          clock,
		TotalBudget:    total,
		ReservedBudget: reserved,
	})
	require.NoError(t, err)
	return tracker, clock, mr
}

func TestNewBudgetTracker(t *testing.T) {
	client, _ := newTestRedis(t)

	tests := []struct {
		name    string
		cfg     *BudgetTrackerConfig
		errMsg  string
		total   int
		reserve int
	}{
		{name: "nil config", errMsg: "configuration is required"},
		{name: "nil redis", cfg: &BudgetTrackerConfig{}, errMsg: "redis client is required"},
		{name: "negative total", cfg: &BudgetTrackerConfig{Redis: client, TotalBudget: -1}, errMsg: "total budget cannot be negative"},
		{name: "negative reserved", cfg: &BudgetTrackerConfig{Redis: client, ReservedBudget: -1}, errMsg: "reserved budget cannot be negative"},
		{name: "reserved exceeds total", cfg: &BudgetTrackerConfig{Redis: client, TotalBudget: 10, ReservedBudget: 11}, errMsg: "cannot exceed total budget"},
		{name: "defaults", cfg: &BudgetTrackerConfig{Redis: client}, total: DefaultTotalBudget, reserve: DefaultReservedBudget},
		{name: "explicit total keeps zero reservation", cfg: &BudgetTrackerConfig{Redis: client, TotalBudget: 10}, total: 10, reserve: 0},
		{name: "custom", cfg: &BudgetTrackerConfig{Redis: client, TotalBudget: 100, ReservedBudget: 60}, total: 100, reserve: 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, err := NewBudgetTracker(tt.cfg)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.total, tracker.TotalBudget())
			assert.Equal(t, tt.reserve, tracker.ReservedBudget())
			assert.Equal(t, tt.total-tt.reserve, tracker.SharedBudget())
		})
	}
}

func TestBudgetTracker_TryConsume_ReservedPool(t *testing.T) {
	tracker, clock, _ := newTestTracker(t, 10, 6)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, wait, err := tracker.TryConsume(ctx, 2, PriorityInteractive)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i)
		assert.Zero(t, wait)
	}

	clock.Advance(250 * time.Millisecond)
	ok, wait, err := tracker.TryConsume(ctx, 1, PriorityInteractive)
	require.NoError(t, err)
	assert.False(t, ok, "reserved pool is spent")
	assert.Equal(t, 751*time.Millisecond, wait)

	ok, _, err = tracker.TryConsume(ctx, 4, PriorityBackground)
	require.NoError(t, err)
	assert.True(t, ok, "shared pool is independent")

	u, err := tracker.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, u.TotalUsed)
	assert.Equal(t, 6, u.ReservedUsed)
	assert.Equal(t, 4, u.SharedUsed)
	assert.Equal(t, windowStart, u.WindowStart)
}

func TestBudgetTracker_TryConsume_SharedPoolLimit(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 10, 6)
	ctx := context.Background()

	ok, _, err := tracker.TryConsume(ctx, 4, PriorityBackground)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = tracker.TryConsume(ctx, 1, PriorityBackground)
	require.NoError(t, err)
	assert.False(t, ok, "background never borrows from the reservation")

	avail, err := tracker.AvailableBudget(ctx, PriorityInteractive)
	require.NoError(t, err)
	assert.Equal(t, 6, avail)
	avail, err = tracker.AvailableBudget(ctx, PriorityBackground)
	require.NoError(t, err)
	assert.Equal(t, 0, avail)
}

func TestBudgetTracker_NoReservationSharesEverything(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 3, 0)
	ctx := context.Background()

	ok, _, err := tracker.TryConsume(ctx, 2, PriorityInteractive)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = tracker.TryConsume(ctx, 2, PriorityBackground)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _, err = tracker.TryConsume(ctx, 1, PriorityBackground)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBudgetTracker_NewWindowResets(t *testing.T) {
	tracker, clock, _ := newTestTracker(t, 2, 0)
	ctx := context.Background()

	ok, _, err := tracker.TryConsume(ctx, 2, PriorityBackground)
	require.NoError(t, err)
	require.True(t, ok)
	ok, _, _ = tracker.TryConsume(ctx, 1, PriorityBackground)
	require.False(t, ok)

	clock.Advance(time.Second)
	ok, _, err = tracker.TryConsume(ctx, 2, PriorityBackground)
	require.NoError(t, err)
	assert.True(t, ok)

	u, err := tracker.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, windowStart.Add(time.Second), u.WindowStart)
	assert.Equal(t, 2, u.TotalUsed)
}

func TestBudgetTracker_ZeroCostIsFree(t *testing.T) {
	tracker, _, mr := newTestTracker(t, 1, 0)

	ok, wait, err := tracker.TryConsume(context.Background(), 0, PriorityBackground)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, wait)
	assert.Empty(t, mr.Keys())
}

func TestBudgetTracker_EmptyWindow(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 10, 4)
	ctx := context.Background()

	u, err := tracker.GetUsage(ctx)
	require.NoError(t, err)
	assert.Zero(t, u.TotalUsed)
	assert.Equal(t, 6, u.SharedBudget)

	util, err := tracker.Utilization(ctx)
	require.NoError(t, err)
	assert.Zero(t, util)
}

func TestBudgetTracker_Utilization(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 10, 0)
	ctx := context.Background()

	_, _, err := tracker.TryConsume(ctx, 9, PriorityBackground)
	require.NoError(t, err)

	util, err := tracker.Utilization(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, util, 0.001)
}

func TestBudgetTracker_RedisDown(t *testing.T) {
	tracker, _, mr := newTestTracker(t, 10, 0)
	mr.Close()

	_, _, err := tracker.TryConsume(context.Background(), 1, PriorityBackground)
	assert.Error(t, err)
	_, err = tracker.GetUsage(context.Background())
	assert.Error(t, err)
}

func TestPriority_String(t *testing.T) {
	assert.Equal(t, "interactive", PriorityInteractive.String())
	assert.Equal(t, "background", PriorityBackground.String())
	assert.Equal(t, "unknown", Priority(7).String())
}
