package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/reward-settlement/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, total, reserved int, maxWait time.Duration) (*Limiter, *metrics.Metrics, *clockwork.FakeClock, *miniredis.Miniredis) {
	t.Helper()
	tracker, clock, mr := newTestTracker(t, total, reserved)
	m := metrics.New()
	l, err := NewLimiter(&LimiterConfig{Tracker: tracker, Metrics: m, MaxWait: maxWait})
	require.NoError(t, err)
	return l, m, clock, mr
}

func TestNewLimiter_Validation(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 10, 0)

	_, err := NewLimiter(nil)
	assert.Error(t, err)
	_, err = NewLimiter(&LimiterConfig{})
	assert.Error(t, err)
	_, err = NewLimiter(&LimiterConfig{Tracker: tracker, BaseDelay: -time.Second})
	assert.Error(t, err)
	_, err = NewLimiter(&LimiterConfig{Tracker: tracker, BaseDelay: time.Second, MaxDelay: time.Millisecond})
	assert.Error(t, err)

	l, err := NewLimiter(&LimiterConfig{Tracker: tracker})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseDelay, l.CurrentDelay(PriorityBackground))
	assert.Same(t, tracker, l.Tracker())
}

func TestPriorityFrom(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, PriorityBackground, PriorityFrom(ctx))
	assert.Equal(t, PriorityInteractive, PriorityFrom(WithPriority(ctx, PriorityInteractive)))
}

func TestLimiter_WaitGrantsFromPriorityPool(t *testing.T) {
	l, m, _, _ := newTestLimiter(t, 10, 6, time.Second)
	interactive := WithPriority(context.Background(), PriorityInteractive)

	require.NoError(t, l.Wait(interactive, MethodSubmitTransaction))
	require.NoError(t, l.Wait(context.Background(), MethodGetTokenBalance))

	u, err := l.Tracker().GetUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, u.ReservedUsed)
	assert.Equal(t, 2, u.SharedUsed)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.RPCCredits.WithLabelValues(MethodSubmitTransaction, "interactive")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RPCCredits.WithLabelValues(MethodGetTokenBalance, "background")))
}

func TestLimiter_WaitBlocksUntilNextWindow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, m, clock, _ := newTestLimiter(t, 2, 0, 5*time.Second)
	require.NoError(t, l.Wait(ctx, MethodGetBalance))
	require.NoError(t, l.Wait(ctx, MethodGetBalance))

	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, MethodGetBalance) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 2*DefaultBaseDelay, l.CurrentDelay(PriorityBackground), "one denial doubles the next delay")
	clock.Advance(time.Second + time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("wait never returned")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCThrottles.WithLabelValues("background")))
	assert.Equal(t, DefaultBaseDelay, l.CurrentDelay(PriorityBackground), "success resets backoff")
}

func TestLimiter_WaitGivesUpAfterMaxWait(t *testing.T) {
	l, _, _, _ := newTestLimiter(t, 1, 0, 500*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, MethodGetBalance))

	err := l.Wait(ctx, MethodGetBalance)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
	assert.Contains(t, err.Error(), MethodGetBalance)
}

func TestLimiter_WaitHonorsCancellation(t *testing.T) {
	l, _, clock, _ := newTestLimiter(t, 1, 0, 5*time.Second)
	require.NoError(t, l.Wait(context.Background(), MethodGetBalance))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, MethodGetBalance) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-waitCtx.Done():
		t.Fatal("wait ignored cancellation")
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, l.Wait(cancelled, MethodGetBalance), context.Canceled)
}

func TestLimiter_FailsOpenWhenRedisIsDown(t *testing.T) {
	l, _, _, mr := newTestLimiter(t, 1, 0, time.Second)
	mr.Close()

	assert.NoError(t, l.Wait(context.Background(), MethodSubmitTransaction))
	assert.False(t, l.Saturated(context.Background()))
}

func TestLimiter_Backoff(t *testing.T) {
	tracker, _, _ := newTestTracker(t, 1, 0)
	l, err := NewLimiter(&LimiterConfig{Tracker: tracker, BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, l.recordFailure(PriorityBackground))
	assert.Equal(t, 200*time.Millisecond, l.recordFailure(PriorityBackground))
	assert.Equal(t, 350*time.Millisecond, l.recordFailure(PriorityBackground))
	assert.Equal(t, 350*time.Millisecond, l.CurrentDelay(PriorityBackground))
	assert.Equal(t, 100*time.Millisecond, l.CurrentDelay(PriorityInteractive), "priorities back off separately")

	l.recordSuccess(PriorityBackground)
	assert.Equal(t, 100*time.Millisecond, l.CurrentDelay(PriorityBackground))
}

func TestLimiter_Saturated(t *testing.T) {
	l, _, clock, _ := newTestLimiter(t, 10, 0, time.Second)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, l.Wait(ctx, MethodGetBalance))
	}
	assert.False(t, l.Saturated(ctx), "80% is below the pause threshold")

	require.NoError(t, l.Wait(ctx, MethodGetBalance))
	assert.True(t, l.Saturated(ctx))

	clock.Advance(time.Second)
	assert.False(t, l.Saturated(ctx))

	var nilLimiter *Limiter
	assert.False(t, nilLimiter.Saturated(ctx))
}

func TestNewFromConfig(t *testing.T) {
	client, _ := newTestRedis(t)
	cfg := NewConfig()
	cfg.CreditsPerWindow = 12
	cfg.ReservedCredits = 4
	cfg.CostOverrides = map[string]int{MethodGetBalance: 7}

	l, err := NewFromConfig(cfg, &BudgetTrackerConfig{Redis: client, Clock: clockwork.NewFakeClockAt(windowStart)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, l.Tracker().TotalBudget())
	assert.Equal(t, 8, l.Tracker().SharedBudget())

	require.NoError(t, l.Wait(context.Background(), MethodGetBalance))
	u, err := l.Tracker().GetUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, u.SharedUsed)

	cfg.MaxWait = 0
	_, err = NewFromConfig(cfg, &BudgetTrackerConfig{Redis: client}, nil, nil)
	assert.Error(t, err)
}
