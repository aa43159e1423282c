package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRPC = errors.New("connection refused")

func newTestBreaker(clock clockwork.Clock) *CircuitBreaker {
	cfg := DefaultConfig("rpc")
	cfg.ConsecutiveFailures = 2
	cfg.Cooldown = 10 * time.Second
	cfg.HalfOpenProbes = 1
	cfg.Clock = clock
	return NewCircuitBreaker(cfg)
}

func fail(ctx context.Context) error { return errRPC }
func ok(ctx context.Context) error   { return nil }

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(clock)

	require.ErrorIs(t, cb.Execute(ctx, fail), errRPC)
	require.ErrorIs(t, cb.Execute(ctx, fail), errRPC)
	assert.Equal(t, StateOpen, cb.GetState())

	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	clock.Advance(11 * time.Second)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cb := newTestBreaker(clock)

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.Advance(11 * time.Second)

	require.ErrorIs(t, cb.Execute(ctx, fail), errRPC)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig("rpc")
	cfg.ConsecutiveFailures = 1
	notFound := errors.New("account not found")
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, notFound) }
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(ctx, func(ctx context.Context) error { return notFound })
	assert.Equal(t, StateClosed, cb.GetState())
}
