package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(ctx context.Context) (string, error) { return "", errors.New("boom") }
func passing(ctx context.Context) (string, error) { return "ok", nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	_, err := Execute(ctx, b, failing)
	require.Error(t, err)
	assert.Equal(t, StateClosed, b.State())

	_, err = Execute(ctx, b, failing)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())

	called := false
	_, err = Execute(ctx, b, func(ctx context.Context) (string, error) {
		called = true
		return "", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	b.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, _ = Execute(ctx, b, failing)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// failed probe re-opens
	_, _ = Execute(ctx, b, failing)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(11 * time.Second)
	v, err := Execute(ctx, b, passing)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreaker_ShouldTripFilters(t *testing.T) {
	ignored := errors.New("not the dependency's fault")
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, ignored) },
	})

	_, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) { return 0, ignored })
	require.ErrorIs(t, err, ignored)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
