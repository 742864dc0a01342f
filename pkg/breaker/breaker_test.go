package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brandscope/visibility-audit/pkg/config"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("openai", config.ErrorHandlingConfig{CircuitBreakerThreshold: 2})

	for i := 0; i < 2; i++ {
		_, err := b.Execute(func() (any, error) { return nil, errors.New("boom") })
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, b.State())

	_, err := b.Execute(func() (any, error) { return "ok", nil })
	require.Error(t, err)
}

func TestBreaker_ClosesAfterHalfOpenSuccess(t *testing.T) {
	b := New("openai", config.ErrorHandlingConfig{
		CircuitBreakerThreshold: 1,
		CircuitBreakerTimeoutMS: 10,
	})

	_, err := b.Execute(func() (any, error) { return nil, errors.New("boom") })
	require.Error(t, err)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err = b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.State())
}

func TestAllow_RejectsSecondProbeWhileOneInFlight(t *testing.T) {
	b := New("openai", config.ErrorHandlingConfig{
		CircuitBreakerThreshold: 1,
		CircuitBreakerTimeoutMS: 10,
	})
	_, _ = b.Execute(func() (any, error) { return nil, errors.New("boom") })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Allow())
	require.ErrorIs(t, b.Allow(), ErrProbeInFlight)
}

func TestRegistry_CachesPerProvider(t *testing.T) {
	r := NewRegistry(config.ErrorHandlingConfig{})
	b1 := r.For("openai")
	b2 := r.For("openai")
	require.Same(t, b1, b2)
	require.NotSame(t, b1, r.For("anthropic"))
}
