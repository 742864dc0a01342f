package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brandscope/visibility-audit/pkg/config"
)

func TestAcquire_RespectsConcurrencyCap(t *testing.T) {
	l := New("openai", config.RateLimitConfig{RequestsPerSecond: 1000, BurstLimit: 1000, ConcurrentRequests: 1})

	release1, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.Error(t, err)

	release1()
	release2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestAcquire_RateZeroBlocksUntilDeadline(t *testing.T) {
	l := New("openai", config.RateLimitConfig{RequestsPerSecond: 0, BurstLimit: 1, ConcurrentRequests: 5})

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.Error(t, err)
}

func TestBackoff_Exponential(t *testing.T) {
	base := 100 * time.Millisecond
	l := New("openai", config.RateLimitConfig{
		BackoffStrategy: config.BackoffExponential,
		BaseDelay:       base,
		MaxDelay:        2 * time.Second,
	})

	// delay = base·2^attempt + jitter(0..base), so each attempt lands in a
	// half-open window one base wide.
	for attempt, floor := range map[int]time.Duration{
		1: 200 * time.Millisecond,
		2: 400 * time.Millisecond,
		3: 800 * time.Millisecond,
	} {
		for i := 0; i < 20; i++ {
			d := l.Backoff(attempt)
			require.GreaterOrEqual(t, d, floor, "attempt %d below floor", attempt)
			require.Less(t, d, floor+base, "attempt %d above jitter ceiling", attempt)
		}
	}

	require.Equal(t, 2*time.Second, l.Backoff(10)) // capped
}

func TestBackoff_ExponentialJitterVaries(t *testing.T) {
	l := New("openai", config.RateLimitConfig{
		BackoffStrategy: config.BackoffExponential,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        time.Minute,
	})
	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		seen[l.Backoff(2)] = true
	}
	require.Greater(t, len(seen), 1, "jitter never varied across 50 samples")
}

func TestBackoff_Linear(t *testing.T) {
	l := New("openai", config.RateLimitConfig{
		BackoffStrategy: config.BackoffLinear,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        1 * time.Second,
	})
	require.Equal(t, 100*time.Millisecond, l.Backoff(1))
	require.Equal(t, 300*time.Millisecond, l.Backoff(3))
	require.Equal(t, 1*time.Second, l.Backoff(20)) // capped
}

func TestMaxRetries_DefaultsWhenUnset(t *testing.T) {
	l := New("openai", config.RateLimitConfig{})
	require.Equal(t, 3, l.MaxRetries())
}

func TestRegistry_CachesPerProvider(t *testing.T) {
	cfg := &config.Config{RateLimit: map[string]config.RateLimitConfig{
		"openai": {RequestsPerSecond: 10, ConcurrentRequests: 2},
	}}
	r := NewRegistry(cfg)
	l1 := r.For("openai")
	l2 := r.For("openai")
	require.Same(t, l1, l2)

	l3 := r.For("anthropic")
	require.NotSame(t, l1, l3)
}
