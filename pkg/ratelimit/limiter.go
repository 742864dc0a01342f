// Package ratelimit implements the per-provider token-bucket rate limiter
// and concurrency cap: golang.org/x/time/rate for the request-per-second
// bucket, plus a channel-backed semaphore for the concurrent-in-flight
// cap.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brandscope/visibility-audit/pkg/config"
)

// Limiter bounds request rate and concurrency for a single provider.
type Limiter struct {
	provider string
	cfg      config.RateLimitConfig
	bucket   *rate.Limiter
	sem      chan struct{}
}

// New builds a Limiter from a provider's RateLimitConfig. A
// RequestsPerSecond of 0 produces a limiter that never admits a request
// once its burst is exhausted: rate 0 means deadline-bound rejection,
// never a silent pass-through.
func New(provider string, cfg config.RateLimitConfig) *Limiter {
	burst := cfg.BurstLimit
	if burst <= 0 {
		burst = 1
	}
	concurrency := cfg.ConcurrentRequests
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Limiter{
		provider: provider,
		cfg:      cfg,
		bucket:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		sem:      make(chan struct{}, concurrency),
	}
}

// Acquire blocks until both the rate bucket and the concurrency semaphore
// admit a request, or ctx is done. The returned release func MUST be called
// exactly once to free the concurrency slot.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("ratelimit: acquiring concurrency slot for %s: %w", l.provider, ctx.Err())
	}

	if err := l.bucket.Wait(ctx); err != nil {
		<-l.sem
		return nil, fmt.Errorf("ratelimit: waiting for token bucket for %s: %w", l.provider, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-l.sem
	}, nil
}

// Backoff computes the delay before retry attempt n (1-indexed), per the
// configured BackoffStrategy. Exponential is base·2^attempt plus a random
// jitter in [0, base) so concurrent retriers don't reconverge on the same
// instant; both strategies cap at MaxDelay.
func (l *Limiter) Backoff(attempt int) time.Duration {
	base := l.cfg.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := l.cfg.MaxDelay
	if max <= 0 {
		max = 10 * time.Second
	}

	var delay time.Duration
	switch l.cfg.BackoffStrategy {
	case config.BackoffLinear:
		delay = base * time.Duration(attempt)
	default: // exponential
		delay = base << uint(attempt)
		if delay <= 0 { // overflow guard for large attempt counts
			delay = max
		}
		delay += time.Duration(rand.Int64N(int64(base)))
	}
	if delay > max {
		delay = max
	}
	return delay
}

// MaxRetries is the configured retry ceiling for this provider.
func (l *Limiter) MaxRetries() int {
	if l.cfg.MaxRetries <= 0 {
		return 3
	}
	return l.cfg.MaxRetries
}

// InFlight reports the number of requests currently holding a concurrency
// slot, for telemetry.
func (l *Limiter) InFlight() int {
	return len(l.sem)
}

// Registry holds one Limiter per provider, created lazily from config.
type Registry struct {
	cfg *config.Config

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry builds an empty Registry bound to cfg.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, limiters: make(map[string]*Limiter)}
}

// For returns the Limiter for provider, creating it on first use from
// cfg.RateLimitFor(provider).
func (r *Registry) For(provider string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[provider]; ok {
		return l
	}
	l := New(provider, r.cfg.RateLimitFor(provider))
	r.limiters[provider] = l
	return l
}
