// Package breaker wraps github.com/sony/gobreaker per provider, adding a
// single-probe half-open guard: gobreaker's own MaxRequests already limits
// concurrent half-open probes, but a second caller arriving while a probe
// is in flight must fail fast rather than queue, which this package
// enforces with an atomic CAS ahead of the breaker itself.
package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/brandscope/visibility-audit/pkg/config"
)

// State mirrors gobreaker.State for callers that shouldn't import gobreaker
// directly.
type State int

// Circuit states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrProbeInFlight is returned when a second caller arrives while the
// breaker's single half-open probe is already outstanding.
var ErrProbeInFlight = fmt.Errorf("breaker: half-open probe already in flight")

// Breaker wraps one provider's circuit.
type Breaker struct {
	provider string
	cb       *gobreaker.CircuitBreaker
	probing  atomic.Bool
}

// New builds a Breaker from the engine's error-handling config.
func New(provider string, cfg config.ErrorHandlingConfig) *Breaker {
	threshold := uint32(cfg.CircuitBreakerThreshold)
	if threshold == 0 {
		threshold = 5
	}
	successThreshold := uint32(cfg.HalfOpenSuccessThreshold)
	if successThreshold == 0 {
		successThreshold = 1
	}
	window := cfg.CircuitBreakerWindow
	if window <= 0 {
		window = time.Minute
	}

	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: successThreshold,
		Interval:    window,
		Timeout:     cfg.CircuitBreakerTimeout(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}

	b := &Breaker{provider: provider}
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		if to != gobreaker.StateHalfOpen {
			b.probing.Store(false)
		}
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Allow reports whether a request may proceed, reserving the single
// half-open probe slot if the breaker just transitioned there. Callers
// that get an error must not invoke Execute for this attempt.
func (b *Breaker) Allow() error {
	if b.cb.State() == gobreaker.StateHalfOpen {
		if !b.probing.CompareAndSwap(false, true) {
			return ErrProbeInFlight
		}
	}
	return nil
}

// Execute runs fn if the breaker allows it, recording the outcome. Callers
// must call Allow first when they need the single-probe guard; Execute
// alone already refuses calls while fully open via gobreaker's own policy.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	defer func() {
		if b.cb.State() != gobreaker.StateHalfOpen {
			b.probing.Store(false)
		}
	}()
	return b.cb.Execute(fn)
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Counts returns the current window's request/failure counters, for
// telemetry.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Registry holds one Breaker per provider.
type Registry struct {
	cfg      config.ErrorHandlingConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds an empty Registry bound to cfg.
func NewRegistry(cfg config.ErrorHandlingConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the Breaker for provider, creating it on first use.
func (r *Registry) For(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b := New(provider, r.cfg)
	r.breakers[provider] = b
	return b
}
