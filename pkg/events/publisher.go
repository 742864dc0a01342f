package events

import (
	"context"
	"sync"
	"time"

	"github.com/brandscope/visibility-audit/pkg/models"
)

// Publisher wraps a Bus with typed convenience methods and the
// minimum-interval progress throttle the orchestrator's fan_out phase
// requires.
type Publisher struct {
	bus *Bus

	mu          sync.Mutex
	minInterval time.Duration
	lastEmit    map[string]time.Time // audit_id -> last progress emit
}

// NewPublisher builds a Publisher. minInterval <= 0 disables throttling.
func NewPublisher(bus *Bus, minInterval time.Duration) *Publisher {
	return &Publisher{
		bus:         bus,
		minInterval: minInterval,
		lastEmit:    make(map[string]time.Time),
	}
}

// PublishProgress emits a progress event, suppressed when the last emit
// for this audit was under minInterval ago. Stage-completion and terminal
// events are never throttled.
func (p *Publisher) PublishProgress(ctx context.Context, auditID string, stage models.AuditPhase, percent float64, costSoFar models.Money) {
	if p.minInterval > 0 {
		p.mu.Lock()
		last, ok := p.lastEmit[auditID]
		now := time.Now()
		if ok && now.Sub(last) < p.minInterval {
			p.mu.Unlock()
			return
		}
		p.lastEmit[auditID] = now
		p.mu.Unlock()
	}

	p.bus.Publish(ctx, Event{
		Type:      TypeProgress,
		AuditID:   auditID,
		Stage:     string(stage),
		Progress:  percent,
		CostSoFar: costSoFar.String(),
	})
}

// PublishStageComplete emits an unthrottled stage-completion event.
func (p *Publisher) PublishStageComplete(ctx context.Context, auditID string, stage models.AuditPhase) {
	p.bus.Publish(ctx, Event{
		Type:    TypeStageComplete,
		AuditID: auditID,
		Stage:   string(stage),
	})
}

// PublishAuditComplete emits the terminal success event.
func (p *Publisher) PublishAuditComplete(ctx context.Context, auditID string, message string) {
	p.bus.Publish(ctx, Event{
		Type:    TypeAuditComplete,
		AuditID: auditID,
		Message: message,
	})
	p.forget(auditID)
}

// PublishError emits a failure event with the user-visible error shape:
// message, recoverability, and an optional retry-after hint.
func (p *Publisher) PublishError(ctx context.Context, auditID, message string, recoverable bool, retryAfter time.Duration) {
	p.bus.Publish(ctx, Event{
		Type:        TypeError,
		AuditID:     auditID,
		Message:     message,
		Recoverable: recoverable,
		RetryAfterS: int(retryAfter.Seconds()),
	})
	if !recoverable {
		p.forget(auditID)
	}
}

// forget drops throttle state for a finished audit so the map doesn't grow
// unbounded across the process lifetime.
func (p *Publisher) forget(auditID string) {
	p.mu.Lock()
	delete(p.lastEmit, auditID)
	p.mu.Unlock()
}
