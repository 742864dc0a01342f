// Package events implements the Event/Progress Bus: an
// in-process publish-subscribe channel carrying progress, stage-completion,
// and error events on per-audit topics, with an optional Redis Pub/Sub
// bridge for multi-process deployments. The external WebSocket fan-out
// layer is a consumer of this bus, not part of it.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventType enumerates the bus's event kinds.
type EventType string

// Event types.
const (
	TypeProgress      EventType = "progress"
	TypeStageComplete EventType = "stage_complete"
	TypeAuditComplete EventType = "audit_complete"
	TypeError         EventType = "error"
)

// Event is one message on an audit topic.
type Event struct {
	Type        EventType `json:"type"`
	AuditID     string    `json:"audit_id"`
	Stage       string    `json:"stage,omitempty"`
	Progress    float64   `json:"progress,omitempty"` // percent, 0-100
	Message     string    `json:"message,omitempty"`
	CostSoFar   string    `json:"cost_so_far,omitempty"`
	Recoverable bool      `json:"recoverable,omitempty"`
	RetryAfterS int       `json:"retry_after_s,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Topic is the per-audit channel name.
func Topic(auditID string) string {
	return "audit:" + auditID
}

// subscriber is one buffered delivery channel on a topic.
type subscriber struct {
	id string
	ch chan Event
}

// Bus fans events out to in-process subscribers and, when a Redis client
// is configured, publishes a JSON copy to the same topic on Redis Pub/Sub.
// Per-audit ordering holds for in-process delivery: Publish appends to each
// subscriber channel in call order.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscriber

	redis *redis.Client
}

// NewBus builds a Bus. redisClient may be nil for in-process-only fan-out.
func NewBus(redisClient *redis.Client) *Bus {
	return &Bus{
		topics: make(map[string][]*subscriber),
		redis:  redisClient,
	}
}

// subscriberBuffer bounds how far a slow consumer may lag before events
// are dropped for it. Dropping beats blocking the orchestrator.
const subscriberBuffer = 64

// Subscribe registers a consumer for one audit's topic. The returned cancel
// func unregisters and closes the channel; it is safe to call more than
// once.
func (b *Bus) Subscribe(auditID string) (<-chan Event, func()) {
	sub := &subscriber{id: uuid.NewString(), ch: make(chan Event, subscriberBuffer)}
	topic := Topic(auditID)

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.topics[topic]
			for i, s := range subs {
				if s.id == sub.id {
					b.topics[topic] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber of its audit topic and
// bridges it to Redis when configured. Never blocks: a full subscriber
// buffer drops the event for that subscriber with a warning.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	topic := Topic(event.AuditID)

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.topics[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			slog.Warn("events: dropping event for slow subscriber",
				"topic", topic, "type", event.Type)
		}
	}

	if b.redis != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			slog.Warn("events: marshaling event for redis bridge", "error", err)
			return
		}
		if err := b.redis.Publish(ctx, topic, payload).Err(); err != nil {
			slog.Warn("events: publishing to redis bridge", "topic", topic, "error", err)
		}
	}
}

// SubscriberCount reports the number of live subscribers on an audit topic.
func (b *Bus) SubscriberCount(auditID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[Topic(auditID)])
}
