package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandscope/visibility-audit/pkg/models"
)

func TestBus_PublishReachesSubscriber(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe("audit-1")
	defer cancel()

	bus.Publish(context.Background(), Event{Type: TypeProgress, AuditID: "audit-1", Progress: 25})

	select {
	case evt := <-ch:
		assert.Equal(t, TypeProgress, evt.Type)
		assert.Equal(t, 25.0, evt.Progress)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	bus := NewBus(nil)
	ch1, cancel1 := bus.Subscribe("audit-1")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe("audit-2")
	defer cancel2()

	bus.Publish(context.Background(), Event{Type: TypeProgress, AuditID: "audit-1"})

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("subscriber on audit-1 missed its event")
	}
	select {
	case <-ch2:
		t.Fatal("subscriber on audit-2 received a foreign event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_OrderPreservedPerAudit(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe("audit-1")
	defer cancel()

	for i := 1; i <= 5; i++ {
		bus.Publish(context.Background(), Event{Type: TypeProgress, AuditID: "audit-1", Progress: float64(i)})
	}
	for i := 1; i <= 5; i++ {
		evt := <-ch
		assert.Equal(t, float64(i), evt.Progress)
	}
}

func TestBus_CancelUnsubscribes(t *testing.T) {
	bus := NewBus(nil)
	_, cancel := bus.Subscribe("audit-1")
	require.Equal(t, 1, bus.SubscriberCount("audit-1"))

	cancel()
	cancel() // second call is a no-op
	assert.Equal(t, 0, bus.SubscriberCount("audit-1"))

	// Publishing to a topic with no subscribers must not panic.
	bus.Publish(context.Background(), Event{Type: TypeProgress, AuditID: "audit-1"})
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe("audit-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Publish(context.Background(), Event{Type: TypeProgress, AuditID: "audit-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestPublisher_ThrottlesProgress(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe("audit-1")
	defer cancel()

	pub := NewPublisher(bus, 500*time.Millisecond)
	for i := 0; i < 10; i++ {
		pub.PublishProgress(context.Background(), "audit-1", models.PhaseFanOut, float64(i*10), models.Zero)
	}

	// Only the first emit inside the interval gets through.
	assert.Len(t, ch, 1)

	// Stage completion is never throttled.
	pub.PublishStageComplete(context.Background(), "audit-1", models.PhaseFanOut)
	assert.Len(t, ch, 2)
}

func TestPublisher_ErrorEventShape(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe("audit-1")
	defer cancel()

	pub := NewPublisher(bus, 0)
	pub.PublishError(context.Background(), "audit-1", "rate limited", true, 30*time.Second)

	evt := <-ch
	assert.Equal(t, TypeError, evt.Type)
	assert.True(t, evt.Recoverable)
	assert.Equal(t, 30, evt.RetryAfterS)
}
