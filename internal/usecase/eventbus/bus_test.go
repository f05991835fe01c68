package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pi-executor/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventProcessStarted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventProcessStarted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventProcessStarted))
	bus.Publish(context.Background(), newEvent(domain.EventSessionForked))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventProcessStarted))
	bus.Publish(context.Background(), newEvent(domain.EventEntryAdded))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventEntryAdded, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsub()
	unsubAll()

	bus.Publish(context.Background(), newEvent(domain.EventEntryAdded))
	bus.Close()
	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []int
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		time.Sleep(time.Microsecond)
		var p domain.EntryPatchPayload
		_ = json.Unmarshal(e.Payload, &p)
		mu.Lock()
		seen = append(seen, p.Index)
		mu.Unlock()
	})

	for i := 0; i < 200; i++ {
		bus.Publish(context.Background(), domain.NewEvent(domain.EventEntryReplaced, "run", domain.EntryPatchPayload{Index: i}))
	}
	bus.Close()

	want := make([]int, 200)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, seen)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := newTestBus()
	release := make(chan struct{})
	fast := make(chan struct{}, 1)

	bus.Subscribe(domain.EventProcessStarted, func(_ context.Context, _ domain.Event) {
		<-release
	})
	bus.Subscribe(domain.EventProcessStarted, func(_ context.Context, _ domain.Event) {
		fast <- struct{}{}
	})

	bus.Publish(context.Background(), newEvent(domain.EventProcessStarted))

	select {
	case <-fast:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber was blocked by slow one")
	}
	close(release)
	bus.Close()
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventProcessStarted {
			panic("boom")
		}
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventProcessStarted))
	bus.Publish(context.Background(), newEvent(domain.EventProcessExited))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("handler should keep running after a panic, got %d", got.Load())
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := newTestBus()
	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })
	bus.Close()
	bus.Close()

	bus.Publish(context.Background(), newEvent(domain.EventProcessStarted))
	if got.Load() != 0 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}
