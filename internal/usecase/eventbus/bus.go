package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"pi-executor/internal/domain"
)

type queued struct {
	ctx   context.Context
	event domain.Event
}

// subscription delivers events to one handler from its own goroutine, in
// publish order.
type subscription struct {
	id      uint64
	handler domain.EventHandler

	mu      sync.Mutex
	queue   []queued
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

func newSubscription(id uint64, handler domain.EventHandler) *subscription {
	return &subscription{
		id:      id,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(ctx context.Context, event domain.Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, queued{ctx: ctx, event: event})
	select {
	case s.signal <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// stop lets the worker drain what is already queued and exit.
func (s *subscription) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.signal)
	}
	s.mu.Unlock()
}

func (s *subscription) run(logger *slog.Logger) {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		stopped := s.stopped
		s.mu.Unlock()

		for _, q := range batch {
			s.deliver(logger, q)
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-s.signal
	}
}

func (s *subscription) deliver(logger *slog.Logger, q queued) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				"event", string(q.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(q.ctx, q.event)
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber receives
// events in the order they were published; a slow subscriber does not
// block publishers or other subscribers.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish queues an event for matching typed subscribers and all-event
// subscribers. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typed[event.Type] {
		sub.enqueue(ctx, event)
	}
	for _, sub := range b.allSubs {
		sub.enqueue(ctx, event)
	}
}

func (b *Bus) start(handler domain.EventHandler) *subscription {
	sub := newSubscription(b.nextID.Add(1), handler)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run(b.logger)
	}()
	return sub
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.stop()
	}
}

// Close prevents new publishes and waits for every subscriber to drain its
// queue. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	for _, subs := range b.typed {
		for _, sub := range subs {
			sub.stop()
		}
	}
	for _, sub := range b.allSubs {
		sub.stop()
	}
	b.mu.Unlock()

	b.wg.Wait()
}
