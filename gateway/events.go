package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/guseggert/clawgate/frame"
	"go.uber.org/zap"
)

// EventHandler receives unsolicited gateway events.
// Handlers run on the connection's read loop, so they must not block waiting on a request of the same connection.
type EventHandler func(evt frame.Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus fans events out to subscribers. A panicking subscriber is logged and skipped.
type EventBus struct {
	log    *zap.SugaredLogger
	nextID atomic.Uint64

	mu     sync.RWMutex
	subs   []subscription
	closed bool
}

func NewEventBus(log *zap.SugaredLogger) *EventBus {
	return &EventBus{log: log.Named("event_bus")}
}

// Subscribe registers h and returns a func that removes it. The returned func is idempotent.
func (b *EventBus) Subscribe(h EventHandler) (unsubscribe func()) {
	id := b.nextID.Add(1)

	b.mu.Lock()
	if !b.closed {
		b.subs = append(b.subs, subscription{id: id, handler: h})
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			// copy so that snapshots taken by Publish are never mutated
			subs := make([]subscription, 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to a snapshot of the current subscribers, in subscription order.
func (b *EventBus) Publish(evt frame.Event) {
	b.mu.RLock()
	subs := b.subs
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	for _, s := range subs {
		b.dispatch(evt, s)
	}
}

func (b *EventBus) dispatch(evt frame.Event, s subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warnw("event handler panicked", "Event", evt.Name, "Subscription", s.id, "Panic", r)
		}
	}()
	s.handler(evt)
}

// Len returns the number of subscribers.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers. Later publishes and subscriptions are no-ops.
func (b *EventBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
}
