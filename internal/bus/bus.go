package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
//
// Handlers registered with Handle run synchronously inside Publish, in
// registration order, and never miss an event. Channel subscribers are
// observers: delivery is non-blocking and events are dropped when the
// subscriber's buffer is full.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscription
	handlers map[int]*handler
	order    []int
	next     int
}

type subscription struct {
	namespace string
	ch        chan Event
}

type handler struct {
	namespace string
	fn        func(Event)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs:     make(map[int]*subscription),
		handlers: make(map[int]*handler),
	}
}

// Publish delivers an event to every handler and subscriber whose namespace
// is a prefix of evt.Kind. Handlers must not publish on the same bus.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, id := range b.order {
		h := b.handlers[id]
		if strings.HasPrefix(evt.Kind, h.namespace) {
			h.fn(evt)
		}
	}
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Handle registers fn for events matching namespace. Returns an unregister function.
func (b *Bus) Handle(namespace string, fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = &handler{namespace: namespace, fn: fn}
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
