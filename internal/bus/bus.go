package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace-prefix
// filtering. It decouples the chain watcher, the reconciliation engine and
// the API layer: producers publish, consumers subscribe, nobody holds a
// reference to anybody else.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every subscriber whose namespace is a prefix of
// evt.Kind. Delivery is non-blocking: a subscriber with a full buffer misses
// the event rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with
// namespace, plus an unsubscribe function. bufSize sets the channel buffer.
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
