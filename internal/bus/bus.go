// Package bus is the in-process event fabric. Components publish domain
// events under dotted topics; subscribers pick a topic prefix and read
// from a buffered channel. Delivery is best effort: a subscriber that
// stops draining loses events rather than stalling publishers.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// defaultBufferSize is each subscription's channel depth.
const defaultBufferSize = 100

// Event is one published occurrence.
type Event struct {
	Topic   string
	Payload interface{}
}

// Subscription is one reader's handle on the bus.
type Subscription struct {
	prefix string
	ch     chan Event
}

// Ch returns the channel events arrive on. It closes on Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a reader for topics starting with topicPrefix. An
// empty prefix matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, defaultBufferSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// with nil or after the subscription is already gone.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber without
// blocking. A full buffer counts a drop and moves on.
func (b *Bus) Publish(topic string, payload interface{}) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events were discarded on full buffers since
// the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
