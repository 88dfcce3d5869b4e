// Package bus fans reducer outcomes out to in-process observers. Delivery is
// best effort: a subscriber that falls behind loses events rather than
// stalling a shard, and the loss is counted. Durable delivery is the alert
// outbox's job, not the bus's.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives the events whose topic matches its filter.
type Subscription struct {
	id      uint64
	filter  string
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many matching events were discarded because the
// subscriber's buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscription channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithDropHandler is called, outside any lock, for every event a lagging
// subscriber misses.
func WithDropHandler(fn func(topic string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

type Bus struct {
	bufferSize int
	onDrop     func(topic string)

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func New(opts ...Option) *Bus {
	b := &Bus{bufferSize: defaultBufferSize, subs: make(map[uint64]*Subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Matches reports whether topic falls under filter. Filters match on whole
// dot-separated segments: "policy" and "policy." both match "policy.alert",
// but "pol" does not. An empty filter matches everything.
func Matches(filter, topic string) bool {
	filter = strings.TrimSuffix(filter, ".")
	if filter == "" || filter == topic {
		return true
	}
	return strings.HasPrefix(topic, filter+".")
}

// Subscribe registers a filter. Subscribing to a closed bus yields a
// subscription whose channel is already closed.
func (b *Bus) Subscribe(filter string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, filter: filter, ch: make(chan Event, b.bufferSize)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking and returns
// how many received the event. Per subscriber, events arrive in publish order.
func (b *Bus) Publish(topic string, payload any) int {
	ev := Event{Topic: topic, Payload: payload}
	delivered, missed := 0, 0

	b.mu.RLock()
	for _, sub := range b.subs {
		if !Matches(sub.filter, topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
			missed++
		}
	}
	b.mu.RUnlock()

	if b.onDrop != nil {
		for ; missed > 0; missed-- {
			b.onDrop(topic)
		}
	}
	return delivered
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later publishes reach no one.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
