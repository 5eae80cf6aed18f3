// Package eventbus is the in-process publish/subscribe bus for core events.
//
// Publishers never block: each subscription has a bounded buffer and events
// are dropped (and counted) when a subscriber falls behind.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/infra/metrics"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("eventbus closed")

const defaultBuffer = 64

// Bus fans events out to subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	now    func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscription receives events of the types it asked for (all when none given).
type Subscription struct {
	id      uint64
	bus     *Bus
	types   map[domain.EventType]bool
	out     chan domain.Event
	once    sync.Once
	dropped atomic.Int64
}

// Subscribe registers a subscription. buffer <= 0 uses the default size.
func (b *Bus) Subscribe(buffer int, types ...domain.EventType) (*Subscription, error) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		bus: b,
		out: make(chan domain.Event, buffer),
	}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Publish implements domain.EventPublisher.
func (b *Bus) Publish(p domain.EventPayload) {
	if p == nil {
		return
	}
	ev := domain.Event{Type: p.EventType(), At: b.now(), Payload: p}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.out <- ev:
		default:
			sub.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.out) })
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Events is closed when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan domain.Event {
	return s.out
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.out) })
}
