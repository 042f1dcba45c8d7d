// Package events provides a typed publish/subscribe bus used to broadcast
// read-only snapshots from a single writer to any number of observers.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Bus fans published values out to subscribers. Publish never blocks: when a
// subscriber's buffer is full the oldest pending value is dropped, because
// observers only care about the most recent snapshot.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
	logger zerolog.Logger
}

// NewBus creates a new bus.
func NewBus[T any](logger zerolog.Logger) *Bus[T] {
	return &Bus[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		logger: logger,
	}
}

// Subscription is a single observer's view of the bus.
type Subscription[T any] struct {
	bus  *Bus[T]
	ch   chan T
	once sync.Once
}

// C returns the channel delivering published values. It is closed when the
// subscription is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the subscription from the bus. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Subscribe registers a new observer with the given buffer size (minimum 1).
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription[T]{bus: b, ch: make(chan T, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers v to every subscriber without blocking.
func (b *Bus[T]) Publish(v T) {
	// The write lock serializes delivery with Close so a channel is never
	// sent to after it has been closed.
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- v:
			continue
		default:
		}

		// Buffer full: drop the oldest value and retry once.
		select {
		case <-sub.ch:
			b.logger.Debug().Msg("Subscriber lagging, dropped oldest event")
		default:
		}
		select {
		case sub.ch <- v:
		default:
		}
	}
}

// Count returns the number of active subscriptions.
func (b *Bus[T]) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are returned closed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription[T], 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
