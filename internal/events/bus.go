// Package events is the process-local publish/subscribe channel between
// daemon components.
package events

import (
	"log/slog"
	"sync"

	"github.com/openmined/tinifyd/internal/digest"
)

// LeaseReclaimed is announced by the janitor for every lease it deleted
// on behalf of a holder that never released it.
type LeaseReclaimed struct {
	Key  digest.Digest
	Path string
}

// Bus fans a value out to every subscriber. Publishing never blocks: a
// subscriber whose buffer is full misses the value.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	closed bool
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a channel receiving every value published from now on,
// and a function that unsubscribes and closes it.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers v to all subscribers and returns how many received it.
func (b *Bus[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			delivered++
		default:
			slog.Warn("event bus dropped event", "reason", "subscriber full", "event", v)
		}
	}
	return delivered
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
