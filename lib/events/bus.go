// Package events fans notifications out to registered listeners.
package events

import (
	"sync"

	"github.com/go-i2p/common/data"
)

// Bus delivers values of one type to every subscriber. Listeners run on the
// emitting goroutine and must not block.
type Bus[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[uint64]func(T))
	}
	id := b.next
	b.next++
	b.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Emit calls every listener with v.
func (b *Bus[T]) Emit(v T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of listeners.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Message is emitted for every decoded inbound message before any dedup or
// relay decision.
type Message struct {
	From data.Hash
	ID   data.Hash
	Kind byte
	Body []byte
}

// Data is emitted once per message delivered to the local application.
type Data struct {
	ID      data.Hash
	Origin  data.Hash
	From    data.Hash
	Payload []byte
}

// Events groups the buses a node exposes.
type Events struct {
	Reachable   Bus[data.Hash]
	Unreachable Bus[data.Hash]
	Message     Bus[Message]
	Data        Bus[Data]
}
