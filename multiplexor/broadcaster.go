package multiplexor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Broadcaster fans one event stream out to any number of listeners. Each
// listener has its own drop-oldest queue, so Emit never blocks.
type Broadcaster[T any] struct {
	mu        sync.RWMutex
	listeners map[string]*Queue[T]
	capacity  int
	closed    bool
	name      string
}

func NewBroadcaster[T any](name string, capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Broadcaster[T]{
		listeners: make(map[string]*Queue[T]),
		capacity:  capacity,
		name:      name,
	}
}

func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	q := NewQueue[T](b.capacity, DropOldest)
	id := fmt.Sprintf("%s-%s", b.name, uuid.NewString())

	b.mu.Lock()
	if b.closed {
		q.Close()
	} else {
		b.listeners[id] = q
	}
	b.mu.Unlock()

	return &Subscription[T]{
		ID:    id,
		queue: q,
		release: func(bool) {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		},
	}
}

func (b *Broadcaster[T]) Emit(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, q := range b.listeners {
		q.push(context.Background(), v)
	}
}

func (b *Broadcaster[T]) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, q := range b.listeners {
		q.Close()
		delete(b.listeners, id)
	}
}
