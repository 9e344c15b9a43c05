package multiplexor

import (
	"context"
	"sync"
)

// Subscription is the consuming end of one registered queue.
type Subscription[T any] struct {
	ID      string
	Request Request

	queue   *Queue[T]
	release func(notify bool)
	once    sync.Once
}

// Next waits for the next event. After Unsubscribe the events already queued
// are still returned, then ErrQueueClosed.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	return s.queue.Next(ctx)
}

func (s *Subscription[T]) TryNext() (T, bool) {
	return s.queue.TryNext()
}

func (s *Subscription[T]) Stats() QueueStats {
	return s.queue.Stats()
}

func (s *Subscription[T]) Len() int {
	return s.queue.Len()
}

// Unsubscribe stops delivery immediately. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.stop(true)
}

// Discard removes the subscription without notifying the registry owner
// that the key became empty.
func (s *Subscription[T]) Discard() {
	s.stop(false)
}

func (s *Subscription[T]) stop(notify bool) {
	s.once.Do(func() {
		s.queue.Close()
		if s.release != nil {
			s.release(notify)
		}
	})
}
