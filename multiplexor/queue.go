package multiplexor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
)

const DefaultQueueCapacity = 1000

var ErrQueueClosed = errors.New("queue closed")

// OverflowPolicy decides what a full queue does with the next item.
type OverflowPolicy int

const (
	// DropOldest evicts the head so the newest item always fits.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming item.
	DropNewest
	// Block waits for the consumer, stalling the producer.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop-oldest":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	case "block":
		return Block, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

type QueueStats struct {
	Delivered uint64
	Dropped   uint64
}

// DropRate is dropped / delivered, 0 before the first delivery.
func (s QueueStats) DropRate() float64 {
	if s.Delivered == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(s.Delivered)
}

// Queue is a bounded single-consumer FIFO. Push never blocks unless the
// policy is Block.
type Queue[T any] struct {
	mu       sync.Mutex
	items    deque.Deque[T]
	capacity int
	policy   OverflowPolicy
	closed   bool

	notify chan struct{}
	space  chan struct{}
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewQueue[T any](capacity int, policy OverflowPolicy) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue[T]{
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// pushResult tells the registry how to count a push.
type pushResult struct {
	delivered bool
	dropped   bool
}

// Push enqueues v. It reports false when v was not enqueued, either because
// the queue is closed, the policy is DropNewest, or ctx ended while blocked.
func (q *Queue[T]) Push(ctx context.Context, v T) bool {
	return q.push(ctx, v).delivered
}

func (q *Queue[T]) push(ctx context.Context, v T) pushResult {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return pushResult{}
		}

		if q.items.Len() < q.capacity {
			q.items.PushBack(v)
			q.mu.Unlock()
			q.delivered.Add(1)
			q.signal(q.notify)
			return pushResult{delivered: true}
		}

		switch q.policy {
		case DropNewest:
			q.mu.Unlock()
			q.dropped.Add(1)
			return pushResult{dropped: true}
		case Block:
			q.mu.Unlock()
			select {
			case <-q.space:
				continue
			case <-q.done:
				return pushResult{}
			case <-ctx.Done():
				return pushResult{}
			}
		default:
			q.items.PopFront()
			q.items.PushBack(v)
			q.mu.Unlock()
			q.delivered.Add(1)
			q.dropped.Add(1)
			q.signal(q.notify)
			return pushResult{delivered: true, dropped: true}
		}
	}
}

// Next waits for the next item. Items queued before Close are still
// returned; after that Next reports ErrQueueClosed.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	for {
		if v, ok, closed := q.pop(); ok {
			return v, nil
		} else if closed {
			return v, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryNext returns the next item without waiting.
func (q *Queue[T]) TryNext() (T, bool) {
	v, ok, _ := q.pop()
	return v, ok
}

func (q *Queue[T]) pop() (v T, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return v, false, q.closed
	}
	v = q.items.PopFront()
	q.signal(q.space)
	return v, true, false
}

func (q *Queue[T]) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) Stats() QueueStats {
	return QueueStats{
		Delivered: q.delivered.Load(),
		Dropped:   q.dropped.Load(),
	}
}

// Close stops accepting items. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
