package multiplexor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/spooky-finn/go-marketstream/domain"
)

// Key identifies one upstream channel. Subscribers sharing a key share the
// exchange subscription.
type Key struct {
	Feed     domain.FeedKind
	Symbol   string
	Interval int
}

func (k Key) String() string {
	if k.Interval > 0 {
		return fmt.Sprintf("%s-%s-%d", k.Feed, k.Symbol, k.Interval)
	}
	return fmt.Sprintf("%s-%s", k.Feed, k.Symbol)
}

// Request is what has to be sent to the exchange to open a channel.
type Request struct {
	Feed     domain.FeedKind
	Symbol   string
	Depth    int
	Interval int
}

func (r Request) Key() Key {
	return Key{Feed: r.Feed, Symbol: r.Symbol, Interval: r.Interval}
}

// Observer receives fan-out counters, e.g. for metrics.
type Observer interface {
	ObserveFanout(feed domain.FeedKind, delivered, dropped int)
}

type sink interface {
	offer(ctx context.Context, v any) pushResult
	close()
}

type entry struct {
	id   string
	sink sink
}

type channel struct {
	request Request
	entries []*entry
}

// Registry routes decoded events to every subscription of the matching key.
// Channels are kept in the order they were first registered.
type Registry struct {
	mu       sync.RWMutex
	channels map[Key]*channel
	order    []Key

	capacity int
	policy   OverflowPolicy
	observer Observer
	onEmpty  func(Request)
}

type RegistryConfig struct {
	Capacity int
	Policy   OverflowPolicy
	Observer Observer
	// OnEmpty is called after the last subscriber of a key unsubscribed.
	OnEmpty func(Request)
}

func NewRegistry(conf RegistryConfig) *Registry {
	if conf.Capacity <= 0 {
		conf.Capacity = DefaultQueueCapacity
	}
	return &Registry{
		channels: make(map[Key]*channel),
		capacity: conf.Capacity,
		policy:   conf.Policy,
		observer: conf.Observer,
		onEmpty:  conf.OnEmpty,
	}
}

type typedSink[T any] struct {
	q *Queue[T]
}

func (s typedSink[T]) offer(ctx context.Context, v any) pushResult {
	typed, ok := v.(T)
	if !ok {
		return pushResult{}
	}
	return s.q.push(ctx, typed)
}

func (s typedSink[T]) close() {
	s.q.Close()
}

// Register adds a subscription for req and reports whether it opened a new
// key. Events published for the key must be of type T.
func Register[T any](r *Registry, req Request) (*Subscription[T], bool) {
	q := NewQueue[T](r.capacity, r.policy)
	key := req.Key()
	e := &entry{
		id:   fmt.Sprintf("%s-%s", key, uuid.NewString()),
		sink: typedSink[T]{q: q},
	}

	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		ch = &channel{request: req}
		r.channels[key] = ch
		r.order = append(r.order, key)
	}
	ch.entries = append(ch.entries, e)
	r.mu.Unlock()

	sub := &Subscription[T]{
		ID:      e.id,
		Request: req,
		queue:   q,
	}
	sub.release = func(notify bool) {
		if r.unregister(key, e.id) && notify && r.onEmpty != nil {
			r.onEmpty(ch.request)
		}
	}

	return sub, !ok
}

// unregister removes one entry and reports whether the key became empty.
func (r *Registry) unregister(key Key, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[key]
	if !ok {
		return false
	}
	for i, e := range ch.entries {
		if e.id == id {
			ch.entries = append(ch.entries[:i], ch.entries[i+1:]...)
			break
		}
	}
	if len(ch.entries) > 0 {
		return false
	}

	delete(r.channels, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Publish offers v to every subscription of key and returns how many
// accepted it. Queues are offered outside the lock so that a Block policy
// does not stall subscribe calls.
func (r *Registry) Publish(ctx context.Context, key Key, v any) int {
	r.mu.RLock()
	ch, ok := r.channels[key]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	sinks := make([]sink, len(ch.entries))
	for i, e := range ch.entries {
		sinks[i] = e.sink
	}
	r.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, s := range sinks {
		res := s.offer(ctx, v)
		if res.delivered {
			delivered++
		}
		if res.dropped {
			dropped++
		}
	}

	if r.observer != nil {
		r.observer.ObserveFanout(key.Feed, delivered, dropped)
	}
	return delivered
}

// Lookup returns the request that opened key.
func (r *Registry) Lookup(key Key) (Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[key]
	if !ok {
		return Request{}, false
	}
	return ch.request, true
}

// Active lists the open channels in registration order.
func (r *Registry) Active() []Request {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Request, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.channels[key].request)
	}
	return out
}

// Subscribers counts subscriptions across all keys.
func (r *Registry) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, ch := range r.channels {
		n += len(ch.entries)
	}
	return n
}

// CloseAll closes every queue and forgets all channels.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[Key]*channel)
	r.order = nil
	r.mu.Unlock()

	for _, ch := range channels {
		for _, e := range ch.entries {
			e.sink.close()
		}
	}
}
