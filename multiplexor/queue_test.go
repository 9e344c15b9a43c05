package multiplexor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](q *Queue[T]) []T {
	var out []T
	for {
		v, ok := q.TryNext()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestQueue_DropOldest(t *testing.T) {
	const capacity, pushes = 5, 12
	q := NewQueue[int](capacity, DropOldest)

	for i := 0; i < pushes; i++ {
		assert.True(t, q.Push(context.Background(), i))
	}

	assert.Equal(t, []int{7, 8, 9, 10, 11}, drain(q))
	stats := q.Stats()
	assert.Equal(t, uint64(pushes), stats.Delivered)
	assert.Equal(t, uint64(pushes-capacity), stats.Dropped)
	assert.InDelta(t, 7.0/12.0, stats.DropRate(), 1e-12)
}

func TestQueue_DropNewest(t *testing.T) {
	q := NewQueue[int](3, DropNewest)

	for i := 0; i < 5; i++ {
		q.Push(context.Background(), i)
	}

	assert.Equal(t, []int{0, 1, 2}, drain(q))
	assert.Equal(t, QueueStats{Delivered: 3, Dropped: 2}, q.Stats())
}

func TestQueue_Block(t *testing.T) {
	q := NewQueue[int](1, Block)
	require.True(t, q.Push(context.Background(), 1))

	pushed := make(chan bool)
	go func() {
		pushed <- q.Push(context.Background(), 2)
	}()

	select {
	case <-pushed:
		t.Fatal("push should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, <-pushed)

	v, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, uint64(0), q.Stats().Dropped)
}

func TestQueue_BlockReleasedByClose(t *testing.T) {
	q := NewQueue[int](1, Block)
	q.Push(context.Background(), 1)

	pushed := make(chan bool)
	go func() {
		pushed <- q.Push(context.Background(), 2)
	}()

	q.Close()
	assert.False(t, <-pushed)
}

func TestQueue_BlockReleasedByContext(t *testing.T) {
	q := NewQueue[int](1, Block)
	q.Push(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.False(t, q.Push(ctx, 2))
}

func TestQueue_NextDrainsAfterClose(t *testing.T) {
	q := NewQueue[string](10, DropOldest)
	q.Push(context.Background(), "a")
	q.Push(context.Background(), "b")
	q.Close()
	q.Close()

	assert.False(t, q.Push(context.Background(), "c"), "push after close is discarded")

	v, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	v, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_NextWaits(t *testing.T) {
	q := NewQueue[int](10, DropOldest)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(context.Background(), 42)
	}()

	v, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_PreservesOrderUnderConcurrentConsumer(t *testing.T) {
	const n = 500
	q := NewQueue[int](n, DropOldest)

	var wg sync.WaitGroup
	var got []int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for len(got) < n {
			v, err := q.Next(context.Background())
			if err != nil {
				return
			}
			got = append(got, v)
		}
	}()

	for i := 0; i < n; i++ {
		q.Push(context.Background(), i)
	}
	wg.Wait()

	for i := range got {
		assert.Equal(t, i, got[i])
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in       string
		expected OverflowPolicy
		err      bool
	}{
		{"", DropOldest, false},
		{"drop-oldest", DropOldest, false},
		{"drop-newest", DropNewest, false},
		{"block", Block, false},
		{"latest", DropOldest, true},
	}

	for _, tt := range tests {
		p, err := ParseOverflowPolicy(tt.in)
		if tt.err {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.expected, p)
		assert.Equal(t, p, mustParse(t, p.String()))
	}
}

func mustParse(t *testing.T, s string) OverflowPolicy {
	t.Helper()
	p, err := ParseOverflowPolicy(s)
	require.NoError(t, err)
	return p
}
