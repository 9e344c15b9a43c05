package kraken

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/infrastructure/logger"
	"github.com/spooky-finn/go-marketstream/multiplexor"
	"github.com/stretchr/testify/require"
)

const testWait = 2 * time.Second

var errConnClosed = errors.New("fake: connection closed")

type fakeConn struct {
	reads   chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:   make(chan []byte, 64),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errConnClosed
	default:
	}
	select {
	case msg := <-c.reads:
		return msg, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.written <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server frame to the client.
func (c *fakeConn) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.reads <- []byte(frame):
	case <-time.After(testWait):
		t.Fatal("read buffer full")
	}
}

type sentRequest struct {
	Method string             `json:"method"`
	Params subscriptionParams `json:"params"`
	ReqID  uint64             `json:"req_id"`
}

func (c *fakeConn) expectWrite(t *testing.T) sentRequest {
	t.Helper()
	select {
	case data := <-c.written:
		var req sentRequest
		require.NoError(t, json.Unmarshal(data, &req))
		return req
	case <-time.After(testWait):
		t.Fatal("no request written")
		return sentRequest{}
	}
}

func (c *fakeConn) expectNoWrite(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.written:
		t.Fatalf("unexpected request %s", data)
	default:
	}
}

// fakeDialer hands out fake connections. Each entry of script is consumed
// by one dial: nil succeeds, anything else is returned as the dial error.
// Dials past the end of the script succeed.
type fakeDialer struct {
	mu     sync.Mutex
	script []error
	dials  int
	conns  chan *fakeConn

	// gate, when set, holds every dial until it is closed.
	gate chan struct{}
}

func newFakeDialer(script ...error) *fakeDialer {
	return &fakeDialer{script: script, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if len(d.script) > 0 {
		err := d.script[0]
		d.script = d.script[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(testWait):
		t.Fatal("no connection dialed")
		return nil
	}
}

func retryableErr() error {
	return &ConnectError{Op: "dial", URL: "wss://test.invalid/v2", Retryable: true, Err: errors.New("connection refused")}
}

func testConfig() Config {
	conf := DefaultConfig()
	conf.URL = "wss://test.invalid/v2"
	conf.Reconnect = ReconnectConfig{
		Enabled:      true,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
	}
	conf.PingInterval = 0
	conf.AckTimeout = 0
	conf.OutboundRate = 0
	return conf
}

func newTestClient(t *testing.T, conf Config, dialer *fakeDialer) *KrakenStreamClient {
	t.Helper()
	c, err := NewKrakenStreamClient(conf, WithDialer(dialer), WithLogger(logger.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent[T any](t *testing.T, sub *multiplexor.Subscription[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	v, err := sub.Next(ctx)
	require.NoError(t, err)
	return v
}

func expectEvents(t *testing.T, sub *multiplexor.Subscription[domain.ConnectionEvent], kinds ...domain.ConnectionEventKind) []domain.ConnectionEvent {
	t.Helper()
	events := make([]domain.ConnectionEvent, 0, len(kinds))
	for _, kind := range kinds {
		ev := nextEvent(t, sub)
		require.Equal(t, kind, ev.Kind, "got %s", ev)
		events = append(events, ev)
	}
	return events
}
