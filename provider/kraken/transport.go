package kraken

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one physical connection. ReadMessage is called from a single
// goroutine; WriteMessage may be called concurrently.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return &wsDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, classifyDialError(url, resp, err)
	}

	c := &wsConn{conn: conn, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepAlive()

	return c, nil
}

// classifyDialError marks handshake rejections that retrying cannot fix.
// Network, DNS and TLS failures stay retryable.
func classifyDialError(url string, resp *http.Response, err error) error {
	ce := &ConnectError{Op: "dial", URL: url, Retryable: true, Err: err}
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
		switch resp.StatusCode {
		case http.StatusUpgradeRequired, http.StatusHTTPVersionNotSupported:
			ce.Op = "handshake"
			ce.Retryable = false
		}
	}
	return ce
}

type wsConn struct {
	conn      *websocket.Conn
	writeMx   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMx.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMx.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMx.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMx.Unlock()
		err = c.conn.Close()
	})
	return err
}
