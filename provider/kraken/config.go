package kraken

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/multiplexor"
)

const (
	DefaultURL = "wss://ws.kraken.com/v2"

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send websocket pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultPingInterval = 30 * time.Second
	defaultAckTimeout   = 10 * time.Second
)

type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts bounds consecutive failed attempts; 0 means unlimited.
	MaxAttempts int
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:      true,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

type Config struct {
	URL       string
	Reconnect ReconnectConfig

	HandshakeTimeout time.Duration
	// PingInterval is the period of application level {"method":"ping"}.
	PingInterval time.Duration
	// AckTimeout bounds how long a subscribe waits for the exchange to
	// confirm. 0 sends without waiting.
	AckTimeout time.Duration

	QueueCapacity  int
	OverflowPolicy multiplexor.OverflowPolicy
	EventBuffer    int

	ChecksumDepth    int
	ValidateChecksum bool
	// AutoResync re-requests a snapshot after an integrity failure. When
	// false the book is only flagged invalid.
	AutoResync bool

	// OutboundRate limits outgoing requests per second; 0 disables it.
	OutboundRate  float64
	OutboundBurst int
}

func DefaultConfig() Config {
	return Config{
		URL:              DefaultURL,
		Reconnect:        DefaultReconnectConfig(),
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     defaultPingInterval,
		AckTimeout:       defaultAckTimeout,
		QueueCapacity:    multiplexor.DefaultQueueCapacity,
		OverflowPolicy:   multiplexor.DropOldest,
		EventBuffer:      100,
		ChecksumDepth:    domain.DefaultChecksumDepth,
		ValidateChecksum: true,
		AutoResync:       true,
		OutboundRate:     10,
		OutboundBurst:    20,
	}
}

func (c Config) Validate() error {
	if err := validateURL(c.URL); err != nil {
		return err
	}
	return c.validateSettings()
}

func (c Config) validateSettings() error {
	r := c.Reconnect
	if r.Enabled {
		if r.InitialDelay <= 0 || r.MaxDelay <= 0 {
			return fmt.Errorf("reconnect delays must be positive")
		}
		if r.InitialDelay > r.MaxDelay {
			return fmt.Errorf("reconnect initial delay %s exceeds max delay %s", r.InitialDelay, r.MaxDelay)
		}
		if r.Multiplier < 1 {
			return fmt.Errorf("reconnect multiplier must be >= 1, got %v", r.Multiplier)
		}
		if r.MaxAttempts < 0 {
			return fmt.Errorf("reconnect max attempts must not be negative")
		}
	}
	if c.QueueCapacity < 0 || c.EventBuffer < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	if c.ChecksumDepth < 0 {
		return fmt.Errorf("checksum depth must not be negative")
	}
	return nil
}

// validateURL rejects addresses that can never succeed; the error is fatal.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ConnectError{Op: "parse", URL: raw, Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &ConnectError{Op: "parse", URL: raw, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ConnectError{Op: "parse", URL: raw, Err: fmt.Errorf("missing host")}
	}
	return nil
}
