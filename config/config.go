package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spooky-finn/go-marketstream/domain"
	"github.com/spooky-finn/go-marketstream/multiplexor"
	"github.com/spooky-finn/go-marketstream/provider/kraken"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Kraken        KrakenConfig        `yaml:"kraken"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Orderbook     OrderbookConfig     `yaml:"orderbook"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	RPC           RPCConfig           `yaml:"rpc"`
	Symbols       []string            `yaml:"symbols"`
	Depth         int                 `yaml:"depth"`
}

type KrakenConfig struct {
	URL              string        `yaml:"url"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	OutboundRate     float64       `yaml:"outbound_rate"`
	OutboundBurst    int           `yaml:"outbound_burst"`
}

type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type SubscriptionsConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	Policy     string `yaml:"policy"`
}

type OrderbookConfig struct {
	ChecksumDepth    int  `yaml:"checksum_depth"`
	ValidateChecksum bool `yaml:"validate_checksum"`
	AutoResync       bool `yaml:"auto_resync"`
	// AutoSubscribe opens a book the first time an unknown symbol is queried.
	AutoSubscribe bool `yaml:"auto_subscribe"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default mirrors kraken.DefaultConfig plus the binary's own settings.
func Default() Config {
	k := kraken.DefaultConfig()
	return Config{
		Kraken: KrakenConfig{
			URL:              k.URL,
			PingInterval:     k.PingInterval,
			HandshakeTimeout: k.HandshakeTimeout,
			AckTimeout:       k.AckTimeout,
			OutboundRate:     k.OutboundRate,
			OutboundBurst:    k.OutboundBurst,
		},
		Reconnect: ReconnectConfig{
			Enabled:      k.Reconnect.Enabled,
			InitialDelay: k.Reconnect.InitialDelay,
			MaxDelay:     k.Reconnect.MaxDelay,
			Multiplier:   k.Reconnect.Multiplier,
			MaxAttempts:  k.Reconnect.MaxAttempts,
		},
		Subscriptions: SubscriptionsConfig{
			BufferSize: k.QueueCapacity,
			Policy:     k.OverflowPolicy.String(),
		},
		Orderbook: OrderbookConfig{
			ChecksumDepth:    k.ChecksumDepth,
			ValidateChecksum: k.ValidateChecksum,
			AutoResync:       k.AutoResync,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":8080"},
		RPC:     RPCConfig{Enabled: true, Addr: ":50051"},
		Depth:   kraken.DefaultBookDepth,
	}
}

// LoadConfig reads the YAML file at path over Default and applies the
// environment. An empty path uses defaults and the environment only. A .env
// file in the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("KRAKEN_WS_URL")); v != "" {
		c.Kraken.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("METRICS_ADDR")); v != "" {
		c.Metrics.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("RPC_ADDR")); v != "" {
		c.RPC.Addr = v
	}
}

func (c *Config) Validate() error {
	if _, err := multiplexor.ParseOverflowPolicy(c.Subscriptions.Policy); err != nil {
		return fmt.Errorf("subscriptions.policy: %w", err)
	}
	if c.Subscriptions.BufferSize <= 0 {
		return fmt.Errorf("subscriptions.buffer_size must be greater than 0")
	}
	if !domain.IsValidBookDepth(c.Depth) {
		return fmt.Errorf("depth must be one of %v", domain.BookDepths)
	}
	for _, s := range c.Symbols {
		if _, err := domain.NewMarketSymbolFromString(s); err != nil {
			return fmt.Errorf("symbols: %w", err)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	if c.RPC.Enabled && c.RPC.Addr == "" {
		return fmt.Errorf("rpc.addr is required")
	}

	conf, err := c.StreamConfig()
	if err != nil {
		return err
	}
	return conf.Validate()
}

// StreamConfig maps the file settings onto the stream client.
func (c *Config) StreamConfig() (kraken.Config, error) {
	policy, err := multiplexor.ParseOverflowPolicy(c.Subscriptions.Policy)
	if err != nil {
		return kraken.Config{}, err
	}

	conf := kraken.DefaultConfig()
	conf.URL = c.Kraken.URL
	conf.PingInterval = c.Kraken.PingInterval
	conf.HandshakeTimeout = c.Kraken.HandshakeTimeout
	conf.AckTimeout = c.Kraken.AckTimeout
	conf.OutboundRate = c.Kraken.OutboundRate
	conf.OutboundBurst = c.Kraken.OutboundBurst
	conf.Reconnect = kraken.ReconnectConfig{
		Enabled:      c.Reconnect.Enabled,
		InitialDelay: c.Reconnect.InitialDelay,
		MaxDelay:     c.Reconnect.MaxDelay,
		Multiplier:   c.Reconnect.Multiplier,
		MaxAttempts:  c.Reconnect.MaxAttempts,
	}
	conf.QueueCapacity = c.Subscriptions.BufferSize
	conf.OverflowPolicy = policy
	conf.ChecksumDepth = c.Orderbook.ChecksumDepth
	conf.ValidateChecksum = c.Orderbook.ValidateChecksum
	conf.AutoResync = c.Orderbook.AutoResync
	return conf, nil
}
