package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported exchange feeds.
const (
	ExchangeBinance = "binance"
	ExchangeKucoin  = "kucoin"
)

// Config holds runtime configuration for the ingestion pipeline.
type Config struct {
	LogLevel    string   `mapstructure:"log_level"`
	MetricsAddr string   `mapstructure:"metrics_addr"`
	Markets     []string `mapstructure:"markets"`
	Exchanges   []string `mapstructure:"exchanges"`

	Database DatabaseConfig `mapstructure:"database"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Backoff  BackoffConfig  `mapstructure:"backoff"`
	Commit   CommitConfig   `mapstructure:"commit"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Binance  BinanceConfig  `mapstructure:"binance"`
	Kucoin   KucoinConfig   `mapstructure:"kucoin"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// BatchConfig bounds batch size and staleness: a batch is flushed when it
// reaches Size events or when its oldest event reaches Window age,
// whichever comes first.
type BatchConfig struct {
	Size   int           `mapstructure:"size"`
	Window time.Duration `mapstructure:"window"`
}

// QueueConfig bounds the hand-off queue between the transport and the
// pipeline. A receive that cannot enqueue within StallTimeout overflows,
// which is fatal for the current connection epoch.
type QueueConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
}

// TimeoutConfig holds the independently configurable timeouts.
type TimeoutConfig struct {
	Dial  time.Duration `mapstructure:"dial"`
	Idle  time.Duration `mapstructure:"idle"`
	Drain time.Duration `mapstructure:"drain"`
}

// BackoffConfig drives the reconnect loop. MaxRetries = 0 retries forever.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Cap        time.Duration `mapstructure:"cap"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// CommitConfig drives per-batch storage retry before the batch is dropped.
type CommitConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// RelayConfig enables the optional Kafka forwarder when Brokers is set.
type RelayConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// BinanceConfig holds the Binance transport endpoint.
type BinanceConfig struct {
	StreamURL string `mapstructure:"stream_url"`
}

// KucoinConfig holds the KuCoin transport endpoints.
type KucoinConfig struct {
	TokenURL string `mapstructure:"token_url"`
}

// Load reads configuration from a TOML file plus TICKSTREAM_* environment
// variables and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("tickstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tickstream")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tickstream")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9104")
	v.SetDefault("exchanges", []string{ExchangeBinance, ExchangeKucoin})

	v.SetDefault("batch.size", 100)
	v.SetDefault("batch.window", "2s")

	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.stall_timeout", "5s")

	v.SetDefault("timeouts.dial", "10s")
	v.SetDefault("timeouts.idle", "30s")
	v.SetDefault("timeouts.drain", "10s")

	v.SetDefault("backoff.initial", "500ms")
	v.SetDefault("backoff.cap", "30s")
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.max_retries", 0)

	v.SetDefault("commit.max_attempts", 3)
	v.SetDefault("commit.backoff", "250ms")

	v.SetDefault("relay.topic", "ticks")

	v.SetDefault("binance.stream_url", "wss://stream.binance.com:9443/stream")
	v.SetDefault("kucoin.token_url", "https://api.kucoin.com/api/v1/bullet-public")
}

// Validation errors
var (
	ErrNoMarkets       = errors.New("at least one market is required")
	ErrNoExchanges     = errors.New("at least one exchange is required")
	ErrNoDatabaseURL   = errors.New("database url is required")
	ErrInvalidExchange = errors.New("unknown exchange")
	ErrInvalidMarket   = errors.New("market must be of the form BASE/QUOTE")
)

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return ErrNoMarkets
	}
	for _, m := range c.Markets {
		if !strings.Contains(m, "/") {
			return fmt.Errorf("%w: %q", ErrInvalidMarket, m)
		}
	}

	if len(c.Exchanges) == 0 {
		return ErrNoExchanges
	}
	for _, e := range c.Exchanges {
		if e != ExchangeBinance && e != ExchangeKucoin {
			return fmt.Errorf("%w: %q", ErrInvalidExchange, e)
		}
	}

	if c.Database.URL == "" {
		return ErrNoDatabaseURL
	}

	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be positive, got %d", c.Batch.Size)
	}
	if c.Batch.Window <= 0 {
		return fmt.Errorf("batch.window must be positive, got %s", c.Batch.Window)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier must be >= 1, got %g", c.Backoff.Multiplier)
	}
	if c.Commit.MaxAttempts <= 0 {
		return fmt.Errorf("commit.max_attempts must be positive, got %d", c.Commit.MaxAttempts)
	}
	if len(c.Relay.Brokers) > 0 && c.Relay.Topic == "" {
		return fmt.Errorf("relay.topic is required when relay.brokers is set")
	}

	return nil
}

// RelayEnabled reports whether the optional Kafka forwarder is configured.
func (c *Config) RelayEnabled() bool { return len(c.Relay.Brokers) > 0 }
