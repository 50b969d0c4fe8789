package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	NATS       NATSConfig      `mapstructure:"nats"`
	Relay      RelayConfig     `mapstructure:"relay"`
	Indexer    IndexerConfig   `mapstructure:"indexer"`
	Embedding  EmbeddingConfig `mapstructure:"embedding"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

// RelayConfig holds the tunables of the outbox relay loop. Backoff is
// exponential base 2 over BackoffBase with jitter, capped at BackoffMax.
type RelayConfig struct {
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	Lease          time.Duration `mapstructure:"lease"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type IndexerConfig struct {
	MetricsAddr string        `mapstructure:"metrics_addr"`
	Durable     string        `mapstructure:"durable"`
	BatchSize   int           `mapstructure:"batch_size"`
	FetchWait   time.Duration `mapstructure:"fetch_wait"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxDeliver  int           `mapstructure:"max_deliver"`
	DedupeTTL   time.Duration `mapstructure:"dedupe_ttl"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type EmbeddingConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	Path     string        `mapstructure:"path"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env
// overrides (INKWELL_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (INKWELL_*)
	v.SetEnvPrefix("INKWELL")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
