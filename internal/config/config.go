package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig covers the reporter/admin HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// AuthConfig covers reporter-surface authentication.
type AuthConfig struct {
	SigningKey  string        `mapstructure:"signing_key"`
	StaticToken string        `mapstructure:"static_token"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
	SkipAuth    bool          `mapstructure:"skip_auth"`
}

// StorageConfig selects and tunes the backing database.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or postgres
	Path     string `mapstructure:"path"`   // sqlite file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// FlusherConfig tunes the delivery loop.
type FlusherConfig struct {
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
}

// SinkConfig selects where flushed entries go. With an endpoint set the
// flusher posts NDJSON batches there; otherwise entries land in local
// storage.
type SinkConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// IngestConfig covers the durable buffer and its delivery path.
type IngestConfig struct {
	SpoolPath  string        `mapstructure:"spool_path"`
	DLQPath    string        `mapstructure:"dlq_path"`
	MaxBytes   int64         `mapstructure:"max_bytes"`
	MaxEntries int           `mapstructure:"max_entries"`
	Flusher    FlusherConfig `mapstructure:"flusher"`
	Sink       SinkConfig    `mapstructure:"sink"`
}

// RedisConfig enables the Redis Streams event mirror when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// AgentConfig tunes the run loop.
type AgentConfig struct {
	Workers    int           `mapstructure:"workers"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// ScheduleEntry is one static schedule armed at startup. At is RFC3339.
type ScheduleEntry struct {
	Name    string                 `mapstructure:"name"`
	Every   time.Duration          `mapstructure:"every"`
	At      string                 `mapstructure:"at"`
	Payload map[string]interface{} `mapstructure:"payload"`
}

// AtTime parses the one-shot trigger instant.
func (s ScheduleEntry) AtTime() (time.Time, error) {
	if s.At == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s.At)
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// TracingConfig enables OTLP export when the endpoint is set.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the full heron.yaml surface.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Schedules []ScheduleEntry `mapstructure:"schedules"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// SourcesConfig points at the source descriptor store.
type SourcesConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8081")
	v.SetDefault("auth.skip_auth", false)
	v.SetDefault("auth.token_expiry", time.Hour)
	v.SetDefault("storage.driver", "sqlite3")
	v.SetDefault("storage.path", "heron.db")
	v.SetDefault("storage.ssl_mode", "disable")
	v.SetDefault("ingest.spool_path", "data/spool.ndjson")
	v.SetDefault("ingest.dlq_path", "data/dlq.ndjson")
	v.SetDefault("ingest.max_bytes", 64<<20)
	v.SetDefault("ingest.max_entries", 10000)
	v.SetDefault("ingest.flusher.batch_size", 32)
	v.SetDefault("ingest.flusher.max_attempts", 5)
	v.SetDefault("ingest.flusher.backoff_base", time.Second)
	v.SetDefault("ingest.sink.timeout", 10*time.Second)
	v.SetDefault("sources.path", "data/sources.yaml")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("agent.workers", 1)
	v.SetDefault("agent.run_timeout", 5*time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads heron.yaml from path, or from HERON_CONFIG when path is
// empty. A missing file yields the defaults; HERON_* environment
// variables override individual keys.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("HERON_CONFIG")
	}
	if path == "" {
		path = "heron.yaml"
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("HERON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite3 or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.Host == "" {
		return fmt.Errorf("storage.host is required for postgres")
	}
	if c.Ingest.MaxBytes <= 0 || c.Ingest.MaxEntries <= 0 {
		return fmt.Errorf("ingest caps must be positive")
	}
	if !c.Auth.SkipAuth && c.Auth.SigningKey == "" && c.Auth.StaticToken == "" {
		return fmt.Errorf("auth requires a signing key or static token unless skip_auth is set")
	}
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		at, err := s.AtTime()
		if err != nil {
			return fmt.Errorf("schedule %q: invalid at: %w", s.Name, err)
		}
		if s.Every <= 0 && at.IsZero() {
			return fmt.Errorf("schedule %q needs either every or at", s.Name)
		}
	}
	return nil
}
