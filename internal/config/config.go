// Package config loads SyncKairos's configuration surface: primary
// store and audit store connection strings, worker concurrency, retry
// policy, TTL, heartbeat interval, rate limits, listen address, and
// observability toggles. Sources, lowest to highest precedence:
// built-in defaults, a TOML file, environment variables (SYNCKAIROS_*).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/apexphere/synckairos/internal/kairoserr"
)

// Config is the fully-resolved configuration surface.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StoreConfig configures the primary store client (C1).
type StoreConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// AuditConfig configures the audit queue and its durable store (C2).
type AuditConfig struct {
	DBPath             string        `mapstructure:"db_path"`
	WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
}

// GatewayConfig configures the fan-out gateway (C5).
type GatewayConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// RateLimitConfig configures the enforced ingress rate limiters.
type RateLimitConfig struct {
	PerSessionPerSecond int `mapstructure:"per_session_per_second"`
	PerIPPerMinute      int `mapstructure:"per_ip_per_minute"`
}

// ServerConfig configures the HTTP/WS listener.
type ServerConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	// Environment gates whether error responses carry a stack field.
	// Only "development" does; anything else (including the default,
	// "production") omits it.
	Environment string `mapstructure:"environment"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	JSONOutput bool   `mapstructure:"json_output"`
}

// SetDefaults installs the built-in defaults onto v, applied before any
// file or environment source is merged in.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.key_prefix", "synckairos:")
	v.SetDefault("store.ttl", "1h")

	v.SetDefault("audit.db_path", "synckairos-audit.db")
	v.SetDefault("audit.worker_concurrency", 10)
	v.SetDefault("audit.max_attempts", 5)
	v.SetDefault("audit.retry_base_delay", "2s")

	v.SetDefault("gateway.heartbeat_interval", "5s")

	v.SetDefault("rate_limit.per_session_per_second", 10)
	v.SetDefault("rate_limit.per_ip_per_minute", 100)

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.environment", "production")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json_output", true)
}

// Load reads configuration from configPath (if non-empty and present),
// environment variables prefixed SYNCKAIROS_, and built-in defaults,
// and unmarshals the result.
func Load(configPath string) (*Config, error) {
	v := New(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && configPath != "" {
			return nil, kairoserr.Wrap(kairoserr.CodeValidationError, err, "read config file")
		}
	}
	return Unmarshal(v)
}

// New builds a *viper.Viper preconfigured with defaults, environment
// binding, and (if configPath is non-empty) the given TOML file.
func New(configPath string) *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("SYNCKAIROS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
	}
	return v
}

// Unmarshal decodes v's merged settings into a Config.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeValidationError, err, "unmarshal config")
	}
	return &cfg, nil
}
