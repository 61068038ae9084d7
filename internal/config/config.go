// Package config loads server configuration from a TOML file with
// environment variable overrides.
//
// Priority: environment variables > TOML file > defaults. A .env file
// in the working directory is folded into the environment first.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the daemon.
type Config struct {
	ListenAddress string `mapstructure:"listen-address" env:"TITANIRC_LISTEN_ADDRESS"`
	ServerName    string `mapstructure:"server-name" env:"TITANIRC_SERVER_NAME"`
	Motd          string `mapstructure:"motd" env:"TITANIRC_MOTD"`
	DatabasePath  string `mapstructure:"database-path" env:"TITANIRC_DATABASE_PATH"`

	ClientThreads  int `mapstructure:"client-threads" env:"TITANIRC_CLIENT_THREADS"`
	ChannelThreads int `mapstructure:"channel-threads" env:"TITANIRC_CHANNEL_THREADS"`

	// MaxMessageReplaySince bounds how far back reconnect replay reaches.
	MaxMessageReplaySince time.Duration `mapstructure:"max-message-replay-since" env:"TITANIRC_MAX_MESSAGE_REPLAY_SINCE"`

	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// MetricsConfig controls the Prometheus/health listener.
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled" env:"TITANIRC_METRICS_ENABLED"`
	ListenAddr     string        `mapstructure:"listen-addr" env:"TITANIRC_METRICS_LISTEN_ADDR"`
	SampleInterval time.Duration `mapstructure:"sample-interval" env:"TITANIRC_METRICS_SAMPLE_INTERVAL"`
}

// LoggingConfig controls the zerolog level and encoding.
type LoggingConfig struct {
	Level  string `mapstructure:"level" env:"TITANIRC_LOG_LEVEL"`
	Format string `mapstructure:"format" env:"TITANIRC_LOG_FORMAT"`
}

// Load reads the TOML file at path (optional when empty), applies
// environment overrides, and validates the result. verbosity counts -v
// flags and raises the log level (1 = debug and pretty printing).
func Load(path string, verbosity int) (*Config, error) {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("listen-address", "127.0.0.1:6667")
	v.SetDefault("server-name", "titanirc")
	v.SetDefault("motd", "")
	v.SetDefault("database-path", "titanirc.db")
	v.SetDefault("client-threads", 1)
	v.SetDefault("channel-threads", 1)
	v.SetDefault("max-message-replay-since", 24*time.Hour)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen-addr", ":9095")
	v.SetDefault("metrics.sample-interval", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}

	// Environment beats the file: files for development, env in
	// containers.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config env overrides: %w", err)
	}

	if verbosity >= 1 {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "pretty"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen-address is required")
	}
	if c.ServerName == "" {
		return fmt.Errorf("server-name is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database-path is required")
	}
	if c.ClientThreads < 1 {
		return fmt.Errorf("client-threads must be > 0, got %d", c.ClientThreads)
	}
	if c.ChannelThreads < 1 {
		return fmt.Errorf("channel-threads must be > 0, got %d", c.ChannelThreads)
	}
	if c.MaxMessageReplaySince <= 0 {
		return fmt.Errorf("max-message-replay-since must be positive, got %s", c.MaxMessageReplaySince)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("logging.format must be one of: json, text, pretty (got: %s)", c.Logging.Format)
	}

	return nil
}

// LogConfig emits the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("listen_address", c.ListenAddress).
		Str("server_name", c.ServerName).
		Str("database_path", c.DatabasePath).
		Int("client_threads", c.ClientThreads).
		Int("channel_threads", c.ChannelThreads).
		Dur("max_message_replay_since", c.MaxMessageReplaySince).
		Bool("metrics_enabled", c.Metrics.Enabled).
		Str("metrics_listen_addr", c.Metrics.ListenAddr).
		Str("log_level", c.Logging.Level).
		Str("log_format", c.Logging.Format).
		Bool("motd_configured", c.Motd != "").
		Msg("configuration loaded")
}
