package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "titanirc.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", 0)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6667", cfg.ListenAddress)
	assert.Equal(t, 1, cfg.ClientThreads)
	assert.Equal(t, 1, cfg.ChannelThreads)
	assert.Equal(t, 24*time.Hour, cfg.MaxMessageReplaySince)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
listen-address = "0.0.0.0:6697"
motd = """
welcome
to titanirc
"""
client-threads = 4
channel-threads = 2
max-message-replay-since = "1h"

[logging]
level = "warn"
`)

	cfg, err := Load(path, 0)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6697", cfg.ListenAddress)
	assert.Equal(t, 4, cfg.ClientThreads)
	assert.Equal(t, 2, cfg.ChannelThreads)
	assert.Equal(t, time.Hour, cfg.MaxMessageReplaySince)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Contains(t, cfg.Motd, "welcome")
}

func TestVerbosityOverridesLevel(t *testing.T) {
	cfg, err := Load("", 2)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "pretty", cfg.Logging.Format)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `listen-address = "0.0.0.0:6667"`)
	t.Setenv("TITANIRC_LISTEN_ADDRESS", "10.0.0.1:7000")

	cfg, err := Load(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7000", cfg.ListenAddress)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen address", func(c *Config) { c.ListenAddress = "" }},
		{"zero client threads", func(c *Config) { c.ClientThreads = 0 }},
		{"negative replay window", func(c *Config) { c.MaxMessageReplaySince = -time.Minute }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("", 0)
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), 0)
	assert.Error(t, err)
}
