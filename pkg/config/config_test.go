package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/directory"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{directory.DefaultThing}, cfg.Directory.Things)
	assert.Equal(t, connection.DefaultBackoffConfig(), cfg.Backoff())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	data := `
region: us-east-1
user_pool_id: us-east-1_abc
endpoint: wss://shadows.example.com/ws
client_id: kitchen
directory:
  type: redis
  redis_url: redis://127.0.0.1:6379/2
reconnect:
  initial: 500ms
  max: 30s
log:
  level: debug
state_dir: /tmp/shadowlink
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "wss://shadows.example.com/ws", cfg.Endpoint)
	assert.Equal(t, "kitchen", cfg.ClientID)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.Initial)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.Max)
	// Untouched fields keep their defaults.
	assert.Equal(t, connection.BackoffMultiplier, cfg.Reconnect.Multiplier)
	assert.Equal(t, DefaultAuth, cfg.AuthEndpoint)

	opts := cfg.DirectoryOptions("alice")
	assert.Equal(t, directory.TypeRedis, opts.Type)
	assert.Equal(t, "alice", opts.Username)
	assert.Equal(t, "redis://127.0.0.1:6379/2", opts.RedisURL)

	assert.Equal(t, "cognito-idp.us-east-1.amazonaws.com/us-east-1_abc", cfg.ProviderName())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoint: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"HTTPEndpoint", func(c *Config) { c.Endpoint = "http://example.com/ws" }},
		{"NoHost", func(c *Config) { c.Endpoint = "ws://" }},
		{"BadAuthEndpoint", func(c *Config) { c.AuthEndpoint = "ftp://example.com" }},
		{"UnknownDirectory", func(c *Config) { c.Directory.Type = "ldap" }},
		{"RedisWithoutURL", func(c *Config) { c.Directory.Type = directory.TypeRedis }},
		{"NegativeDelay", func(c *Config) { c.Reconnect.Initial = -time.Second }},
		{"InitialAboveMax", func(c *Config) { c.Reconnect.Initial = 2 * time.Minute }},
		{"SmallMultiplier", func(c *Config) { c.Reconnect.Multiplier = 0.5 }},
		{"Jitter", func(c *Config) { c.Reconnect.Jitter = 1.5 }},
		{"Level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestProviderName(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "shadowlink-idp", cfg.ProviderName())

	cfg.IdentityProviderName = "custom"
	assert.Equal(t, "custom", cfg.ProviderName())
}

func TestLogWriter(t *testing.T) {
	var buf bytes.Buffer
	l := LogConfig{Level: "warn"}

	w, closer, err := l.LogWriter(&buf)
	require.NoError(t, err)
	assert.Same(t, &buf, w)
	assert.NoError(t, closer.Close())

	logger, err := l.NewLogger(w)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogWriterRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "client.log")
	l := Default().Log
	l.File = path

	w, closer, err := l.LogWriter(os.Stderr)
	require.NoError(t, err)

	logger, err := l.NewLogger(w)
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "to file"))
}
