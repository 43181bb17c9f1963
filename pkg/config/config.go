package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/directory"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Defaults.
const (
	DefaultRegion   = "eu-central-1"
	DefaultEndpoint = "ws://127.0.0.1:8443/ws"
	DefaultAuth     = "http://127.0.0.1:8443"
	DefaultLevel    = "info"
)

// Config is the client configuration.
type Config struct {
	Region               string `yaml:"region"`
	UserPoolID           string `yaml:"user_pool_id"`
	AppClientID          string `yaml:"app_client_id"`
	IdentityPoolID       string `yaml:"identity_pool_id"`
	IdentityProviderName string `yaml:"identity_provider_name"`

	// Endpoint is the WebSocket URL of the shadow service.
	Endpoint string `yaml:"endpoint"`

	// AuthEndpoint is the base URL of the identity provider API.
	AuthEndpoint string `yaml:"auth_endpoint"`

	// ClientID is the transport client identifier. Empty derives one
	// from the identity.
	ClientID string `yaml:"client_id"`

	Directory DirectoryConfig `yaml:"directory"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Log       LogConfig       `yaml:"log"`

	// StateDir holds persisted client state. Empty disables persistence.
	StateDir string `yaml:"state_dir"`
}

// DirectoryConfig selects the paired-device directory.
type DirectoryConfig struct {
	Type          string        `yaml:"type"`
	Things        []string      `yaml:"things"`
	RedisURL      string        `yaml:"redis_url"`
	MDNSInterface string        `yaml:"mdns_interface"`
	BrowseWindow  time.Duration `yaml:"browse_window"`
}

// ReconnectConfig is the transport reconnection policy.
type ReconnectConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// LogConfig configures operational logs and the protocol trace.
type LogConfig struct {
	Level string `yaml:"level"`

	// File receives operational logs, rotated. Empty logs to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`

	// TraceFile receives the CBOR protocol trace. Empty disables it.
	TraceFile string `yaml:"trace_file"`
}

// Default returns the demo configuration.
func Default() Config {
	backoff := connection.DefaultBackoffConfig()
	return Config{
		Region:       DefaultRegion,
		Endpoint:     DefaultEndpoint,
		AuthEndpoint: DefaultAuth,
		Directory: DirectoryConfig{
			Type:         directory.TypeStatic,
			Things:       []string{directory.DefaultThing},
			BrowseWindow: directory.DefaultBrowseWindow,
		},
		Reconnect: ReconnectConfig{
			Initial:    backoff.Initial,
			Max:        backoff.Max,
			Multiplier: backoff.Multiplier,
			Jitter:     backoff.Jitter,
		},
		Log: LogConfig{
			Level:      DefaultLevel,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg and validates the result. Fields absent
// from data keep their current values.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := checkURL(c.Endpoint, "ws", "wss"); err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalid, err)
	}
	if c.AuthEndpoint != "" {
		if err := checkURL(c.AuthEndpoint, "http", "https"); err != nil {
			return fmt.Errorf("%w: auth_endpoint: %v", ErrInvalid, err)
		}
	}

	switch c.Directory.Type {
	case "", directory.TypeStatic, directory.TypeMDNS:
	case directory.TypeRedis:
		if c.Directory.RedisURL == "" {
			return fmt.Errorf("%w: directory.redis_url is required for the redis directory", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: directory.type %q (use static, redis or mdns)", ErrInvalid, c.Directory.Type)
	}

	r := c.Reconnect
	if r.Initial < 0 || r.Max < 0 {
		return fmt.Errorf("%w: reconnect delays must not be negative", ErrInvalid)
	}
	if r.Max > 0 && r.Initial > r.Max {
		return fmt.Errorf("%w: reconnect.initial exceeds reconnect.max", ErrInvalid)
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("%w: reconnect.multiplier must be at least 1", ErrInvalid)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("%w: reconnect.jitter must be within [0, 1]", ErrInvalid)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q is not a %s URL", raw, strings.Join(schemes, "/"))
}

// ParseLevel maps debug, info, warn and error to slog levels. Empty
// means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (use debug, info, warn, error)", s)
	}
}

// Backoff returns the reconnection policy.
func (c *Config) Backoff() connection.BackoffConfig {
	return connection.BackoffConfig{
		Initial:    c.Reconnect.Initial,
		Max:        c.Reconnect.Max,
		Multiplier: c.Reconnect.Multiplier,
		Jitter:     c.Reconnect.Jitter,
	}
}

// DirectoryOptions returns the directory settings for username.
func (c *Config) DirectoryOptions(username string) directory.Options {
	return directory.Options{
		Type:         c.Directory.Type,
		Things:       c.Directory.Things,
		RedisURL:     c.Directory.RedisURL,
		Username:     username,
		Interface:    c.Directory.MDNSInterface,
		BrowseWindow: c.Directory.BrowseWindow,
	}
}

// ProviderName is the logins key for ID tokens. It defaults to the
// user pool's issuer name.
func (c *Config) ProviderName() string {
	if c.IdentityProviderName != "" {
		return c.IdentityProviderName
	}
	if c.UserPoolID == "" {
		return "shadowlink-idp"
	}
	return fmt.Sprintf("cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
}
