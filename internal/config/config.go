// ABOUTME: Configuration loading and parsing for coven-rooms
// ABOUTME: Supports YAML or TOML files with environment variable expansion, durations and sizes

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-rooms configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Rooms       RoomsConfig       `yaml:"rooms" toml:"rooms"`
	Attachments AttachmentsConfig `yaml:"attachments" toml:"attachments"`
	Backplane   BackplaneConfig   `yaml:"backplane" toml:"backplane"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	CertFile  string `yaml:"cert_file" toml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" toml:"key_file"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// RoomsConfig holds room, session and replay tuning
type RoomsConfig struct {
	HistoryLimit  int     `yaml:"history_limit" toml:"history_limit"`
	SendBuffer    int     `yaml:"send_buffer" toml:"send_buffer"`
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" toml:"rate_burst"`
	DedupeSize    int     `yaml:"dedupe_size" toml:"dedupe_size"`

	ReplayWait   time.Duration `yaml:"-" toml:"-"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	PongWait     time.Duration `yaml:"-" toml:"-"`
	WriteWait    time.Duration `yaml:"-" toml:"-"`
	MaxFrameSize int64         `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReplayWaitRaw   string `yaml:"replay_wait" toml:"replay_wait"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	PongWaitRaw     string `yaml:"pong_wait" toml:"pong_wait"`
	WriteWaitRaw    string `yaml:"write_wait" toml:"write_wait"`
	MaxFrameSizeRaw string `yaml:"max_frame_size" toml:"max_frame_size"`
}

// AttachmentsConfig holds local attachment storage configuration
type AttachmentsConfig struct {
	Dir       string `yaml:"dir" toml:"dir"`
	URLPrefix string `yaml:"url_prefix" toml:"url_prefix"`
	MaxSize   int64  `yaml:"-" toml:"-"`

	MaxSizeRaw string `yaml:"max_size" toml:"max_size"`
}

// BackplaneConfig selects how out-of-room events travel
type BackplaneConfig struct {
	Mode string `yaml:"mode" toml:"mode"` // local, none
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseRaw(&cfg); err != nil {
		return nil, fmt.Errorf("parsing values: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// DefaultPath returns the config path from COVEN_ROOMS_CONFIG, or
// rooms.yaml under the user's config directory.
func DefaultPath() string {
	if p := os.Getenv("COVEN_ROOMS_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "rooms.yaml"
	}
	return filepath.Join(dir, "coven", "rooms.yaml")
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset tunable.
func (c *Config) ApplyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}

	r := &c.Rooms
	if r.HistoryLimit == 0 {
		r.HistoryLimit = 50
	}
	if r.SendBuffer == 0 {
		r.SendBuffer = 256
	}
	if r.RatePerSecond == 0 {
		r.RatePerSecond = 10
	}
	if r.RateBurst == 0 {
		r.RateBurst = 20
	}
	if r.DedupeSize == 0 {
		r.DedupeSize = 10000
	}
	if r.ReplayWait == 0 {
		r.ReplayWait = 2 * time.Second
	}
	if r.DedupeTTL == 0 {
		r.DedupeTTL = 5 * time.Minute
	}
	if r.PongWait == 0 {
		r.PongWait = 60 * time.Second
	}
	if r.WriteWait == 0 {
		r.WriteWait = 10 * time.Second
	}
	if r.MaxFrameSize == 0 {
		r.MaxFrameSize = 64 * 1024
	}

	if c.Attachments.MaxSize == 0 {
		c.Attachments.MaxSize = 10 * 1000 * 1000
	}
	if c.Attachments.URLPrefix == "" {
		c.Attachments.URLPrefix = "/attachments/"
	}
	if c.Backplane.Mode == "" {
		c.Backplane.Mode = "local"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Rooms.HistoryLimit < 0 {
		return fmt.Errorf("rooms.history_limit must not be negative")
	}
	if c.Rooms.SendBuffer < 1 {
		return fmt.Errorf("rooms.send_buffer must be positive")
	}
	if c.Rooms.RatePerSecond < 0 || c.Rooms.RateBurst < 1 {
		return fmt.Errorf("rooms.rate_per_second must not be negative and rooms.rate_burst must be positive")
	}
	if c.Rooms.PongWait <= time.Second {
		return fmt.Errorf("rooms.pong_wait must be longer than 1s")
	}
	switch c.Backplane.Mode {
	case "local", "none":
	default:
		return fmt.Errorf("backplane.mode must be local or none, got %q", c.Backplane.Mode)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Attachments.URLPrefix, "/") {
		return fmt.Errorf("metrics.path and attachments.url_prefix must start with /")
	}
	return nil
}

// parseRaw converts the raw duration and size strings into typed values
func parseRaw(cfg *Config) error {
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"rooms.replay_wait", cfg.Rooms.ReplayWaitRaw, &cfg.Rooms.ReplayWait},
		{"rooms.dedupe_ttl", cfg.Rooms.DedupeTTLRaw, &cfg.Rooms.DedupeTTL},
		{"rooms.pong_wait", cfg.Rooms.PongWaitRaw, &cfg.Rooms.PongWait},
		{"rooms.write_wait", cfg.Rooms.WriteWaitRaw, &cfg.Rooms.WriteWait},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = v
	}

	sizes := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"rooms.max_frame_size", cfg.Rooms.MaxFrameSizeRaw, &cfg.Rooms.MaxFrameSize},
		{"attachments.max_size", cfg.Attachments.MaxSizeRaw, &cfg.Attachments.MaxSize},
	}
	for _, s := range sizes {
		if s.raw == "" {
			continue
		}
		v, err := humanize.ParseBytes(s.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", s.name, s.raw, err)
		}
		*s.dst = int64(v)
	}
	return nil
}
