// ABOUTME: Configuration loading and parsing for convo-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvConfigPath = "CONVO_CONFIG"
	EnvDBPath     = "CONVO_DB_PATH"
)

// Config represents the complete convo-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Relay     RelayConfig     `yaml:"relay"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve on :443 with tailnet certificates
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// API authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RelayConfig configures the websocket relay to the runtime backend
type RelayConfig struct {
	BackendURL     string   `yaml:"backend_url"`
	StripPrefix    string   `yaml:"strip_prefix"` // removed from /sockets/... paths before forwarding
	AllowedOrigins []string `yaml:"allowed_origins"`
	BufferSize     int      `yaml:"buffer_size"`

	DialTimeout  time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`
	PongWait     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DialTimeoutRaw  string `yaml:"dial_timeout"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
	PongWaitRaw     string `yaml:"pong_wait"`
}

// NotifierConfig configures live event fan-out
type NotifierConfig struct {
	MaxSubscribers  int           `yaml:"max_subscribers"`
	QueueSize       int           `yaml:"queue_size"`
	DeliveryTimeout time.Duration `yaml:"-"`

	DeliveryTimeoutRaw string `yaml:"delivery_timeout"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig enables cross-instance fan-out through Redis pub/sub
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`

	// Subscribe makes this instance consume the shared channels and feed
	// its local subscribers from them.
	Subscribe   bool          `yaml:"subscribe"`
	MaxInFlight int           `yaml:"max_in_flight"` // conversations publishing at once
	QueueSize   int           `yaml:"queue_size"`    // pending publishes per conversation
	Timeout     time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"publish_timeout"`
}

// RuntimeConfig describes the runtime backend sessions are attached to
type RuntimeConfig struct {
	BaseURL   string `yaml:"base_url"`
	VSCodeURL string `yaml:"vscode_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Notifier.Redis.Enabled && cfg.Notifier.Redis.Addr == "" {
		cfg.Notifier.Redis.Addr = "localhost:6379"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Relay.BackendURL != "" {
		if err := validateURL(c.Relay.BackendURL, "ws", "wss", "http", "https"); err != nil {
			return fmt.Errorf("relay.backend_url: %w", err)
		}
	}
	if c.Relay.StripPrefix != "" && !strings.HasPrefix(c.Relay.StripPrefix, "/") {
		return fmt.Errorf("relay.strip_prefix must start with /")
	}

	if c.Runtime.BaseURL == "" {
		return fmt.Errorf("runtime.base_url is required")
	}
	if err := validateURL(c.Runtime.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("runtime.base_url: %w", err)
	}

	if c.Notifier.MaxSubscribers < 0 || c.Notifier.QueueSize < 0 || c.Notifier.Redis.MaxInFlight < 0 || c.Notifier.Redis.QueueSize < 0 {
		return fmt.Errorf("notifier limits must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("host is required")
			}
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"relay.dial_timeout", cfg.Relay.DialTimeoutRaw, &cfg.Relay.DialTimeout},
		{"relay.write_timeout", cfg.Relay.WriteTimeoutRaw, &cfg.Relay.WriteTimeout},
		{"relay.pong_wait", cfg.Relay.PongWaitRaw, &cfg.Relay.PongWait},
		{"notifier.delivery_timeout", cfg.Notifier.DeliveryTimeoutRaw, &cfg.Notifier.DeliveryTimeout},
		{"notifier.redis.publish_timeout", cfg.Notifier.Redis.TimeoutRaw, &cfg.Notifier.Redis.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
