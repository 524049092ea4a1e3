// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Relay   RelayConfig   `yaml:"relay"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StoreConfig holds connection settings for the shared Redis store.
// Fields can be overridden with RELAY_STORE_* environment variables.
type StoreConfig struct {
	Host     string `yaml:"host" env:"RELAY_STORE_HOST"`
	Port     int    `yaml:"port" env:"RELAY_STORE_PORT"`
	DB       int    `yaml:"db" env:"RELAY_STORE_DB"`
	Password string `yaml:"password" env:"RELAY_STORE_PASSWORD"`

	CommandTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	CommandTimeoutRaw string `yaml:"command_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RelayConfig holds broker and manager timing configuration
type RelayConfig struct {
	HandoffTimeout     time.Duration `yaml:"-"`
	RateLimitWindow    time.Duration `yaml:"-"`
	RateLimitThreshold int           `yaml:"rate_limit_threshold"`
	HistoryLimit       int           `yaml:"history_limit"`

	// Raw string values for YAML unmarshaling
	HandoffTimeoutRaw  string `yaml:"handoff_timeout"`
	RateLimitWindowRaw string `yaml:"rate_limit_window"`
}

// ClientConfig holds reconnection settings for agent-side transport clients
type ClientConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"-"`
	ReconnectMaxDelay  time.Duration `yaml:"-"`
	MaxReconnects      int           `yaml:"max_reconnects"`

	// Raw string values for YAML unmarshaling
	ReconnectBaseDelayRaw string `yaml:"reconnect_base_delay"`
	ReconnectMaxDelayRaw  string `yaml:"reconnect_max_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with the documented defaults.
// A config file only needs to name the settings it changes.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0:8420",
		},
		Store: StoreConfig{
			Host:           "localhost",
			Port:           6379,
			DB:             0,
			CommandTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			HandoffTimeout:     5 * time.Minute,
			RateLimitWindow:    time.Minute,
			RateLimitThreshold: 60,
			HistoryLimit:       100,
		},
		Client: ClientConfig{
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  60 * time.Second,
			MaxReconnects:      10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, duration strings
// are parsed into time.Duration values, and RELAY_STORE_* environment variables
// override the store section.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Environment overrides beat file values for store settings
	if err := env.Parse(&cfg.Store); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Store.Host == "" {
		return fmt.Errorf("store.host is required")
	}
	if c.Store.Port <= 0 || c.Store.Port > 65535 {
		return fmt.Errorf("store.port must be between 1 and 65535, got %d", c.Store.Port)
	}

	if c.Relay.HandoffTimeout <= 0 {
		return fmt.Errorf("relay.handoff_timeout must be positive")
	}
	if c.Relay.RateLimitWindow <= 0 {
		return fmt.Errorf("relay.rate_limit_window must be positive")
	}
	if c.Relay.RateLimitThreshold <= 0 {
		return fmt.Errorf("relay.rate_limit_threshold must be positive")
	}
	if c.Relay.HistoryLimit <= 0 {
		return fmt.Errorf("relay.history_limit must be positive")
	}

	if c.Client.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("client.reconnect_base_delay must be positive")
	}
	if c.Client.ReconnectMaxDelay < c.Client.ReconnectBaseDelay {
		return fmt.Errorf("client.reconnect_max_delay must be >= reconnect_base_delay")
	}
	if c.Client.MaxReconnects <= 0 {
		return fmt.Errorf("client.max_reconnects must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Store.CommandTimeoutRaw, "command_timeout", &cfg.Store.CommandTimeout},
		{cfg.Relay.HandoffTimeoutRaw, "handoff_timeout", &cfg.Relay.HandoffTimeout},
		{cfg.Relay.RateLimitWindowRaw, "rate_limit_window", &cfg.Relay.RateLimitWindow},
		{cfg.Client.ReconnectBaseDelayRaw, "reconnect_base_delay", &cfg.Client.ReconnectBaseDelay},
		{cfg.Client.ReconnectMaxDelayRaw, "reconnect_max_delay", &cfg.Client.ReconnectMaxDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
