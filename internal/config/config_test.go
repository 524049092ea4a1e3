// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relay.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9000"

store:
  host: "redis.internal"
  port: 6380
  db: 2
  command_timeout: "2s"

relay:
  handoff_timeout: "10m"
  rate_limit_window: "30s"
  rate_limit_threshold: 20
  history_limit: 50

client:
  reconnect_base_delay: "500ms"
  reconnect_max_delay: "30s"
  max_reconnects: 5

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("http_addr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Store.Host != "redis.internal" || cfg.Store.Port != 6380 || cfg.Store.DB != 2 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Store.CommandTimeout != 2*time.Second {
		t.Errorf("command_timeout = %v", cfg.Store.CommandTimeout)
	}
	if cfg.Relay.HandoffTimeout != 10*time.Minute {
		t.Errorf("handoff_timeout = %v", cfg.Relay.HandoffTimeout)
	}
	if cfg.Relay.RateLimitWindow != 30*time.Second {
		t.Errorf("rate_limit_window = %v", cfg.Relay.RateLimitWindow)
	}
	if cfg.Relay.RateLimitThreshold != 20 {
		t.Errorf("rate_limit_threshold = %d", cfg.Relay.RateLimitThreshold)
	}
	if cfg.Client.ReconnectBaseDelay != 500*time.Millisecond {
		t.Errorf("reconnect_base_delay = %v", cfg.Client.ReconnectBaseDelay)
	}
	if cfg.Client.MaxReconnects != 5 {
		t.Errorf("max_reconnects = %d", cfg.Client.MaxReconnects)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	// A minimal file gets the documented defaults everywhere else
	configPath := writeConfig(t, `
logging:
  level: "warn"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Host != "localhost" || cfg.Store.Port != 6379 {
		t.Errorf("store defaults = %+v", cfg.Store)
	}
	if cfg.Relay.HandoffTimeout != 5*time.Minute {
		t.Errorf("handoff_timeout default = %v", cfg.Relay.HandoffTimeout)
	}
	if cfg.Relay.HistoryLimit != 100 {
		t.Errorf("history_limit default = %d", cfg.Relay.HistoryLimit)
	}
	if cfg.Client.ReconnectBaseDelay != time.Second {
		t.Errorf("reconnect_base_delay default = %v", cfg.Client.ReconnectBaseDelay)
	}
	if cfg.Client.ReconnectMaxDelay != 60*time.Second {
		t.Errorf("reconnect_max_delay default = %v", cfg.Client.ReconnectMaxDelay)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_SECRET", "super-secret-value")

	configPath := writeConfig(t, `
auth:
  jwt_secret: "${TEST_RELAY_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Auth.JWTSecret != "super-secret-value" {
		t.Errorf("jwt_secret = %q, want expanded env value", cfg.Auth.JWTSecret)
	}
}

func TestLoad_EnvOverridesStore(t *testing.T) {
	t.Setenv("RELAY_STORE_HOST", "override.example.com")
	t.Setenv("RELAY_STORE_PORT", "7000")

	configPath := writeConfig(t, `
store:
  host: "from-file"
  port: 6379
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Host != "override.example.com" {
		t.Errorf("host = %q, want env override", cfg.Store.Host)
	}
	if cfg.Store.Port != 7000 {
		t.Errorf("port = %d, want env override", cfg.Store.Port)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
relay:
  handoff_timeout: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "handoff_timeout") {
		t.Errorf("error %q should name the offending field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "http_addr",
		},
		{
			name:    "bad store port",
			mutate:  func(c *Config) { c.Store.Port = 0 },
			wantErr: "store.port",
		},
		{
			name:    "zero handoff timeout",
			mutate:  func(c *Config) { c.Relay.HandoffTimeout = 0 },
			wantErr: "handoff_timeout",
		},
		{
			name:    "max delay below base delay",
			mutate:  func(c *Config) { c.Client.ReconnectMaxDelay = 100 * time.Millisecond },
			wantErr: "reconnect_max_delay",
		},
		{
			name:    "zero max reconnects",
			mutate:  func(c *Config) { c.Client.MaxReconnects = 0 },
			wantErr: "max_reconnects",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}
