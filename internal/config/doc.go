// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Every setting has a default, so an empty file (or no overrides at all) yields
// a working local configuration.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// In addition, the store section accepts direct overrides via RELAY_STORE_HOST,
// RELAY_STORE_PORT, RELAY_STORE_DB, and RELAY_STORE_PASSWORD.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  handoff_timeout: "5m"
//	  rate_limit_window: "1m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8420"   # Agent websocket connections and health
//
// Shared store:
//
//	store:
//	  host: "localhost"
//	  port: 6379
//	  db: 0
//	  command_timeout: "5s"
//
// Broker and manager timing:
//
//	relay:
//	  handoff_timeout: "5m"
//	  rate_limit_window: "1m"
//	  rate_limit_threshold: 60
//	  history_limit: 100
//
// Agent-side reconnection:
//
//	client:
//	  reconnect_base_delay: "1s"
//	  reconnect_max_delay: "60s"
//	  max_reconnects: 10
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
