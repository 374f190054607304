// Package config handles configuration loading for coven-rooms.
//
// # Configuration File
//
// The path comes from the -config flag, then COVEN_ROOMS_CONFIG, then
// $XDG_CONFIG_HOME/coven/rooms.yaml. Files ending in .toml are read as TOML;
// anything else is YAML. Both formats use the same keys.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_ROOMS_JWT_SECRET}"
//
// # Durations and Sizes
//
// Durations use time.ParseDuration syntax ("30s", "5m"). Sizes accept
// human-friendly strings ("64KiB", "10MB").
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "10s"
//
//	database:
//	  path: "/var/lib/coven/rooms.db"
//
//	auth:
//	  jwt_secret: "${COVEN_ROOMS_JWT_SECRET}"
//	  token_ttl: "24h"
//
//	rooms:
//	  history_limit: 50
//	  send_buffer: 256
//	  replay_wait: "2s"
//	  rate_per_second: 10
//	  rate_burst: 20
//	  dedupe_ttl: "5m"
//	  pong_wait: "60s"
//	  write_wait: "10s"
//	  max_frame_size: "64KiB"
//
//	attachments:
//	  dir: "/var/lib/coven/attachments"
//	  url_prefix: "/attachments/"
//	  max_size: "10MB"
//
//	backplane:
//	  mode: "local"   # local, none
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Load applies defaults for every tunable and then requires an HTTP address
// (or tailscale), a database path and a JWT secret of at least 32 bytes.
package config
