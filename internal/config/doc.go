// Package config handles configuration loading for convo-gateway.
//
// # Configuration File
//
// The path comes from the CONVO_CONFIG environment variable, falling back to
// $XDG_CONFIG_HOME/convo/gateway.yaml. CONVO_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CONVO_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  dial_timeout: "10s"
//	  pong_wait: "60s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "10s"
//
//	tailscale:
//	  enabled: false
//	  hostname: "convo"
//	  auth_key: "${TS_AUTHKEY}"
//
//	database:
//	  path: "./convo.db"
//
//	relay:
//	  backend_url: "ws://runtime:3000"
//
//	notifier:
//	  queue_size: 64
//	  redis:
//	    enabled: true
//	    addr: "redis:6379"
//	    subscribe: true
//
//	runtime:
//	  base_url: "http://runtime:3000"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
