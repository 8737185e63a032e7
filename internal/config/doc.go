// Package config handles configuration loading for gantry-server and gantry-agent.
//
// # Server Configuration
//
// The server reads YAML. Default location (in order):
//
//  1. Path from GANTRY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/gantry/server.yaml
//  3. ~/.config/gantry/server.yaml
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	auth:
//	  cookie_secret: "${GANTRY_COOKIE_SECRET}"
//
// Sections:
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # agent streams
//	  http_addr: "0.0.0.0:8080"   # API, websocket agents, artifacts
//
//	database:
//	  path: "/var/lib/gantry/gantry.db"
//
//	agents:
//	  silence_timeout: "1m"    # no ping for this long: LostContact
//	  eviction_timeout: "24h"  # lost this long: removed
//	  sweep_interval: "10s"
//
//	jobs:
//	  console_warn_after: "30m"
//	  console_cancel_after: "1h"
//	  report_window: "5m"      # duplicate report suppression
//
//	artifacts:
//	  dir: "/var/lib/gantry/artifacts"
//
//	console:
//	  dir: "/var/lib/gantry/console"
//
//	tailscale:
//	  enabled: false
//	  hostname: "gantry"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax. Unset durations get defaults;
// artifact and console directories default to siblings of the database.
//
// # Agent Configuration
//
// The agent reads TOML (agent.toml in the same directory):
//
//	[server]
//	transport = "grpc"             # or "websocket"
//	grpc_addr = "ci.example:50051"
//	websocket_url = "ws://ci.example:8080/agent/ws"
//	api_url = "http://ci.example:8080"
//
//	[agent]
//	work_dir = "/var/lib/gantry-agent"
//	resources = ["linux", "docker"]
//	environments = ["prod"]
//	checksum_algorithm = "sha256"
//	heartbeat_interval = "10s"
package config
