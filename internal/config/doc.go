// Package config handles configuration loading for bridge-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${BRIDGE_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	bridges:
//	  monitor_budget: "5m"
//	  monitor_tick: "3s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/bridge-gateway/gateway.db"
//
// Homeserver access:
//
//	matrix:
//	  homeserver: "https://matrix.example.com"
//	  shared_secret: "${SYNAPSE_SHARED_SECRET}"
//	  store_path: "/var/lib/bridge-gateway/crypto"
//
// Bridge bots:
//
//	bridges:
//	  bots:
//	    whatsapp: "@whatsappbot:example.com"
//	    telegram: "@telegrambot:example.com"
//	    signal: "@signalbot:example.com"
//	    messenger: "@messengerbot:example.com"
//	    instagram: "@instagrambot:example.com"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
