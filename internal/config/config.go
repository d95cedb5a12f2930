package config

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// Package config provides configuration management for pka.
//
// Responsibilities:
//   - Load configuration from a YAML file, environment variables, and CLI flags
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading (log level)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (PKA_* prefix)
//   3. YAML config file (default: ~/.config/pka/config.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - host, port: local gateway listen address (default 127.0.0.1:8765)
//      - allowed_origins: origins permitted to open gateway WebSockets
//
//   2. Backend
//      - base_url: knowledge-assistant backend (default http://localhost:8000)
//      - timeout: request timeout
//      - status_path, incidents_path, scan_path: REST endpoints
//      - scan_min_interval: client-side throttle for the manual scan trigger
//
//   3. Stream
//      - ingestion_path, incidents_path: live feed endpoints
//      - initial_delay, max_delay, multiplier, jitter: reconnect backoff
//      - max_failures: consecutive failures before polling fallback
//      - probe_interval: background reconnect cadence while in fallback
//      - dedup_window: window for (type, payload) deduplication
//
//   4. Poller
//      - interval, jitter: fallback polling cadence
//
//   5. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "console"
//      - file: optional rotated log file
//
//   6. Audit
//      - path: stream lifecycle audit file
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host string
		Port int
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// RequestsPerMinute limits scan and dismiss calls per client; 0 disables.
		RequestsPerMinute int
	}

	// Backend configuration
	Backend struct {
		BaseURL         string
		Timeout         time.Duration
		StatusPath      string
		IncidentsPath   string
		ScanPath        string
		ScanMinInterval time.Duration
	}

	// Live stream configuration
	Stream struct {
		IngestionPath string
		IncidentsPath string
		InitialDelay  time.Duration
		MaxDelay      time.Duration
		Multiplier    float64
		Jitter        float64
		MaxFailures   int
		ProbeInterval time.Duration
		DedupWindow   time.Duration
	}

	// Fallback poller configuration
	Poller struct {
		Interval time.Duration
		Jitter   float64
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	// Audit configuration
	Audit struct {
		Path string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with the default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath())
}

// DefaultConfigPath returns ~/.config/pka/config.yaml, or config.yaml in the
// working directory when the home directory is unknown.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "pka", "config.yaml")
}
