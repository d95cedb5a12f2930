package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8765
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RequestsPerMinute = 60

	// Backend defaults
	cfg.Backend.BaseURL = "http://localhost:8000"
	cfg.Backend.Timeout = 10 * time.Second
	cfg.Backend.StatusPath = "/api/ingestion/status"
	cfg.Backend.IncidentsPath = "/api/incidents"
	cfg.Backend.ScanPath = "/api/ingestion/scan"
	cfg.Backend.ScanMinInterval = 5 * time.Second

	// Stream defaults
	cfg.Stream.IngestionPath = "/ws/ingestion"
	cfg.Stream.IncidentsPath = "/ws/incidents"
	cfg.Stream.InitialDelay = 1 * time.Second
	cfg.Stream.MaxDelay = 30 * time.Second
	cfg.Stream.Multiplier = 2.0
	cfg.Stream.Jitter = 0.2
	cfg.Stream.MaxFailures = 5
	cfg.Stream.ProbeInterval = 30 * time.Second
	cfg.Stream.DedupWindow = 5 * time.Second

	// Poller defaults
	cfg.Poller.Interval = 10 * time.Second
	cfg.Poller.Jitter = 0.2

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 50
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 14

	// Audit defaults
	cfg.Audit.Path = ""

	return cfg
}
