package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	// Validate backend configuration
	if c.Backend.BaseURL == "" {
		errs = append(errs, &ValidationError{
			Field:   "backend.base_url",
			Message: "backend base_url is required",
		})
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "backend.base_url",
			Message: fmt.Sprintf("invalid base_url: %v", err),
		})
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, &ValidationError{
			Field:   "backend.base_url",
			Message: fmt.Sprintf("base_url scheme must be http or https, got '%s'", u.Scheme),
		})
	} else if u.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "backend.base_url",
			Message: "backend host cannot be empty",
		})
	}

	if c.Backend.Timeout <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "backend.timeout",
			Message: fmt.Sprintf("timeout must be positive, got %s", c.Backend.Timeout),
		})
	}

	for field, p := range map[string]string{
		"backend.status_path":    c.Backend.StatusPath,
		"backend.incidents_path": c.Backend.IncidentsPath,
		"backend.scan_path":      c.Backend.ScanPath,
		"stream.ingestion_path":  c.Stream.IngestionPath,
		"stream.incidents_path":  c.Stream.IncidentsPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("path must start with '/', got '%s'", p),
			})
		}
	}

	if c.Backend.ScanMinInterval < 0 {
		errs = append(errs, &ValidationError{
			Field:   "backend.scan_min_interval",
			Message: fmt.Sprintf("scan_min_interval cannot be negative, got %s", c.Backend.ScanMinInterval),
		})
	}

	// Validate stream configuration
	if c.Stream.InitialDelay <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "stream.initial_delay",
			Message: fmt.Sprintf("initial_delay must be positive, got %s", c.Stream.InitialDelay),
		})
	}

	if c.Stream.MaxDelay < c.Stream.InitialDelay {
		errs = append(errs, &ValidationError{
			Field:   "stream.max_delay",
			Message: fmt.Sprintf("max_delay (%s) must not be less than initial_delay (%s)", c.Stream.MaxDelay, c.Stream.InitialDelay),
		})
	}

	if c.Stream.Multiplier < 1 {
		errs = append(errs, &ValidationError{
			Field:   "stream.multiplier",
			Message: fmt.Sprintf("multiplier must be at least 1, got %.2f", c.Stream.Multiplier),
		})
	}

	if c.Stream.Jitter < 0 || c.Stream.Jitter >= 1 {
		errs = append(errs, &ValidationError{
			Field:   "stream.jitter",
			Message: fmt.Sprintf("jitter must be in [0, 1), got %.2f", c.Stream.Jitter),
		})
	}

	if c.Stream.MaxFailures < 1 {
		errs = append(errs, &ValidationError{
			Field:   "stream.max_failures",
			Message: fmt.Sprintf("max_failures must be at least 1, got %d", c.Stream.MaxFailures),
		})
	}

	if c.Stream.ProbeInterval <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "stream.probe_interval",
			Message: fmt.Sprintf("probe_interval must be positive, got %s", c.Stream.ProbeInterval),
		})
	}

	if c.Stream.DedupWindow <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "stream.dedup_window",
			Message: fmt.Sprintf("dedup_window must be positive, got %s", c.Stream.DedupWindow),
		})
	}

	// Validate poller configuration
	if c.Poller.Interval <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "poller.interval",
			Message: fmt.Sprintf("interval must be positive, got %s", c.Poller.Interval),
		})
	}

	if c.Poller.Jitter < 0 || c.Poller.Jitter >= 1 {
		errs = append(errs, &ValidationError{
			Field:   "poller.jitter",
			Message: fmt.Sprintf("jitter must be in [0, 1), got %.2f", c.Poller.Jitter),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	return errs
}
