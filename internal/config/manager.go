package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// PKA_STREAM_MAX_FAILURES overrides stream.max_failures, and so on.
	m.viper.SetEnvPrefix("PKA")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.viper.ReadInConfig(); err != nil {
		// A missing file is fine: defaults + env vars apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and publishes every successfully reloaded config.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil {
		return m.watchChan
	}
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
			// Channel full, the consumer has not read the previous update yet.
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.requests_per_minute", defaults.Server.RequestsPerMinute)

	// Backend defaults
	m.viper.SetDefault("backend.base_url", defaults.Backend.BaseURL)
	m.viper.SetDefault("backend.timeout", defaults.Backend.Timeout)
	m.viper.SetDefault("backend.status_path", defaults.Backend.StatusPath)
	m.viper.SetDefault("backend.incidents_path", defaults.Backend.IncidentsPath)
	m.viper.SetDefault("backend.scan_path", defaults.Backend.ScanPath)
	m.viper.SetDefault("backend.scan_min_interval", defaults.Backend.ScanMinInterval)

	// Stream defaults
	m.viper.SetDefault("stream.ingestion_path", defaults.Stream.IngestionPath)
	m.viper.SetDefault("stream.incidents_path", defaults.Stream.IncidentsPath)
	m.viper.SetDefault("stream.initial_delay", defaults.Stream.InitialDelay)
	m.viper.SetDefault("stream.max_delay", defaults.Stream.MaxDelay)
	m.viper.SetDefault("stream.multiplier", defaults.Stream.Multiplier)
	m.viper.SetDefault("stream.jitter", defaults.Stream.Jitter)
	m.viper.SetDefault("stream.max_failures", defaults.Stream.MaxFailures)
	m.viper.SetDefault("stream.probe_interval", defaults.Stream.ProbeInterval)
	m.viper.SetDefault("stream.dedup_window", defaults.Stream.DedupWindow)

	// Poller defaults
	m.viper.SetDefault("poller.interval", defaults.Poller.Interval)
	m.viper.SetDefault("poller.jitter", defaults.Poller.Jitter)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)

	// Audit defaults
	m.viper.SetDefault("audit.path", defaults.Audit.Path)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RequestsPerMinute = m.viper.GetInt("server.requests_per_minute")

	// Backend
	cfg.Backend.BaseURL = strings.TrimRight(m.viper.GetString("backend.base_url"), "/")
	cfg.Backend.Timeout = m.viper.GetDuration("backend.timeout")
	cfg.Backend.StatusPath = m.viper.GetString("backend.status_path")
	cfg.Backend.IncidentsPath = m.viper.GetString("backend.incidents_path")
	cfg.Backend.ScanPath = m.viper.GetString("backend.scan_path")
	cfg.Backend.ScanMinInterval = m.viper.GetDuration("backend.scan_min_interval")

	// Stream
	cfg.Stream.IngestionPath = m.viper.GetString("stream.ingestion_path")
	cfg.Stream.IncidentsPath = m.viper.GetString("stream.incidents_path")
	cfg.Stream.InitialDelay = m.viper.GetDuration("stream.initial_delay")
	cfg.Stream.MaxDelay = m.viper.GetDuration("stream.max_delay")
	cfg.Stream.Multiplier = m.viper.GetFloat64("stream.multiplier")
	cfg.Stream.Jitter = m.viper.GetFloat64("stream.jitter")
	cfg.Stream.MaxFailures = m.viper.GetInt("stream.max_failures")
	cfg.Stream.ProbeInterval = m.viper.GetDuration("stream.probe_interval")
	cfg.Stream.DedupWindow = m.viper.GetDuration("stream.dedup_window")

	// Poller
	cfg.Poller.Interval = m.viper.GetDuration("poller.interval")
	cfg.Poller.Jitter = m.viper.GetFloat64("poller.jitter")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	// Audit
	cfg.Audit.Path = m.viper.GetString("audit.path")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
