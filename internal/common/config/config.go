// Package config provides configuration management for sandboxd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for sandboxd.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Control ControlConfig `mapstructure:"control"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds mission store configuration.
type StoreConfig struct {
	// Type selects the storage backend: memory, file, or sqlite.
	Type string `mapstructure:"type"`
	// BaseDir is the root directory for database files and spilled event content.
	BaseDir string `mapstructure:"baseDir"`
	// UserID namespaces database files and content directories per user.
	UserID string `mapstructure:"userId"`
	// ContentSpillThreshold is the inline content size limit in bytes.
	// Event content larger than this is written to a side file.
	ContentSpillThreshold int `mapstructure:"contentSpillThreshold"`
	// StaleHours is the age after which still-active missions are swept to interrupted.
	StaleHours int `mapstructure:"staleHours"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ControlConfig holds control-plane tuning for the mission actor.
type ControlConfig struct {
	// MaxParallelMissions bounds concurrently running mission turns (min 1).
	MaxParallelMissions int `mapstructure:"maxParallelMissions"`
	// StallCheckIntervalSecs is how often the stall detector probes an idle stream.
	StallCheckIntervalSecs int `mapstructure:"stallCheckIntervalSecs"`
	// StallThresholdSecs is how long without backend events before a probe.
	StallThresholdSecs int `mapstructure:"stallThresholdSecs"`
	// ToolStuckAbortTimeoutSecs hard-aborts a stalled session after this long.
	// Zero disables the hard abort.
	ToolStuckAbortTimeoutSecs int `mapstructure:"toolStuckAbortTimeoutSecs"`
	// RTKEnabled toggles the restricted-toolkit mode for workspace exec.
	RTKEnabled bool `mapstructure:"rtkEnabled"`
	// QueueCapacity bounds the in-memory user message queue.
	QueueCapacity int `mapstructure:"queueCapacity"`
	// HistoryMaxMessages is how many trailing history entries go into a backend request.
	HistoryMaxMessages int `mapstructure:"historyMaxMessages"`
	// HistoryMaxMessageChars clips each individual history entry.
	HistoryMaxMessageChars int `mapstructure:"historyMaxMessageChars"`
	// HistoryMaxTotalChars caps the whole reconstructed context.
	HistoryMaxTotalChars int `mapstructure:"historyMaxTotalChars"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP/HTTP endpoint, host:port
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StallCheckInterval returns the stall probe interval as a time.Duration.
func (c *ControlConfig) StallCheckInterval() time.Duration {
	return time.Duration(c.StallCheckIntervalSecs) * time.Second
}

// StallThreshold returns the stall threshold as a time.Duration.
func (c *ControlConfig) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdSecs) * time.Second
}

// detectDefaultLogFormat returns "json" in Kubernetes/production environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDBOXD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.baseDir", "./data")
	v.SetDefault("store.userId", "default")
	v.SetDefault("store.contentSpillThreshold", 64*1024)
	v.SetDefault("store.staleHours", 12)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sandboxd")
	v.SetDefault("nats.maxReconnects", 10)

	// Control defaults
	v.SetDefault("control.maxParallelMissions", 1)
	v.SetDefault("control.stallCheckIntervalSecs", 120)
	v.SetDefault("control.stallThresholdSecs", 300)
	v.SetDefault("control.toolStuckAbortTimeoutSecs", 0)
	v.SetDefault("control.rtkEnabled", false)
	v.SetDefault("control.queueCapacity", 256)
	v.SetDefault("control.historyMaxMessages", 10)
	v.SetDefault("control.historyMaxMessageChars", 5000)
	v.SetDefault("control.historyMaxTotalChars", 30000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SANDBOXD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/sandboxd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SANDBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the camelCase config key.
	_ = v.BindEnv("logging.level", "SANDBOXD_LOG_LEVEL")
	_ = v.BindEnv("store.type", "SANDBOXD_MISSION_STORE", "SANDBOXD_STORE_TYPE")
	_ = v.BindEnv("store.baseDir", "SANDBOXD_DATA_DIR")
	_ = v.BindEnv("control.maxParallelMissions", "SANDBOXD_MAX_PARALLEL_MISSIONS")
	_ = v.BindEnv("control.toolStuckAbortTimeoutSecs", "SANDBOXD_TOOL_STUCK_ABORT_TIMEOUT_SECS")
	_ = v.BindEnv("control.rtkEnabled", "SANDBOXD_RTK_ENABLED")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandboxd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch strings.ToLower(cfg.Store.Type) {
	case "memory", "file", "sqlite", "db", "json":
	default:
		errs = append(errs, "store.type must be one of: memory, file, sqlite")
	}
	if cfg.Store.ContentSpillThreshold <= 0 {
		errs = append(errs, "store.contentSpillThreshold must be positive")
	}
	if cfg.Store.StaleHours <= 0 {
		errs = append(errs, "store.staleHours must be positive")
	}

	if cfg.Control.MaxParallelMissions < 1 {
		cfg.Control.MaxParallelMissions = 1
	}
	if cfg.Control.StallCheckIntervalSecs <= 0 {
		errs = append(errs, "control.stallCheckIntervalSecs must be positive")
	}
	if cfg.Control.StallThresholdSecs <= 0 {
		errs = append(errs, "control.stallThresholdSecs must be positive")
	}
	if cfg.Control.ToolStuckAbortTimeoutSecs < 0 {
		errs = append(errs, "control.toolStuckAbortTimeoutSecs must not be negative")
	}
	if cfg.Control.QueueCapacity <= 0 {
		errs = append(errs, "control.queueCapacity must be positive")
	}
	if cfg.Control.HistoryMaxMessages <= 0 || cfg.Control.HistoryMaxMessageChars <= 0 || cfg.Control.HistoryMaxTotalChars <= 0 {
		errs = append(errs, "control history truncation limits must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
