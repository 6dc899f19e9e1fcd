// Package config provides configuration loading for chaind.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. This package covers the server, state store, registry,
// gate defaults, injection hierarchy, and observability settings.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/chaind/internal/gate"
	"github.com/fyrsmithlabs/chaind/internal/injection"
	"github.com/fyrsmithlabs/chaind/internal/logging"
)

// State store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config holds the complete chaind configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       logging.Config      `koanf:"logging"`
	State         StateConfig         `koanf:"state"`
	Reaper        ReaperConfig        `koanf:"reaper"`
	Registry      RegistryConfig      `koanf:"registry"`
	Gates         GatesConfig         `koanf:"gates"`
	Injection     injection.Config    `koanf:"injection"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds the HTTP status server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StateConfig holds session store configuration.
type StateConfig struct {
	// Backend selects the repository implementation: memory or sqlite.
	Backend string `koanf:"backend"`

	// Path is the SQLite database file. Empty uses the default under
	// ~/.config/chaind/.
	Path string `koanf:"path"`
}

// ReaperConfig holds idle-session cleanup configuration.
type ReaperConfig struct {
	Enabled  bool     `koanf:"enabled"`
	TTL      Duration `koanf:"ttl"`
	Interval Duration `koanf:"interval"`
}

// RegistryConfig holds chain/gate definition loading configuration.
type RegistryConfig struct {
	// Dir is the directory holding chain and gate definition files.
	Dir string `koanf:"dir"`

	// HotReload enables the filesystem watcher over Dir.
	HotReload bool `koanf:"hot_reload"`

	// Debounce collapses watcher event bursts into one reload.
	Debounce Duration `koanf:"debounce"`
}

// GatesConfig holds enforcement defaults applied when a gate definition
// does not specify its own.
type GatesConfig struct {
	DefaultMode            string `koanf:"default_mode"`
	DefaultMaxAttempts     int    `koanf:"default_max_attempts"`
	WithholdResponseOnFail bool   `koanf:"withhold_response_on_fail"`
}

// Policy converts the defaults into a gate policy.
func (g *GatesConfig) Policy() (gate.Policy, error) {
	mode, err := gate.ParseEnforcementMode(g.DefaultMode)
	if err != nil {
		return gate.Policy{}, err
	}
	return gate.Policy{
		Mode:                   mode,
		MaxAttempts:            g.DefaultMaxAttempts,
		WithholdResponseOnFail: g.WithholdResponseOnFail,
	}, nil
}

// ObservabilityConfig holds OpenTelemetry export configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool     `koanf:"enable_telemetry"`
	ServiceName     string   `koanf:"service_name"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure        bool     `koanf:"insecure"`
	TLSSkipVerify   bool     `koanf:"tls_skip_verify"`
	SamplingRate    float64  `koanf:"sampling_rate"`
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9464,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		State: StateConfig{
			Backend: BackendSQLite,
		},
		Reaper: ReaperConfig{
			Enabled:  true,
			TTL:      Duration(24 * time.Hour),
			Interval: Duration(15 * time.Minute),
		},
		Registry: RegistryConfig{
			HotReload: true,
			Debounce:  Duration(250 * time.Millisecond),
		},
		Gates: GatesConfig{
			DefaultMode:        string(gate.ModeBlocking),
			DefaultMaxAttempts: 2,
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: true,
			ServiceName:     "chaind",
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			SamplingRate:    1.0,
			MetricsInterval: Duration(15 * time.Second),
		},
	}
}

// applyDefaults fills zero values with defaults after unmarshaling.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = def.State.Backend
	}
	if cfg.Reaper.TTL == 0 {
		cfg.Reaper.TTL = def.Reaper.TTL
	}
	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = def.Reaper.Interval
	}
	if cfg.Registry.Debounce == 0 {
		cfg.Registry.Debounce = def.Registry.Debounce
	}
	if cfg.Gates.DefaultMode == "" {
		cfg.Gates.DefaultMode = def.Gates.DefaultMode
	}
	if cfg.Gates.DefaultMaxAttempts == 0 {
		cfg.Gates.DefaultMaxAttempts = def.Gates.DefaultMaxAttempts
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = def.Observability.ServiceName
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = def.Observability.Endpoint
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = def.Observability.Protocol
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = def.Observability.SamplingRate
	}
	if cfg.Observability.MetricsInterval == 0 {
		cfg.Observability.MetricsInterval = def.Observability.MetricsInterval
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.State.Backend != BackendMemory && c.State.Backend != BackendSQLite {
		return fmt.Errorf("invalid state backend: %q (must be %s or %s)",
			c.State.Backend, BackendMemory, BackendSQLite)
	}
	if c.Reaper.Enabled {
		if c.Reaper.TTL <= 0 {
			return errors.New("reaper ttl must be positive")
		}
		if c.Reaper.Interval <= 0 {
			return errors.New("reaper interval must be positive")
		}
	}
	if _, err := gate.ParseEnforcementMode(c.Gates.DefaultMode); err != nil {
		return fmt.Errorf("gates: %w", err)
	}
	if c.Gates.DefaultMaxAttempts < 1 {
		return fmt.Errorf("gates: default_max_attempts must be at least 1, got %d",
			c.Gates.DefaultMaxAttempts)
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}
