package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "10ms" or "5s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ServiceConfig configures the routing daemon.
type ServiceConfig struct {
	ControlSocket   string `yaml:"control_socket"`
	TransferSocket  string `yaml:"transfer_socket"`
	RegionName      string `yaml:"region_name,omitempty"`
	RegionSize      int    `yaml:"region_size,omitempty"`
	ProtocolVersion int    `yaml:"protocol_version,omitempty"`
	SampleRate      int    `yaml:"sample_rate,omitempty"`
	BufferSize      int    `yaml:"buffer_size,omitempty"`
	MaxModules      int    `yaml:"max_modules,omitempty"`
}

// ClientConfig configures module-side connections to the daemon.
type ClientConfig struct {
	ControlSocket  string   `yaml:"control_socket"`
	TransferSocket string   `yaml:"transfer_socket"`
	DialTimeout    Duration `yaml:"dial_timeout,omitempty"`
	ReceiveTimeout Duration `yaml:"receive_timeout,omitempty"`
	RetryInterval  Duration `yaml:"retry_interval,omitempty"`
	RetryMax       int      `yaml:"retry_max,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig enables metric collection.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the daemon and its clients.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Client    ClientConfig    `yaml:"client"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	HotReload bool            `yaml:"hot_reload,omitempty"`
}

const (
	defaultControlSocket  = "/run/patchbay/control.sock"
	defaultTransferSocket = "/run/patchbay/transfer.sock"
	defaultRegionName     = "patchbay-audio"
	defaultRegionSize     = 1 << 20
	defaultVersion        = 1
	defaultSampleRate     = 48000
	defaultBufferSize     = 256
	defaultMaxModules     = 64
	defaultDialTimeout    = 5 * time.Second
	defaultReceiveTimeout = 5 * time.Second
	defaultRetryInterval  = 10 * time.Millisecond
	defaultRetryMax       = 200
	defaultMetricsListen  = ":19090"
)

// Load reads the configuration file at path, applies defaults and validates
// the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults. Client socket paths
// fall back to the service's so a single file can configure both sides.
func (c *Config) ApplyDefaults() {
	if c.Service.ControlSocket == "" {
		c.Service.ControlSocket = defaultControlSocket
	}
	if c.Service.TransferSocket == "" {
		c.Service.TransferSocket = defaultTransferSocket
	}
	if c.Service.RegionName == "" {
		c.Service.RegionName = defaultRegionName
	}
	if c.Service.RegionSize <= 0 {
		c.Service.RegionSize = defaultRegionSize
	}
	if c.Service.ProtocolVersion <= 0 {
		c.Service.ProtocolVersion = defaultVersion
	}
	if c.Service.SampleRate <= 0 {
		c.Service.SampleRate = defaultSampleRate
	}
	if c.Service.BufferSize <= 0 {
		c.Service.BufferSize = defaultBufferSize
	}
	if c.Service.MaxModules <= 0 {
		c.Service.MaxModules = defaultMaxModules
	}
	if c.Client.ControlSocket == "" {
		c.Client.ControlSocket = c.Service.ControlSocket
	}
	if c.Client.TransferSocket == "" {
		c.Client.TransferSocket = c.Service.TransferSocket
	}
	if c.Client.DialTimeout.Duration <= 0 {
		c.Client.DialTimeout.Duration = defaultDialTimeout
	}
	if c.Client.ReceiveTimeout.Duration <= 0 {
		c.Client.ReceiveTimeout.Duration = defaultReceiveTimeout
	}
	if c.Client.RetryInterval.Duration <= 0 {
		c.Client.RetryInterval.Duration = defaultRetryInterval
	}
	if c.Client.RetryMax <= 0 {
		c.Client.RetryMax = defaultRetryMax
	}
	if c.Telemetry.Enabled && c.Telemetry.Listen == "" {
		c.Telemetry.Listen = defaultMetricsListen
	}
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Service.ControlSocket == c.Service.TransferSocket {
		return fmt.Errorf("control and transfer sockets must differ")
	}
	if c.Service.BufferSize&(c.Service.BufferSize-1) != 0 {
		return fmt.Errorf("buffer size must be a power of two, got %d", c.Service.BufferSize)
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		return fmt.Errorf("loki logging enabled without url")
	}
	return nil
}
