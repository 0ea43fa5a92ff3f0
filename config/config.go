// Package config loads and validates the bridge configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Alparse/dbstream/errors"
)

// Environment variable consulted when native.api_key is empty, so keys can
// stay out of config files.
const EnvAPIKey = "DBSTREAM_API_KEY"

// Defaults applied by ApplyDefaults.
const (
	DefaultMaxRecordSize       = 64 * 1024
	DefaultChannelCapacity     = 1024
	DefaultBackpressureTimeout = 5 * time.Second
	DefaultStopTimeout         = 5 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
	DefaultDiagLevel           = "info"
)

// Config is the complete bridge configuration.
type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge"`
	Native  NativeConfig  `yaml:"native"`
	Diag    DiagConfig    `yaml:"diag"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BridgeConfig bounds the record path between the native call and consumers.
type BridgeConfig struct {
	// MaxRecordSize is the largest self-declared record length the bridge
	// will copy; anything larger is treated as corrupt.
	MaxRecordSize int `yaml:"max_record_size"`

	// ChannelCapacity is the number of records buffered between the native
	// call goroutine and the consumer.
	ChannelCapacity int `yaml:"channel_capacity"`

	// BackpressureTimeout bounds how long the native call goroutine blocks
	// on a full channel before the stream is canceled.
	BackpressureTimeout Duration `yaml:"backpressure_timeout"`

	// StopTimeout bounds how long Close waits for an in-flight call to
	// acknowledge its stop request before releasing native resources anyway.
	StopTimeout Duration `yaml:"stop_timeout"`
}

// NativeConfig configures the wrapped retrieval library's connection.
type NativeConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	APIKey            string   `yaml:"api_key"`
	Dataset           string   `yaml:"dataset"`
	SendTSOut         bool     `yaml:"send_ts_out"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// DiagConfig configures where native diagnostics are delivered.
type DiagConfig struct {
	// Level is the minimum level forwarded: debug, info, warning, error.
	Level string `yaml:"level"`

	// NATSURL, when set, mirrors diagnostics to a NATS subject in addition
	// to the local sink.
	NATSURL string `yaml:"nats_url"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load",
			fmt.Sprintf("failed to read config file %s", path))
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Parse",
			"failed to parse YAML config")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no native
// connection details. It validates cleanly.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if c.Bridge.MaxRecordSize == 0 {
		c.Bridge.MaxRecordSize = DefaultMaxRecordSize
	}
	if c.Bridge.ChannelCapacity == 0 {
		c.Bridge.ChannelCapacity = DefaultChannelCapacity
	}
	if c.Bridge.BackpressureTimeout == 0 {
		c.Bridge.BackpressureTimeout = Duration(DefaultBackpressureTimeout)
	}
	if c.Bridge.StopTimeout == 0 {
		c.Bridge.StopTimeout = Duration(DefaultStopTimeout)
	}
	if c.Native.HeartbeatInterval == 0 {
		c.Native.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.Native.APIKey == "" {
		c.Native.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.Diag.Level == "" {
		c.Diag.Level = DefaultDiagLevel
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks the configuration for internally inconsistent or
// out-of-range values. It does not require native connection details, so a
// config used only with an in-process driver still validates.
func (c *Config) Validate() error {
	if c.Bridge.MaxRecordSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"bridge.max_record_size must be positive")
	}
	if c.Bridge.ChannelCapacity <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"bridge.channel_capacity must be positive")
	}
	if c.Bridge.BackpressureTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"bridge.backpressure_timeout must be positive")
	}
	if c.Bridge.StopTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"bridge.stop_timeout must be positive")
	}
	switch c.Diag.Level {
	case "debug", "info", "warning", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("diag.level %q must be one of debug, info, warning, error", c.Diag.Level))
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}
	return nil
}
