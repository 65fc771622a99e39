// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `udprec:` root key in YAML.
type GlobalConfig struct {
	Control ControlConfig `mapstructure:"control"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Trace   TraceConfig   `mapstructure:"trace"`
	Capture CaptureConfig `mapstructure:"capture"`
	Replay  ReplayConfig  `mapstructure:"replay"`
	Export  ExportConfig  `mapstructure:"export"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`

	// WatchConfig reloads the config file when it changes on disk.
	WatchConfig bool `mapstructure:"watch_config"`
}

// ─── Engines ───

// TraceConfig selects how payloads are interpreted.
type TraceConfig struct {
	Variant string `mapstructure:"variant"` // raw / message
}

// CaptureConfig contains capture engine defaults.
type CaptureConfig struct {
	Port    int    `mapstructure:"port"`
	Address string `mapstructure:"address"` // Empty = all interfaces
}

// ReplayConfig contains replay engine defaults.
type ReplayConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	SpinThreshold time.Duration `mapstructure:"spin_threshold"` // Waits at or below this busy-poll
	Speed         float64       `mapstructure:"speed"`          // 1.0 = recorded pace
}

// ExportConfig contains pcap export defaults.
type ExportConfig struct {
	Port int `mapstructure:"port"` // 0 = use capture.port
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations. Stdout is always on.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `udprec: ...`.
type configRoot struct {
	Udprec GlobalConfig `mapstructure:"udprec"`
}

// Load loads configuration from path. An empty path yields the defaults,
// still subject to environment overrides.
// Env vars map through the key replacer, e.g. UDPREC_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Udprec

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *GlobalConfig {
	cfg, err := Load("")
	if err != nil {
		// only reachable through a bad UDPREC_* environment override
		panic(err)
	}
	return cfg
}

// setDefaults sets default values for configuration.
// All keys use the "udprec." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("udprec.control.pid_file", "/var/run/udprec.pid")
	v.SetDefault("udprec.control.socket", "/var/run/udprec.sock")
	v.SetDefault("udprec.control.watch_config", false)

	// Log defaults
	v.SetDefault("udprec.log.level", "info")
	v.SetDefault("udprec.log.format", "text")
	v.SetDefault("udprec.log.outputs.file.enabled", false)
	v.SetDefault("udprec.log.outputs.file.path", "/var/log/udprec/udprec.log")
	v.SetDefault("udprec.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("udprec.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("udprec.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("udprec.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("udprec.metrics.enabled", false)
	v.SetDefault("udprec.metrics.listen", ":9092")
	v.SetDefault("udprec.metrics.path", "/metrics")

	// Engine defaults
	v.SetDefault("udprec.trace.variant", "raw")
	v.SetDefault("udprec.capture.port", 39539)
	v.SetDefault("udprec.capture.address", "")
	v.SetDefault("udprec.replay.host", "127.0.0.1")
	v.SetDefault("udprec.replay.port", 39539)
	v.SetDefault("udprec.replay.spin_threshold", "2ms")
	v.SetDefault("udprec.replay.speed", 1.0)
	v.SetDefault("udprec.export.port", 0)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}

	// ── Trace variant ──
	switch strings.ToLower(cfg.Trace.Variant) {
	case "raw", "message", "osc":
	default:
		return fmt.Errorf("invalid trace variant: %s (must be raw/message)", cfg.Trace.Variant)
	}

	// ── Ports ──
	if err := validatePort("capture.port", cfg.Capture.Port); err != nil {
		return err
	}
	if err := validatePort("replay.port", cfg.Replay.Port); err != nil {
		return err
	}
	if err := validatePort("export.port", cfg.Export.Port); err != nil {
		return err
	}
	if cfg.Export.Port == 0 {
		cfg.Export.Port = cfg.Capture.Port
	}
	if cfg.Capture.Address != "" && net.ParseIP(cfg.Capture.Address) == nil {
		return fmt.Errorf("invalid capture.address: %s", cfg.Capture.Address)
	}

	// ── Replay timing ──
	if cfg.Replay.Host == "" {
		return fmt.Errorf("replay.host is required")
	}
	if cfg.Replay.SpinThreshold < 0 {
		return fmt.Errorf("invalid replay.spin_threshold: %s", cfg.Replay.SpinThreshold)
	}
	if cfg.Replay.Speed <= 0 {
		return fmt.Errorf("invalid replay.speed: %g (must be > 0)", cfg.Replay.Speed)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}

func validatePort(key string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid %s: %d (must be 0-65535)", key, port)
	}
	return nil
}
