/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package config assembles the configuration of every netsift component.
//
// Values are layered: built-in defaults, then an optional YAML, TOML or
// JSON file, then NETSIFT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/netsift/netsift/capture"
	"github.com/netsift/netsift/engine"
	"github.com/netsift/netsift/export"
	"github.com/netsift/netsift/reassembly"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "NETSIFT_"

// EnvConfigFile names a config file when no path is given explicitly.
const EnvConfigFile = EnvPrefix + "CONFIG"

// Config is the complete netsift configuration.
type Config struct {
	Reassembly reassembly.Config `mapstructure:"reassembly" envPrefix:"REASSEMBLY_"`
	Engine     engine.Config     `mapstructure:"engine" envPrefix:"ENGINE_"`
	Capture    capture.Config    `mapstructure:"capture" envPrefix:"CAPTURE_"`
	Output     OutputConfig      `mapstructure:"output" envPrefix:"OUTPUT_"`
	Export     export.Config     `mapstructure:"export" envPrefix:"EXPORT_"`
	Metrics    MetricsConfig     `mapstructure:"metrics" envPrefix:"METRICS_"`
	Log        LogConfig         `mapstructure:"log" envPrefix:"LOG_"`
}

// OutputConfig selects local sinks.
type OutputConfig struct {
	// Pcap writes completed datagrams and stream chunks to a pcap file.
	Pcap string `mapstructure:"pcap" env:"PCAP"`

	// JSON writes one JSON object per event. "-" is stdout.
	JSON string `mapstructure:"json" env:"JSON"`

	// JSONPayloads includes base64 payloads in JSON events.
	JSONPayloads bool `mapstructure:"json_payloads" env:"JSON_PAYLOADS"`

	// QueueSize is the backlog of each asynchronous sink.
	// Default: 4096.
	QueueSize int `mapstructure:"queue_size" env:"QUEUE_SIZE"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Address serves /metrics when set, e.g. ":9110".
	Address string `mapstructure:"address" env:"ADDRESS"`

	// LogInterval is the period of the stats log line. Zero disables it.
	// Default: 10s.
	LogInterval time.Duration `mapstructure:"log_interval" env:"LOG_INTERVAL"`
}

// Default returns the built-in defaults of every component.
func Default() Config {
	return Config{
		Reassembly: reassembly.DefaultConfig(),
		Engine:     engine.DefaultConfig(),
		Capture:    capture.DefaultConfig(),
		Output:     OutputConfig{QueueSize: 4096},
		Export:     export.DefaultConfig(),
		Metrics:    MetricsConfig{LogInterval: 10 * time.Second},
		Log:        DefaultLogConfig(),
	}
}

// Load builds a Config from defaults, the file at path (if any) and the
// environment, then validates it. An empty path falls back to FindFile.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = FindFile()
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// DefaultPaths returns the locations searched for a config file.
func DefaultPaths() []string {
	paths := []string{
		"/etc/netsift/netsift.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "netsift", "netsift.yaml"))
	}
	return paths
}

// FindFile returns the file named by NETSIFT_CONFIG, else the first
// existing default path, else "".
func FindFile() string {
	if path := os.Getenv(EnvConfigFile); path != "" {
		return path
	}
	for _, path := range DefaultPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ExportEnabled reports whether an export address is configured.
func (c *Config) ExportEnabled() bool {
	return c.Export.Address != ""
}

// Validate validates every section and fills remaining defaults. The
// export section is only checked when export is enabled.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Reassembly.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reassembly: %w", err))
	}
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := c.Capture.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("capture: %w", err))
	}
	if c.ExportEnabled() {
		if err := c.Export.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("export: %w", err))
		}
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Output.QueueSize <= 0 {
		c.Output.QueueSize = 4096
	}
	if c.Metrics.LogInterval < 0 {
		errs = append(errs, fmt.Errorf("metrics: LogInterval must not be negative"))
	}
	if _, err := engine.NewFilter(c.Engine.Filter); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	return errors.Join(errs...)
}
