/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: "info".
	Level string `mapstructure:"level" env:"LEVEL"`

	// Format is "console" or "json".
	// Default: "console".
	Format string `mapstructure:"format" env:"FORMAT"`
}

// DefaultLogConfig returns info-level console logging.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "console"}
}

// Validate checks the level and format.
func (c *LogConfig) Validate() error {
	if c.Level == "" {
		c.Level = "info"
	}
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "":
		c.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q (use console or json)", c.Format)
	}
	return nil
}

// NewLogger builds a logger writing to stderr.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	level, _ := zap.ParseAtomicLevel(c.Level)

	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	zc.Encoding = c.Format
	zc.Sampling = nil
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
