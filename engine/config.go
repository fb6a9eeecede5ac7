/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package engine

import (
	"fmt"
	"runtime"
	"time"
)

// Config holds ingest queue and worker settings.
type Config struct {
	// QueueSize is the capacity of the ingest queue between capture and
	// the workers. Records submitted while it is full are dropped.
	// Default: 8192.
	QueueSize int `mapstructure:"queue_size" env:"QUEUE_SIZE"`

	// Workers is the number of classification workers.
	// Default: GOMAXPROCS.
	Workers int `mapstructure:"workers" env:"WORKERS"`

	// Filter is an expression over packet metadata. Packets for which it
	// is false are counted and skipped. Fragments are matched after
	// reassembly, with fragment set. Variables: proto, version, src,
	// dst, sport, dport, fragment, length, ifindex.
	// Example: `proto == "tcp" && dport in [80, 443]`.
	Filter string `mapstructure:"filter" env:"FILTER"`

	// BlockWhenFull makes Run wait for queue space instead of dropping.
	// Meant for offline sources, where dropping loses data for nothing.
	BlockWhenFull bool `mapstructure:"block_when_full" env:"BLOCK_WHEN_FULL"`

	// StatsInterval is how often capture backend statistics are merged.
	// Default: 1s.
	StatsInterval time.Duration `mapstructure:"stats_interval" env:"STATS_INTERVAL"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:     8192,
		Workers:       runtime.GOMAXPROCS(0),
		StatsInterval: time.Second,
	}
}

// Validate rejects negative values and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.QueueSize < 0 || c.Workers < 0 {
		return fmt.Errorf("QueueSize and Workers must not be negative")
	}
	if c.QueueSize == 0 {
		c.QueueSize = 8192
	}
	if c.Workers == 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Second
	}
	return nil
}
