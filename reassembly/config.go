/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"fmt"
	"runtime"
	"time"
)

// Config holds the reassembly table limits and timeouts.
type Config struct {
	// FragmentTimeout is how long a fragment group may go without a new
	// fragment before the reaper discards it.
	// Default: 30s.
	FragmentTimeout time.Duration `mapstructure:"fragment_timeout" env:"FRAGMENT_TIMEOUT"`

	// StreamTimeout is how long a stream context may stay idle before the
	// reaper removes it.
	// Default: 5m.
	StreamTimeout time.Duration `mapstructure:"stream_timeout" env:"STREAM_TIMEOUT"`

	// MaxFragmentGroups bounds the number of in-flight datagrams. Admitting
	// a new one when full evicts the oldest.
	// Default: 10000.
	MaxFragmentGroups int `mapstructure:"max_fragment_groups" env:"MAX_FRAGMENT_GROUPS"`

	// MaxFragmentsPerGroup bounds the fragments accepted for one datagram.
	// Default: 1024.
	MaxFragmentsPerGroup int `mapstructure:"max_fragments_per_group" env:"MAX_FRAGMENTS_PER_GROUP"`

	// MaxStreams bounds the number of tracked stream directions.
	// Default: 10000.
	MaxStreams int `mapstructure:"max_streams" env:"MAX_STREAMS"`

	// MaxBufferedSegmentsPerStream bounds the out-of-order buffer of one
	// stream. A stream that exceeds it is dropped.
	// Default: 100.
	MaxBufferedSegmentsPerStream int `mapstructure:"max_buffered_segments_per_stream" env:"MAX_BUFFERED_SEGMENTS_PER_STREAM"`

	// MaxBufferedBytesPerStream bounds the bytes held out of order for one
	// stream.
	// Default: 16MB.
	MaxBufferedBytesPerStream int `mapstructure:"max_buffered_bytes_per_stream" env:"MAX_BUFFERED_BYTES_PER_STREAM"`

	// ShardCount is the number of independently locked partitions per table.
	// Default: GOMAXPROCS.
	ShardCount int `mapstructure:"shard_count" env:"SHARD_COUNT"`

	// ReaperInterval is the period of the expiry sweep.
	// Default: 1s.
	ReaperInterval time.Duration `mapstructure:"reaper_interval" env:"REAPER_INTERVAL"`

	// Now is the clock used for entry ages. Nil means time.Now.
	Now func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		FragmentTimeout:              30 * time.Second,
		StreamTimeout:                5 * time.Minute,
		MaxFragmentGroups:            10000,
		MaxFragmentsPerGroup:         1024,
		MaxStreams:                   10000,
		MaxBufferedSegmentsPerStream: 100,
		MaxBufferedBytesPerStream:    16 * 1024 * 1024,
		ShardCount:                   runtime.GOMAXPROCS(0),
		ReaperInterval:               time.Second,
	}
}

// Validate rejects negative values and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.FragmentTimeout < 0 || c.StreamTimeout < 0 || c.ReaperInterval < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxFragmentGroups < 0 || c.MaxStreams < 0 || c.MaxFragmentsPerGroup < 0 ||
		c.MaxBufferedSegmentsPerStream < 0 || c.MaxBufferedBytesPerStream < 0 || c.ShardCount < 0 {
		return fmt.Errorf("limits must not be negative")
	}

	def := DefaultConfig()
	if c.FragmentTimeout == 0 {
		c.FragmentTimeout = def.FragmentTimeout
	}
	if c.StreamTimeout == 0 {
		c.StreamTimeout = def.StreamTimeout
	}
	if c.MaxFragmentGroups == 0 {
		c.MaxFragmentGroups = def.MaxFragmentGroups
	}
	if c.MaxFragmentsPerGroup == 0 {
		c.MaxFragmentsPerGroup = def.MaxFragmentsPerGroup
	}
	if c.MaxStreams == 0 {
		c.MaxStreams = def.MaxStreams
	}
	if c.MaxBufferedSegmentsPerStream == 0 {
		c.MaxBufferedSegmentsPerStream = def.MaxBufferedSegmentsPerStream
	}
	if c.MaxBufferedBytesPerStream == 0 {
		c.MaxBufferedBytesPerStream = def.MaxBufferedBytesPerStream
	}
	if c.ShardCount == 0 {
		c.ShardCount = def.ShardCount
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = def.ReaperInterval
	}
	return nil
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
