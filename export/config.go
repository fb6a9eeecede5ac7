/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package export

import (
	"fmt"
	"time"
)

// Config holds QUIC export configuration. The exporter and the receiver
// must agree on Key (or certificate files) and ALPN.
type Config struct {
	// Address is the receiver address: dialed by the exporter, listened on
	// by the receiver.
	Address string `mapstructure:"address" env:"ADDRESS"`

	// Key is the shared secret both sides derive the TLS identity from.
	Key string `mapstructure:"key" env:"KEY"`

	// CertFile and KeyFile replace the derived identity. The receiver
	// presents the pair and the exporter pins its public key.
	CertFile string `mapstructure:"cert_file" env:"CERT_FILE"`
	KeyFile  string `mapstructure:"key_file" env:"KEY_FILE"`

	// ALPN is the Application-Layer Protocol Negotiation identifier.
	// Default: "netsift-export".
	ALPN string `mapstructure:"alpn" env:"ALPN"`

	// Streams is the number of parallel QUIC streams. Events for one key
	// always use the same stream.
	// Default: 8. Range: 1-256.
	Streams int `mapstructure:"streams" env:"STREAMS"`

	// QueueSize is the per-stream backlog of encoded frames. Frames beyond
	// it are dropped.
	// Default: 4096.
	QueueSize int `mapstructure:"queue_size" env:"QUEUE_SIZE"`

	// MaxFrameSize bounds frames accepted by the receiver.
	// Default: 1MB.
	MaxFrameSize int `mapstructure:"max_frame_size" env:"MAX_FRAME_SIZE"`

	// IdleTimeout is how long a connection can be idle before closing.
	// Default: 30s. Range: 1s-5m.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" env:"IDLE_TIMEOUT"`

	// KeepAlivePeriod is how often to send keep-alive packets.
	// Default: IdleTimeout / 3.
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period" env:"KEEP_ALIVE_PERIOD"`

	// DialTimeout bounds connection establishment.
	// Default: 10s.
	DialTimeout time.Duration `mapstructure:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ALPN:         "netsift-export",
		Streams:      8,
		QueueSize:    4096,
		MaxFrameSize: 1 << 20,
		IdleTimeout:  30 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// Validate checks if the configuration is valid and clamps ranges.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("Address must be specified")
	}
	if c.Key == "" && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("either Key or CertFile/KeyFile must be specified")
	}
	if c.ALPN == "" {
		c.ALPN = "netsift-export"
	}
	if c.Streams <= 0 {
		c.Streams = 8
	}
	if c.Streams > 256 {
		c.Streams = 256
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 1 << 20
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.IdleTimeout < time.Second {
		c.IdleTimeout = time.Second
	}
	if c.IdleTimeout > 5*time.Minute {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.KeepAlivePeriod <= 0 || c.KeepAlivePeriod >= c.IdleTimeout {
		c.KeepAlivePeriod = c.IdleTimeout / 3
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return nil
}
