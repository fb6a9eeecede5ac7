/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"fmt"
	"time"

	"github.com/gopacket/gopacket/layers"
)

// Config holds capture backend configuration.
type Config struct {
	// Backend selects the capture backend: "auto", "pcap", "afpacket",
	// "file" or "ringbuf".
	// Default: "auto" (AF_PACKET first on Linux, then pcap).
	Backend string `mapstructure:"backend" env:"BACKEND"`

	// Interface is the network interface name (e.g., "eth0", "en0").
	// Empty means the interface of the default route.
	Interface string `mapstructure:"interface" env:"INTERFACE"`

	// File is the pcap or pcapng file read by the "file" backend.
	File string `mapstructure:"file" env:"FILE"`

	// RingbufPath is the bpffs path of a pinned BPF ring buffer map read by
	// the "ringbuf" backend.
	RingbufPath string `mapstructure:"ringbuf_path" env:"RINGBUF_PATH"`

	// LinkType is the link layer of ring buffer records: "ethernet", "raw"
	// or "linux_sll".
	// Default: "ethernet".
	LinkType string `mapstructure:"link_type" env:"LINK_TYPE"`

	// SnapLen is the maximum number of bytes captured per packet.
	// Default: 65535.
	SnapLen int `mapstructure:"snap_len" env:"SNAP_LEN"`

	// Promisc enables promiscuous mode on live interfaces.
	// Default: true.
	Promisc bool `mapstructure:"promisc" env:"PROMISC"`

	// SocketBuffer is the pcap/AF_PACKET buffer size in bytes.
	// Default: 4MB.
	SocketBuffer int `mapstructure:"socket_buffer" env:"SOCKET_BUFFER"`

	// Filter is a capture filter. pcap accepts any BPF expression; the
	// AF_PACKET backend accepts "ip", "ip6", "ip or ip6" and "tcp".
	Filter string `mapstructure:"filter" env:"FILTER"`

	// Direction is "in", "out" or "inout".
	// Default: "inout".
	Direction string `mapstructure:"direction" env:"DIRECTION"`

	// ReadTimeout is the poll timeout of live reads, after which the
	// backend checks whether it was closed.
	// Default: 100ms.
	ReadTimeout time.Duration `mapstructure:"read_timeout" env:"READ_TIMEOUT"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:      "auto",
		LinkType:     "ethernet",
		SnapLen:      65535,
		Promisc:      true,
		SocketBuffer: 4 * 1024 * 1024,
		Direction:    "inout",
		ReadTimeout:  100 * time.Millisecond,
	}
}

// Validate checks if the configuration is valid and fills defaults.
func (c *Config) Validate() error {
	switch c.Backend {
	case "":
		c.Backend = "auto"
	case "auto", "pcap", "afpacket":
	case "file":
		if c.File == "" {
			return fmt.Errorf("File must be specified for the file backend")
		}
	case "ringbuf":
		if c.RingbufPath == "" {
			return fmt.Errorf("RingbufPath must be specified for the ringbuf backend")
		}
	default:
		return fmt.Errorf("unknown backend: %s (use auto, pcap, afpacket, file or ringbuf)", c.Backend)
	}
	if _, err := ParseDirection(c.Direction); err != nil {
		return err
	}
	if c.LinkType == "" {
		c.LinkType = "ethernet"
	}
	if _, err := c.linkType(); err != nil {
		return err
	}
	if c.SnapLen <= 0 {
		c.SnapLen = 65535
	}
	if c.SocketBuffer < 0 {
		return fmt.Errorf("SocketBuffer must not be negative")
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	return nil
}

func (c *Config) linkType() (layers.LinkType, error) {
	switch c.LinkType {
	case "", "ethernet":
		return layers.LinkTypeEthernet, nil
	case "raw":
		return layers.LinkTypeRaw, nil
	case "linux_sll":
		return layers.LinkTypeLinuxSLL, nil
	default:
		return 0, fmt.Errorf("unknown link type: %s", c.LinkType)
	}
}
