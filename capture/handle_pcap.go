//go:build !linux || cgo

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gopacket/gopacket/pcap"
)

// PcapHandle captures from a live interface through libpcap.
type PcapHandle struct {
	handle *pcap.Handle
	dir    Direction
	bytes  atomic.Uint64
	closed atomic.Bool
}

// NewPcapHandle opens cfg.Interface for live capture.
func NewPcapHandle(cfg *Config) (*PcapHandle, error) {
	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("failed to create inactive handle on %s: %w", cfg.Interface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(cfg.SnapLen); err != nil {
		return nil, fmt.Errorf("failed to set snap length: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promisc); err != nil {
		return nil, fmt.Errorf("failed to set promiscuous mode: %w", err)
	}
	// Poll timeout, not an error condition: reads retry until closed.
	if err := inactive.SetTimeout(cfg.ReadTimeout); err != nil {
		return nil, fmt.Errorf("failed to set timeout: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return nil, fmt.Errorf("failed to set immediate mode: %w", err)
	}
	if cfg.SocketBuffer > 0 {
		if err := inactive.SetBufferSize(cfg.SocketBuffer); err != nil {
			return nil, fmt.Errorf("failed to set buffer size: %w", err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("failed to activate pcap handle: %w", err)
	}

	dir, _ := ParseDirection(cfg.Direction)
	h := &PcapHandle{handle: handle, dir: dir}
	if err := h.setDirection(dir); err != nil {
		handle.Close()
		return nil, err
	}
	return h, nil
}

// isPcapTimeout checks if the error is a pcap timeout (not a real error).
func isPcapTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return true
	}
	// Some platforms report the timeout as plain text.
	errStr := err.Error()
	return strings.Contains(errStr, "Timeout") ||
		strings.Contains(errStr, "timeout")
}

// ReadRecord blocks until a packet is available or the handle is closed.
func (h *PcapHandle) ReadRecord() (Record, error) {
	for {
		if h.closed.Load() {
			return Record{}, ErrClosed
		}

		data, ci, err := h.handle.ReadPacketData()
		if err != nil {
			if isPcapTimeout(err) {
				continue
			}
			if h.closed.Load() {
				return Record{}, ErrClosed
			}
			return Record{}, err
		}

		h.bytes.Add(uint64(len(data)))
		return NewRecord(data, ci, h.handle.LinkType()), nil
	}
}

// SetFilter installs a BPF expression.
func (h *PcapHandle) SetFilter(filter string) error {
	if filter == "" {
		return nil
	}
	return h.handle.SetBPFFilter(filter)
}

func (h *PcapHandle) setDirection(dir Direction) error {
	var pcapDir pcap.Direction
	switch dir {
	case DirectionIn:
		pcapDir = pcap.DirectionIn
	case DirectionOut:
		pcapDir = pcap.DirectionOut
	case DirectionInOut:
		return nil
	default:
		return fmt.Errorf("invalid direction: %d", dir)
	}
	return h.handle.SetDirection(pcapDir)
}

// Close releases resources.
func (h *PcapHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.handle.Close()
	return nil
}

// Stats returns capture statistics.
func (h *PcapHandle) Stats() (Stats, error) {
	if h.closed.Load() {
		return Stats{}, ErrClosed
	}
	s, err := h.handle.Stats()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		PacketsReceived:  uint64(s.PacketsReceived),
		PacketsDropped:   uint64(s.PacketsDropped),
		PacketsIfDropped: uint64(s.PacketsIfDropped),
		BytesReceived:    h.bytes.Load(),
	}, nil
}

var _ Source = (*PcapHandle)(nil)
