/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package capture reads packets from live interfaces, capture files and BPF
// ring buffers, and hands them to the engine as Records.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// ErrClosed is returned by ReadRecord after Close.
var ErrClosed = errors.New("capture source closed")

// Direction specifies which direction of packets to capture.
type Direction int

const (
	DirectionIn    Direction = iota // Capture incoming packets only
	DirectionOut                    // Capture outgoing packets only
	DirectionInOut                  // Capture both directions
)

// ParseDirection parses "in", "out" or "inout".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "in":
		return DirectionIn, nil
	case "out":
		return DirectionOut, nil
	case "", "inout", "both":
		return DirectionInOut, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

// RecordFlags carries per-packet facts reported by the backend.
type RecordFlags uint32

const (
	// FlagOutgoing marks packets sent by the capturing host.
	FlagOutgoing RecordFlags = 1 << iota
	// FlagTruncated marks packets cut short by the snap length.
	FlagTruncated
)

// Record is one captured packet. A Record is owned by whichever pipeline
// stage holds it and is not modified after creation.
type Record struct {
	Data          []byte
	Length        uint32
	CaptureLength uint32
	Timestamp     time.Time
	IfIndex       uint32
	Flags         RecordFlags
	LinkType      layers.LinkType
}

// NewRecord builds a Record from gopacket capture metadata. data is kept,
// not copied.
func NewRecord(data []byte, ci gopacket.CaptureInfo, link layers.LinkType) Record {
	rec := Record{
		Data:          data,
		Length:        uint32(ci.Length),
		CaptureLength: uint32(ci.CaptureLength),
		Timestamp:     ci.Timestamp,
		IfIndex:       uint32(ci.InterfaceIndex),
		LinkType:      link,
	}
	if rec.Length == 0 {
		rec.Length = uint32(len(data))
	}
	if rec.CaptureLength == 0 {
		rec.CaptureLength = uint32(len(data))
	}
	if rec.CaptureLength < rec.Length {
		rec.Flags |= FlagTruncated
	}
	return rec
}

// Truncated reports whether part of the packet was not captured.
func (r Record) Truncated() bool {
	return r.Flags&FlagTruncated != 0 || r.CaptureLength < r.Length
}

// Stats contains packet capture statistics. Values are running totals.
type Stats struct {
	PacketsReceived  uint64
	PacketsDropped   uint64
	PacketsIfDropped uint64
	BytesReceived    uint64
}

// Source is a capture backend.
type Source interface {
	// ReadRecord blocks until a packet is available. Offline sources
	// return io.EOF when exhausted; every source returns ErrClosed after
	// Close.
	ReadRecord() (Record, error)

	// SetFilter installs a capture filter.
	SetFilter(filter string) error

	// Stats returns capture statistics.
	Stats() (Stats, error)

	// Close releases resources and unblocks ReadRecord.
	Close() error
}

// BackendError wraps a failure reported by a capture backend.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("capture backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
