//go:build linux

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/gopacket/gopacket/layers"
)

// ringbufHeaderLen is the size of the little-endian header preceding each
// packet in a ring buffer sample:
//
//	u32 len, u32 caplen, u64 timestamp_ns, u32 ifindex, u32 flags
const ringbufHeaderLen = 24

// RingbufHandle reads packets that a BPF program pushes into a pinned
// ring buffer map.
type RingbufHandle struct {
	m    *ebpf.Map
	rd   *ringbuf.Reader
	link layers.LinkType

	received  atomic.Uint64
	malformed atomic.Uint64
	bytes     atomic.Uint64
	closed    atomic.Bool
}

// NewRingbufHandle opens the ring buffer pinned at cfg.RingbufPath.
func NewRingbufHandle(cfg *Config) (*RingbufHandle, error) {
	link, err := cfg.linkType()
	if err != nil {
		return nil, err
	}
	m, err := ebpf.LoadPinnedMap(cfg.RingbufPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load pinned map %s: %w", cfg.RingbufPath, err)
	}
	if m.Type() != ebpf.RingBuf {
		m.Close()
		return nil, fmt.Errorf("map %s is %s, not a ring buffer", cfg.RingbufPath, m.Type())
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to open ring buffer reader: %w", err)
	}
	return &RingbufHandle{m: m, rd: rd, link: link}, nil
}

// decodeRingbufSample parses one ring buffer sample.
func decodeRingbufSample(raw []byte, link layers.LinkType) (Record, error) {
	if len(raw) < ringbufHeaderLen {
		return Record{}, fmt.Errorf("ring buffer sample too short: %d bytes", len(raw))
	}
	length := binary.LittleEndian.Uint32(raw[0:4])
	caplen := binary.LittleEndian.Uint32(raw[4:8])
	ts := binary.LittleEndian.Uint64(raw[8:16])
	ifindex := binary.LittleEndian.Uint32(raw[16:20])
	flags := binary.LittleEndian.Uint32(raw[20:24])

	payload := raw[ringbufHeaderLen:]
	if int(caplen) > len(payload) || caplen > length {
		return Record{}, fmt.Errorf("ring buffer sample caplen %d exceeds sample (%d) or length (%d)", caplen, len(payload), length)
	}

	data := make([]byte, caplen)
	copy(data, payload[:caplen])
	rec := Record{
		Data:          data,
		Length:        length,
		CaptureLength: caplen,
		Timestamp:     time.Unix(0, int64(ts)),
		IfIndex:       ifindex,
		Flags:         RecordFlags(flags) & FlagOutgoing,
		LinkType:      link,
	}
	if caplen < length {
		rec.Flags |= FlagTruncated
	}
	return rec, nil
}

// ReadRecord blocks until a sample is available or the handle is closed.
// Malformed samples are counted as dropped and skipped.
func (h *RingbufHandle) ReadRecord() (Record, error) {
	for {
		sample, err := h.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || h.closed.Load() {
				return Record{}, ErrClosed
			}
			return Record{}, err
		}

		rec, err := decodeRingbufSample(sample.RawSample, h.link)
		if err != nil {
			h.malformed.Add(1)
			continue
		}
		h.received.Add(1)
		h.bytes.Add(uint64(rec.CaptureLength))
		return rec, nil
	}
}

// SetFilter is unsupported: the BPF program producing samples filters.
func (h *RingbufHandle) SetFilter(filter string) error {
	if filter == "" {
		return nil
	}
	return errors.New("filters are not supported by the ringbuf backend")
}

// Stats returns capture statistics.
func (h *RingbufHandle) Stats() (Stats, error) {
	return Stats{
		PacketsReceived: h.received.Load() + h.malformed.Load(),
		PacketsDropped:  h.malformed.Load(),
		BytesReceived:   h.bytes.Load(),
	}, nil
}

// Close releases resources.
func (h *RingbufHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return errors.Join(h.rd.Close(), h.m.Close())
}

var _ Source = (*RingbufHandle)(nil)
