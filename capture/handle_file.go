/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// FileHandle reads packets from a pcap or pcapng file. It returns io.EOF
// once the file is exhausted.
type FileHandle struct {
	mu sync.Mutex
	f  *os.File
	r  packetReader

	received atomic.Uint64
	bytes    atomic.Uint64
	closed   atomic.Bool
}

// NewFileHandle opens cfg.File, detecting pcap or pcapng format.
func NewFileHandle(cfg *Config) (*FileHandle, error) {
	f, err := os.Open(cfg.File)
	if err != nil {
		return nil, err
	}
	r, err := newPacketReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", cfg.File, err)
	}
	return &FileHandle{f: f, r: r}, nil
}

func newPacketReader(f io.ReadSeeker) (packetReader, error) {
	r, err := pcapgo.NewReader(f)
	if err == nil {
		return r, nil
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return nil, serr
	}
	ng, ngErr := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, fmt.Errorf("neither pcap nor pcapng: %w", errors.Join(err, ngErr))
	}
	return ng, nil
}

// ReadRecord returns the next packet in the file.
func (h *FileHandle) ReadRecord() (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return Record{}, ErrClosed
	}
	data, ci, err := h.r.ReadPacketData()
	if err != nil {
		if h.closed.Load() {
			return Record{}, ErrClosed
		}
		return Record{}, err
	}
	h.received.Add(1)
	h.bytes.Add(uint64(len(data)))
	return NewRecord(data, ci, h.r.LinkType()), nil
}

// SetFilter is unsupported for files.
func (h *FileHandle) SetFilter(filter string) error {
	if filter == "" {
		return nil
	}
	return errors.New("filters are not supported by the file backend")
}

// Stats returns capture statistics. Files never drop.
func (h *FileHandle) Stats() (Stats, error) {
	return Stats{
		PacketsReceived: h.received.Load(),
		BytesReceived:   h.bytes.Load(),
	}, nil
}

// Close releases resources.
func (h *FileHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.f.Close()
}

var _ Source = (*FileHandle)(nil)
