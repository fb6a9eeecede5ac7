//go:build !linux

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import "errors"

var errNoRingbuf = errors.New("BPF ring buffers are only supported on Linux")

// RingbufHandle is not available on non-Linux platforms.
type RingbufHandle struct{}

// NewRingbufHandle returns an error on non-Linux platforms.
func NewRingbufHandle(cfg *Config) (*RingbufHandle, error) {
	return nil, errNoRingbuf
}

func (h *RingbufHandle) ReadRecord() (Record, error)   { return Record{}, errNoRingbuf }
func (h *RingbufHandle) SetFilter(filter string) error { return errNoRingbuf }
func (h *RingbufHandle) Stats() (Stats, error)         { return Stats{}, errNoRingbuf }
func (h *RingbufHandle) Close() error                  { return nil }

var _ Source = (*RingbufHandle)(nil)
