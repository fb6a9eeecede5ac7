//go:build linux && !cgo

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import "errors"

var errNoPcap = errors.New("pcap is not available without CGO on Linux; use the afpacket backend")

// PcapHandle is not available on Linux without CGO.
type PcapHandle struct{}

// NewPcapHandle returns an error on Linux without CGO.
func NewPcapHandle(cfg *Config) (*PcapHandle, error) {
	return nil, errNoPcap
}

func (h *PcapHandle) ReadRecord() (Record, error)   { return Record{}, errNoPcap }
func (h *PcapHandle) SetFilter(filter string) error { return errNoPcap }
func (h *PcapHandle) Stats() (Stats, error)         { return Stats{}, errNoPcap }
func (h *PcapHandle) Close() error                  { return nil }

var _ Source = (*PcapHandle)(nil)
