//go:build !linux

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import "errors"

var errNoAFPacket = errors.New("AF_PACKET is only supported on Linux")

// AFPacketHandle is not available on non-Linux platforms.
type AFPacketHandle struct{}

// NewAFPacketHandle returns an error on non-Linux platforms.
func NewAFPacketHandle(cfg *Config) (*AFPacketHandle, error) {
	return nil, errNoAFPacket
}

func (h *AFPacketHandle) ReadRecord() (Record, error)   { return Record{}, errNoAFPacket }
func (h *AFPacketHandle) SetFilter(filter string) error { return errNoAFPacket }
func (h *AFPacketHandle) Stats() (Stats, error)         { return Stats{}, errNoAFPacket }
func (h *AFPacketHandle) Close() error                  { return nil }

var _ Source = (*AFPacketHandle)(nil)
