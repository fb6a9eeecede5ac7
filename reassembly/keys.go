/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"fmt"
	"net/netip"
)

// FragmentKey identifies the fragment group of one in-flight datagram.
type FragmentKey struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	ID       uint32
}

func (k FragmentKey) String() string {
	return fmt.Sprintf("%s->%s proto=%d id=%d", k.Src, k.Dst, k.Protocol, k.ID)
}

// StreamKey identifies one direction of a TCP connection.
type StreamKey struct {
	Src      netip.Addr
	SrcPort  uint16
	Dst      netip.Addr
	DstPort  uint16
	Protocol uint8
}

func (k StreamKey) String() string {
	return netip.AddrPortFrom(k.Src, k.SrcPort).String() + "->" + netip.AddrPortFrom(k.Dst, k.DstPort).String()
}

// Reverse returns the key of the opposite direction.
func (k StreamKey) Reverse() StreamKey {
	return StreamKey{
		Src:      k.Dst,
		SrcPort:  k.DstPort,
		Dst:      k.Src,
		DstPort:  k.SrcPort,
		Protocol: k.Protocol,
	}
}
