/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"fmt"
	"strings"

	"golang.org/x/net/bpf"
)

const (
	ethOffsetType  = 12
	ethHeaderLen   = 14
	etherTypeIPv4  = 0x0800
	etherTypeIPv6  = 0x86dd
	ipProtoTCP     = 6
	ip6NextFrag    = 44
	ip4OffsetProto = ethHeaderLen + 9
	ip6OffsetNext  = ethHeaderLen + 6
)

// filterProgram returns a classic BPF program for Ethernet frames
// implementing one of the expressions the AF_PACKET backend understands.
// VLAN-tagged frames never match.
//
// "tcp" keeps every IPv4 packet whose protocol is TCP, which includes all
// fragments of a fragmented segment, and IPv6 packets whose first next
// header is TCP or Fragment.
func filterProgram(filter string, snapLen uint32) ([]bpf.Instruction, error) {
	accept := bpf.RetConstant{Val: snapLen}
	reject := bpf.RetConstant{Val: 0}
	loadType := bpf.LoadAbsolute{Off: ethOffsetType, Size: 2}

	switch strings.Join(strings.Fields(strings.ToLower(filter)), " ") {
	case "ip":
		return []bpf.Instruction{
			loadType,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: 1},
			accept,
			reject,
		}, nil

	case "ip6":
		return []bpf.Instruction{
			loadType,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipFalse: 1},
			accept,
			reject,
		}, nil

	case "ip or ip6", "ip6 or ip":
		return []bpf.Instruction{
			loadType,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 1},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipFalse: 1},
			accept,
			reject,
		}, nil

	case "tcp":
		return []bpf.Instruction{
			/* 0 */ loadType,
			/* 1 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: 2},
			/* 2 */ bpf.LoadAbsolute{Off: ip4OffsetProto, Size: 1},
			/* 3 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipProtoTCP, SkipTrue: 4, SkipFalse: 5},
			/* 4 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipFalse: 4},
			/* 5 */ bpf.LoadAbsolute{Off: ip6OffsetNext, Size: 1},
			/* 6 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: ipProtoTCP, SkipTrue: 1},
			/* 7 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: ip6NextFrag, SkipFalse: 1},
			/* 8 */ accept,
			/* 9 */ reject,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported filter: %q (use ip, ip6, ip or ip6, tcp)", filter)
	}
}
