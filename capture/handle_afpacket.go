//go:build linux

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/layers"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// AFPacketHandle captures from a live interface through a Linux AF_PACKET
// socket.
type AFPacketHandle struct {
	fd      int
	ifIndex int
	dir     Direction
	snapLen uint32
	readBuf []byte

	packetsRecv atomic.Uint64
	bytesRecv   atomic.Uint64
	closed      atomic.Bool

	// PACKET_STATISTICS resets on every read.
	statsMu     sync.Mutex
	kernelRecv  uint64
	kernelDrops uint64
}

// NewAFPacketHandle opens an AF_PACKET socket bound to cfg.Interface.
func NewAFPacketHandle(cfg *Config) (*AFPacketHandle, error) {
	iface, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("failed to get interface %s: %w", cfg.Interface, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create AF_PACKET socket: %w", err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind to interface %s (index=%d): %w", cfg.Interface, iface.Index, err)
	}

	if cfg.Promisc {
		mreq := &unix.PacketMreq{Ifindex: int32(iface.Index), Type: unix.PACKET_MR_PROMISC}
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to enable promiscuous mode on %s: %w", cfg.Interface, err)
		}
	}

	// Buffer size and timeout are best effort.
	if cfg.SocketBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.SocketBuffer)
	}
	tv := unix.NsecToTimeval(cfg.ReadTimeout.Nanoseconds())
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)

	dir, _ := ParseDirection(cfg.Direction)
	return &AFPacketHandle{
		fd:      fd,
		ifIndex: iface.Index,
		dir:     dir,
		snapLen: uint32(cfg.SnapLen),
		readBuf: make([]byte, cfg.SnapLen),
	}, nil
}

func (h *AFPacketHandle) wants(pktType uint8) bool {
	switch h.dir {
	case DirectionIn:
		return pktType != unix.PACKET_OUTGOING
	case DirectionOut:
		return pktType == unix.PACKET_OUTGOING
	default:
		return true
	}
}

// ReadRecord blocks until a packet is available or the handle is closed.
// The returned data is a copy.
func (h *AFPacketHandle) ReadRecord() (Record, error) {
	for {
		if h.closed.Load() {
			return Record{}, ErrClosed
		}

		// MSG_TRUNC makes n the wire length even when the buffer is shorter.
		n, from, err := unix.Recvfrom(h.fd, h.readBuf, unix.MSG_TRUNC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if h.closed.Load() {
				return Record{}, ErrClosed
			}
			return Record{}, err
		}

		var flags RecordFlags
		if ll, ok := from.(*unix.SockaddrLinklayer); ok {
			if !h.wants(ll.Pkttype) {
				continue
			}
			if ll.Pkttype == unix.PACKET_OUTGOING {
				flags |= FlagOutgoing
			}
		}

		caplen := min(n, len(h.readBuf))
		data := make([]byte, caplen)
		copy(data, h.readBuf[:caplen])
		h.packetsRecv.Add(1)
		h.bytesRecv.Add(uint64(caplen))

		rec := Record{
			Data:          data,
			Length:        uint32(n),
			CaptureLength: uint32(caplen),
			Timestamp:     time.Now(),
			IfIndex:       uint32(h.ifIndex),
			Flags:         flags,
			LinkType:      layers.LinkTypeEthernet,
		}
		if caplen < n {
			rec.Flags |= FlagTruncated
		}
		return rec, nil
	}
}

// SetFilter attaches a socket filter. See filterProgram for the accepted
// expressions; the empty filter detaches.
func (h *AFPacketHandle) SetFilter(filter string) error {
	if filter == "" {
		err := unix.SetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_DETACH_FILTER, 0)
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return err
	}

	prog, err := filterProgram(filter, h.snapLen)
	if err != nil {
		return err
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return fmt.Errorf("failed to assemble BPF filter %q: %w", filter, err)
	}

	sockFilters := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		sockFilters[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := &unix.SockFprog{
		Len:    uint16(len(sockFilters)),
		Filter: &sockFilters[0],
	}
	if err := unix.SetsockoptSockFprog(h.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, fprog); err != nil {
		return fmt.Errorf("failed to attach BPF filter %q (fd=%d, len=%d): %w", filter, h.fd, len(sockFilters), err)
	}
	return nil
}

// Close releases resources.
func (h *AFPacketHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return unix.Close(h.fd)
}

// Stats returns capture statistics. Kernel counters are accumulated across
// calls.
func (h *AFPacketHandle) Stats() (Stats, error) {
	if h.closed.Load() {
		return Stats{}, ErrClosed
	}

	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	ks, err := unix.GetsockoptTpacketStats(h.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read PACKET_STATISTICS: %w", err)
	}
	h.kernelRecv += uint64(ks.Packets)
	h.kernelDrops += uint64(ks.Drops)

	return Stats{
		PacketsReceived: max(h.kernelRecv, h.packetsRecv.Load()),
		PacketsDropped:  h.kernelDrops,
		BytesReceived:   h.bytesRecv.Load(),
	}, nil
}

// htons converts a uint16 from host to network byte order.
func htons(i uint16) uint16 {
	return (i<<8)&0xff00 | i>>8
}

var _ Source = (*AFPacketHandle)(nil)
