/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package classify decodes captured records and routes them to fragment
// reassembly, stream reassembly, or pass-through.
package classify

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/netsift/netsift/capture"
	"github.com/netsift/netsift/reassembly"
)

// Decode errors. All wrap reassembly.ErrInvalidPacket.
var (
	ErrTooShort   = fmt.Errorf("%w: packet too short", reassembly.ErrInvalidPacket)
	ErrBadVersion = fmt.Errorf("%w: unsupported IP version", reassembly.ErrInvalidPacket)
	ErrBadLength  = fmt.Errorf("%w: inconsistent length fields", reassembly.ErrInvalidPacket)
	ErrTruncated  = fmt.Errorf("%w: capture truncated", reassembly.ErrInvalidPacket)
)

const ipv6FragmentHeaderLen = 8

// Kind is where a record goes next.
type Kind int

const (
	PassThrough Kind = iota
	Fragment
	Segment
)

func (k Kind) String() string {
	switch k {
	case PassThrough:
		return "pass-through"
	case Fragment:
		return "fragment"
	case Segment:
		return "segment"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Meta describes a record for filtering and logging. Zero fields were not
// present in the packet.
type Meta struct {
	Version  int
	Proto    string
	Src      netip.Addr
	Dst      netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Fragment bool
	Length   int
	IfIndex  uint32
}

// Result is the outcome of classifying one record. Only the key and piece
// matching Kind are set.
type Result struct {
	Kind        Kind
	FragmentKey reassembly.FragmentKey
	Fragment    reassembly.Fragment
	StreamKey   reassembly.StreamKey
	Segment     reassembly.Segment
	Meta        Meta
}

// Classifier decodes records. It reuses layer storage between calls and
// must not be shared between goroutines.
type Classifier struct {
	eth   layers.Ethernet
	sll   layers.LinuxSLL
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	tcp   layers.TCP

	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// New creates a Classifier.
func New() *Classifier {
	c := &Classifier{
		parsers: make(map[gopacket.LayerType]*gopacket.DecodingLayerParser),
		decoded: make([]gopacket.LayerType, 0, 4),
	}
	for _, first := range []gopacket.LayerType{
		layers.LayerTypeEthernet,
		layers.LayerTypeLinuxSLL,
		layers.LayerTypeIPv4,
		layers.LayerTypeIPv6,
	} {
		// TCP is decoded by hand once the network layer has been checked.
		p := gopacket.NewDecodingLayerParser(first, &c.eth, &c.sll, &c.dot1q, &c.ip4, &c.ip6)
		p.IgnoreUnsupported = true
		c.parsers[first] = p
	}
	return c
}

func (c *Classifier) firstLayer(rec capture.Record) (gopacket.LayerType, bool, error) {
	switch rec.LinkType {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, true, nil
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, true, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		if len(rec.Data) == 0 {
			return 0, false, ErrTooShort
		}
		switch rec.Data[0] >> 4 {
		case 4:
			return layers.LayerTypeIPv4, true, nil
		case 6:
			return layers.LayerTypeIPv6, true, nil
		default:
			return 0, false, fmt.Errorf("%w: %d", ErrBadVersion, rec.Data[0]>>4)
		}
	default:
		return 0, false, nil
	}
}

// Classify decodes rec. Non-IP records, unsupported link types and IP
// packets other than TCP or fragments pass through. Malformed headers, and
// truncated packets that would enter a table, return an error wrapping
// reassembly.ErrInvalidPacket.
func (c *Classifier) Classify(rec capture.Record) (Result, error) {
	res := Result{Meta: Meta{Length: int(rec.Length), IfIndex: rec.IfIndex}}

	first, ok, err := c.firstLayer(rec)
	if err != nil || !ok {
		return res, err
	}

	parser := c.parsers[first]
	c.decoded = c.decoded[:0]
	if err := parser.DecodeLayers(rec.Data, &c.decoded); err != nil {
		if herr := checkIPHeader(c.networkBytes(rec, first)); herr != nil {
			return res, herr
		}
		return res, fmt.Errorf("%w: %w", reassembly.ErrInvalidPacket, err)
	}
	// Only packets entering a table need their full payload.
	var short error
	switch {
	case rec.Truncated():
		short = ErrTruncated
	case parser.Truncated:
		short = fmt.Errorf("%w: IP length exceeds packet", ErrBadLength)
	}

	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			return c.ipv4(rec, res, short)
		case layers.LayerTypeIPv6:
			return c.ipv6(rec, res, short)
		}
	}
	return res, nil
}

// networkBytes returns the bytes following the last decoded link layer,
// or nil when decoding stopped before the network layer was reached.
func (c *Classifier) networkBytes(rec capture.Record, first gopacket.LayerType) []byte {
	if len(c.decoded) == 0 {
		if first == layers.LayerTypeIPv4 || first == layers.LayerTypeIPv6 {
			return rec.Data
		}
		return nil
	}
	switch c.decoded[len(c.decoded)-1] {
	case layers.LayerTypeEthernet:
		return c.eth.Payload
	case layers.LayerTypeLinuxSLL:
		return c.sll.Payload
	case layers.LayerTypeDot1Q:
		return c.dot1q.Payload
	}
	return nil
}

// checkIPHeader names what is wrong with an IP header that failed to
// decode. It returns nil when b is nil or the header looks sound.
func checkIPHeader(b []byte) error {
	if b == nil {
		return nil
	}
	if len(b) == 0 {
		return ErrTooShort
	}
	switch v := b[0] >> 4; v {
	case 4:
		if len(b) < 20 {
			return ErrTooShort
		}
		ihl := int(b[0]&0x0f) * 4
		total := int(binary.BigEndian.Uint16(b[2:4]))
		if ihl < 20 || (total != 0 && total < ihl) {
			return fmt.Errorf("%w: header length %d, total length %d", ErrBadLength, ihl, total)
		}
		if len(b) < ihl {
			return ErrTooShort
		}
	case 6:
		if len(b) < 40 {
			return ErrTooShort
		}
	default:
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	return nil
}

func (c *Classifier) ipv4(rec capture.Record, res Result, short error) (Result, error) {
	ip := &c.ip4
	if ip.Version != 4 {
		return res, fmt.Errorf("%w: %d in IPv4 frame", ErrBadVersion, ip.Version)
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP)
	dst, _ := netip.AddrFromSlice(ip.DstIP)
	res.Meta.Version = 4
	res.Meta.Proto = protoName(ip.Protocol)
	res.Meta.Src, res.Meta.Dst = src, dst

	more := ip.Flags&layers.IPv4MoreFragments != 0
	if more || ip.FragOffset != 0 {
		if short != nil {
			return res, short
		}
		res.Kind = Fragment
		res.Meta.Fragment = true
		res.FragmentKey = reassembly.FragmentKey{
			Src:      src,
			Dst:      dst,
			Protocol: uint8(ip.Protocol),
			ID:       uint32(ip.Id),
		}
		res.Fragment = reassembly.Fragment{
			Offset:        int(ip.FragOffset) * 8,
			MoreFragments: more,
			Payload:       ip.Payload,
			Arrival:       rec.Timestamp,
		}
		return res, nil
	}

	if ip.Protocol != layers.IPProtocolTCP {
		return res, nil
	}
	if short != nil {
		return res, short
	}
	return c.segment(rec, res, src, dst, ip.Payload)
}

func (c *Classifier) ipv6(rec capture.Record, res Result, short error) (Result, error) {
	ip := &c.ip6
	if ip.Version != 6 {
		return res, fmt.Errorf("%w: %d in IPv6 frame", ErrBadVersion, ip.Version)
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP)
	dst, _ := netip.AddrFromSlice(ip.DstIP)
	res.Meta.Version = 6
	res.Meta.Proto = protoName(ip.NextHeader)
	res.Meta.Src, res.Meta.Dst = src, dst

	switch ip.NextHeader {
	case layers.IPProtocolIPv6Fragment:
		if short != nil {
			return res, short
		}
		p := ip.Payload
		if len(p) < ipv6FragmentHeaderLen {
			return res, fmt.Errorf("%w: fragment header", ErrTooShort)
		}
		next := layers.IPProtocol(p[0])
		off := binary.BigEndian.Uint16(p[2:4])
		res.Kind = Fragment
		res.Meta.Proto = protoName(next)
		res.Meta.Fragment = true
		res.FragmentKey = reassembly.FragmentKey{
			Src:      src,
			Dst:      dst,
			Protocol: uint8(next),
			ID:       binary.BigEndian.Uint32(p[4:8]),
		}
		res.Fragment = reassembly.Fragment{
			Offset:        int(off>>3) * 8,
			MoreFragments: off&1 != 0,
			Payload:       p[ipv6FragmentHeaderLen:],
			Arrival:       rec.Timestamp,
		}
		return res, nil

	case layers.IPProtocolTCP:
		if short != nil {
			return res, short
		}
		return c.segment(rec, res, src, dst, ip.Payload)

	default:
		return res, nil
	}
}

func (c *Classifier) segment(rec capture.Record, res Result, src, dst netip.Addr, payload []byte) (Result, error) {
	if err := c.tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return res, fmt.Errorf("%w: %w", reassembly.ErrInvalidPacket, err)
	}
	res.Kind = Segment
	res.Meta.SrcPort = uint16(c.tcp.SrcPort)
	res.Meta.DstPort = uint16(c.tcp.DstPort)
	res.StreamKey = reassembly.StreamKey{
		Src:      src,
		SrcPort:  uint16(c.tcp.SrcPort),
		Dst:      dst,
		DstPort:  uint16(c.tcp.DstPort),
		Protocol: uint8(layers.IPProtocolTCP),
	}
	res.Segment = reassembly.Segment{
		Seq:     reassembly.Seq(c.tcp.Seq),
		Flags:   tcpFlags(&c.tcp),
		Payload: c.tcp.Payload,
		Arrival: rec.Timestamp,
	}
	return res, nil
}

// Reassembled classifies the payload of a completed datagram. TCP payloads
// become segments; anything else passes through.
func (c *Classifier) Reassembled(dg reassembly.Datagram) (Result, error) {
	key := dg.Key
	res := Result{Meta: Meta{
		Proto:    protoName(layers.IPProtocol(key.Protocol)),
		Src:      key.Src,
		Dst:      key.Dst,
		Fragment: true,
		Length:   len(dg.Payload),
	}}
	if key.Src.Is4() {
		res.Meta.Version = 4
	} else {
		res.Meta.Version = 6
	}
	if layers.IPProtocol(key.Protocol) != layers.IPProtocolTCP {
		return res, nil
	}
	rec := capture.Record{Timestamp: dg.Last}
	return c.segment(rec, res, key.Src, key.Dst, dg.Payload)
}

func tcpFlags(t *layers.TCP) reassembly.TCPFlags {
	var f reassembly.TCPFlags
	if t.FIN {
		f |= reassembly.FlagFIN
	}
	if t.SYN {
		f |= reassembly.FlagSYN
	}
	if t.RST {
		f |= reassembly.FlagRST
	}
	if t.PSH {
		f |= reassembly.FlagPSH
	}
	if t.ACK {
		f |= reassembly.FlagACK
	}
	if t.URG {
		f |= reassembly.FlagURG
	}
	return f
}

func protoName(p layers.IPProtocol) string {
	return strings.ToLower(p.String())
}
