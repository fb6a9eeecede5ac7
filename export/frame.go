/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/netsift/netsift/reassembly"
)

// Wire format of one frame, big endian:
//
//	u32 body length | u8 type | body
const frameHeaderSize = 5

// FrameType identifies a frame body.
type FrameType uint8

const (
	// FrameHello has no body. Exporters send one on every stream they open
	// so the receiver sees the stream before any event.
	FrameHello FrameType = iota
	FrameDatagram
	FrameChunk
	FrameStreamEnd
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameDatagram:
		return "datagram"
	case FrameChunk:
		return "chunk"
	case FrameStreamEnd:
		return "stream_end"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrMalformed     = errors.New("malformed frame")
)

// Frame is one decoded event. Only the field matching Type is set.
type Frame struct {
	Type      FrameType
	Datagram  reassembly.Datagram
	Chunk     reassembly.Chunk
	StreamEnd reassembly.StreamEnd
}

func appendHeader(b []byte, t FrameType) ([]byte, int) {
	b = append(b, 0, 0, 0, 0, byte(t))
	return b, len(b)
}

func finish(b []byte, start int) []byte {
	binary.BigEndian.PutUint32(b[start-frameHeaderSize:], uint32(len(b)-start))
	return b
}

func appendAddr(b []byte, a netip.Addr) []byte {
	s := a.AsSlice()
	b = append(b, byte(len(s)))
	return append(b, s...)
}

func appendTime(b []byte, t time.Time) []byte {
	var ns int64
	if !t.IsZero() {
		ns = t.UnixNano()
	}
	return binary.BigEndian.AppendUint64(b, uint64(ns))
}

func appendStreamKey(b []byte, k reassembly.StreamKey) []byte {
	b = appendAddr(b, k.Src)
	b = binary.BigEndian.AppendUint16(b, k.SrcPort)
	b = appendAddr(b, k.Dst)
	b = binary.BigEndian.AppendUint16(b, k.DstPort)
	return append(b, k.Protocol)
}

// AppendHello appends a hello frame.
func AppendHello(b []byte) []byte {
	b, start := appendHeader(b, FrameHello)
	return finish(b, start)
}

// AppendDatagram appends d as a frame.
func AppendDatagram(b []byte, d reassembly.Datagram) []byte {
	b, start := appendHeader(b, FrameDatagram)
	b = appendAddr(b, d.Key.Src)
	b = appendAddr(b, d.Key.Dst)
	b = append(b, d.Key.Protocol)
	b = binary.BigEndian.AppendUint32(b, d.Key.ID)
	b = binary.BigEndian.AppendUint32(b, uint32(d.Fragments))
	b = appendTime(b, d.First)
	b = appendTime(b, d.Last)
	b = append(b, d.Payload...)
	return finish(b, start)
}

// AppendChunk appends c as a frame.
func AppendChunk(b []byte, c reassembly.Chunk) []byte {
	b, start := appendHeader(b, FrameChunk)
	b = appendStreamKey(b, c.Key)
	b = append(b, c.Stream[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(c.Seq))
	b = appendTime(b, c.Timestamp)
	b = append(b, c.Data...)
	return finish(b, start)
}

// AppendStreamEnd appends e as a frame.
func AppendStreamEnd(b []byte, e reassembly.StreamEnd) []byte {
	b, start := appendHeader(b, FrameStreamEnd)
	b = appendStreamKey(b, e.Key)
	b = append(b, e.Stream[:]...)
	b = append(b, byte(e.Reason))
	b = binary.BigEndian.AppendUint64(b, e.Emitted)
	b = binary.BigEndian.AppendUint32(b, uint32(e.Discarded))
	b = binary.BigEndian.AppendUint64(b, e.Counters.OutOfOrder)
	b = binary.BigEndian.AppendUint64(b, e.Counters.Retransmissions)
	b = binary.BigEndian.AppendUint64(b, e.Counters.Gaps)
	return finish(b, start)
}

// decoder consumes a frame body. The first short read sets err and every
// later read returns zero values.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(d.b))
		return nil
	}
	s := d.b[:n]
	d.b = d.b[n:]
	return s
}

func (d *decoder) u8() uint8 {
	if s := d.take(1); s != nil {
		return s[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if s := d.take(2); s != nil {
		return binary.BigEndian.Uint16(s)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if s := d.take(4); s != nil {
		return binary.BigEndian.Uint32(s)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if s := d.take(8); s != nil {
		return binary.BigEndian.Uint64(s)
	}
	return 0
}

func (d *decoder) addr() netip.Addr {
	n := int(d.u8())
	if n != 0 && n != 4 && n != 16 {
		if d.err == nil {
			d.err = fmt.Errorf("%w: address length %d", ErrMalformed, n)
		}
		return netip.Addr{}
	}
	a, _ := netip.AddrFromSlice(d.take(n))
	return a
}

func (d *decoder) time() time.Time {
	ns := int64(d.u64())
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (d *decoder) uuid() uuid.UUID {
	var id uuid.UUID
	copy(id[:], d.take(len(id)))
	return id
}

func (d *decoder) streamKey() reassembly.StreamKey {
	var k reassembly.StreamKey
	k.Src = d.addr()
	k.SrcPort = d.u16()
	k.Dst = d.addr()
	k.DstPort = d.u16()
	k.Protocol = d.u8()
	return k
}

// rest returns the remaining bytes as a new slice.
func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	out := append([]byte(nil), d.b...)
	d.b = nil
	return out
}

// DecodeFrame decodes one frame body of type t.
func DecodeFrame(t FrameType, body []byte) (Frame, error) {
	f := Frame{Type: t}
	d := &decoder{b: body}

	switch t {
	case FrameHello:
	case FrameDatagram:
		f.Datagram.Key.Src = d.addr()
		f.Datagram.Key.Dst = d.addr()
		f.Datagram.Key.Protocol = d.u8()
		f.Datagram.Key.ID = d.u32()
		f.Datagram.Fragments = int(d.u32())
		f.Datagram.First = d.time()
		f.Datagram.Last = d.time()
		f.Datagram.Payload = d.rest()
	case FrameChunk:
		f.Chunk.Key = d.streamKey()
		f.Chunk.Stream = d.uuid()
		f.Chunk.Seq = reassembly.Seq(d.u32())
		f.Chunk.Timestamp = d.time()
		f.Chunk.Data = d.rest()
	case FrameStreamEnd:
		e := &f.StreamEnd
		e.Key = d.streamKey()
		e.Stream = d.uuid()
		e.Reason = reassembly.EndReason(d.u8())
		e.Emitted = d.u64()
		e.Discarded = int(d.u32())
		e.Counters.OutOfOrder = d.u64()
		e.Counters.Retransmissions = d.u64()
		e.Counters.Gaps = d.u64()
		if d.err == nil && len(d.b) != 0 {
			d.err = fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.b))
		}
	default:
		return f, fmt.Errorf("%w: unknown type %d", ErrMalformed, uint8(t))
	}
	return f, d.err
}

// ReadFrame reads and decodes one frame from r. Bodies larger than limit
// are rejected with ErrFrameTooLarge.
func ReadFrame(r io.Reader, limit int) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if int64(n) > int64(limit) {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, limit)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return DecodeFrame(FrameType(hdr[4]), body)
}
