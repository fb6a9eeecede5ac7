/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"time"

	"github.com/google/uuid"
)

// Datagram is a fully reassembled IP payload.
type Datagram struct {
	Key       FragmentKey
	Payload   []byte
	Fragments int
	// First and Last are the arrival times of the first and last fragment.
	First time.Time
	Last  time.Time
}

// Chunk is a contiguous range of stream bytes, [Seq, Seq+len(Data)).
type Chunk struct {
	Key       StreamKey
	Stream    uuid.UUID
	Seq       Seq
	Data      []byte
	Timestamp time.Time
}

// End returns the sequence number following the chunk.
func (c Chunk) End() Seq {
	return c.Seq.Add(len(c.Data))
}

// EndReason tells why a stream context left its table.
type EndReason int

const (
	EndClosed   EndReason = iota // FIN or RST with nothing left buffered
	EndTimeout                   // idle past StreamTimeout
	EndEvicted                   // oldest context when the table was full
	EndOverflow                  // out-of-order buffer limit exceeded
	EndReused                    // a SYN with a new ISN reused the tuple
)

func (r EndReason) String() string {
	switch r {
	case EndClosed:
		return "closed"
	case EndTimeout:
		return "timeout"
	case EndEvicted:
		return "evicted"
	case EndOverflow:
		return "overflow"
	case EndReused:
		return "reused"
	default:
		return "unknown"
	}
}

// StreamEnd reports a stream context leaving its table.
type StreamEnd struct {
	Key    StreamKey
	Stream uuid.UUID
	Reason EndReason
	// Emitted is the number of bytes delivered for the context.
	Emitted uint64
	// Discarded is the number of buffered bytes dropped with the context.
	Discarded int
	Counters  StreamCounters
}

// Emitter receives reassembled units. Chunk and StreamEnd are called with
// the owning shard locked, so calls for one key arrive in production order.
// Implementations must not block.
type Emitter interface {
	Datagram(Datagram)
	Chunk(Chunk)
	StreamEnd(StreamEnd)
}

type nopEmitter struct{}

func (nopEmitter) Datagram(Datagram)   {}
func (nopEmitter) Chunk(Chunk)         {}
func (nopEmitter) StreamEnd(StreamEnd) {}
