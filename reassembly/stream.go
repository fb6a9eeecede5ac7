/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/netsift/netsift/stats"
	"go.uber.org/zap"
)

// maxWindow is how far ahead of the next expected byte a segment may start.
// Keeping buffered data within half the sequence space keeps Diff exact.
const maxWindow = 1 << 30

// TCPFlags is the set of TCP control bits relevant to reassembly.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// Has reports whether every bit of o is set in f.
func (f TCPFlags) Has(o TCPFlags) bool {
	return f&o == o
}

func (f TCPFlags) String() string {
	var s string
	if f.Has(FlagSYN) {
		s += "S"
	}
	if f.Has(FlagACK) {
		s += "A"
	}
	if f.Has(FlagPSH) {
		s += "P"
	}
	if f.Has(FlagFIN) {
		s += "F"
	}
	if f.Has(FlagRST) {
		s += "R"
	}
	if f.Has(FlagURG) {
		s += "U"
	}
	if s == "" {
		s = "."
	}
	return s
}

// ParseTCPFlags parses a string like "PA" into TCPFlags.
func ParseTCPFlags(s string) (TCPFlags, error) {
	var f TCPFlags
	for _, ch := range s {
		switch ch {
		case 'F':
			f |= FlagFIN
		case 'S':
			f |= FlagSYN
		case 'R':
			f |= FlagRST
		case 'P':
			f |= FlagPSH
		case 'A':
			f |= FlagACK
		case 'U':
			f |= FlagURG
		case '.':
		default:
			return f, fmt.Errorf("invalid TCP flag '%c'", ch)
		}
	}
	return f, nil
}

// Segment is one TCP segment of a stream direction.
type Segment struct {
	Seq     Seq
	Flags   TCPFlags
	Payload []byte
	Arrival time.Time
}

// StreamState is the lifecycle state of a stream context.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamClosing
	StreamClosed
	StreamExpired
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamClosing:
		return "closing"
	case StreamClosed:
		return "closed"
	case StreamExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// StreamCounters are per-context event counts.
type StreamCounters struct {
	OutOfOrder      uint64
	Retransmissions uint64
	Gaps            uint64
}

// StreamContext reassembles one stream direction. Bytes before next have
// been emitted exactly once. Buffered bytes all lie after next.
type StreamContext struct {
	id    uuid.UUID
	state StreamState

	next Seq
	// nextAbs is next unwrapped into a 64-bit offset from the first byte
	// seen, which orders the buffer without wrap concerns.
	nextAbs int64

	isn    Seq
	sawSYN bool
	fin    Seq
	sawFIN bool

	pending rangeSet
	// buffered counts segments with bytes still pending. One segment may
	// fill several holes, so spans tracks the pending spans per segment tag.
	buffered int
	spans    map[uint32]int
	tag      uint32

	emitted  uint64
	counters StreamCounters
}

func newStreamContext(seg Segment) *StreamContext {
	c := &StreamContext{
		id:      uuid.New(),
		next:    seg.Seq,
		pending: newRangeSet(),
	}
	if seg.Flags.Has(FlagSYN) {
		c.isn = seg.Seq
		c.sawSYN = true
		c.next = seg.Seq.Add(1)
	}
	return c
}

func (c *StreamContext) abs(s Seq) int64 {
	return c.nextAbs + int64(s.Diff(c.next))
}

// reusedBy reports whether syn opens a new connection on this context's
// tuple instead of repeating or preceding the one already tracked.
func (c *StreamContext) reusedBy(syn Segment) bool {
	if c.sawSYN {
		return syn.Seq != c.isn
	}
	// A SYN captured after the first data still sits at or before it.
	d := c.abs(syn.Seq.Add(1))
	return d > 0 || d < -maxWindow
}

// add applies seg and returns the bytes that became contiguous together
// with the sequence number of their first byte.
func (c *StreamContext) add(seg Segment, maxSegments, maxBytes int) (SegmentStatus, []byte, Seq, error) {
	seq := seg.Seq
	if seg.Flags.Has(FlagSYN) {
		seq = seq.Add(1)
	}
	payload := seg.Payload
	end := seq.Add(len(payload))

	if seg.Flags.Has(FlagSYN) && !c.sawSYN {
		c.isn = seg.Seq
		c.sawSYN = true
	}
	if seg.Flags.Has(FlagRST) {
		c.state = StreamClosed
		return SegmentIgnored, nil, c.next, nil
	}

	status := SegmentIgnored
	var data []byte
	at := c.next
	if len(payload) > 0 {
		var err error
		status, data, at, err = c.addPayload(seq, payload)
		if err != nil {
			return status, nil, at, err
		}
	}

	if seg.Flags.Has(FlagFIN) {
		c.fin = end
		c.sawFIN = true
		if c.state == StreamOpen {
			c.state = StreamClosing
		}
	}
	if c.state == StreamClosing && c.next == c.fin {
		c.state = StreamClosed
	}

	if c.buffered > maxSegments || c.pending.bytes > maxBytes {
		c.state = StreamExpired
		return SegmentRejected, data, at, ErrBufferOverflow
	}
	return status, data, at, nil
}

func (c *StreamContext) addPayload(seq Seq, payload []byte) (SegmentStatus, []byte, Seq, error) {
	end := seq.Add(len(payload))
	if d := seq.Diff(c.next); d < 0 {
		if end.Diff(c.next) <= 0 {
			c.counters.Retransmissions++
			return SegmentDiscarded, nil, c.next, nil
		}
		// Only the suffix past next is new.
		payload = payload[-d:]
		seq = c.next
		c.counters.Retransmissions++
	} else if d > maxWindow {
		return SegmentRejected, nil, c.next, ErrOutOfWindow
	}

	wasEmpty := c.pending.len() == 0
	c.tag++
	added, n := c.pending.insertTagged(c.abs(seq), payload, c.tag)
	if added == 0 {
		c.counters.Retransmissions++
		return SegmentDiscarded, nil, c.next, nil
	}
	if c.spans == nil {
		c.spans = make(map[uint32]int)
	}
	c.spans[c.tag] = n
	c.buffered++
	if seq != c.next {
		c.counters.OutOfOrder++
		if wasEmpty {
			c.counters.Gaps++
		}
	}

	data, at := c.drain()
	if len(data) == 0 {
		return SegmentBuffered, nil, at, nil
	}
	return SegmentEmitted, data, at, nil
}

// drain pops every buffered span that starts at next.
func (c *StreamContext) drain() ([]byte, Seq) {
	at := c.next
	var out []byte
	for {
		s, ok := c.pending.min()
		if !ok || s.start != c.nextAbs {
			break
		}
		c.pending.deleteMin()
		c.release(s.tag)
		if out == nil {
			out = s.data
		} else {
			out = append(out[:len(out):len(out)], s.data...)
		}
		c.nextAbs += int64(len(s.data))
		c.next = c.next.Add(len(s.data))
	}
	c.emitted += uint64(len(out))
	return out, at
}

func (c *StreamContext) release(tag uint32) {
	c.spans[tag]--
	if c.spans[tag] <= 0 {
		delete(c.spans, tag)
		c.buffered--
	}
}

// SegmentStatus is the result of inserting one segment.
type SegmentStatus int

const (
	// SegmentEmitted means new contiguous bytes were emitted.
	SegmentEmitted SegmentStatus = iota
	// SegmentBuffered means the segment waits behind a gap.
	SegmentBuffered
	// SegmentDiscarded means every byte was already emitted or buffered.
	SegmentDiscarded
	// SegmentRejected means the segment or its stream was dropped.
	SegmentRejected
	// SegmentIgnored means the segment carried no payload.
	SegmentIgnored
)

func (s SegmentStatus) String() string {
	switch s {
	case SegmentEmitted:
		return "emitted"
	case SegmentBuffered:
		return "buffered"
	case SegmentDiscarded:
		return "discarded"
	case SegmentRejected:
		return "rejected"
	case SegmentIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// SegmentOutcome reports what inserting a segment did.
type SegmentOutcome struct {
	Status SegmentStatus
	// Chunk is set when bytes were emitted.
	Chunk *Chunk
	Err   error
	State StreamState
	// Removed is set when the context left the table.
	Removed bool
}

// StreamInfo is a read-only view of a stream context.
type StreamInfo struct {
	ID            uuid.UUID
	State         StreamState
	NextSeq       Seq
	ISN           Seq
	SawSYN        bool
	Buffered      int
	BufferedBytes int
	Emitted       uint64
	Counters      StreamCounters
	Created       time.Time
	Updated       time.Time
}

// StreamTable tracks stream contexts.
type StreamTable struct {
	cfg   Config
	table *table[StreamKey, *StreamContext]
	stats *stats.Collector
	out   Emitter
	log   *zap.Logger
}

// NewStreamTable creates a stream table. cfg is expected to be validated;
// st, out and log may be nil.
func NewStreamTable(cfg Config, st *stats.Collector, out Emitter, log *zap.Logger) *StreamTable {
	if st == nil {
		st = new(stats.Collector)
	}
	if out == nil {
		out = nopEmitter{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &StreamTable{
		cfg:   cfg,
		stats: st,
		out:   out,
		log:   log.Named("streams"),
	}
	t.table = newTable(cfg.ShardCount, cfg.MaxStreams, t.evicted)
	return t
}

func (t *StreamTable) end(key StreamKey, c *StreamContext, reason EndReason) {
	t.stats.StreamsActive.Add(-1)
	t.out.StreamEnd(StreamEnd{
		Key:       key,
		Stream:    c.id,
		Reason:    reason,
		Emitted:   c.emitted,
		Discarded: c.pending.bytes,
		Counters:  c.counters,
	})
	t.log.Debug("stream removed",
		zap.Stringer("key", key),
		zap.Stringer("stream", c.id),
		zap.Stringer("reason", reason),
		zap.Uint64("emitted", c.emitted),
		zap.Int("discarded", c.pending.bytes))
}

func (t *StreamTable) evicted(e *entry[StreamKey, *StreamContext]) {
	e.value.state = StreamExpired
	t.stats.StreamsEvicted.Add(1)
	t.end(e.key, e.value, EndEvicted)
}

// Insert applies a segment to the context for key. Contexts are created by
// segments that carry payload or SYN; other segments for unknown keys are
// ignored. A SYN with a new ISN ends the current context as reused and
// starts a fresh one for the same key.
func (t *StreamTable) Insert(key StreamKey, seg Segment) SegmentOutcome {
	t.stats.SegmentsReceived.Add(1)

	var out SegmentOutcome
	apply := func(e *entry[StreamKey, *StreamContext]) bool {
		c := e.value
		if seg.Flags.Has(FlagSYN) && c.reusedBy(seg) {
			t.stats.StreamsReused.Add(1)
			t.end(key, c, EndReused)
			t.stats.StreamsCreated.Add(1)
			t.stats.StreamsActive.Add(1)
			c = newStreamContext(seg)
			e.value = c
			e.renew()
		}
		before := c.counters
		status, data, at, err := c.add(seg, t.cfg.MaxBufferedSegmentsPerStream, t.cfg.MaxBufferedBytesPerStream)
		t.stats.SegmentsRetransmitted.Add(c.counters.Retransmissions - before.Retransmissions)
		t.stats.SegmentsOutOfOrder.Add(c.counters.OutOfOrder - before.OutOfOrder)

		out = SegmentOutcome{Status: status, Err: err, State: c.state}
		if status == SegmentRejected {
			t.stats.SegmentsRejected.Add(1)
		}
		if len(data) > 0 {
			chunk := &Chunk{Key: key, Stream: c.id, Seq: at, Data: data, Timestamp: seg.Arrival}
			t.stats.BytesEmitted.Add(uint64(len(data)))
			t.out.Chunk(*chunk)
			out.Chunk = chunk
		}

		switch {
		case errors.Is(err, ErrBufferOverflow):
			t.stats.StreamsOverflow.Add(1)
			t.end(key, c, EndOverflow)
			out.Removed = true
		case c.state == StreamClosed && c.pending.len() == 0:
			t.stats.StreamsClosed.Add(1)
			t.end(key, c, EndClosed)
			out.Removed = true
		}
		return out.Removed
	}

	now := t.cfg.now()
	if len(seg.Payload) == 0 && !seg.Flags.Has(FlagSYN) {
		if !t.table.update(key, now, apply) {
			return SegmentOutcome{Status: SegmentIgnored}
		}
		return out
	}
	t.table.upsert(key, now, func() *StreamContext {
		t.stats.StreamsCreated.Add(1)
		t.stats.StreamsActive.Add(1)
		return newStreamContext(seg)
	}, apply)
	return out
}

// Lookup returns a view of the context for key.
func (t *StreamTable) Lookup(key StreamKey) (StreamInfo, bool) {
	var info StreamInfo
	ok := t.table.view(key, func(e *entry[StreamKey, *StreamContext]) {
		c := e.value
		info = StreamInfo{
			ID:            c.id,
			State:         c.state,
			NextSeq:       c.next,
			ISN:           c.isn,
			SawSYN:        c.sawSYN,
			Buffered:      c.buffered,
			BufferedBytes: c.pending.bytes,
			Emitted:       c.emitted,
			Counters:      c.counters,
			Created:       e.created,
			Updated:       e.updated,
		}
	})
	return info, ok
}

// Len returns the number of contexts held.
func (t *StreamTable) Len() int {
	return t.table.len()
}

// Expire removes contexts idle longer than StreamTimeout at now. Their
// contiguous prefix was already emitted; the buffered tail is dropped.
func (t *StreamTable) Expire(now time.Time) int {
	return t.table.sweep(func(e *entry[StreamKey, *StreamContext]) bool {
		return now.Sub(e.updated) > t.cfg.StreamTimeout
	}, func(e *entry[StreamKey, *StreamContext]) {
		e.value.state = StreamExpired
		t.stats.StreamsTimedOut.Add(1)
		t.end(e.key, e.value, EndTimeout)
	})
}
