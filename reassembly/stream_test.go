/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"math"
	"testing"
	"time"

	"github.com/netsift/netsift/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dataSeg(seq Seq, n int) Segment {
	return Segment{Seq: seq, Flags: FlagACK | FlagPSH, Payload: seqBytes(seq, n)}
}

func TestSeqDiff(t *testing.T) {
	tests := []struct {
		a, b Seq
		want int32
	}{
		{a: 1100, b: 1000, want: 100},
		{a: 1000, b: 1100, want: -100},
		{a: 10, b: math.MaxUint32 - 5, want: 16},
		{a: math.MaxUint32 - 5, b: 10, want: -16},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.Diff(tt.b))
		assert.Equal(t, tt.want < 0, tt.a.Before(tt.b))
	}
	assert.Equal(t, Seq(4), Seq(math.MaxUint32-5).Add(10))
}

func TestParseTCPFlags(t *testing.T) {
	f, err := ParseTCPFlags("SA")
	require.NoError(t, err)
	assert.True(t, f.Has(FlagSYN))
	assert.True(t, f.Has(FlagACK))
	assert.False(t, f.Has(FlagFIN))
	assert.Equal(t, "SA", f.String())

	_, err = ParseTCPFlags("X")
	assert.Error(t, err)
	assert.Equal(t, ".", TCPFlags(0).String())
}

func TestStreamGapFillAndFlush(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	st := NewStreamTable(testConfig(clock), nil, rec, zaptest.NewLogger(t))
	key := streamKey(1000)

	out := st.Insert(key, dataSeg(1000, 100))
	require.Equal(t, SegmentEmitted, out.Status)
	require.NotNil(t, out.Chunk)
	assert.Equal(t, Seq(1000), out.Chunk.Seq)
	assert.Equal(t, Seq(1100), out.Chunk.End())

	out = st.Insert(key, dataSeg(1200, 50))
	require.Equal(t, SegmentBuffered, out.Status)
	assert.Nil(t, out.Chunk)

	out = st.Insert(key, dataSeg(1100, 100))
	require.Equal(t, SegmentEmitted, out.Status)
	require.NotNil(t, out.Chunk)
	assert.Equal(t, Seq(1100), out.Chunk.Seq)
	assert.Equal(t, Seq(1250), out.Chunk.End())
	assert.Equal(t, seqBytes(1100, 150), out.Chunk.Data)

	require.Len(t, rec.chunks, 2)
	assert.Equal(t, seqBytes(1000, 100), rec.chunks[0].Data)
	assert.Equal(t, rec.chunks[0].Stream, rec.chunks[1].Stream)

	info, ok := st.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, Seq(1250), info.NextSeq)
	assert.Equal(t, 0, info.Buffered)
	assert.Equal(t, uint64(250), info.Emitted)
	assert.Equal(t, uint64(1), info.Counters.OutOfOrder)
	assert.Equal(t, uint64(1), info.Counters.Gaps)
}

func TestStreamWraparound(t *testing.T) {
	clock := newFakeClock()
	st := NewStreamTable(testConfig(clock), nil, nil, nil)
	key := streamKey(2000)
	start := Seq(math.MaxUint32 - 49)

	out := st.Insert(key, dataSeg(start-100, 100))
	require.Equal(t, SegmentEmitted, out.Status)

	// The segment after the wrap arrives first.
	out = st.Insert(key, dataSeg(50, 100))
	require.Equal(t, SegmentBuffered, out.Status)

	out = st.Insert(key, dataSeg(start, 100))
	require.Equal(t, SegmentEmitted, out.Status)
	assert.Equal(t, start, out.Chunk.Seq)
	assert.Equal(t, Seq(150), out.Chunk.End())
	assert.Equal(t, seqBytes(start, 200), out.Chunk.Data)

	info, ok := st.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, Seq(150), info.NextSeq)
}

func TestStreamRetransmission(t *testing.T) {
	clock := newFakeClock()
	sc := new(stats.Collector)
	st := NewStreamTable(testConfig(clock), sc, nil, nil)
	key := streamKey(3000)

	st.Insert(key, dataSeg(1000, 100))

	out := st.Insert(key, dataSeg(1000, 100))
	assert.Equal(t, SegmentDiscarded, out.Status)
	assert.Nil(t, out.Chunk)

	out = st.Insert(key, dataSeg(1050, 100))
	require.Equal(t, SegmentEmitted, out.Status)
	assert.Equal(t, Seq(1100), out.Chunk.Seq)
	assert.Equal(t, seqBytes(1100, 50), out.Chunk.Data)

	assert.Equal(t, uint64(2), sc.SegmentsRetransmitted.Load())
}

func TestStreamBufferedOverlapFirstReceivedWins(t *testing.T) {
	clock := newFakeClock()
	st := NewStreamTable(testConfig(clock), nil, nil, nil)
	key := streamKey(4000)

	st.Insert(key, Segment{Seq: 1000, Payload: fill(0x11, 10)})

	out := st.Insert(key, Segment{Seq: 1020, Payload: fill(0xaa, 10)})
	require.Equal(t, SegmentBuffered, out.Status)

	out = st.Insert(key, Segment{Seq: 1015, Payload: fill(0xbb, 15)})
	require.Equal(t, SegmentBuffered, out.Status)

	out = st.Insert(key, Segment{Seq: 1020, Payload: fill(0xee, 10)})
	require.Equal(t, SegmentDiscarded, out.Status)

	out = st.Insert(key, Segment{Seq: 1010, Payload: fill(0xcc, 20)})
	require.Equal(t, SegmentEmitted, out.Status)

	want := append(append(fill(0xcc, 5), fill(0xbb, 5)...), fill(0xaa, 10)...)
	assert.Equal(t, Seq(1010), out.Chunk.Seq)
	assert.Equal(t, want, out.Chunk.Data)
}

func TestStreamSYNAnchorsAtISN(t *testing.T) {
	clock := newFakeClock()
	st := NewStreamTable(testConfig(clock), nil, nil, nil)
	key := streamKey(5000)

	out := st.Insert(key, Segment{Seq: 5000, Flags: FlagSYN})
	assert.Equal(t, SegmentIgnored, out.Status)

	info, ok := st.Lookup(key)
	require.True(t, ok)
	assert.True(t, info.SawSYN)
	assert.Equal(t, Seq(5000), info.ISN)
	assert.Equal(t, Seq(5001), info.NextSeq)

	out = st.Insert(key, dataSeg(5001, 10))
	require.Equal(t, SegmentEmitted, out.Status)
	assert.Equal(t, Seq(5001), out.Chunk.Seq)
}

func TestStreamControlWithoutContextIgnored(t *testing.T) {
	clock := newFakeClock()
	st := NewStreamTable(testConfig(clock), nil, nil, nil)

	for _, flags := range []TCPFlags{FlagACK, FlagFIN | FlagACK, FlagRST} {
		out := st.Insert(streamKey(6000), Segment{Seq: 1, Flags: flags})
		assert.Equal(t, SegmentIgnored, out.Status)
	}
	assert.Equal(t, 0, st.Len())
}

func TestStreamClose(t *testing.T) {
	tests := []struct {
		name     string
		segs     []Segment
		statuses []SegmentStatus
		removed  []bool
	}{
		{
			name:     "fin with data",
			segs:     []Segment{{Seq: 1000, Flags: FlagFIN | FlagACK, Payload: seqBytes(1000, 100)}},
			statuses: []SegmentStatus{SegmentEmitted},
			removed:  []bool{true},
		},
		{
			name: "fin behind a gap",
			segs: []Segment{
				dataSeg(1000, 100),
				{Seq: 1200, Flags: FlagFIN | FlagACK, Payload: seqBytes(1200, 50)},
				dataSeg(1100, 100),
			},
			statuses: []SegmentStatus{SegmentEmitted, SegmentBuffered, SegmentEmitted},
			removed:  []bool{false, false, true},
		},
		{
			name:     "rst",
			segs:     []Segment{dataSeg(1000, 100), {Seq: 1100, Flags: FlagRST}},
			statuses: []SegmentStatus{SegmentEmitted, SegmentIgnored},
			removed:  []bool{false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			sc := new(stats.Collector)
			rec := &recorder{}
			st := NewStreamTable(testConfig(clock), sc, rec, nil)
			key := streamKey(7000)

			for i, seg := range tt.segs {
				out := st.Insert(key, seg)
				assert.Equal(t, tt.statuses[i], out.Status, "segment %d", i)
				assert.Equal(t, tt.removed[i], out.Removed, "segment %d", i)
			}

			assert.Equal(t, 0, st.Len())
			assert.Equal(t, uint64(1), sc.StreamsClosed.Load())
			assert.Equal(t, int64(0), sc.StreamsActive.Load())
			require.Len(t, rec.ends, 1)
			assert.Equal(t, EndClosed, rec.ends[0].Reason)
		})
	}
}

func TestStreamFinWaitsForGap(t *testing.T) {
	clock := newFakeClock()
	st := NewStreamTable(testConfig(clock), nil, nil, nil)
	key := streamKey(7100)

	st.Insert(key, dataSeg(1000, 100))
	out := st.Insert(key, Segment{Seq: 1200, Flags: FlagFIN, Payload: seqBytes(1200, 10)})
	assert.Equal(t, StreamClosing, out.State)
	assert.False(t, out.Removed)

	info, ok := st.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, StreamClosing, info.State)
}

func TestStreamBufferOverflow(t *testing.T) {
	clock := newFakeClock()
	sc := new(stats.Collector)
	rec := &recorder{}
	cfg := testConfig(clock)
	cfg.MaxBufferedSegmentsPerStream = 2
	st := NewStreamTable(cfg, sc, rec, nil)
	key := streamKey(8000)

	st.Insert(key, dataSeg(1000, 10))
	assert.Equal(t, SegmentBuffered, st.Insert(key, dataSeg(1100, 10)).Status)
	assert.Equal(t, SegmentBuffered, st.Insert(key, dataSeg(1200, 10)).Status)

	out := st.Insert(key, dataSeg(1300, 10))
	require.Equal(t, SegmentRejected, out.Status)
	assert.ErrorIs(t, out.Err, ErrBufferOverflow)
	assert.ErrorIs(t, out.Err, ErrResourceExhausted)
	assert.True(t, out.Removed)
	assert.Equal(t, StreamExpired, out.State)

	_, ok := st.Lookup(key)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), sc.StreamsOverflow.Load())
	require.Len(t, rec.ends, 1)
	assert.Equal(t, EndOverflow, rec.ends[0].Reason)
	assert.Equal(t, 30, rec.ends[0].Discarded)
	assert.Equal(t, uint64(10), rec.ends[0].Emitted)
}

func TestStreamBufferCountsSegmentsNotSpans(t *testing.T) {
	clock := newFakeClock()
	sc := new(stats.Collector)
	cfg := testConfig(clock)
	cfg.MaxBufferedSegmentsPerStream = 3
	st := NewStreamTable(cfg, sc, nil, nil)
	key := streamKey(8050)

	st.Insert(key, dataSeg(0, 1))
	assert.Equal(t, SegmentBuffered, st.Insert(key, dataSeg(20, 10)).Status)
	assert.Equal(t, SegmentBuffered, st.Insert(key, dataSeg(40, 10)).Status)

	// Fills the holes on both sides of the buffered segments: three spans,
	// one segment.
	out := st.Insert(key, dataSeg(15, 40))
	require.Equal(t, SegmentBuffered, out.Status)
	require.NoError(t, out.Err)

	info, ok := st.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 3, info.Buffered)
	assert.Equal(t, 40, info.BufferedBytes)

	out = st.Insert(key, dataSeg(1, 14))
	require.Equal(t, SegmentEmitted, out.Status)
	assert.Equal(t, seqBytes(1, 54), out.Chunk.Data)

	info, ok = st.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 0, info.Buffered)
	assert.Zero(t, sc.StreamsOverflow.Load())
}

func TestStreamSYNReusesTuple(t *testing.T) {
	clock := newFakeClock()
	sc := new(stats.Collector)
	rec := &recorder{}
	st := NewStreamTable(testConfig(clock), sc, rec, nil)
	key := streamKey(8070)

	st.Insert(key, Segment{Seq: 1000, Flags: FlagSYN})
	st.Insert(key, dataSeg(1001, 3))
	st.Insert(key, dataSeg(1010, 5))
	old, ok := st.Lookup(key)
	require.True(t, ok)

	// A retransmitted SYN keeps the context.
	st.Insert(key, Segment{Seq: 1000, Flags: FlagSYN})
	info, ok := st.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, old.ID, info.ID)

	st.Insert(key, Segment{Seq: 500000, Flags: FlagSYN})
	out := st.Insert(key, dataSeg(500001, 3))
	require.Equal(t, SegmentEmitted, out.Status)
	assert.Equal(t, Seq(500001), out.Chunk.Seq)

	info, ok = st.Lookup(key)
	require.True(t, ok)
	assert.NotEqual(t, old.ID, info.ID)
	assert.Equal(t, Seq(500000), info.ISN)

	require.Len(t, rec.ends, 1)
	assert.Equal(t, EndReused, rec.ends[0].Reason)
	assert.Equal(t, old.ID, rec.ends[0].Stream)
	assert.Equal(t, uint64(3), rec.ends[0].Emitted)
	assert.Equal(t, 5, rec.ends[0].Discarded)
	assert.Equal(t, uint64(1), sc.StreamsReused.Load())
	assert.Equal(t, uint64(2), sc.StreamsCreated.Load())
	assert.Equal(t, int64(1), sc.StreamsActive.Load())
	assert.Equal(t, 1, st.Len())
}

func TestStreamLateSYNKeepsContext(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	st := NewStreamTable(testConfig(clock), nil, rec, nil)
	key := streamKey(8080)

	st.Insert(key, dataSeg(2001, 10))
	first, ok := st.Lookup(key)
	require.True(t, ok)
	assert.False(t, first.SawSYN)

	st.Insert(key, Segment{Seq: 2000, Flags: FlagSYN})
	info, ok := st.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, first.ID, info.ID)
	assert.True(t, info.SawSYN)
	assert.Equal(t, Seq(2000), info.ISN)
	assert.Equal(t, Seq(2011), info.NextSeq)
	assert.Empty(t, rec.ends)
}

func TestStreamReusedTupleIsNewestForEviction(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	cfg.ShardCount = 1
	cfg.MaxStreams = 2
	st := NewStreamTable(cfg, nil, nil, nil)

	st.Insert(streamKey(1), Segment{Seq: 100, Flags: FlagSYN})
	clock.Advance(time.Second)
	st.Insert(streamKey(2), Segment{Seq: 100, Flags: FlagSYN})
	clock.Advance(time.Second)
	st.Insert(streamKey(1), Segment{Seq: 9000, Flags: FlagSYN})
	clock.Advance(time.Second)
	st.Insert(streamKey(3), Segment{Seq: 100, Flags: FlagSYN})

	_, ok := st.Lookup(streamKey(1))
	assert.True(t, ok)
	_, ok = st.Lookup(streamKey(2))
	assert.False(t, ok)
}

func TestStreamOutOfWindow(t *testing.T) {
	clock := newFakeClock()
	sc := new(stats.Collector)
	st := NewStreamTable(testConfig(clock), sc, nil, nil)
	key := streamKey(8100)

	st.Insert(key, dataSeg(1000, 10))
	out := st.Insert(key, dataSeg(1010+maxWindow+1, 10))
	require.Equal(t, SegmentRejected, out.Status)
	assert.ErrorIs(t, out.Err, ErrOutOfWindow)
	assert.False(t, out.Removed)
	assert.Equal(t, uint64(1), sc.SegmentsRejected.Load())

	info, ok := st.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 0, info.Buffered)
}

func TestStreamTableEvictsOldest(t *testing.T) {
	clock := newFakeClock()
	sc := new(stats.Collector)
	rec := &recorder{}
	cfg := testConfig(clock)
	cfg.MaxStreams = 2
	st := NewStreamTable(cfg, sc, rec, nil)

	for port := uint16(1); port <= 3; port++ {
		st.Insert(streamKey(port), dataSeg(1, 10))
		clock.Advance(time.Second)
	}

	assert.Equal(t, 2, st.Len())
	_, ok := st.Lookup(streamKey(1))
	assert.False(t, ok)
	assert.Equal(t, uint64(1), sc.StreamsEvicted.Load())
	assert.Equal(t, int64(2), sc.StreamsActive.Load())
	require.Len(t, rec.ends, 1)
	assert.Equal(t, EndEvicted, rec.ends[0].Reason)
	assert.Equal(t, streamKey(1), rec.ends[0].Key)
}

func TestStreamKeyReverse(t *testing.T) {
	k := streamKey(1234)
	r := k.Reverse()
	assert.Equal(t, k.Src, r.Dst)
	assert.Equal(t, k.SrcPort, r.DstPort)
	assert.Equal(t, k, r.Reverse())
	assert.Equal(t, "192.0.2.1:1234->192.0.2.2:80", k.String())
}
