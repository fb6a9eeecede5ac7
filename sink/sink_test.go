/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package sink

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/netsift/netsift/reassembly"
)

var (
	ts4 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	streamKey4 = reassembly.StreamKey{
		Src:      netip.MustParseAddr("192.0.2.1"),
		SrcPort:  40000,
		Dst:      netip.MustParseAddr("192.0.2.2"),
		DstPort:  80,
		Protocol: 6,
	}
	fragKey4 = reassembly.FragmentKey{
		Src:      netip.MustParseAddr("192.0.2.1"),
		Dst:      netip.MustParseAddr("192.0.2.2"),
		Protocol: 17,
		ID:       77,
	}
)

func chunk(seq uint32, data string) reassembly.Chunk {
	return reassembly.Chunk{
		Key:       streamKey4,
		Stream:    uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Seq:       reassembly.Seq(seq),
		Data:      []byte(data),
		Timestamp: ts4,
	}
}

type collector struct {
	mu        sync.Mutex
	datagrams []reassembly.Datagram
	chunks    []reassembly.Chunk
	ends      []reassembly.StreamEnd
	closed    int
	closeErr  error
}

func (c *collector) Datagram(d reassembly.Datagram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datagrams = append(c.datagrams, d)
}

func (c *collector) Chunk(ch reassembly.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, ch)
}

func (c *collector) StreamEnd(e reassembly.StreamEnd) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends = append(c.ends, e)
}

func (c *collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.closeErr
}

func TestMulti(t *testing.T) {
	a, b := &collector{}, &collector{closeErr: errors.New("b failed")}
	m := Multi(a, b)

	m.Datagram(reassembly.Datagram{Key: fragKey4})
	m.Chunk(chunk(1, "x"))
	m.StreamEnd(reassembly.StreamEnd{Key: streamKey4})

	for _, c := range []*collector{a, b} {
		assert.Len(t, c.datagrams, 1)
		assert.Len(t, c.chunks, 1)
		assert.Len(t, c.ends, 1)
	}
	err := m.Close()
	assert.ErrorContains(t, err, "b failed")
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)

	assert.Same(t, a, Multi(a))
	assert.Equal(t, Discard, Multi())
}

func TestFuncs(t *testing.T) {
	var got []string
	f := Funcs{OnChunk: func(c reassembly.Chunk) { got = append(got, string(c.Data)) }}
	f.Datagram(reassembly.Datagram{})
	f.StreamEnd(reassembly.StreamEnd{})
	f.Chunk(chunk(1, "a"))
	assert.Equal(t, []string{"a"}, got)
	assert.NoError(t, f.Close())
}

func TestAsyncPreservesOrder(t *testing.T) {
	next := &collector{}
	a := Async(next, 128, zaptest.NewLogger(t))
	for i := range 100 {
		a.Chunk(chunk(uint32(i), "x"))
	}
	a.StreamEnd(reassembly.StreamEnd{Key: streamKey4, Reason: reassembly.EndClosed})
	require.NoError(t, a.Close())

	require.Len(t, next.chunks, 100)
	for i, c := range next.chunks {
		assert.Equal(t, reassembly.Seq(i), c.Seq)
	}
	require.Len(t, next.ends, 1)
	assert.Equal(t, 1, next.closed)
	assert.Zero(t, a.Dropped())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var got []reassembly.Seq
	next := Funcs{OnChunk: func(c reassembly.Chunk) {
		if c.Seq == 1 {
			close(started)
			<-release
		}
		got = append(got, c.Seq)
	}}

	a := Async(next, 1, zaptest.NewLogger(t))
	a.Chunk(chunk(1, "x"))
	<-started
	a.Chunk(chunk(2, "x"))
	a.Chunk(chunk(3, "x"))
	close(release)
	require.NoError(t, a.Close())

	assert.Equal(t, []reassembly.Seq{1, 2}, got)
	assert.Equal(t, uint64(1), a.Dropped())

	// After Close everything is dropped and Close is idempotent.
	a.Chunk(chunk(4, "x"))
	assert.Equal(t, uint64(2), a.Dropped())
	assert.NoError(t, a.Close())
}

func readPcap(t *testing.T, data []byte) []gopacket.Packet {
	t.Helper()
	r, err := pcapgo.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	var pkts []gopacket.Packet
	for {
		b, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return pkts
		}
		require.NoError(t, err)
		p := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
		p.Metadata().CaptureInfo = ci
		pkts = append(pkts, p)
	}
}

func TestPcapWriter(t *testing.T) {
	var out bytes.Buffer
	w, err := NewPcapWriter(&out, zaptest.NewLogger(t))
	require.NoError(t, err)

	w.Datagram(reassembly.Datagram{Key: fragKey4, Payload: []byte("0123456789"), Fragments: 2, Last: ts4})
	w.Chunk(chunk(0xfffffffe, "stream-bytes"))
	w.StreamEnd(reassembly.StreamEnd{Key: streamKey4})
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(2), w.Packets())
	assert.Zero(t, w.Errors())

	pkts := readPcap(t, out.Bytes())
	require.Len(t, pkts, 2)

	ip := pkts[0].Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	assert.Equal(t, layers.IPProtocolUDP, ip.Protocol)
	assert.Equal(t, uint16(77), ip.Id)
	assert.Equal(t, "192.0.2.1", ip.SrcIP.String())
	assert.Equal(t, []byte("0123456789"), ip.Payload)
	assert.Equal(t, ts4, pkts[0].Metadata().Timestamp.UTC())

	tcp := pkts[1].Layer(layers.LayerTypeTCP).(*layers.TCP)
	assert.Equal(t, uint32(0xfffffffe), tcp.Seq)
	assert.Equal(t, layers.TCPPort(40000), tcp.SrcPort)
	assert.Equal(t, []byte("stream-bytes"), tcp.Payload)
}

func TestPcapWriterSplitsLargeChunks(t *testing.T) {
	var out bytes.Buffer
	w, err := NewPcapWriter(&out, nil)
	require.NoError(t, err)

	w.Chunk(chunk(100, string(make([]byte, maxChunkSegment+10))))
	require.NoError(t, w.Flush())

	pkts := readPcap(t, out.Bytes())
	require.Len(t, pkts, 2)
	second := pkts[1].Layer(layers.LayerTypeTCP).(*layers.TCP)
	assert.Equal(t, uint32(100+maxChunkSegment), second.Seq)
	assert.Len(t, second.Payload, 10)
}

func TestPcapWriterRejectsOversizedIPv4(t *testing.T) {
	var out bytes.Buffer
	w, err := NewPcapWriter(&out, nil)
	require.NoError(t, err)

	w.Datagram(reassembly.Datagram{Key: fragKey4, Payload: make([]byte, 65535)})
	assert.Equal(t, uint64(1), w.Errors())
	assert.Zero(t, w.Packets())
}

func TestJSONLines(t *testing.T) {
	var out bytes.Buffer
	j := NewJSONLines(&out, zaptest.NewLogger(t))
	j.Payloads = true

	j.Datagram(reassembly.Datagram{Key: fragKey4, Payload: []byte("dg"), Fragments: 3, First: ts4, Last: ts4})
	j.Chunk(chunk(10, "abc"))
	j.StreamEnd(reassembly.StreamEnd{
		Key:       streamKey4,
		Stream:    uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Reason:    reassembly.EndTimeout,
		Emitted:   3,
		Discarded: 5,
		Counters:  reassembly.StreamCounters{Gaps: 1},
	})
	require.NoError(t, j.Close())

	var lines []*gabs.Container
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		obj, err := gabs.ParseJSON(sc.Bytes())
		require.NoError(t, err)
		lines = append(lines, obj)
	}
	require.Len(t, lines, 3)

	dg := lines[0]
	assert.Equal(t, "datagram", dg.Path("event").Data())
	assert.Equal(t, "192.0.2.2", dg.Path("key.dst").Data())
	assert.Equal(t, float64(3), dg.Path("fragments").Data())
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("dg")), dg.Path("payload").Data())

	ch := lines[1]
	assert.Equal(t, "chunk", ch.Path("event").Data())
	assert.Equal(t, float64(10), ch.Path("seq").Data())
	assert.Equal(t, float64(40000), ch.Path("key.sport").Data())
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", ch.Path("stream").Data())

	end := lines[2]
	assert.Equal(t, "stream_end", end.Path("event").Data())
	assert.Equal(t, reassembly.EndTimeout.String(), end.Path("reason").Data())
	assert.Equal(t, float64(5), end.Path("discarded").Data())
	assert.Equal(t, float64(1), end.Path("counters.gaps").Data())
	assert.False(t, end.Exists("payload"))
}
