/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"net/netip"
	"sync"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu        sync.Mutex
	datagrams []Datagram
	chunks    []Chunk
	ends      []StreamEnd
}

func (r *recorder) Datagram(d Datagram) {
	r.mu.Lock()
	r.datagrams = append(r.datagrams, d)
	r.mu.Unlock()
}

func (r *recorder) Chunk(c Chunk) {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
}

func (r *recorder) StreamEnd(e StreamEnd) {
	r.mu.Lock()
	r.ends = append(r.ends, e)
	r.mu.Unlock()
}

func testConfig(clock *fakeClock) Config {
	cfg := DefaultConfig()
	cfg.ShardCount = 4
	cfg.Now = clock.Now
	return cfg
}

func fragKey(id uint32) FragmentKey {
	return FragmentKey{
		Src:      netip.MustParseAddr("10.0.0.1"),
		Dst:      netip.MustParseAddr("10.0.0.2"),
		Protocol: 17,
		ID:       id,
	}
}

func streamKey(port uint16) StreamKey {
	return StreamKey{
		Src:      netip.MustParseAddr("192.0.2.1"),
		SrcPort:  port,
		Dst:      netip.MustParseAddr("192.0.2.2"),
		DstPort:  80,
		Protocol: 6,
	}
}

// pattern returns n bytes where each byte is derived from its position.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// seqBytes returns the bytes a sender would put at [seq, seq+n), each byte
// derived from its own sequence number.
func seqBytes(seq Seq, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(uint32(seq) + uint32(i))
	}
	return b
}

func fill(v byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}
