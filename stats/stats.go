/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package stats holds the engine-wide counters shared by every mutating path.
package stats

import (
	"sync"
	"sync/atomic"
)

// Collector holds atomic counters updated by the tables, the classifier and
// the ingest path. The zero value is ready to use.
type Collector struct {
	PacketsReceived atomic.Uint64
	// PacketsDropped counts malformed packets rejected by the classifier.
	PacketsDropped atomic.Uint64
	QueueDropped   atomic.Uint64
	PauseDropped   atomic.Uint64
	PassThrough    atomic.Uint64
	Filtered       atomic.Uint64
	BackendErrors  atomic.Uint64

	FragmentsReceived         atomic.Uint64
	FragmentsDiscardedOverlap atomic.Uint64
	FragmentBytesDiscarded    atomic.Uint64
	GroupsCompleted           atomic.Uint64
	GroupsTimedOut            atomic.Uint64
	GroupsEvicted             atomic.Uint64
	GroupsRejected            atomic.Uint64

	SegmentsReceived      atomic.Uint64
	SegmentsRetransmitted atomic.Uint64
	SegmentsOutOfOrder    atomic.Uint64
	SegmentsRejected      atomic.Uint64
	StreamsCreated        atomic.Uint64
	StreamsActive         atomic.Int64
	StreamsClosed         atomic.Uint64
	StreamsTimedOut       atomic.Uint64
	StreamsEvicted        atomic.Uint64
	StreamsOverflow       atomic.Uint64
	StreamsReused         atomic.Uint64

	BytesEmitted atomic.Uint64

	backend backendCounters
}

// Backend is a statistics report from a capture backend. Values are the
// backend's running totals.
type Backend struct {
	Received  uint64
	Dropped   uint64
	IfDropped uint64
	Bytes     uint64
}

type backendCounters struct {
	mu   sync.Mutex
	last Backend
	sum  Backend
}

// MergeBackend folds a backend report into the collector. Reports carry
// running totals, so only the increase since the previous report is added.
// A total that went backwards means the backend restarted its counters and
// the whole value is taken as new.
func (c *Collector) MergeBackend(b Backend) {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()

	c.backend.sum.Received += delta(b.Received, c.backend.last.Received)
	c.backend.sum.Dropped += delta(b.Dropped, c.backend.last.Dropped)
	c.backend.sum.IfDropped += delta(b.IfDropped, c.backend.last.IfDropped)
	c.backend.sum.Bytes += delta(b.Bytes, c.backend.last.Bytes)
	c.backend.last = b
}

// ResetBackend forgets the last report, used when a new backend takes over.
func (c *Collector) ResetBackend() {
	c.backend.mu.Lock()
	c.backend.last = Backend{}
	c.backend.mu.Unlock()
}

func delta(cur, prev uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return cur
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	PacketsReceived uint64
	PacketsDropped  uint64
	QueueDropped    uint64
	PauseDropped    uint64
	PassThrough     uint64
	Filtered        uint64
	BackendErrors   uint64

	FragmentsReceived         uint64
	FragmentsDiscardedOverlap uint64
	FragmentBytesDiscarded    uint64
	GroupsCompleted           uint64
	GroupsTimedOut            uint64
	GroupsEvicted             uint64
	GroupsRejected            uint64

	SegmentsReceived      uint64
	SegmentsRetransmitted uint64
	SegmentsOutOfOrder    uint64
	SegmentsRejected      uint64
	StreamsCreated        uint64
	StreamsActive         int64
	StreamsClosed         uint64
	StreamsTimedOut       uint64
	StreamsEvicted        uint64
	StreamsOverflow       uint64
	StreamsReused         uint64

	BytesEmitted uint64

	Backend Backend
}

// Snapshot reads all counters. Counters are read one at a time, so a
// snapshot taken under load is not a consistent cut across counters.
func (c *Collector) Snapshot() Snapshot {
	c.backend.mu.Lock()
	backend := c.backend.sum
	c.backend.mu.Unlock()

	return Snapshot{
		PacketsReceived: c.PacketsReceived.Load(),
		PacketsDropped:  c.PacketsDropped.Load(),
		QueueDropped:    c.QueueDropped.Load(),
		PauseDropped:    c.PauseDropped.Load(),
		PassThrough:     c.PassThrough.Load(),
		Filtered:        c.Filtered.Load(),
		BackendErrors:   c.BackendErrors.Load(),

		FragmentsReceived:         c.FragmentsReceived.Load(),
		FragmentsDiscardedOverlap: c.FragmentsDiscardedOverlap.Load(),
		FragmentBytesDiscarded:    c.FragmentBytesDiscarded.Load(),
		GroupsCompleted:           c.GroupsCompleted.Load(),
		GroupsTimedOut:            c.GroupsTimedOut.Load(),
		GroupsEvicted:             c.GroupsEvicted.Load(),
		GroupsRejected:            c.GroupsRejected.Load(),

		SegmentsReceived:      c.SegmentsReceived.Load(),
		SegmentsRetransmitted: c.SegmentsRetransmitted.Load(),
		SegmentsOutOfOrder:    c.SegmentsOutOfOrder.Load(),
		SegmentsRejected:      c.SegmentsRejected.Load(),
		StreamsCreated:        c.StreamsCreated.Load(),
		StreamsActive:         c.StreamsActive.Load(),
		StreamsClosed:         c.StreamsClosed.Load(),
		StreamsTimedOut:       c.StreamsTimedOut.Load(),
		StreamsEvicted:        c.StreamsEvicted.Load(),
		StreamsOverflow:       c.StreamsOverflow.Load(),
		StreamsReused:         c.StreamsReused.Load(),

		BytesEmitted: c.BytesEmitted.Load(),

		Backend: backend,
	}
}
