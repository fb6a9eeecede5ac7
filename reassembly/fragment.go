/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"time"

	"github.com/netsift/netsift/stats"
	"go.uber.org/zap"
)

// maxDatagramSize is the largest reassembled payload accepted.
const maxDatagramSize = 65535

// Fragment is one piece of a datagram, positioned by byte offset.
type Fragment struct {
	Offset        int
	MoreFragments bool
	Payload       []byte
	Arrival       time.Time
}

// GroupState is the lifecycle state of a fragment group.
type GroupState int

const (
	GroupCollecting GroupState = iota
	GroupComplete
	GroupExpired
	GroupRejected
)

func (s GroupState) String() string {
	switch s {
	case GroupCollecting:
		return "collecting"
	case GroupComplete:
		return "complete"
	case GroupExpired:
		return "expired"
	case GroupRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// FragmentGroup accumulates the fragments of one datagram.
type FragmentGroup struct {
	spans  rangeSet
	total  int // -1 until the last fragment is seen
	maxEnd int
	count  int
	first  time.Time
	last   time.Time
	state  GroupState
}

func newFragmentGroup() *FragmentGroup {
	return &FragmentGroup{spans: newRangeSet(), total: -1}
}

// add merges f and returns the number of its bytes that overlapped bytes
// already held and were dropped.
func (g *FragmentGroup) add(f Fragment, maxFragments int) (int, error) {
	if err := checkBounds(f); err != nil {
		return 0, err
	}
	end := f.Offset + len(f.Payload)
	g.count++
	if maxFragments > 0 && g.count > maxFragments {
		return 0, ErrTooManyFragments
	}

	if !f.MoreFragments {
		if g.total >= 0 && g.total != end {
			return 0, ErrTotalLengthConflict
		}
		if g.maxEnd > end {
			return 0, ErrFragmentBeyondEnd
		}
		g.total = end
	} else if g.total >= 0 && end > g.total {
		return 0, ErrFragmentBeyondEnd
	}
	if end > g.maxEnd {
		g.maxEnd = end
	}

	if g.first.IsZero() {
		g.first = f.Arrival
	}
	g.last = f.Arrival

	added := g.spans.insert(int64(f.Offset), f.Payload)
	return len(f.Payload) - added, nil
}

// checkBounds rejects fragments that lie outside any valid datagram.
func checkBounds(f Fragment) error {
	if f.Offset < 0 || f.Offset+len(f.Payload) > maxDatagramSize {
		return ErrDatagramTooLarge
	}
	return nil
}

// complete holds once the last fragment fixed the total and every byte
// below it is covered. Spans never extend past the total, so the byte
// count alone decides.
func (g *FragmentGroup) complete() bool {
	return g.total >= 0 && g.spans.bytes == g.total
}

func (g *FragmentGroup) materialize() []byte {
	buf := make([]byte, g.total)
	g.spans.ascend(func(s span) bool {
		copy(buf[s.start:], s.data)
		return true
	})
	return buf
}

// FragmentStatus is the result of inserting one fragment.
type FragmentStatus int

const (
	FragmentPending FragmentStatus = iota
	FragmentCompleted
	FragmentRejected
)

func (s FragmentStatus) String() string {
	switch s {
	case FragmentPending:
		return "pending"
	case FragmentCompleted:
		return "completed"
	case FragmentRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// FragmentOutcome reports what inserting a fragment did.
type FragmentOutcome struct {
	Status FragmentStatus
	// Datagram is set when Status is FragmentCompleted.
	Datagram *Datagram
	// Err is set when Status is FragmentRejected.
	Err error
	// Overlap is the number of bytes dropped in favor of bytes held earlier.
	Overlap int
}

// GroupInfo is a read-only view of a fragment group.
type GroupInfo struct {
	State     GroupState
	Total     int
	Covered   int
	Fragments int
	Created   time.Time
	Updated   time.Time
}

// FragmentTable tracks in-flight fragment groups.
type FragmentTable struct {
	cfg   Config
	table *table[FragmentKey, *FragmentGroup]
	stats *stats.Collector
	out   Emitter
	log   *zap.Logger
}

// NewFragmentTable creates a fragment table. cfg is expected to be
// validated; st, out and log may be nil.
func NewFragmentTable(cfg Config, st *stats.Collector, out Emitter, log *zap.Logger) *FragmentTable {
	if st == nil {
		st = new(stats.Collector)
	}
	if out == nil {
		out = nopEmitter{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	ft := &FragmentTable{
		cfg:   cfg,
		stats: st,
		out:   out,
		log:   log.Named("fragments"),
	}
	ft.table = newTable(cfg.ShardCount, cfg.MaxFragmentGroups, ft.evicted)
	return ft
}

func (ft *FragmentTable) evicted(e *entry[FragmentKey, *FragmentGroup]) {
	e.value.state = GroupExpired
	ft.stats.GroupsEvicted.Add(1)
	ft.log.Debug("fragment group evicted",
		zap.Stringer("key", e.key),
		zap.Int("covered", e.value.spans.bytes),
		zap.Time("created", e.created))
}

// Insert merges a fragment into the group for key. A completed datagram is
// emitted before its group is removed.
func (ft *FragmentTable) Insert(key FragmentKey, f Fragment) FragmentOutcome {
	ft.stats.FragmentsReceived.Add(1)

	var out FragmentOutcome
	reject := func(err error) {
		ft.stats.GroupsRejected.Add(1)
		ft.log.Debug("fragment group rejected", zap.Stringer("key", key), zap.Error(err))
		out = FragmentOutcome{Status: FragmentRejected, Err: err}
	}
	apply := func(e *entry[FragmentKey, *FragmentGroup]) bool {
		g := e.value
		overlap, err := g.add(f, ft.cfg.MaxFragmentsPerGroup)
		if err != nil {
			g.state = GroupRejected
			reject(err)
			return true
		}
		if overlap > 0 {
			ft.stats.FragmentsDiscardedOverlap.Add(1)
			ft.stats.FragmentBytesDiscarded.Add(uint64(overlap))
		}
		out.Overlap = overlap
		if !g.complete() {
			out.Status = FragmentPending
			return false
		}

		g.state = GroupComplete
		dg := &Datagram{
			Key:       key,
			Payload:   g.materialize(),
			Fragments: g.count,
			First:     g.first,
			Last:      g.last,
		}
		ft.stats.GroupsCompleted.Add(1)
		ft.stats.BytesEmitted.Add(uint64(len(dg.Payload)))
		ft.out.Datagram(*dg)
		out.Status = FragmentCompleted
		out.Datagram = dg
		return true
	}

	now := ft.cfg.now()
	if err := checkBounds(f); err != nil {
		// A fragment no datagram can hold never creates a group, so it
		// cannot evict one either. An existing group for key is rejected.
		if !ft.table.update(key, now, apply) {
			reject(err)
		}
		return out
	}
	ft.table.upsert(key, now, newFragmentGroup, apply)
	return out
}

// Lookup returns a view of the group for key.
func (ft *FragmentTable) Lookup(key FragmentKey) (GroupInfo, bool) {
	var info GroupInfo
	ok := ft.table.view(key, func(e *entry[FragmentKey, *FragmentGroup]) {
		info = GroupInfo{
			State:     e.value.state,
			Total:     e.value.total,
			Covered:   e.value.spans.bytes,
			Fragments: e.value.count,
			Created:   e.created,
			Updated:   e.updated,
		}
	})
	return info, ok
}

// Len returns the number of groups held.
func (ft *FragmentTable) Len() int {
	return ft.table.len()
}

// Expire discards groups idle longer than FragmentTimeout at now. Partial
// datagrams are never emitted.
func (ft *FragmentTable) Expire(now time.Time) int {
	return ft.table.sweep(func(e *entry[FragmentKey, *FragmentGroup]) bool {
		return now.Sub(e.updated) > ft.cfg.FragmentTimeout
	}, func(e *entry[FragmentKey, *FragmentGroup]) {
		e.value.state = GroupExpired
		ft.stats.GroupsTimedOut.Add(1)
		ft.log.Debug("fragment group timed out",
			zap.Stringer("key", e.key),
			zap.Int("covered", e.value.spans.bytes),
			zap.Int("total", e.value.total))
	})
}
