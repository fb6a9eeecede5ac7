/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"bytes"

	"github.com/google/btree"
)

type span struct {
	start int64
	data  []byte
	// tag identifies the insert call that stored the span.
	tag uint32
}

func (s span) end() int64 {
	return s.start + int64(len(s.data))
}

func spanLess(a, b span) bool {
	return a.start < b.start
}

// rangeSet holds non-overlapping byte ranges ordered by offset. Bytes
// already present always win over later insertions.
type rangeSet struct {
	tree  *btree.BTreeG[span]
	bytes int
}

func newRangeSet() rangeSet {
	return rangeSet{tree: btree.NewG[span](8, spanLess)}
}

// insert stores the parts of data at start that are not yet covered and
// returns how many bytes that was.
func (r *rangeSet) insert(start int64, data []byte) int {
	added, _ := r.insertTagged(start, data, 0)
	return added
}

// insertTagged is insert with every stored span carrying tag. It also
// returns the number of spans stored, since one call may fill several holes.
func (r *rangeSet) insertTagged(start int64, data []byte, tag uint32) (added, spans int) {
	end := start + int64(len(data))
	if end == start {
		return 0, 0
	}

	from := start
	r.tree.DescendLessOrEqual(span{start: start}, func(s span) bool {
		if s.end() > start {
			from = s.start
		}
		return false
	})

	var gaps []span
	cur := start
	r.tree.AscendGreaterOrEqual(span{start: from}, func(s span) bool {
		if s.start >= end {
			return false
		}
		if s.start > cur {
			gaps = append(gaps, span{start: cur, data: data[cur-start : s.start-start]})
		}
		if e := s.end(); e > cur {
			cur = e
		}
		return cur < end
	})
	if cur < end {
		gaps = append(gaps, span{start: cur, data: data[cur-start:]})
	}

	for _, g := range gaps {
		g.data = bytes.Clone(g.data)
		g.tag = tag
		r.tree.ReplaceOrInsert(g)
		added += len(g.data)
	}
	r.bytes += added
	return added, len(gaps)
}

func (r *rangeSet) len() int {
	return r.tree.Len()
}

func (r *rangeSet) min() (span, bool) {
	return r.tree.Min()
}

func (r *rangeSet) deleteMin() {
	if s, ok := r.tree.DeleteMin(); ok {
		r.bytes -= len(s.data)
	}
}

func (r *rangeSet) ascend(fn func(s span) bool) {
	r.tree.Ascend(fn)
}
