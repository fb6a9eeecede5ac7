/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"hash/maphash"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type entry[K comparable, V any] struct {
	key     K
	value   V
	created time.Time
	updated time.Time
	renewed bool

	// creation-order list within the shard
	prev, next *entry[K, V]
}

type shard[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]*entry[K, V]
	head  *entry[K, V] // oldest
	tail  *entry[K, V]
}

// renew restarts the entry's age. The entry moves to the back of the
// eviction order once the current call returns.
func (e *entry[K, V]) renew() {
	e.created = e.updated
	e.renewed = true
}

func (s *shard[K, V]) push(e *entry[K, V]) {
	s.items[e.key] = e
	e.prev = s.tail
	if s.tail != nil {
		s.tail.next = e
	} else {
		s.head = e
	}
	s.tail = e
}

func (s *shard[K, V]) remove(e *entry[K, V]) {
	delete(s.items, e.key)
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// table is a keyed store split into independently locked shards. A global
// limit is enforced across shards by evicting the entry created first.
// No method holds more than one shard lock at a time.
type table[K comparable, V any] struct {
	seed   maphash.Seed
	shards []shard[K, V]
	count  atomic.Int64
	limit  int64

	// onEvict runs with the victim's shard locked, after unlinking.
	onEvict func(e *entry[K, V])
}

func newTable[K comparable, V any](shards, limit int, onEvict func(*entry[K, V])) *table[K, V] {
	if shards < 1 {
		shards = 1
	}
	t := &table[K, V]{
		seed:    maphash.MakeSeed(),
		shards:  make([]shard[K, V], shards),
		limit:   int64(limit),
		onEvict: onEvict,
	}
	for i := range t.shards {
		t.shards[i].items = make(map[K]*entry[K, V])
	}
	return t
}

func (t *table[K, V]) shardFor(key K) *shard[K, V] {
	h := maphash.Comparable(t.seed, key)
	return &t.shards[h%uint64(len(t.shards))]
}

// admit reserves room for one entry, evicting until the table is below its
// limit. The caller must not hold a shard lock.
func (t *table[K, V]) admit() {
	for {
		n := t.count.Load()
		if t.limit <= 0 || n < t.limit {
			if t.count.CompareAndSwap(n, n+1) {
				return
			}
			continue
		}
		if !t.evictOldest() {
			// Every slot is reserved by an insert still in progress.
			runtime.Gosched()
		}
	}
}

func (t *table[K, V]) evictOldest() bool {
	victim := -1
	var oldest time.Time
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		if s.head != nil && (victim < 0 || s.head.created.Before(oldest)) {
			victim, oldest = i, s.head.created
		}
		s.mu.Unlock()
	}
	if victim < 0 {
		return false
	}

	s := &t.shards[victim]
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.head
	if e == nil {
		return false
	}
	s.remove(e)
	t.count.Add(-1)
	if t.onEvict != nil {
		t.onEvict(e)
	}
	return true
}

// upsert runs fn on the entry for key with its shard locked, creating the
// entry from newValue first when absent. The entry is removed when fn
// returns true.
func (t *table[K, V]) upsert(key K, now time.Time, newValue func() V, fn func(e *entry[K, V]) bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	e, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		t.admit()
		s.mu.Lock()
		if e, ok = s.items[key]; ok {
			// Another worker created it meanwhile.
			t.count.Add(-1)
		} else {
			e = &entry[K, V]{key: key, value: newValue(), created: now}
			s.push(e)
		}
	}
	t.apply(s, e, now, fn)
	s.mu.Unlock()
}

// update is upsert without creation. It reports whether key was present.
func (t *table[K, V]) update(key K, now time.Time, fn func(e *entry[K, V]) bool) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return false
	}
	t.apply(s, e, now, fn)
	return true
}

// apply runs fn on e with s locked and removes or requeues e as fn left it.
func (t *table[K, V]) apply(s *shard[K, V], e *entry[K, V], now time.Time, fn func(e *entry[K, V]) bool) {
	e.updated = now
	switch {
	case fn(e):
		s.remove(e)
		t.count.Add(-1)
	case e.renewed:
		e.renewed = false
		s.remove(e)
		s.push(e)
	}
}

// view runs fn on the entry for key without modifying it.
func (t *table[K, V]) view(key K, fn func(e *entry[K, V])) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if ok {
		fn(e)
	}
	return ok
}

// sweep removes every entry for which expired returns true, one shard at
// a time. onRemove runs with the shard locked.
func (t *table[K, V]) sweep(expired func(e *entry[K, V]) bool, onRemove func(e *entry[K, V])) int {
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for e := s.head; e != nil; {
			next := e.next
			if expired(e) {
				s.remove(e)
				t.count.Add(-1)
				onRemove(e)
				removed++
			}
			e = next
		}
		s.mu.Unlock()
	}
	return removed
}

func (t *table[K, V]) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
