/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package sink

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/netsift/netsift/reassembly"
)

type eventKind uint8

const (
	eventDatagram eventKind = iota
	eventChunk
	eventStreamEnd
)

type event struct {
	kind     eventKind
	datagram reassembly.Datagram
	chunk    reassembly.Chunk
	end      reassembly.StreamEnd
}

// AsyncSink hands events to a goroutine feeding the wrapped sink. When the
// queue is full events are dropped and counted, so callers never block.
// Delivery order matches call order.
type AsyncSink struct {
	next  Sink
	queue chan event
	done  chan struct{}
	log   *zap.Logger
	warn  rate.Sometimes

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// Async wraps next with a queue of size events.
func Async(next Sink, size int, log *zap.Logger) *AsyncSink {
	if log == nil {
		log = zap.NewNop()
	}
	if size <= 0 {
		size = 1024
	}
	a := &AsyncSink{
		next:  next,
		queue: make(chan event, size),
		done:  make(chan struct{}),
		log:   log.Named("async"),
		warn:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for ev := range a.queue {
		switch ev.kind {
		case eventDatagram:
			a.next.Datagram(ev.datagram)
		case eventChunk:
			a.next.Chunk(ev.chunk)
		case eventStreamEnd:
			a.next.StreamEnd(ev.end)
		}
	}
}

func (a *AsyncSink) push(ev event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- ev:
	default:
		n := a.dropped.Add(1)
		a.warn.Do(func() {
			a.log.Warn("sink queue full, dropping events", zap.Uint64("dropped", n))
		})
	}
}

func (a *AsyncSink) Datagram(d reassembly.Datagram) {
	a.push(event{kind: eventDatagram, datagram: d})
}

func (a *AsyncSink) Chunk(c reassembly.Chunk) {
	a.push(event{kind: eventChunk, chunk: c})
}

func (a *AsyncSink) StreamEnd(e reassembly.StreamEnd) {
	a.push(event{kind: eventStreamEnd, end: e})
}

// Dropped returns the number of events lost to a full queue or after Close.
func (a *AsyncSink) Dropped() uint64 {
	return a.dropped.Load()
}

// Close drains queued events, then closes the wrapped sink.
func (a *AsyncSink) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	if n := a.dropped.Load(); n > 0 {
		a.log.Warn("sink closed after dropping events", zap.Uint64("dropped", n))
	}
	return a.next.Close()
}
