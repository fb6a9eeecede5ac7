/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package engine wires capture, classification, the reassembly tables and
// the output sinks together.
//
// Records enter through Submit, which never blocks, and wait in a bounded
// queue for a pool of workers. Each worker owns a Classifier and routes
// fragments and segments into the shared tables. A reaper expires idle
// state in the background.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/netsift/netsift/capture"
	"github.com/netsift/netsift/classify"
	"github.com/netsift/netsift/reassembly"
	"github.com/netsift/netsift/stats"
)

// ErrRunning is returned by Start on an engine that is already running.
var ErrRunning = errors.New("engine already started")

// Deps are the collaborators an engine is built with. Nil fields get
// defaults: a fresh collector, a sink that discards, a no-op logger.
type Deps struct {
	Sink   reassembly.Emitter
	Stats  *stats.Collector
	Logger *zap.Logger
}

// Engine is the reassembly pipeline.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	stats   *stats.Collector
	filter  *Filter
	frags   *reassembly.FragmentTable
	streams *reassembly.StreamTable
	reaper  *reassembly.Reaper

	// Classifiers for Process calls made outside the workers.
	classifiers sync.Pool

	errWarn  rate.Sometimes
	dropWarn rate.Sometimes
	pump     atomic.Pointer[capture.Pump]

	mu         sync.RWMutex
	queue      chan capture.Record
	stopped    chan struct{}
	signalStop func()
	cancel     context.CancelFunc
	workers    sync.WaitGroup
	bg         sync.WaitGroup
}

// New builds an engine. Tables are created immediately, so Process works
// before Start.
func New(cfg Config, rcfg reassembly.Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if err := rcfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reassembly config: %w", err)
	}
	filter, err := NewFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	st := deps.Stats
	if st == nil {
		st = new(stats.Collector)
	}
	out := deps.Sink
	if out == nil {
		out = nopSink{}
	}

	e := &Engine{
		cfg:      cfg,
		log:      log.Named("engine"),
		stats:    st,
		filter:   filter,
		errWarn:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
		dropWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	e.frags = reassembly.NewFragmentTable(rcfg, st, out, log)
	e.streams = reassembly.NewStreamTable(rcfg, st, out, log)
	e.reaper = reassembly.NewReaper(e.frags, e.streams, rcfg, log)
	e.classifiers.New = func() any { return classify.New() }
	return e, nil
}

type nopSink struct{}

func (nopSink) Datagram(reassembly.Datagram)   {}
func (nopSink) Chunk(reassembly.Chunk)         {}
func (nopSink) StreamEnd(reassembly.StreamEnd) {}

// Stats returns the collector the engine counts into.
func (e *Engine) Stats() *stats.Collector { return e.stats }

// Fragments returns the fragment table.
func (e *Engine) Fragments() *reassembly.FragmentTable { return e.frags }

// Streams returns the stream table.
func (e *Engine) Streams() *reassembly.StreamTable { return e.streams }

// Pump returns the pump of the current Run, or nil.
func (e *Engine) Pump() *capture.Pump { return e.pump.Load() }

// Start launches the workers and the reaper. Cancelling ctx stops them at
// their next iteration; Stop also drains the queue first.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.queue = make(chan capture.Record, e.cfg.QueueSize)
	stopped := make(chan struct{})
	e.stopped = stopped
	e.signalStop = sync.OnceFunc(func() { close(stopped) })

	for i := range e.cfg.Workers {
		e.workers.Add(1)
		go e.worker(ctx, i, e.queue)
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.reaper.Run(ctx)
	}()

	e.log.Info("engine started",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("queue", e.cfg.QueueSize),
		zap.Stringer("filter", e.filter))
	return nil
}

// Stop closes the queue, waits for the workers to drain it, then stops
// the reaper. Records submitted afterwards are dropped.
func (e *Engine) Stop() {
	// Release blocked submitters first; they hold the read lock.
	e.mu.RLock()
	signal := e.signalStop
	e.mu.RUnlock()
	if signal == nil {
		return
	}
	signal()

	e.mu.Lock()
	if e.queue == nil {
		e.mu.Unlock()
		return
	}
	close(e.queue)
	e.queue = nil
	e.signalStop = nil
	e.mu.Unlock()

	e.workers.Wait()
	e.cancel()
	e.bg.Wait()

	snap := e.stats.Snapshot()
	e.log.Info("engine stopped",
		zap.Uint64("packets", snap.PacketsReceived),
		zap.Uint64("dropped", snap.PacketsDropped),
		zap.Uint64("queue_dropped", snap.QueueDropped),
		zap.Int("groups", e.frags.Len()),
		zap.Int("streams", e.streams.Len()))
}

// Submit offers rec to the queue without blocking. It reports false when
// the queue is full or the engine is not running; the record is counted
// as queue_dropped.
func (e *Engine) Submit(rec capture.Record) bool {
	e.stats.PacketsReceived.Add(1)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.queue != nil {
		select {
		case e.queue <- rec:
			return true
		default:
		}
	}
	n := e.stats.QueueDropped.Add(1)
	e.dropWarn.Do(func() {
		e.log.Warn("ingest queue full, dropping packets", zap.Uint64("queue_dropped", n))
	})
	return false
}

// submitWait is Submit for offline sources: it waits for space until ctx
// is done or the engine stops.
func (e *Engine) submitWait(ctx context.Context, rec capture.Record) bool {
	e.stats.PacketsReceived.Add(1)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.queue != nil {
		select {
		case e.queue <- rec:
			return true
		case <-ctx.Done():
		case <-e.stopped:
		}
	}
	e.stats.QueueDropped.Add(1)
	return false
}

// Process classifies and routes rec on the calling goroutine.
func (e *Engine) Process(rec capture.Record) {
	e.stats.PacketsReceived.Add(1)
	c := e.classifiers.Get().(*classify.Classifier)
	e.process(c, rec)
	e.classifiers.Put(c)
}

func (e *Engine) worker(ctx context.Context, id int, queue <-chan capture.Record) {
	defer e.workers.Done()
	c := classify.New()
	log := e.log.With(zap.Int("worker", id))
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-queue:
			if !ok {
				return
			}
			e.process(c, rec)
		}
	}
}

func (e *Engine) process(c *classify.Classifier, rec capture.Record) {
	res, err := c.Classify(rec)
	if err != nil {
		e.stats.PacketsDropped.Add(1)
		e.log.Debug("dropping malformed packet", zap.Uint32("len", rec.Length), zap.Error(err))
		return
	}

	// Only first fragments carry ports, so fragments are filtered once
	// their datagram is reassembled.
	if res.Kind != classify.Fragment && !e.match(res.Meta) {
		return
	}

	switch res.Kind {
	case classify.Fragment:
		out := e.frags.Insert(res.FragmentKey, res.Fragment)
		if out.Status == reassembly.FragmentCompleted {
			e.reassembled(c, *out.Datagram)
		}
	case classify.Segment:
		e.streams.Insert(res.StreamKey, res.Segment)
	default:
		e.stats.PassThrough.Add(1)
	}
}

// reassembled feeds a completed datagram that carries TCP into stream
// reassembly.
func (e *Engine) reassembled(c *classify.Classifier, dg reassembly.Datagram) {
	res, err := c.Reassembled(dg)
	if err != nil {
		e.stats.PacketsDropped.Add(1)
		e.log.Debug("reassembled datagram has a bad TCP header", zap.Stringer("key", dg.Key), zap.Error(err))
		return
	}
	if res.Kind == classify.Segment && e.match(res.Meta) {
		e.streams.Insert(res.StreamKey, res.Segment)
	}
}

// match evaluates the filter on m, counting rejections. A filter that
// fails to evaluate rejects.
func (e *Engine) match(m classify.Meta) bool {
	ok, err := e.filter.Match(m)
	if err != nil {
		e.log.Debug("filter failed", zap.Error(err))
	}
	if !ok {
		e.stats.Filtered.Add(1)
	}
	return ok
}

// Run pumps records from src into the engine until src is exhausted or
// ctx is done. Backend read errors are logged and counted but do not end
// the run. Backend statistics are merged every StatsInterval. The engine
// must be started; src is closed when Run returns.
func (e *Engine) Run(ctx context.Context, src capture.Source) error {
	defer src.Close()

	backend := capture.BackendName(src)
	pump := capture.NewPump(src, e.log)
	e.pump.Store(pump)
	e.stats.ResetBackend()

	submit := e.Submit
	if e.cfg.BlockWhenFull {
		submit = func(rec capture.Record) bool { return e.submitWait(ctx, rec) }
	}

	errs := make(chan error, 16)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for err := range errs {
			n := e.stats.BackendErrors.Add(1)
			e.errWarn.Do(func() {
				e.log.Warn("capture backend error", zap.Uint64("backend_errors", n), zap.Error(err))
			})
		}
	}()
	go func() {
		defer wg.Done()
		e.pollStats(src, pump, done)
	}()

	e.log.Info("capture running", zap.String("backend", backend))
	err := pump.Run(ctx, backend, submit, errs)
	close(errs)
	close(done)
	wg.Wait()

	e.log.Info("capture finished",
		zap.String("backend", backend),
		zap.Uint64("submitted", pump.Submitted()),
		zap.Uint64("rejected", pump.Rejected()),
		zap.Uint64("paused_discarded", pump.Discarded()))
	return err
}

// pollStats merges backend counters until done is closed, then once more.
func (e *Engine) pollStats(src capture.Source, pump *capture.Pump, done <-chan struct{}) {
	var paused uint64
	merge := func() {
		if s, err := src.Stats(); err == nil {
			e.stats.MergeBackend(stats.Backend{
				Received:  s.PacketsReceived,
				Dropped:   s.PacketsDropped,
				IfDropped: s.PacketsIfDropped,
				Bytes:     s.BytesReceived,
			})
		}
		cur := pump.Discarded()
		e.stats.PauseDropped.Add(cur - paused)
		paused = cur
	}

	ticker := time.NewTicker(e.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			merge()
			return
		case <-ticker.C:
			merge()
		}
	}
}
