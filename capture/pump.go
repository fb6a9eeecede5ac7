/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pump moves records from a Source into a submit function until the
// source is exhausted or the context ends. While paused, records are read
// and discarded so the backend does not back up.
type Pump struct {
	src Source
	log *zap.Logger

	paused    atomic.Bool
	discarded atomic.Uint64
	submitted atomic.Uint64
	rejected  atomic.Uint64
}

// NewPump creates a pump reading from src.
func NewPump(src Source, log *zap.Logger) *Pump {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pump{src: src, log: log.Named("pump")}
}

// Pause stops delivery; records read meanwhile are discarded.
func (p *Pump) Pause() {
	if !p.paused.Swap(true) {
		p.log.Info("capture paused")
	}
}

// Resume restarts delivery.
func (p *Pump) Resume() {
	if p.paused.Swap(false) {
		p.log.Info("capture resumed")
	}
}

// Paused reports whether the pump is paused.
func (p *Pump) Paused() bool {
	return p.paused.Load()
}

// Discarded returns the number of records dropped while paused.
func (p *Pump) Discarded() uint64 {
	return p.discarded.Load()
}

// Rejected returns the number of records submit refused.
func (p *Pump) Rejected() uint64 {
	return p.rejected.Load()
}

// Submitted returns the number of records submit accepted.
func (p *Pump) Submitted() uint64 {
	return p.submitted.Load()
}

// Run reads until io.EOF, Close, or ctx is done, and returns nil in those
// cases. submit must not block; a false return counts as a rejection.
// Other read errors are sent to errs without blocking, wrapped in a
// BackendError, and reading continues after a short pause.
func (p *Pump) Run(ctx context.Context, backend string, submit func(Record) bool, errs chan<- error) error {
	stop := context.AfterFunc(ctx, func() {
		p.src.Close()
	})
	defer stop()

	for {
		rec, err := p.src.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			select {
			case errs <- &BackendError{Backend: backend, Err: err}:
			default:
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		if p.paused.Load() {
			p.discarded.Add(1)
			continue
		}
		if submit(rec) {
			p.submitted.Add(1)
		} else {
			p.rejected.Add(1)
		}
	}
}
