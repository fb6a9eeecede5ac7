/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package sink delivers reassembled output: completed datagrams, stream
// chunks and stream end events.
//
// Sink methods are called from inside table critical sections and must not
// block. Outputs that can stall are wrapped with Async.
package sink

import (
	"errors"

	"github.com/netsift/netsift/reassembly"
)

// Sink receives reassembly output.
type Sink interface {
	reassembly.Emitter
	Close() error
}

// Funcs adapts plain functions to a Sink. Nil fields ignore their events.
type Funcs struct {
	OnDatagram  func(reassembly.Datagram)
	OnChunk     func(reassembly.Chunk)
	OnStreamEnd func(reassembly.StreamEnd)
}

func (f Funcs) Datagram(d reassembly.Datagram) {
	if f.OnDatagram != nil {
		f.OnDatagram(d)
	}
}

func (f Funcs) Chunk(c reassembly.Chunk) {
	if f.OnChunk != nil {
		f.OnChunk(c)
	}
}

func (f Funcs) StreamEnd(e reassembly.StreamEnd) {
	if f.OnStreamEnd != nil {
		f.OnStreamEnd(e)
	}
}

func (Funcs) Close() error { return nil }

// Discard drops everything.
var Discard Sink = Funcs{}

type multi []Sink

// Multi delivers every event to each sink in order.
func Multi(sinks ...Sink) Sink {
	switch len(sinks) {
	case 0:
		return Discard
	case 1:
		return sinks[0]
	}
	return multi(append([]Sink(nil), sinks...))
}

func (m multi) Datagram(d reassembly.Datagram) {
	for _, s := range m {
		s.Datagram(d)
	}
}

func (m multi) Chunk(c reassembly.Chunk) {
	for _, s := range m {
		s.Chunk(c)
	}
}

func (m multi) StreamEnd(e reassembly.StreamEnd) {
	for _, s := range m {
		s.StreamEnd(e)
	}
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
