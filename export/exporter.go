/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package export ships reassembly output to a remote receiver over QUIC.
//
// An Exporter keeps one connection with a fixed set of bidirectional
// streams. All events of one fragment group or TCP stream travel on the
// same QUIC stream, so the receiver sees them in emission order.
package export

import (
	"context"
	"fmt"
	"hash/maphash"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/netsift/netsift/reassembly"
	"github.com/netsift/netsift/sink"
)

var _ sink.Sink = (*Exporter)(nil)

// lane is one QUIC stream with its own queue and writer goroutine, so a
// slow stream never stalls the others.
type lane struct {
	stream *quic.Stream
	queue  chan []byte
}

// Exporter is a sink that encodes events as frames and writes them to a
// receiver. Calls never block: frames that do not fit the per-stream queue
// are dropped and counted.
type Exporter struct {
	cfg   Config
	log   *zap.Logger
	warn  rate.Sometimes
	udp   *net.UDPConn
	tr    *quic.Transport
	qConn *quic.Conn
	lanes []lane
	seed  maphash.Seed
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// Dial connects to cfg.Address, opens cfg.Streams streams and starts one
// writer per stream.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Exporter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("export")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid export config: %w", err)
	}

	raddr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.Address, err)
	}
	tlsConf, err := BuildTLSConfig(&cfg, false)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	udp, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}
	tr := &quic.Transport{Conn: udp}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	log.Debug("dialing receiver", zap.Stringer("addr", raddr), zap.Int("streams", cfg.Streams))
	qConn, err := tr.Dial(dialCtx, raddr, tlsConf, buildQUICConfig(&cfg))
	if err != nil {
		tr.Close()
		udp.Close()
		return nil, fmt.Errorf("failed to dial QUIC: %w", err)
	}

	e := &Exporter{
		cfg:   cfg,
		log:   log,
		warn:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
		udp:   udp,
		tr:    tr,
		qConn: qConn,
		lanes: make([]lane, cfg.Streams),
		seed:  maphash.MakeSeed(),
	}

	// A stream is only announced to the peer once data is written on it,
	// so every stream starts with a hello frame.
	hello := AppendHello(nil)
	for i := range e.lanes {
		stream, err := qConn.OpenStreamSync(dialCtx)
		if err == nil {
			_, err = stream.Write(hello)
		}
		if err != nil {
			e.abort()
			return nil, fmt.Errorf("failed to open stream %d: %w", i, err)
		}
		e.lanes[i] = lane{stream: stream, queue: make(chan []byte, cfg.QueueSize)}
	}

	for i := range e.lanes {
		e.wg.Add(1)
		go e.writeLoop(&e.lanes[i])
	}

	log.Info("export connected",
		zap.Stringer("remote", qConn.RemoteAddr()),
		zap.Stringer("local", qConn.LocalAddr()),
		zap.Int("streams", cfg.Streams))
	return e, nil
}

func buildQUICConfig(cfg *Config) *quic.Config {
	return &quic.Config{
		MaxIncomingStreams: maxIncomingStreams,
		MaxIdleTimeout:     cfg.IdleTimeout,
		KeepAlivePeriod:    cfg.KeepAlivePeriod,
	}
}

func (e *Exporter) writeLoop(l *lane) {
	defer e.wg.Done()
	var failed bool
	for frame := range l.queue {
		if failed {
			e.dropped.Add(1)
			continue
		}
		if _, err := l.stream.Write(frame); err != nil {
			failed = true
			e.errors.Add(1)
			e.dropped.Add(1)
			e.log.Warn("export stream failed", zap.Int64("stream", int64(l.stream.StreamID())), zap.Error(err))
			continue
		}
		e.sent.Add(1)
	}
}

func (e *Exporter) push(h uint64, frame []byte) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	l := &e.lanes[h%uint64(len(e.lanes))]
	select {
	case l.queue <- frame:
	default:
		n := e.dropped.Add(1)
		e.warn.Do(func() {
			e.log.Warn("export queue full, dropping frames", zap.Uint64("dropped", n))
		})
	}
}

func (e *Exporter) Datagram(d reassembly.Datagram) {
	e.push(maphash.Comparable(e.seed, d.Key), AppendDatagram(nil, d))
}

func (e *Exporter) Chunk(c reassembly.Chunk) {
	e.push(maphash.Comparable(e.seed, c.Key), AppendChunk(nil, c))
}

func (e *Exporter) StreamEnd(se reassembly.StreamEnd) {
	e.push(maphash.Comparable(e.seed, se.Key), AppendStreamEnd(nil, se))
}

// Sent returns the number of frames written to a stream.
func (e *Exporter) Sent() uint64 {
	return e.sent.Load()
}

// Dropped returns the number of frames lost to full queues, failed streams
// or calls after Close.
func (e *Exporter) Dropped() uint64 {
	return e.dropped.Load()
}

// Errors returns the number of streams that failed.
func (e *Exporter) Errors() uint64 {
	return e.errors.Load()
}

// Close flushes queued frames and closes the connection. It waits up to
// DialTimeout for the receiver to acknowledge the end of each stream.
func (e *Exporter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for i := range e.lanes {
		close(e.lanes[i].queue)
	}
	e.mu.Unlock()

	e.wg.Wait()

	deadline := time.Now().Add(e.cfg.DialTimeout)
	for i := range e.lanes {
		s := e.lanes[i].stream
		s.Close()
		// The receiver closes its side after reading our FIN, which tells
		// us everything was delivered.
		s.SetReadDeadline(deadline)
		if _, err := io.Copy(io.Discard, s); err != nil {
			e.log.Debug("stream not acknowledged", zap.Int64("stream", int64(s.StreamID())), zap.Error(err))
		}
	}

	e.abort()
	e.log.Info("export closed",
		zap.Uint64("sent", e.sent.Load()),
		zap.Uint64("dropped", e.dropped.Load()))
	return nil
}

func (e *Exporter) abort() {
	e.qConn.CloseWithError(0, "close")
	e.tr.Close()
	e.udp.Close()
}
