/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/netsift/netsift/reassembly"
)

const maxIncomingStreams = 256

// Receiver accepts exporter connections and decodes their frames.
type Receiver struct {
	cfg      Config
	log      *zap.Logger
	udp      *net.UDPConn
	tr       *quic.Transport
	listener *quic.Listener

	frames    atomic.Uint64
	malformed atomic.Uint64
	conns     atomic.Int64
}

// Listen binds cfg.Address and starts a QUIC listener on it.
func Listen(cfg Config, log *zap.Logger) (*Receiver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("receiver")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid export config: %w", err)
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.Address, err)
	}
	tlsConf, err := BuildTLSConfig(&cfg, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}
	tr := &quic.Transport{Conn: udp}
	l, err := tr.Listen(tlsConf, buildQUICConfig(&cfg))
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	log.Info("receiver listening", zap.Stringer("addr", l.Addr()), zap.Strings("alpn", tlsConf.NextProtos))
	return &Receiver{cfg: cfg, log: log, udp: udp, tr: tr, listener: l}, nil
}

// Addr returns the listening address.
func (r *Receiver) Addr() net.Addr {
	return r.listener.Addr()
}

// Frames returns the number of decoded event frames.
func (r *Receiver) Frames() uint64 {
	return r.frames.Load()
}

// Malformed returns the number of streams abandoned on a bad frame.
func (r *Receiver) Malformed() uint64 {
	return r.malformed.Load()
}

// Conns returns the number of connected exporters.
func (r *Receiver) Conns() int {
	return int(r.conns.Load())
}

// Serve accepts connections until ctx is done or the receiver is closed and
// replays every decoded event into out. Calls into out are serialized.
func (r *Receiver) Serve(ctx context.Context, out reassembly.Emitter) error {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	ctx, cancel := context.WithCancel(ctx)
	defer wg.Wait()
	defer cancel()

	dispatch := func(f Frame) {
		mu.Lock()
		defer mu.Unlock()
		switch f.Type {
		case FrameDatagram:
			out.Datagram(f.Datagram)
		case FrameChunk:
			out.Chunk(f.Chunk)
		case FrameStreamEnd:
			out.StreamEnd(f.StreamEnd)
		}
	}

	for {
		qConn, err := r.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept QUIC connection: %w", err)
		}
		r.log.Info("exporter connected", zap.Stringer("remote", qConn.RemoteAddr()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.serveConn(ctx, qConn, dispatch)
		}()
	}
}

func (r *Receiver) serveConn(ctx context.Context, qConn *quic.Conn, dispatch func(Frame)) {
	r.conns.Add(1)
	defer r.conns.Add(-1)
	stop := context.AfterFunc(ctx, func() {
		qConn.CloseWithError(0, "receiver shutting down")
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		stream, err := qConn.AcceptStream(ctx)
		if err != nil {
			r.log.Debug("connection done", zap.Stringer("remote", qConn.RemoteAddr()), zap.Error(err))
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.readStream(stream, dispatch)
		}()
	}
}

func (r *Receiver) readStream(stream *quic.Stream, dispatch func(Frame)) {
	defer stream.Close()
	for {
		f, err := ReadFrame(stream, r.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, ErrMalformed) || errors.Is(err, ErrFrameTooLarge) {
				r.malformed.Add(1)
				r.log.Warn("bad frame, dropping stream", zap.Int64("stream", int64(stream.StreamID())), zap.Error(err))
				stream.CancelRead(1)
				return
			}
			r.log.Debug("stream read failed", zap.Int64("stream", int64(stream.StreamID())), zap.Error(err))
			return
		}
		if f.Type == FrameHello {
			continue
		}
		r.frames.Add(1)
		dispatch(f)
	}
}

// Close stops the listener and closes every connection.
func (r *Receiver) Close() error {
	err := r.listener.Close()
	r.tr.Close()
	r.udp.Close()
	return err
}
