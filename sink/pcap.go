/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/netsift/netsift/reassembly"
)

const (
	pcapSnapLen = 262144
	pcapTTL     = 64

	// maxChunkSegment keeps synthesized IPv4 packets under the 16-bit total
	// length.
	maxChunkSegment = 65535 - 20 - 20
)

// PcapWriter writes reassembled output as a LinkTypeRaw pcap stream. Each
// datagram gets a synthesized IP header; stream chunks become TCP
// segments carrying the chunk's sequence numbers.
type PcapWriter struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	w      *pcapgo.Writer
	closer io.Closer
	buf    gopacket.SerializeBuffer
	ip4    layers.IPv4
	ip6    layers.IPv6
	tcp    layers.TCP

	log  *zap.Logger
	warn rate.Sometimes

	packets atomic.Uint64
	errors  atomic.Uint64
}

// NewPcapWriter writes a pcap file header to w. The caller keeps
// ownership of w.
func NewPcapWriter(w io.Writer, log *zap.Logger) (*PcapWriter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bw := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(bw)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &PcapWriter{
		bw:   bw,
		w:    pw,
		buf:  gopacket.NewSerializeBuffer(),
		log:  log.Named("pcap"),
		warn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}, nil
}

// CreatePcap creates or truncates path and writes to it. Close closes the
// file.
func CreatePcap(path string, log *zap.Logger) (*PcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	pw, err := NewPcapWriter(f, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	pw.closer = f
	return pw, nil
}

// Packets returns the number of packets written.
func (p *PcapWriter) Packets() uint64 {
	return p.packets.Load()
}

// Errors returns the number of events that could not be written.
func (p *PcapWriter) Errors() uint64 {
	return p.errors.Load()
}

func (p *PcapWriter) fail(what string, err error) {
	n := p.errors.Add(1)
	p.warn.Do(func() {
		p.log.Warn("failed to write "+what, zap.Error(err), zap.Uint64("errors", n))
	})
}

// network prepares the IP layer for a packet from src to dst.
func (p *PcapWriter) network(src, dst net.IP, proto layers.IPProtocol, id uint32) gopacket.NetworkLayer {
	if v4 := src.To4(); v4 != nil {
		p.ip4 = layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      pcapTTL,
			Id:       uint16(id),
			Protocol: proto,
			SrcIP:    v4,
			DstIP:    dst.To4(),
		}
		return &p.ip4
	}
	p.ip6 = layers.IPv6{
		Version:    6,
		HopLimit:   pcapTTL,
		NextHeader: proto,
		SrcIP:      src,
		DstIP:      dst,
	}
	return &p.ip6
}

func (p *PcapWriter) write(ts time.Time, ls ...gopacket.SerializableLayer) error {
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(p.buf, opts, ls...); err != nil {
		return fmt.Errorf("failed to serialize packet: %w", err)
	}
	data := p.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := p.w.WritePacket(ci, data); err != nil {
		return err
	}
	p.packets.Add(1)
	return nil
}

// Datagram writes d as one IP packet.
func (p *PcapWriter) Datagram(d reassembly.Datagram) {
	key := d.Key
	if key.Src.Is4() && len(d.Payload) > 65535-20 {
		p.fail("datagram", errors.New("payload too large for an IPv4 packet"))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ip := p.network(key.Src.AsSlice(), key.Dst.AsSlice(), layers.IPProtocol(key.Protocol), key.ID)
	if err := p.write(d.Last, ip.(gopacket.SerializableLayer), gopacket.Payload(d.Payload)); err != nil {
		p.fail("datagram", err)
	}
}

// Chunk writes c as TCP segments.
func (p *PcapWriter) Chunk(c reassembly.Chunk) {
	key := c.Key

	p.mu.Lock()
	defer p.mu.Unlock()
	seq := c.Seq
	for data := c.Data; len(data) > 0; {
		n := min(len(data), maxChunkSegment)
		ip := p.network(key.Src.AsSlice(), key.Dst.AsSlice(), layers.IPProtocolTCP, 0)
		p.tcp = layers.TCP{
			SrcPort: layers.TCPPort(key.SrcPort),
			DstPort: layers.TCPPort(key.DstPort),
			Seq:     uint32(seq),
			PSH:     true,
			ACK:     true,
			Window:  65535,
		}
		if err := p.tcp.SetNetworkLayerForChecksum(ip); err != nil {
			p.fail("chunk", err)
			return
		}
		if err := p.write(c.Timestamp, ip.(gopacket.SerializableLayer), &p.tcp, gopacket.Payload(data[:n])); err != nil {
			p.fail("chunk", err)
			return
		}
		seq = seq.Add(n)
		data = data[n:]
	}
}

// StreamEnd is not represented in the capture.
func (p *PcapWriter) StreamEnd(reassembly.StreamEnd) {}

// Flush writes buffered packets to the underlying writer.
func (p *PcapWriter) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bw.Flush()
}

// Close flushes and, for CreatePcap writers, closes the file.
func (p *PcapWriter) Close() error {
	err := p.Flush()
	if p.closer != nil {
		err = errors.Join(err, p.closer.Close())
	}
	return err
}

var _ Sink = (*PcapWriter)(nil)
