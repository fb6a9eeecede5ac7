/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
)

var (
	testSrcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	testDstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func ethernetTCP(t *testing.T, v6 bool, port uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(port), DstPort: 80, Seq: 1, ACK: true, Window: 1024}
	var network gopacket.SerializableLayer
	if v6 {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
			SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: net.IPv4(192, 0, 2, 1), DstIP: net.IPv4(192, 0, 2, 2)}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		network = ip
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, network, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func ethernetUDP(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testSrcMAC, DstMAC: testDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IPv4(192, 0, 2, 1), DstIP: net.IPv4(192, 0, 2, 2)}
	udp := &layers.UDP{SrcPort: 53, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("q")))
	return buf.Bytes()
}

func writePcap(t *testing.T, packets [][]byte, ng bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ci := func(i int, data []byte) gopacket.CaptureInfo {
		return gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
	}

	if ng {
		w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
		require.NoError(t, err)
		for i, p := range packets {
			require.NoError(t, w.WritePacket(ci(i, p), p))
		}
		require.NoError(t, w.Flush())
		return path
	}

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, p := range packets {
		require.NoError(t, w.WritePacket(ci(i, p), p))
	}
	return path
}

func TestFileHandle(t *testing.T) {
	for _, ng := range []bool{false, true} {
		name := "pcap"
		if ng {
			name = "pcapng"
		}
		t.Run(name, func(t *testing.T) {
			packets := [][]byte{
				ethernetTCP(t, false, 1000, []byte("one")),
				ethernetTCP(t, true, 1001, []byte("two")),
				ethernetUDP(t),
			}
			cfg := DefaultConfig()
			cfg.Backend = "file"
			cfg.File = writePcap(t, packets, ng)

			src, err := Open(cfg, nil)
			require.NoError(t, err)
			defer src.Close()

			var total uint64
			for i, want := range packets {
				rec, err := src.ReadRecord()
				require.NoError(t, err, "packet %d", i)
				assert.Equal(t, want, rec.Data)
				assert.Equal(t, layers.LinkTypeEthernet, rec.LinkType)
				assert.Equal(t, uint32(len(want)), rec.Length)
				assert.False(t, rec.Truncated())
				total += uint64(len(want))
			}
			_, err = src.ReadRecord()
			assert.ErrorIs(t, err, io.EOF)

			st, err := src.Stats()
			require.NoError(t, err)
			assert.Equal(t, uint64(len(packets)), st.PacketsReceived)
			assert.Equal(t, total, st.BytesReceived)
			assert.Zero(t, st.PacketsDropped)

			require.NoError(t, src.Close())
			_, err = src.ReadRecord()
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestFileHandleRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("junk", 16)), 0o600))

	cfg := DefaultConfig()
	cfg.Backend = "file"
	cfg.File = path
	_, err := Open(cfg, nil)
	assert.Error(t, err)
}

func TestFileHandleFilterUnsupported(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "file"
	cfg.File = writePcap(t, [][]byte{ethernetUDP(t)}, false)
	cfg.Filter = "tcp"
	_, err := Open(cfg, nil)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "empty backend", modify: func(c *Config) { c.Backend = "" }},
		{name: "unknown backend", modify: func(c *Config) { c.Backend = "dpdk" }, wantErr: "unknown backend"},
		{name: "file without path", modify: func(c *Config) { c.Backend = "file" }, wantErr: "File"},
		{name: "ringbuf without path", modify: func(c *Config) { c.Backend = "ringbuf" }, wantErr: "RingbufPath"},
		{name: "bad direction", modify: func(c *Config) { c.Direction = "sideways" }, wantErr: "direction"},
		{name: "bad link type", modify: func(c *Config) { c.LinkType = "token-ring" }, wantErr: "link type"},
		{name: "negative buffer", modify: func(c *Config) { c.SocketBuffer = -1 }, wantErr: "SocketBuffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	cfg := Config{Backend: "auto"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 65535, cfg.SnapLen)
	assert.Equal(t, 100*time.Millisecond, cfg.ReadTimeout)
	assert.Equal(t, "ethernet", cfg.LinkType)
}

func TestFilterProgram(t *testing.T) {
	v4 := ethernetTCP(t, false, 1000, []byte("x"))
	v6 := ethernetTCP(t, true, 1000, []byte("x"))
	udp := ethernetUDP(t)

	v6frag := append([]byte(nil), v6...)
	v6frag[ip6OffsetNext] = ip6NextFrag

	arp := append([]byte(nil), udp...)
	arp[ethOffsetType], arp[ethOffsetType+1] = 0x08, 0x06

	tests := []struct {
		filter string
		accept map[string]bool
	}{
		{"ip", map[string]bool{"v4": true, "v6": false, "udp": true, "v6frag": false, "arp": false}},
		{"ip6", map[string]bool{"v4": false, "v6": true, "udp": false, "v6frag": true, "arp": false}},
		{"ip or ip6", map[string]bool{"v4": true, "v6": true, "udp": true, "v6frag": true, "arp": false}},
		{" TCP ", map[string]bool{"v4": true, "v6": true, "udp": false, "v6frag": true, "arp": false}},
	}
	packets := map[string][]byte{"v4": v4, "v6": v6, "udp": udp, "v6frag": v6frag, "arp": arp}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			prog, err := filterProgram(tt.filter, 65535)
			require.NoError(t, err)
			_, err = bpf.Assemble(prog)
			require.NoError(t, err)
			vm, err := bpf.NewVM(prog)
			require.NoError(t, err)

			for name, pkt := range packets {
				n, err := vm.Run(pkt)
				require.NoError(t, err)
				assert.Equal(t, tt.accept[name], n > 0, "%s on %s", tt.filter, name)
			}
		})
	}

	_, err := filterProgram("tcp port 80", 65535)
	assert.Error(t, err)
}

func TestDefaultRouteLinux(t *testing.T) {
	table := `Iface	Destination	Gateway 	Flags	RefCnt	Use	Metric	Mask		MTU	Window	IRTT
docker0	000011AC	00000000	0001	0	0	0	0000FFFF	0	0	0
wlan0	00000000	0101A8C0	0003	0	0	600	00000000	0	0	0
eth0	00000000	0100000A	0003	0	0	100	00000000	0	0	0
`
	exists := func(name string) bool { return name != "wlan0" }
	name, err := defaultRouteLinux(strings.NewReader(table), exists)
	require.NoError(t, err)
	assert.Equal(t, "eth0", name)

	_, err = defaultRouteLinux(strings.NewReader(table), func(string) bool { return false })
	assert.Error(t, err)
}

func TestDefaultRouteDarwin(t *testing.T) {
	out := `Routing tables

Internet:
Destination        Gateway            Flags           Netif Expire
default            10.8.0.1           UGScg           utun3
default            192.168.1.1        UGScIg            en0
127                127.0.0.1          UCS               lo0
`
	name, err := defaultRouteDarwin(strings.NewReader(out), func(string) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, "en0", name)
}

// scriptedSource replays a fixed list of reads.
type scriptedSource struct {
	mu     sync.Mutex
	reads  []error
	closed bool
}

func (s *scriptedSource) ReadRecord() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	if len(s.reads) == 0 {
		return Record{}, io.EOF
	}
	err := s.reads[0]
	s.reads = s.reads[1:]
	if err != nil {
		return Record{}, err
	}
	return Record{Data: []byte{1}, Length: 1, CaptureLength: 1}, nil
}

func (s *scriptedSource) SetFilter(string) error { return nil }
func (s *scriptedSource) Stats() (Stats, error)  { return Stats{}, nil }

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func TestPumpSubmitsAndReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	src := &scriptedSource{reads: []error{nil, nil, boom, nil, nil}}
	p := NewPump(src, nil)

	accepted := 0
	submit := func(Record) bool {
		accepted++
		return accepted <= 3
	}
	errs := make(chan error, 4)
	require.NoError(t, p.Run(context.Background(), "test", submit, errs))

	assert.Equal(t, uint64(3), p.Submitted())
	assert.Equal(t, uint64(1), p.Rejected())
	require.Len(t, errs, 1)
	err := <-errs
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "test", be.Backend)
	assert.ErrorIs(t, err, boom)
}

func TestPumpPaused(t *testing.T) {
	src := &scriptedSource{reads: []error{nil, nil, nil}}
	p := NewPump(src, nil)
	p.Pause()
	assert.True(t, p.Paused())

	require.NoError(t, p.Run(context.Background(), "test", func(Record) bool {
		t.Fatal("submit called while paused")
		return true
	}, nil))
	assert.Equal(t, uint64(3), p.Discarded())

	p.Resume()
	assert.False(t, p.Paused())
}

// blockingSource blocks until closed.
type blockingSource struct {
	done chan struct{}
	once sync.Once
}

func (s *blockingSource) ReadRecord() (Record, error) {
	<-s.done
	return Record{}, ErrClosed
}

func (s *blockingSource) SetFilter(string) error { return nil }
func (s *blockingSource) Stats() (Stats, error)  { return Stats{}, nil }

func (s *blockingSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func TestPumpStopsOnCancel(t *testing.T) {
	src := &blockingSource{done: make(chan struct{})}
	p := NewPump(src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, "test", func(Record) bool { return true }, nil)
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestNewRecord(t *testing.T) {
	ci := gopacket.CaptureInfo{CaptureLength: 10, Length: 60, InterfaceIndex: 3}
	rec := NewRecord(make([]byte, 10), ci, layers.LinkTypeRaw)
	assert.True(t, rec.Truncated())
	assert.Equal(t, uint32(3), rec.IfIndex)

	rec = NewRecord(make([]byte, 10), gopacket.CaptureInfo{}, layers.LinkTypeRaw)
	assert.False(t, rec.Truncated())
	assert.Equal(t, uint32(10), rec.Length)
}
