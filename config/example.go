/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package config

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/caarlos0/env/v11"
)

// WriteExample writes a commented YAML config holding c's values.
func WriteExample(w io.Writer, c Config) error {
	_, err := fmt.Fprintf(w, `# netsift configuration. Every key may also be set from the environment,
# e.g. reassembly.fragment_timeout as NETSIFT_REASSEMBLY_FRAGMENT_TIMEOUT.

reassembly:
  fragment_timeout: %s
  stream_timeout: %s
  max_fragment_groups: %d
  max_fragments_per_group: %d
  max_streams: %d
  max_buffered_segments_per_stream: %d
  max_buffered_bytes_per_stream: %d
  shard_count: %d
  reaper_interval: %s

engine:
  queue_size: %d
  workers: %d
  # Expression over proto, version, src, dst, sport, dport, fragment, length, ifindex.
  filter: %q
  block_when_full: %t
  stats_interval: %s

capture:
  # auto, pcap, afpacket, file or ringbuf.
  backend: %s
  interface: %q
  file: %q
  ringbuf_path: %q
  link_type: %s
  snap_len: %d
  promisc: %t
  socket_buffer: %d
  filter: %q
  direction: %s
  read_timeout: %s

output:
  pcap: %q
  json: %q
  json_payloads: %t
  queue_size: %d

# Set address to ship events to a netsift receiver over QUIC.
export:
  address: %q
  key: %q
  cert_file: %q
  key_file: %q
  alpn: %s
  streams: %d
  queue_size: %d
  max_frame_size: %d
  idle_timeout: %s
  dial_timeout: %s

metrics:
  address: %q
  log_interval: %s

log:
  level: %s
  format: %s
`,
		c.Reassembly.FragmentTimeout, c.Reassembly.StreamTimeout,
		c.Reassembly.MaxFragmentGroups, c.Reassembly.MaxFragmentsPerGroup,
		c.Reassembly.MaxStreams, c.Reassembly.MaxBufferedSegmentsPerStream,
		c.Reassembly.MaxBufferedBytesPerStream, c.Reassembly.ShardCount,
		c.Reassembly.ReaperInterval,
		c.Engine.QueueSize, c.Engine.Workers, c.Engine.Filter, c.Engine.BlockWhenFull,
		c.Engine.StatsInterval,
		c.Capture.Backend, c.Capture.Interface, c.Capture.File, c.Capture.RingbufPath,
		c.Capture.LinkType, c.Capture.SnapLen, c.Capture.Promisc, c.Capture.SocketBuffer,
		c.Capture.Filter, c.Capture.Direction, c.Capture.ReadTimeout,
		c.Output.Pcap, c.Output.JSON, c.Output.JSONPayloads, c.Output.QueueSize,
		c.Export.Address, c.Export.Key, c.Export.CertFile, c.Export.KeyFile, c.Export.ALPN,
		c.Export.Streams, c.Export.QueueSize, c.Export.MaxFrameSize, c.Export.IdleTimeout,
		c.Export.DialTimeout,
		c.Metrics.Address, c.Metrics.LogInterval,
		c.Log.Level, c.Log.Format,
	)
	return err
}

// EnvHelp lists every environment variable Load reads.
func EnvHelp(w io.Writer) error {
	cfg := Default()
	params, err := env.GetFieldParamsWithOptions(&cfg, env.Options{Prefix: EnvPrefix})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tconfig file path\n", EnvConfigFile)
	for _, p := range params {
		if p.Required {
			fmt.Fprintf(tw, "%s\trequired\n", p.Key)
			continue
		}
		fmt.Fprintf(tw, "%s\t\n", p.Key)
	}
	return tw.Flush()
}
