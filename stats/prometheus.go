/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "netsift"

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(s *Snapshot) float64
}

// PrometheusCollector exposes a Collector's counters to a Prometheus
// registry. Values are read at scrape time.
type PrometheusCollector struct {
	source  *Collector
	metrics []metric
}

func counter(name, help string, value func(s *Snapshot) uint64) metric {
	return metric{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		kind: prometheus.CounterValue,
		value: func(s *Snapshot) float64 {
			return float64(value(s))
		},
	}
}

// NewPrometheusCollector wraps c for registration with prometheus.Register.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	return &PrometheusCollector{
		source: c,
		metrics: []metric{
			counter("packets_received_total", "Packets handed to the engine.", func(s *Snapshot) uint64 { return s.PacketsReceived }),
			counter("packets_dropped_total", "Malformed packets dropped by the classifier.", func(s *Snapshot) uint64 { return s.PacketsDropped }),
			counter("queue_dropped_total", "Packets dropped because the ingest queue was full.", func(s *Snapshot) uint64 { return s.QueueDropped }),
			counter("pause_dropped_total", "Packets discarded while capture was paused.", func(s *Snapshot) uint64 { return s.PauseDropped }),
			counter("passthrough_total", "Packets needing no reassembly.", func(s *Snapshot) uint64 { return s.PassThrough }),
			counter("filtered_total", "Packets rejected by the filter expression.", func(s *Snapshot) uint64 { return s.Filtered }),
			counter("backend_errors_total", "Errors reported by the capture backend.", func(s *Snapshot) uint64 { return s.BackendErrors }),
			counter("fragments_received_total", "IP fragments routed to the fragment table.", func(s *Snapshot) uint64 { return s.FragmentsReceived }),
			counter("fragments_discarded_overlap_total", "Fragments that overlapped bytes already held.", func(s *Snapshot) uint64 { return s.FragmentsDiscardedOverlap }),
			counter("fragment_bytes_discarded_total", "Fragment bytes discarded by the overlap policy.", func(s *Snapshot) uint64 { return s.FragmentBytesDiscarded }),
			counter("groups_completed_total", "Datagrams fully reassembled.", func(s *Snapshot) uint64 { return s.GroupsCompleted }),
			counter("groups_timed_out_total", "Fragment groups removed by the reaper.", func(s *Snapshot) uint64 { return s.GroupsTimedOut }),
			counter("groups_evicted_total", "Fragment groups evicted to admit new ones.", func(s *Snapshot) uint64 { return s.GroupsEvicted }),
			counter("groups_rejected_total", "Fragment groups discarded as inconsistent.", func(s *Snapshot) uint64 { return s.GroupsRejected }),
			counter("segments_received_total", "TCP segments routed to the stream table.", func(s *Snapshot) uint64 { return s.SegmentsReceived }),
			counter("segments_retransmitted_total", "TCP segments carrying only already emitted bytes.", func(s *Snapshot) uint64 { return s.SegmentsRetransmitted }),
			counter("segments_out_of_order_total", "TCP segments buffered ahead of a gap.", func(s *Snapshot) uint64 { return s.SegmentsOutOfOrder }),
			counter("segments_rejected_total", "TCP segments rejected as out of window or over the buffer limit.", func(s *Snapshot) uint64 { return s.SegmentsRejected }),
			counter("streams_created_total", "Stream contexts created.", func(s *Snapshot) uint64 { return s.StreamsCreated }),
			counter("streams_closed_total", "Stream contexts closed by FIN or RST.", func(s *Snapshot) uint64 { return s.StreamsClosed }),
			counter("streams_timed_out_total", "Stream contexts removed by the reaper.", func(s *Snapshot) uint64 { return s.StreamsTimedOut }),
			counter("streams_evicted_total", "Stream contexts evicted to admit new ones.", func(s *Snapshot) uint64 { return s.StreamsEvicted }),
			counter("streams_overflow_total", "Stream contexts dropped for buffering too much.", func(s *Snapshot) uint64 { return s.StreamsOverflow }),
			counter("streams_reused_total", "Stream contexts replaced by a SYN with a new ISN.", func(s *Snapshot) uint64 { return s.StreamsReused }),
			counter("bytes_emitted_total", "Reassembled bytes delivered to the sink.", func(s *Snapshot) uint64 { return s.BytesEmitted }),
			counter("backend_received_total", "Packets seen by the capture backend.", func(s *Snapshot) uint64 { return s.Backend.Received }),
			counter("backend_dropped_total", "Packets dropped by the capture backend.", func(s *Snapshot) uint64 { return s.Backend.Dropped }),
			counter("backend_if_dropped_total", "Packets dropped by the capture interface.", func(s *Snapshot) uint64 { return s.Backend.IfDropped }),
			counter("backend_bytes_total", "Bytes seen by the capture backend.", func(s *Snapshot) uint64 { return s.Backend.Bytes }),
			{
				desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "streams_active"), "Stream contexts currently tracked.", nil, nil),
				kind:  prometheus.GaugeValue,
				value: func(s *Snapshot) float64 { return float64(s.StreamsActive) },
			},
		},
	}
}

// Describe implements prometheus.Collector.
func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range p.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := p.source.Snapshot()
	for _, m := range p.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(&snap))
	}
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)
