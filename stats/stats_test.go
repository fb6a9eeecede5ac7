/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeBackend(t *testing.T) {
	tests := []struct {
		name    string
		reports []Backend
		want    Backend
	}{
		{
			name:    "single report",
			reports: []Backend{{Received: 10, Dropped: 1, IfDropped: 2, Bytes: 1000}},
			want:    Backend{Received: 10, Dropped: 1, IfDropped: 2, Bytes: 1000},
		},
		{
			name: "running totals add only the increase",
			reports: []Backend{
				{Received: 10, Dropped: 1},
				{Received: 25, Dropped: 3},
				{Received: 25, Dropped: 3},
			},
			want: Backend{Received: 25, Dropped: 3},
		},
		{
			name: "counter reset",
			reports: []Backend{
				{Received: 100},
				{Received: 5},
			},
			want: Backend{Received: 105},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Collector
			for _, r := range tt.reports {
				c.MergeBackend(r)
			}
			assert.Equal(t, tt.want, c.Snapshot().Backend)
		})
	}
}

func TestResetBackend(t *testing.T) {
	var c Collector
	c.MergeBackend(Backend{Received: 50})
	c.ResetBackend()
	c.MergeBackend(Backend{Received: 20})

	assert.Equal(t, uint64(70), c.Snapshot().Backend.Received)
}

func TestSnapshot(t *testing.T) {
	var c Collector
	c.PacketsReceived.Add(3)
	c.GroupsCompleted.Add(1)
	c.StreamsActive.Add(2)
	c.StreamsActive.Add(-1)
	c.BytesEmitted.Add(4096)

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.PacketsReceived)
	assert.Equal(t, uint64(1), snap.GroupsCompleted)
	assert.Equal(t, int64(1), snap.StreamsActive)
	assert.Equal(t, uint64(4096), snap.BytesEmitted)
}

func TestPrometheusCollector(t *testing.T) {
	var c Collector
	c.PacketsReceived.Add(7)
	c.StreamsActive.Add(4)
	c.SegmentsRejected.Add(2)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewPrometheusCollector(&c)))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[f.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[f.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, float64(7), values["netsift_packets_received_total"])
	assert.Equal(t, float64(4), values["netsift_streams_active"])
	assert.Equal(t, float64(2), values["netsift_segments_rejected_total"])
	assert.Contains(t, values, "netsift_groups_evicted_total")
	assert.Contains(t, values, "netsift_streams_reused_total")
}
