/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package reassembly

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically removes stale fragment groups and stream contexts.
type Reaper struct {
	fragments *FragmentTable
	streams   *StreamTable
	interval  time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewReaper creates a reaper over either or both tables. The sweep period
// and clock come from cfg.
func NewReaper(fragments *FragmentTable, streams *StreamTable, cfg Config, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	interval := cfg.ReaperInterval
	if interval <= 0 {
		interval = DefaultConfig().ReaperInterval
	}
	return &Reaper{
		fragments: fragments,
		streams:   streams,
		interval:  interval,
		now:       cfg.now,
		log:       log.Named("reaper"),
	}
}

// Sweep runs one expiry pass over both tables.
func (r *Reaper) Sweep() (groups, streams int) {
	now := r.now()
	if r.fragments != nil {
		groups = r.fragments.Expire(now)
	}
	if r.streams != nil {
		streams = r.streams.Expire(now)
	}
	if groups > 0 || streams > 0 {
		r.log.Debug("sweep", zap.Int("groups", groups), zap.Int("streams", streams))
	}
	return groups, streams
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}
