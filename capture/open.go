/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package capture

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// Open validates cfg and opens the configured backend with its filter
// installed. An empty Interface on a live backend resolves to the
// interface of the default route.
func Open(cfg Config, log *zap.Logger) (Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture config: %w", err)
	}

	live := cfg.Backend == "auto" || cfg.Backend == "pcap" || cfg.Backend == "afpacket"
	if live && cfg.Interface == "" {
		name, err := DefaultInterface()
		if err != nil {
			return nil, fmt.Errorf("no interface given and detection failed: %w", err)
		}
		log.Info("using default route interface", zap.String("interface", name))
		cfg.Interface = name
	}

	src, backend, err := openBackend(&cfg, log)
	if err != nil {
		return nil, err
	}
	if err := src.SetFilter(cfg.Filter); err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to set %s filter %q: %w", backend, cfg.Filter, err)
	}

	log.Info("capture opened",
		zap.String("backend", backend),
		zap.String("interface", cfg.Interface),
		zap.String("file", cfg.File),
		zap.String("filter", cfg.Filter))
	return src, nil
}

func openBackend(cfg *Config, log *zap.Logger) (Source, string, error) {
	switch cfg.Backend {
	case "pcap":
		h, err := NewPcapHandle(cfg)
		return h, "pcap", err

	case "afpacket":
		if runtime.GOOS != "linux" {
			return nil, "", fmt.Errorf("afpacket backend is only supported on Linux")
		}
		h, err := NewAFPacketHandle(cfg)
		return h, "afpacket", err

	case "file":
		h, err := NewFileHandle(cfg)
		return h, "file", err

	case "ringbuf":
		h, err := NewRingbufHandle(cfg)
		return h, "ringbuf", err

	case "auto":
		// AF_PACKET works without CGO; pcap is the fallback and the only
		// choice elsewhere.
		if runtime.GOOS == "linux" {
			h, err := NewAFPacketHandle(cfg)
			if err == nil {
				return h, "afpacket", nil
			}
			log.Debug("afpacket unavailable, trying pcap", zap.Error(err))
			ph, pcapErr := NewPcapHandle(cfg)
			if pcapErr == nil {
				return ph, "pcap", nil
			}
			return nil, "", fmt.Errorf("afpacket: %v; pcap: %v", err, pcapErr)
		}
		h, err := NewPcapHandle(cfg)
		return h, "pcap", err

	default:
		return nil, "", fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

// BackendName returns the backend name of src for logs and errors.
func BackendName(src Source) string {
	switch src.(type) {
	case *PcapHandle:
		return "pcap"
	case *AFPacketHandle:
		return "afpacket"
	case *FileHandle:
		return "file"
	case *RingbufHandle:
		return "ringbuf"
	default:
		return "custom"
	}
}
