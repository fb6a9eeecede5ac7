/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// netsift captures traffic, reassembles IP fragments and TCP streams, and
// writes the result to pcap, JSON lines or a remote QUIC receiver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/netsift/netsift/capture"
	"github.com/netsift/netsift/config"
	"github.com/netsift/netsift/engine"
	"github.com/netsift/netsift/export"
	"github.com/netsift/netsift/sink"
	"github.com/netsift/netsift/stats"
)

type flags struct {
	config      string
	backend     string
	iface       string
	read        string
	filter      string
	writePcap   string
	json        string
	export      string
	exportKey   string
	receive     bool
	metrics     string
	logLevel    string
	printConfig bool
	envHelp     bool
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.config, "config", "", "config file (yaml, toml or json); default $"+config.EnvConfigFile)
	flag.StringVar(&f.backend, "backend", "", "capture backend: auto, pcap, afpacket, file, ringbuf")
	flag.StringVar(&f.iface, "interface", "", "capture interface (default: default route)")
	flag.StringVar(&f.read, "read", "", "read packets from a pcap or pcapng file")
	flag.StringVar(&f.filter, "filter", "", "engine filter expression, e.g. 'proto == \"tcp\"'")
	flag.StringVar(&f.writePcap, "write-pcap", "", "write reassembled output to a pcap file")
	flag.StringVar(&f.json, "json", "", "write events as JSON lines (- for stdout)")
	flag.StringVar(&f.export, "export", "", "QUIC receiver address to export events to")
	flag.StringVar(&f.exportKey, "export-key", "", "shared export key")
	flag.BoolVar(&f.receive, "receive", false, "run a QUIC receiver on the export address instead of capturing")
	flag.StringVar(&f.metrics, "metrics", "", "serve Prometheus metrics on this address")
	flag.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.BoolVar(&f.printConfig, "print-config", false, "print the effective configuration as YAML and exit")
	flag.BoolVar(&f.envHelp, "env-help", false, "list environment variables and exit")
	flag.Parse()
	return f
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "netsift: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()
	if f.envHelp {
		return config.EnvHelp(os.Stdout)
	}

	cfg, err := config.Load(f.config)
	if err != nil {
		return err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if f.printConfig {
		return config.WriteExample(os.Stdout, *cfg)
	}

	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := new(stats.Collector)
	if cfg.Metrics.Address != "" {
		shutdown := serveMetrics(cfg.Metrics.Address, st, log)
		defer shutdown()
	}

	if f.receive {
		return receive(ctx, cfg, log)
	}
	return capturePackets(ctx, cfg, st, log)
}

// apply overrides config values with the flags that were set.
func (f *flags) apply(cfg *config.Config) {
	if f.backend != "" {
		cfg.Capture.Backend = f.backend
	}
	if f.iface != "" {
		cfg.Capture.Interface = f.iface
	}
	if f.read != "" {
		cfg.Capture.Backend = "file"
		cfg.Capture.File = f.read
	}
	if cfg.Capture.Backend == "file" {
		cfg.Engine.BlockWhenFull = true
	}
	if f.filter != "" {
		cfg.Engine.Filter = f.filter
	}
	if f.writePcap != "" {
		cfg.Output.Pcap = f.writePcap
	}
	if f.json != "" {
		cfg.Output.JSON = f.json
	}
	if f.export != "" {
		cfg.Export.Address = f.export
	}
	if f.exportKey != "" {
		cfg.Export.Key = f.exportKey
	}
	if f.metrics != "" {
		cfg.Metrics.Address = f.metrics
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
}

func capturePackets(ctx context.Context, cfg *config.Config, st *stats.Collector, log *zap.Logger) error {
	out, err := openSinks(ctx, cfg, true, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Warn("failed to close outputs", zap.Error(err))
		}
	}()

	e, err := engine.New(cfg.Engine, cfg.Reassembly, engine.Deps{Sink: out, Stats: st, Logger: log})
	if err != nil {
		return err
	}
	src, err := capture.Open(cfg.Capture, log)
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		src.Close()
		return err
	}
	defer e.Stop()

	logCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go logStats(logCtx, st, cfg.Metrics.LogInterval, log)

	return e.Run(ctx, src)
}

func receive(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	rcfg := cfg.Export
	if err := rcfg.Validate(); err != nil {
		return fmt.Errorf("invalid receiver config: %w", err)
	}
	out, err := openSinks(ctx, cfg, false, log)
	if err != nil {
		return err
	}
	defer out.Close()

	r, err := export.Listen(rcfg, log)
	if err != nil {
		return err
	}
	defer r.Close()
	err = r.Serve(ctx, out)
	log.Info("receiver stopped", zap.Uint64("frames", r.Frames()), zap.Uint64("malformed", r.Malformed()))
	return err
}

// openSinks builds the configured outputs. File outputs are wrapped in
// sink.Async so table critical sections never wait on disk.
func openSinks(ctx context.Context, cfg *config.Config, withExport bool, log *zap.Logger) (sink.Sink, error) {
	var sinks []sink.Sink
	fail := func(err error) (sink.Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	if cfg.Output.Pcap != "" {
		w, err := sink.CreatePcap(cfg.Output.Pcap, log)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink.Async(w, cfg.Output.QueueSize, log.Named("pcap")))
	}
	if cfg.Output.JSON != "" {
		w, err := sink.CreateJSONLines(cfg.Output.JSON, log)
		if err != nil {
			return fail(err)
		}
		w.Payloads = cfg.Output.JSONPayloads
		sinks = append(sinks, sink.Async(w, cfg.Output.QueueSize, log.Named("json")))
	}
	if withExport && cfg.ExportEnabled() {
		x, err := export.Dial(ctx, cfg.Export, log)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, x)
	}
	if len(sinks) == 0 {
		log.Warn("no outputs configured; reassembled data is discarded")
	}
	return sink.Multi(sinks...), nil
}

func serveMetrics(addr string, st *stats.Collector, log *zap.Logger) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		stats.NewPrometheusCollector(st),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func logStats(ctx context.Context, st *stats.Collector, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s := st.Snapshot()
		log.Info("stats",
			zap.Uint64("packets", s.PacketsReceived),
			zap.Uint64("dropped", s.PacketsDropped),
			zap.Uint64("queue_dropped", s.QueueDropped),
			zap.Uint64("groups_completed", s.GroupsCompleted),
			zap.Uint64("groups_timed_out", s.GroupsTimedOut),
			zap.Int64("streams_active", s.StreamsActive),
			zap.Uint64("bytes_emitted", s.BytesEmitted),
			zap.Uint64("backend_received", s.Backend.Received),
			zap.Uint64("backend_dropped", s.Backend.Dropped))
	}
}
