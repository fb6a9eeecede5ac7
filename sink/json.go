/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package sink

import (
	"bufio"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/netsift/netsift/reassembly"
)

// JSONLines writes one JSON object per event. Payload bytes are included,
// base64 encoded, only when Payloads is set.
type JSONLines struct {
	// Payloads includes datagram and chunk bytes in the output.
	Payloads bool

	mu     sync.Mutex
	bw     *bufio.Writer
	closer io.Closer
	log    *zap.Logger
	warn   rate.Sometimes
}

// NewJSONLines writes to w. The caller keeps ownership of w.
func NewJSONLines(w io.Writer, log *zap.Logger) *JSONLines {
	if log == nil {
		log = zap.NewNop()
	}
	return &JSONLines{
		bw:   bufio.NewWriter(w),
		log:  log.Named("json"),
		warn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// CreateJSONLines writes to path, or to stdout when path is "-".
func CreateJSONLines(path string, log *zap.Logger) (*JSONLines, error) {
	if path == "-" {
		return NewJSONLines(os.Stdout, log), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	j := NewJSONLines(f, log)
	j.closer = f
	return j, nil
}

func (j *JSONLines) emit(obj *gabs.Container) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.bw.Write(obj.Bytes())
	if err == nil {
		err = j.bw.WriteByte('\n')
	}
	if err != nil {
		j.warn.Do(func() {
			j.log.Warn("failed to write event", zap.Error(err))
		})
	}
}

func (j *JSONLines) payload(obj *gabs.Container, b []byte) {
	if j.Payloads {
		obj.Set(base64.StdEncoding.EncodeToString(b), "payload")
	}
}

func (j *JSONLines) Datagram(d reassembly.Datagram) {
	obj := gabs.New()
	obj.Set("datagram", "event")
	obj.SetP(d.Key.Src.String(), "key.src")
	obj.SetP(d.Key.Dst.String(), "key.dst")
	obj.SetP(d.Key.Protocol, "key.proto")
	obj.SetP(d.Key.ID, "key.id")
	obj.Set(d.Fragments, "fragments")
	obj.Set(len(d.Payload), "length")
	obj.Set(d.First.Format(time.RFC3339Nano), "first")
	obj.Set(d.Last.Format(time.RFC3339Nano), "last")
	j.payload(obj, d.Payload)
	j.emit(obj)
}

func (j *JSONLines) Chunk(c reassembly.Chunk) {
	obj := gabs.New()
	obj.Set("chunk", "event")
	obj.Set(c.Stream.String(), "stream")
	streamKey(obj, c.Key)
	obj.Set(uint32(c.Seq), "seq")
	obj.Set(len(c.Data), "length")
	obj.Set(c.Timestamp.Format(time.RFC3339Nano), "time")
	j.payload(obj, c.Data)
	j.emit(obj)
}

func (j *JSONLines) StreamEnd(e reassembly.StreamEnd) {
	obj := gabs.New()
	obj.Set("stream_end", "event")
	obj.Set(e.Stream.String(), "stream")
	streamKey(obj, e.Key)
	obj.Set(e.Reason.String(), "reason")
	obj.Set(e.Emitted, "emitted")
	obj.Set(e.Discarded, "discarded")
	obj.SetP(e.Counters.OutOfOrder, "counters.out_of_order")
	obj.SetP(e.Counters.Retransmissions, "counters.retransmissions")
	obj.SetP(e.Counters.Gaps, "counters.gaps")
	j.emit(obj)
}

func streamKey(obj *gabs.Container, k reassembly.StreamKey) {
	obj.SetP(k.Src.String(), "key.src")
	obj.SetP(k.SrcPort, "key.sport")
	obj.SetP(k.Dst.String(), "key.dst")
	obj.SetP(k.DstPort, "key.dport")
}

// Flush writes buffered lines to the underlying writer.
func (j *JSONLines) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bw.Flush()
}

// Close flushes and, for CreateJSONLines files, closes the file.
func (j *JSONLines) Close() error {
	err := j.Flush()
	if j.closer != nil {
		err = errors.Join(err, j.closer.Close())
	}
	return err
}

var _ Sink = (*JSONLines)(nil)
