// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package h2plex

import (
	"io"
	"sync/atomic"
)

// Stats is a snapshot of transport counters. Counters are append-only;
// snapshots taken with no intervening traffic are identical.
type Stats struct {
	Connections      uint64
	StreamsOpened    uint64
	StreamsClosed    uint64
	FramesSent       uint64
	FramesReceived   uint64
	BytesSent        uint64
	BytesReceived    uint64
	ConnectionErrors uint64
	StreamErrors     uint64
}

func (s Stats) merge(other Stats) Stats {
	s.Connections += other.Connections
	s.StreamsOpened += other.StreamsOpened
	s.StreamsClosed += other.StreamsClosed
	s.FramesSent += other.FramesSent
	s.FramesReceived += other.FramesReceived
	s.BytesSent += other.BytesSent
	s.BytesReceived += other.BytesReceived
	s.ConnectionErrors += other.ConnectionErrors
	s.StreamErrors += other.StreamErrors
	return s
}

// StatsSink receives the final counters of each connection as it is
// retired. Sinks are invoked from a dedicated goroutine, decoupled from
// the multiplexer loops, so a slow sink never stalls frame processing.
type StatsSink interface {
	RecordStats(Stats)
}

// StatsSinkFunc adapts a function to the StatsSink interface.
type StatsSinkFunc func(Stats)

// RecordStats implements StatsSink.
func (f StatsSinkFunc) RecordStats(stats Stats) {
	f(stats)
}

// collector accumulates counters for a single connection. Counters are
// atomics: the multiplexer loop increments them while Stats readers take
// snapshots concurrently. Each individual counter read is consistent;
// the snapshot is not linearizable across counters, which the metrics
// surface explicitly permits.
type collector struct {
	streamsOpened    atomic.Uint64
	streamsClosed    atomic.Uint64
	framesSent       atomic.Uint64
	framesReceived   atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	connectionErrors atomic.Uint64
	streamErrors     atomic.Uint64
}

func (c *collector) streamOpened()  { c.streamsOpened.Add(1) }
func (c *collector) streamClosed()  { c.streamsClosed.Add(1) }
func (c *collector) streamError()   { c.streamErrors.Add(1) }
func (c *collector) connError()     { c.connectionErrors.Add(1) }
func (c *collector) frameSent()     { c.framesSent.Add(1) }
func (c *collector) frameReceived() { c.framesReceived.Add(1) }

// meterWriter and meterReader count wire bytes as they pass through, so
// byte counters include frame headers and padding, not just payloads.
type meterWriter struct {
	w io.Writer
	c *collector
}

func (m meterWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	m.c.bytesSent.Add(uint64(n)) //nolint:gosec // n is a non-negative write count
	return n, err
}

type meterReader struct {
	r io.Reader
	c *collector
}

func (m meterReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.c.bytesReceived.Add(uint64(n)) //nolint:gosec // n is a non-negative read count
	return n, err
}

func (c *collector) snapshot() Stats {
	return Stats{
		StreamsOpened:    c.streamsOpened.Load(),
		StreamsClosed:    c.streamsClosed.Load(),
		FramesSent:       c.framesSent.Load(),
		FramesReceived:   c.framesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		ConnectionErrors: c.connectionErrors.Load(),
		StreamErrors:     c.streamErrors.Load(),
	}
}
