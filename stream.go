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
	"bytes"
	"strconv"
	"time"

	"github.com/bufbuild/h2plex/flowcontrol"
)

type streamState int

const (
	streamIdle streamState = iota
	streamOpen
	streamHalfClosedLocal
	streamHalfClosedRemote
	streamClosed
	streamReset
)

func (s streamState) String() string {
	switch s {
	case streamIdle:
		return "idle"
	case streamOpen:
		return "open"
	case streamHalfClosedLocal:
		return "half-closed (local)"
	case streamHalfClosedRemote:
		return "half-closed (remote)"
	case streamClosed:
		return "closed"
	case streamReset:
		return "reset"
	default:
		return "unknown"
	}
}

// stream is one request/response exchange multiplexed on a connection.
// All fields except done are owned by the connection's multiplexer loop;
// callers interact with a stream only through its id and the done channel.
type stream struct {
	id    uint32
	state streamState

	sendFlow *flowcontrol.Window
	recvFlow *flowcontrol.Window

	// pending holds request body bytes admitted to the stream but not
	// yet written, gated by flow-control credit.
	pending []byte

	// recvConsumed counts body bytes received since the last
	// stream-level window update was emitted.
	recvConsumed int32

	status    int
	header    Header
	body      bytes.Buffer
	submitted time.Time
	ttfb      time.Duration

	// pushKey is non-empty for a server-pushed stream: its response is
	// destined for the push cache instead of a waiting caller.
	pushKey string

	// resp and err are written by the loop before done is closed, and
	// may be read by the waiting caller only after done is closed.
	resp *Response
	err  error
	done chan struct{}
}

func newStream(id uint32, sendWindow, recvWindow int32, now time.Time) *stream {
	return &stream{
		id:        id,
		state:     streamIdle,
		sendFlow:  flowcontrol.New(sendWindow),
		recvFlow:  flowcontrol.New(recvWindow),
		submitted: now,
		done:      make(chan struct{}),
	}
}

func (s *stream) terminal() bool {
	return s.state == streamClosed || s.state == streamReset
}

// noteHeaders records a received header block. The first block carries
// the response status; a later block (trailers) is appended to the same
// ordered header list.
func (s *stream) noteHeaders(fields []Field, elapsed time.Duration) {
	if s.ttfb == 0 {
		s.ttfb = elapsed
	}
	for _, f := range fields {
		if f.Name == ":status" {
			if code, err := strconv.Atoi(f.Value); err == nil {
				s.status = code
			}
			continue
		}
		s.header = append(s.header, f)
	}
}

// closeRemote marks the peer's half of the stream done. It reports
// whether the stream is now fully closed.
func (s *stream) closeRemote() bool {
	switch s.state {
	case streamHalfClosedLocal:
		s.state = streamClosed
	case streamIdle, streamOpen:
		s.state = streamHalfClosedRemote
	}
	return s.state == streamClosed
}

// closeLocal marks our half of the stream done, after the final body
// byte was written. It reports whether the stream is now fully closed.
func (s *stream) closeLocal() bool {
	switch s.state {
	case streamHalfClosedRemote:
		s.state = streamClosed
	case streamIdle, streamOpen:
		s.state = streamHalfClosedLocal
	}
	return s.state == streamClosed
}

// finish resolves the waiting caller with the accumulated response.
func (s *stream) finish(total time.Duration) {
	s.state = streamClosed
	s.resp = &Response{
		StatusCode: s.status,
		Header:     s.header,
		Body:       bytes.Clone(s.body.Bytes()),
		StreamID:   s.id,
		Proto:      "HTTP/2",
		Timing:     Timing{TTFB: s.ttfb, Total: total},
	}
	close(s.done)
}

// fail resolves the waiting caller with an error.
func (s *stream) fail(state streamState, err error) {
	s.state = state
	s.err = err
	close(s.done)
}
