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

package h2test

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const pollInterval = 5 * time.Millisecond

// Server is a scripted frame-level peer. It performs the protocol
// handshake (preface and settings exchange) on its own, then surfaces
// incoming streams to the test, which decides what frames to write
// back. Reads happen on a dedicated goroutine; write methods may be
// called from any goroutine.
type Server struct {
	tb     testing.TB
	conn   net.Conn
	framer *http2.Framer

	wmu  sync.Mutex
	henc *hpack.Encoder
	hbuf bytes.Buffer

	mu       sync.Mutex
	streams  map[uint32]*Stream
	resets   map[uint32]chan struct{}
	open     int
	maxOpen  int
	settings []http2.Setting

	acceptCh chan *Stream
	closed   chan struct{}
	once     sync.Once
}

// NewServer starts a scripted peer on the server end of a connection.
// The given settings are sent as the server's opening SETTINGS frame.
func NewServer(tb testing.TB, conn net.Conn, settings ...http2.Setting) *Server {
	tb.Helper()
	srv := &Server{
		tb:       tb,
		conn:     conn,
		streams:  map[uint32]*Stream{},
		resets:   map[uint32]chan struct{}{},
		settings: settings,
		acceptCh: make(chan *Stream, 16),
		closed:   make(chan struct{}),
	}
	srv.framer = http2.NewFramer(conn, conn)
	srv.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	srv.henc = hpack.NewEncoder(&srv.hbuf)
	go srv.serve()
	return srv
}

func (s *Server) serve() {
	defer s.markClosed()
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(s.conn, preface); err != nil {
		return
	}
	if string(preface) != http2.ClientPreface {
		s.tb.Errorf("bad client preface: %q", preface)
		return
	}
	frame, err := s.framer.ReadFrame()
	if err != nil {
		return
	}
	if _, ok := frame.(*http2.SettingsFrame); !ok {
		s.tb.Errorf("expected client SETTINGS, got %T", frame)
		return
	}
	s.wmu.Lock()
	err = s.framer.WriteSettings(s.settings...)
	if err == nil {
		err = s.framer.WriteSettingsAck()
	}
	s.wmu.Unlock()
	if err != nil {
		return
	}
	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			return
		}
		s.handle(frame)
	}
}

func (s *Server) handle(frame http2.Frame) {
	switch frame := frame.(type) {
	case *http2.MetaHeadersFrame:
		fields := make([]hpack.HeaderField, len(frame.Fields))
		copy(fields, frame.Fields)
		stream := &Stream{ID: frame.StreamID, headers: fields, ended: frame.StreamEnded()}
		s.mu.Lock()
		s.streams[stream.ID] = stream
		s.open++
		if s.open > s.maxOpen {
			s.maxOpen = s.open
		}
		s.mu.Unlock()
		s.acceptCh <- stream
	case *http2.DataFrame:
		data := bytes.Clone(frame.Data())
		s.mu.Lock()
		stream := s.streams[frame.StreamID]
		s.mu.Unlock()
		if stream == nil {
			return
		}
		stream.mu.Lock()
		stream.body.Write(data)
		if frame.StreamEnded() {
			stream.ended = true
		}
		stream.mu.Unlock()
	case *http2.RSTStreamFrame:
		s.mu.Lock()
		if stream := s.streams[frame.StreamID]; stream != nil {
			s.open--
			delete(s.streams, frame.StreamID)
			stream.mu.Lock()
			stream.reset = true
			stream.mu.Unlock()
		}
		ch := s.resetChanLocked(frame.StreamID)
		s.mu.Unlock()
		select {
		case <-ch:
		default:
			close(ch)
		}
	case *http2.PingFrame:
		if !frame.IsAck() {
			s.wmu.Lock()
			_ = s.framer.WritePing(true, frame.Data)
			s.wmu.Unlock()
		}
	default:
		// SETTINGS acks, WINDOW_UPDATE and GOAWAY from the client need
		// no scripted reaction
	}
}

func (s *Server) markClosed() {
	s.once.Do(func() { close(s.closed) })
}

// Closed is closed once the peer's read loop has exited, which happens
// when the client closes the connection.
func (s *Server) Closed() <-chan struct{} {
	return s.closed
}

// Close tears the connection down from the server side.
func (s *Server) Close() {
	_ = s.conn.Close()
}

// Accept returns the next incoming stream, in arrival order.
func (s *Server) Accept(timeout time.Duration) (*Stream, error) {
	select {
	case stream := <-s.acceptCh:
		return stream, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no stream arrived within %v", timeout)
	}
}

// MaxObserved reports the highest number of simultaneously open streams
// the peer has seen.
func (s *Server) MaxObserved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOpen
}

// WaitReset waits for the client to reset the given stream.
func (s *Server) WaitReset(streamID uint32, timeout time.Duration) error {
	s.mu.Lock()
	ch := s.resetChanLocked(streamID)
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("stream %d was not reset within %v", streamID, timeout)
	}
}

// +checklocks:s.mu
func (s *Server) resetChanLocked(streamID uint32) chan struct{} {
	ch, ok := s.resets[streamID]
	if !ok {
		ch = make(chan struct{})
		s.resets[streamID] = ch
	}
	return ch
}

// WriteResponse writes a complete response: a HEADERS frame with the
// given status and fields, followed by a DATA frame when body is
// non-empty.
func (s *Server) WriteResponse(streamID uint32, status int, headers [][2]string, body []byte) error {
	fields := append([][2]string{{":status", strconv.Itoa(status)}}, headers...)
	if err := s.WriteHeaders(streamID, fields, len(body) == 0); err != nil {
		return err
	}
	if len(body) > 0 {
		if err := s.WriteData(streamID, body, true); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if _, ok := s.streams[streamID]; ok {
		s.open--
		delete(s.streams, streamID)
	}
	s.mu.Unlock()
	return nil
}

// WriteHeaders writes one HEADERS frame carrying the given fields.
func (s *Server) WriteHeaders(streamID uint32, fields [][2]string, endStream bool) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.hbuf.Reset()
	for _, field := range fields {
		if err := s.henc.WriteField(hpack.HeaderField{Name: field[0], Value: field[1]}); err != nil {
			return err
		}
	}
	return s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: s.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

func (s *Server) WriteData(streamID uint32, data []byte, endStream bool) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.framer.WriteData(streamID, endStream, data)
}

func (s *Server) WriteWindowUpdate(streamID, increment uint32) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.framer.WriteWindowUpdate(streamID, increment)
}

func (s *Server) WriteGoAway(lastStreamID uint32) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.framer.WriteGoAway(lastStreamID, http2.ErrCodeNo, nil)
}

func (s *Server) WriteReset(streamID uint32, code http2.ErrCode) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.framer.WriteRSTStream(streamID, code)
}

// WritePushPromise announces a server-pushed stream on an existing
// stream. The fields describe the synthesized request.
func (s *Server) WritePushPromise(streamID, promisedID uint32, fields [][2]string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.hbuf.Reset()
	for _, field := range fields {
		if err := s.henc.WriteField(hpack.HeaderField{Name: field[0], Value: field[1]}); err != nil {
			return err
		}
	}
	return s.framer.WritePushPromise(http2.PushPromiseParam{
		StreamID:      streamID,
		PromiseID:     promisedID,
		BlockFragment: s.hbuf.Bytes(),
		EndHeaders:    true,
	})
}

// Stream is one stream as observed by the scripted peer.
type Stream struct {
	ID uint32

	mu      sync.Mutex
	headers []hpack.HeaderField
	body    bytes.Buffer
	ended   bool
	reset   bool
}

// Header returns the value of the first field with the given name.
func (st *Stream) Header(name string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, field := range st.headers {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}

// Headers returns the received header fields in wire order.
func (st *Stream) Headers() []hpack.HeaderField {
	st.mu.Lock()
	defer st.mu.Unlock()
	fields := make([]hpack.HeaderField, len(st.headers))
	copy(fields, st.headers)
	return fields
}

// BodyLen returns how many body bytes have arrived so far.
func (st *Stream) BodyLen() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.body.Len()
}

// WasReset reports whether the client reset the stream.
func (st *Stream) WasReset() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reset
}

// WaitBody waits until at least n body bytes have arrived and returns
// a copy of everything received so far.
func (st *Stream) WaitBody(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		st.mu.Lock()
		if st.body.Len() >= n {
			body := bytes.Clone(st.body.Bytes())
			st.mu.Unlock()
			return body, nil
		}
		have := st.body.Len()
		st.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("got %d of %d body bytes within %v", have, n, timeout)
		}
		time.Sleep(pollInterval)
	}
}

// WaitEnd waits until the client half-closes the stream and returns the
// complete body.
func (st *Stream) WaitEnd(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		st.mu.Lock()
		if st.ended {
			body := bytes.Clone(st.body.Bytes())
			st.mu.Unlock()
			return body, nil
		}
		st.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("stream %d did not end within %v", st.ID, timeout)
		}
		time.Sleep(pollInterval)
	}
}
