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

// Package h2test provides an in-process scripted peer for exercising
// the multiplexed transport frame by frame, without real sockets.
package h2test

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// Pipe returns both ends of an in-memory, full-duplex connection.
// Unlike net.Pipe, writes are buffered and never block, so either side
// may write a burst of frames without the other side actively reading.
func Pipe() (client, server net.Conn) {
	clientToServer := newPipeBuffer()
	serverToClient := newPipeBuffer()
	client = &pipeConn{reads: serverToClient, writes: clientToServer}
	server = &pipeConn{reads: clientToServer, writes: serverToClient}
	return client, server
}

type pipeConn struct {
	reads  *pipeBuffer
	writes *pipeBuffer
}

func (c *pipeConn) Read(p []byte) (int, error) {
	return c.reads.Read(p)
}

func (c *pipeConn) Write(p []byte) (int, error) {
	return c.writes.Write(p)
}

func (c *pipeConn) Close() error {
	c.reads.close()
	c.writes.close()
	return nil
}

func (c *pipeConn) LocalAddr() net.Addr  { return pipeAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr { return pipeAddr{} }

// Deadlines are not implemented; tests bound waits with contexts and
// explicit timeouts instead.
func (c *pipeConn) SetDeadline(time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// pipeBuffer is one direction of the pipe: an unbounded buffer with
// blocking reads.
type pipeBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	b := &pipeBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pipeBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.buf.Len() == 0 {
		return 0, io.EOF
	}
	return b.buf.Read(p)
}

func (b *pipeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := b.buf.Write(p)
	b.cond.Broadcast()
	return n, err
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
