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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/h2plex/flowcontrol"
	"github.com/bufbuild/h2plex/internal"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultMaxFrameSize   = 16384
	protocolInitialWindow = 65535
	maxHeaderListSize     = 1 << 20
	hpackTableSize        = 4096
)

var (
	errConnClosed   = errors.New("connection closed")
	errGoAway       = errors.New("peer is shutting down")
	errStreamLimit  = errors.New("concurrent stream limit reached")
	errEarlyReset   = errors.New("request abandoned after early response")
	errNegotiation  = errors.New("protocol negotiation failed")
	errWriteFailure = errors.New("frame write failed")
)

// protoConn is a negotiated connection usable by the pool, either a
// multiplexed muxConn or a single-stream legacyConn.
type protoConn interface {
	roundTrip(ctx context.Context, req *Request) (*Response, error)
	state() ConnState
	// maxStreams is the connection's current concurrency ceiling.
	// Settings received later apply to subsequently admitted streams.
	maxStreams() uint32
	snapshot() Stats
	close() error
}

// dialConn establishes a connection to the target, negotiating the
// protocol during transport setup. A legacy negotiation result falls
// back to single-stream mode unless fallback is disabled.
func dialConn(
	ctx context.Context,
	dest target,
	opts *options,
	logger hclog.Logger,
	clock internal.Clock,
	pushes *pushCache,
	onStateChange func(),
	onRetire func(Stats),
) (protoConn, error) {
	start := clock.Now()
	netConn, proto, err := opts.dialFunc(ctx, dest.scheme, dest.hostPort)
	if err != nil {
		return nil, newError(KindUnavailable, "dial", dest.hostPort, err)
	}
	connectDur := clock.Since(start)
	switch proto {
	case ProtoHTTP2:
		conn, err := newMuxConn(ctx, netConn, dest, opts, logger, clock, pushes, onStateChange, onRetire)
		if err != nil {
			_ = netConn.Close()
			return nil, newError(KindUnavailable, "handshake", dest.hostPort, err)
		}
		conn.connectDur = connectDur
		return conn, nil
	case ProtoHTTP1, "":
		if opts.noFallback {
			_ = netConn.Close()
			return nil, newError(KindUnavailable, "dial", dest.hostPort, errNegotiation)
		}
		logger.Debug("negotiation yielded legacy protocol, using single-stream mode", "target", dest.hostPort)
		return newLegacyConn(netConn, dest, logger, clock, connectDur, onRetire), nil
	default:
		_ = netConn.Close()
		return nil, newError(KindUnavailable, "dial", dest.hostPort,
			fmt.Errorf("%w: unsupported protocol %q", errNegotiation, proto))
	}
}

// Frame events are owned copies of decoded frames: the codec reuses its
// buffers between reads, so the reader copies whatever outlives the next
// ReadFrame before handing an event to the multiplexer loop.
type frameEvent interface {
	isFrameEvent()
}

type headersEvent struct {
	streamID  uint32
	fields    []Field
	endStream bool
}

type dataEvent struct {
	streamID  uint32
	data      []byte
	flowLen   int32
	endStream bool
}

type windowUpdateEvent struct {
	streamID  uint32
	increment uint32
}

type settingsEvent struct {
	ack      bool
	settings []http2.Setting
}

type resetEvent struct {
	streamID uint32
	code     http2.ErrCode
}

type goAwayEvent struct {
	lastStreamID uint32
	code         http2.ErrCode
}

type pushPromiseEvent struct {
	streamID   uint32
	promisedID uint32
	fields     []Field
}

type pingEvent struct {
	data [8]byte
	ack  bool
}

type fatalEvent struct {
	err error
}

func (headersEvent) isFrameEvent()      {}
func (dataEvent) isFrameEvent()         {}
func (windowUpdateEvent) isFrameEvent() {}
func (settingsEvent) isFrameEvent()     {}
func (resetEvent) isFrameEvent()        {}
func (goAwayEvent) isFrameEvent()       {}
func (pushPromiseEvent) isFrameEvent()  {}
func (pingEvent) isFrameEvent()         {}
func (fatalEvent) isFrameEvent()        {}

// muxConn is one negotiated multiplexed connection. A single loop
// goroutine owns the stream table, both flow-control windows, and the
// frame codec's write side; callers talk to the loop through ops and
// per-stream done channels, never by touching stream state directly.
type muxConn struct {
	dest    target
	netConn net.Conn
	framer  *http2.Framer
	henc    *hpack.Encoder
	hbuf    bytes.Buffer
	logger  hclog.Logger
	clock   internal.Clock
	metrics *collector
	pushes  *pushCache

	connectDur time.Duration

	events  chan frameEvent
	ops     chan func()
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once

	// readFailure is written by the reader goroutine before it closes
	// events, so the loop may read it after observing the close.
	readFailure error

	// Loop-owned state below. Nothing outside the loop goroutine may
	// touch these fields once run starts.
	streams            map[uint32]*stream
	nextStreamID       uint32
	sendFlow           *flowcontrol.Window
	recvFlow           *flowcontrol.Window
	connConsumed       int32
	peerInitialWindow  int32
	localInitialWindow int32
	peerMaxFrameSize   int32
	lastAccepted       uint32
	goingAway          bool
	writeErr           error

	connState      atomic.Int32
	peerMaxStreams atomic.Uint32
	clientMax      uint32
	advertisedMax  uint32

	onStateChange func()
	onRetire      func(Stats)
}

func newMuxConn(
	ctx context.Context,
	netConn net.Conn,
	dest target,
	opts *options,
	logger hclog.Logger,
	clock internal.Clock,
	pushes *pushCache,
	onStateChange func(),
	onRetire func(Stats),
) (*muxConn, error) {
	conn := &muxConn{
		dest:               dest,
		netConn:            netConn,
		logger:             logger,
		clock:              clock,
		metrics:            &collector{},
		pushes:             pushes,
		events:             make(chan frameEvent, 16),
		ops:                make(chan func()),
		closing:            make(chan struct{}),
		done:               make(chan struct{}),
		streams:            map[uint32]*stream{},
		nextStreamID:       1,
		sendFlow:           flowcontrol.New(protocolInitialWindow),
		recvFlow:           flowcontrol.New(protocolInitialWindow),
		peerInitialWindow:  protocolInitialWindow,
		localInitialWindow: opts.initialWindowSize,
		peerMaxFrameSize:   defaultMaxFrameSize,
		clientMax:          opts.maxConcurrentStreams,
		advertisedMax:      opts.poolMaxSize,
		onStateChange:      onStateChange,
		onRetire:           onRetire,
	}
	conn.framer = http2.NewFramer(
		meterWriter{w: netConn, c: conn.metrics},
		meterReader{r: netConn, c: conn.metrics},
	)
	conn.framer.ReadMetaHeaders = hpack.NewDecoder(hpackTableSize, nil)
	conn.framer.MaxHeaderListSize = maxHeaderListSize
	conn.henc = hpack.NewEncoder(&conn.hbuf)
	conn.peerMaxStreams.Store(defaultMaxConcurrentStreams)
	conn.connState.Store(int32(StateConnecting))

	if err := conn.handshake(ctx); err != nil {
		return nil, err
	}
	conn.connState.Store(int32(StateActive))
	go conn.readFrames()
	go conn.run()
	return conn, nil
}

// handshake sends the client preface and settings, then waits for the
// server's opening settings so that server-granted windows and stream
// limits are in force before the first stream is admitted.
func (c *muxConn) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.netConn.SetDeadline(deadline)
		defer func() { _ = c.netConn.SetDeadline(time.Time{}) }()
	}
	// a cancelled context must also end the handshake read, deadline or not
	stop := context.AfterFunc(ctx, func() { _ = c.netConn.Close() })
	defer stop()
	if _, err := io.WriteString(meterWriter{w: c.netConn, c: c.metrics}, http2.ClientPreface); err != nil {
		return err
	}
	settings := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: boolSetting(c.pushes != nil)},
		{ID: http2.SettingMaxConcurrentStreams, Val: c.clientMaxAdvertised()},
	}
	if c.localInitialWindow != protocolInitialWindow {
		settings = append(settings, http2.Setting{
			ID:  http2.SettingInitialWindowSize,
			Val: uint32(c.localInitialWindow), //nolint:gosec // validated positive
		})
	}
	if err := c.framer.WriteSettings(settings...); err != nil {
		return err
	}
	c.metrics.frameSent()
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			return err
		}
		c.metrics.frameReceived()
		settingsFrame, ok := frame.(*http2.SettingsFrame)
		if !ok {
			return fmt.Errorf("expected SETTINGS to open the connection, got %T", frame)
		}
		if settingsFrame.IsAck() {
			continue
		}
		c.applySettingsFrame(settingsFrame)
		if err := c.framer.WriteSettingsAck(); err != nil {
			return err
		}
		c.metrics.frameSent()
		return nil
	}
}

func (c *muxConn) clientMaxAdvertised() uint32 {
	// the value we advertise caps peer-initiated (pushed) streams
	return c.advertisedMax
}

func boolSetting(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (c *muxConn) applySettingsFrame(frame *http2.SettingsFrame) {
	_ = frame.ForeachSetting(func(setting http2.Setting) error {
		c.applySetting(setting)
		return nil
	})
}

// applySetting updates connection defaults. Per the settings contract,
// changed values govern subsequently created streams only; windows
// already granted to live streams are never retroactively shrunk.
func (c *muxConn) applySetting(setting http2.Setting) {
	switch setting.ID {
	case http2.SettingInitialWindowSize:
		if setting.Val <= flowcontrol.MaxWindow {
			c.peerInitialWindow = int32(setting.Val) //nolint:gosec // bounds checked
		}
	case http2.SettingMaxConcurrentStreams:
		c.peerMaxStreams.Store(setting.Val)
	case http2.SettingMaxFrameSize:
		if setting.Val >= defaultMaxFrameSize && setting.Val <= 1<<24-1 {
			c.peerMaxFrameSize = int32(setting.Val) //nolint:gosec // bounds checked
		}
	}
}

func (c *muxConn) state() ConnState {
	return ConnState(c.connState.Load())
}

func (c *muxConn) maxStreams() uint32 {
	return min(c.clientMax, c.peerMaxStreams.Load())
}

func (c *muxConn) snapshot() Stats {
	return c.metrics.snapshot()
}

func (c *muxConn) close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	<-c.done
	return nil
}

// roundTrip submits one exchange and waits for it to resolve. The
// caller's goroutine never mutates stream state: it asks the loop to
// open the stream, then waits on the stream's done channel, bounded by
// the context deadline.
func (c *muxConn) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
	}

	type openResult struct {
		stream *stream
		err    error
	}
	resultCh := make(chan openResult, 1)
	op := func() {
		stream, err := c.openStream(req, body)
		resultCh <- openResult{stream: stream, err: err}
	}
	select {
	case c.ops <- op:
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctxError(ctx.Err(), c.dest.hostPort, 0)
	}

	var result openResult
	select {
	case result = <-resultCh:
	case <-c.done:
		// the loop may have executed the op just before exiting
		select {
		case result = <-resultCh:
		default:
			return nil, c.closedErr()
		}
	case <-ctx.Done():
		// the loop may be wedged writing to a stalled peer socket;
		// adopt the stream whenever the op resolves and reset it
		go func() {
			select {
			case result := <-resultCh:
				if result.stream != nil {
					c.cancelStream(result.stream.id, ctx.Err())
				}
			case <-c.done:
			}
		}()
		return nil, ctxError(ctx.Err(), c.dest.hostPort, 0)
	}
	if result.err != nil {
		return nil, result.err
	}
	stream := result.stream

	select {
	case <-stream.done:
	case <-ctx.Done():
		// don't wait for the reset to be delivered: the deadline bounds
		// the caller even when the loop is blocked on a dead socket
		c.cancelStream(stream.id, ctx.Err())
		return nil, ctxError(ctx.Err(), c.dest.hostPort, stream.id)
	}
	if stream.err != nil {
		return nil, stream.err
	}
	resp := stream.resp
	resp.Timing.Connect = c.connectDur
	return resp, nil
}

// cancelStream asks the loop to reset the stream and resolve its waiter.
// If the loop has already exited, teardown has resolved every stream.
func (c *muxConn) cancelStream(id uint32, cause error) {
	op := func() {
		stream, ok := c.streams[id]
		if !ok {
			return
		}
		c.writeRSTStream(id, http2.ErrCodeCancel)
		kind := KindCanceled
		if errors.Is(cause, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		c.metrics.streamError()
		stream.fail(streamReset, newStreamError(kind, "send", c.dest.hostPort, id, cause))
		c.removeStream(stream)
	}
	select {
	case c.ops <- op:
	case <-c.done:
	default:
		// the loop may be blocked on a stalled write; deliver the reset
		// without holding up the caller
		go func() {
			select {
			case c.ops <- op:
			case <-c.done:
			}
		}()
	}
}

func (c *muxConn) closedErr() *Error {
	if c.goingAwayObserved() {
		return newError(KindDraining, "send", c.dest.hostPort, errGoAway)
	}
	return newError(KindUnavailable, "send", c.dest.hostPort, errConnClosed)
}

// goingAwayObserved is safe outside the loop only after done is closed.
func (c *muxConn) goingAwayObserved() bool {
	select {
	case <-c.done:
		return c.goingAway
	default:
		return c.state() == StateDraining
	}
}

// run is the multiplexer loop: the only goroutine that touches stream
// state, windows, and the codec's write side.
func (c *muxConn) run() {
	var exitErr *Error
	for exitErr == nil {
		select {
		case op := <-c.ops:
			op()
		case event, ok := <-c.events:
			if !ok {
				exitErr = c.readExitError()
				continue
			}
			if err := c.handleEvent(event); err != nil {
				c.metrics.connError()
				c.logger.Error("fatal connection error", "target", c.dest.hostPort, "error", err)
				exitErr = newError(KindProtocol, "recv", c.dest.hostPort, err)
			}
		case <-c.closing:
			c.writeGoAway()
			exitErr = newError(KindUnavailable, "close", c.dest.hostPort, errConnClosed)
		}
		if c.writeErr != nil && exitErr == nil {
			c.metrics.connError()
			exitErr = newError(KindUnavailable, "write", c.dest.hostPort, c.writeErr)
		}
		if c.goingAway && len(c.streams) == 0 && exitErr == nil {
			// drained: all accepted streams completed
			exitErr = newError(KindDraining, "send", c.dest.hostPort, errGoAway)
		}
	}
	c.teardown(exitErr)
}

func (c *muxConn) readExitError() *Error {
	err := c.readFailure
	switch {
	case c.goingAway && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)):
		return newError(KindDraining, "recv", c.dest.hostPort, errGoAway)
	default:
		c.metrics.connError()
		return newError(KindUnavailable, "recv", c.dest.hostPort, err)
	}
}

func (c *muxConn) teardown(cause *Error) {
	c.connState.Store(int32(StateClosed))
	for _, stream := range c.streams {
		if stream.pushKey == "" {
			stream.fail(streamClosed, &Error{
				Kind:     cause.Kind,
				Op:       cause.Op,
				Target:   c.dest.hostPort,
				StreamID: stream.id,
				Err:      cause.Err,
			})
			c.metrics.streamClosed()
		}
	}
	clear(c.streams)
	_ = c.netConn.Close()
	if c.onStateChange != nil {
		c.onStateChange()
	}
	if c.onRetire != nil {
		// retirement completes before done closes, so anyone waiting in
		// close() observes the folded counters
		c.onRetire(c.metrics.snapshot())
	}
	close(c.done)
	c.logger.Debug("connection closed", "target", c.dest.hostPort, "reason", cause.Kind.String())
}

// readFrames decodes incoming frames and hands owned events to the loop.
func (c *muxConn) readFrames() {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.readFailure = err
			close(c.events)
			return
		}
		c.metrics.frameReceived()
		event := c.eventFromFrame(frame)
		if event == nil {
			continue
		}
		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

func (c *muxConn) eventFromFrame(frame http2.Frame) frameEvent {
	switch frame := frame.(type) {
	case *http2.MetaHeadersFrame:
		return headersEvent{
			streamID:  frame.StreamID,
			fields:    copyHpackFields(frame.Fields),
			endStream: frame.StreamEnded(),
		}
	case *http2.DataFrame:
		return dataEvent{
			streamID:  frame.StreamID,
			data:      bytes.Clone(frame.Data()),
			flowLen:   int32(frame.Length), //nolint:gosec // frame length is at most 2^24-1
			endStream: frame.StreamEnded(),
		}
	case *http2.WindowUpdateFrame:
		return windowUpdateEvent{streamID: frame.StreamID, increment: frame.Increment}
	case *http2.SettingsFrame:
		var settings []http2.Setting
		_ = frame.ForeachSetting(func(s http2.Setting) error {
			settings = append(settings, s)
			return nil
		})
		return settingsEvent{ack: frame.IsAck(), settings: settings}
	case *http2.RSTStreamFrame:
		return resetEvent{streamID: frame.StreamID, code: frame.ErrCode}
	case *http2.GoAwayFrame:
		return goAwayEvent{lastStreamID: frame.LastStreamID, code: frame.ErrCode}
	case *http2.PushPromiseFrame:
		// decode with the connection's shared hpack state to keep the
		// dynamic table consistent with regular header blocks
		fields, err := c.framer.ReadMetaHeaders.DecodeFull(frame.HeaderBlockFragment())
		if err != nil {
			return fatalEvent{err: fmt.Errorf("malformed push promise: %w", err)}
		}
		return pushPromiseEvent{
			streamID:   frame.StreamID,
			promisedID: frame.PromiseID,
			fields:     copyHpackFields(fields),
		}
	case *http2.PingFrame:
		return pingEvent{data: frame.Data, ack: frame.IsAck()}
	default:
		// PRIORITY, CONTINUATION handled by the codec, unknown ignored
		return nil
	}
}

func copyHpackFields(fields []hpack.HeaderField) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = Field{Name: strings.Clone(f.Name), Value: strings.Clone(f.Value)}
	}
	return out
}

// handleEvent dispatches one decoded frame. A non-nil return is fatal
// for the whole connection.
func (c *muxConn) handleEvent(event frameEvent) error {
	switch event := event.(type) {
	case headersEvent:
		c.handleHeaders(event)
	case dataEvent:
		return c.handleData(event)
	case windowUpdateEvent:
		c.handleWindowUpdate(event)
	case settingsEvent:
		if !event.ack {
			for _, setting := range event.settings {
				c.applySetting(setting)
			}
			c.writeSettingsAck()
		}
	case resetEvent:
		c.handleReset(event)
	case goAwayEvent:
		c.handleGoAway(event)
	case pushPromiseEvent:
		c.handlePushPromise(event)
	case pingEvent:
		if !event.ack {
			c.writePingAck(event.data)
		}
	case fatalEvent:
		return event.err
	}
	return nil
}

func (c *muxConn) handleHeaders(event headersEvent) {
	stream, ok := c.streams[event.streamID]
	if !ok {
		// stream already reset or timed out locally
		return
	}
	stream.noteHeaders(event.fields, c.clock.Since(stream.submitted))
	if event.endStream {
		c.remoteClosed(stream)
	}
}

func (c *muxConn) handleData(event dataEvent) error {
	// Connection-level accounting happens even for unknown streams: the
	// bytes consumed credit regardless of who they were for.
	if err := c.recvFlow.Debit(event.flowLen); err != nil {
		return fmt.Errorf("connection flow control violated: %w", err)
	}
	c.connConsumed += event.flowLen
	if c.connConsumed >= protocolInitialWindow/2 {
		c.writeWindowUpdate(0, uint32(c.connConsumed)) //nolint:gosec // bounded by window size
		c.recvFlow.Credit(c.connConsumed)
		c.connConsumed = 0
	}

	stream, ok := c.streams[event.streamID]
	if !ok {
		return nil
	}
	if err := stream.recvFlow.Debit(event.flowLen); err != nil {
		return fmt.Errorf("stream %d flow control violated: %w", event.streamID, err)
	}
	stream.body.Write(event.data)
	stream.recvConsumed += event.flowLen
	if stream.recvConsumed >= c.localInitialWindow/2 && !event.endStream {
		c.writeWindowUpdate(stream.id, uint32(stream.recvConsumed)) //nolint:gosec // bounded
		stream.recvFlow.Credit(stream.recvConsumed)
		stream.recvConsumed = 0
	}
	if event.endStream {
		c.remoteClosed(stream)
	}
	return nil
}

func (c *muxConn) handleWindowUpdate(event windowUpdateEvent) {
	increment := int32(min(event.increment, flowcontrol.MaxWindow))
	if event.streamID == 0 {
		c.sendFlow.Credit(increment)
		// connection credit may unblock any stream with pending bytes
		for _, stream := range c.streams {
			c.flushStream(stream)
		}
		return
	}
	if stream, ok := c.streams[event.streamID]; ok {
		stream.sendFlow.Credit(increment)
		c.flushStream(stream)
	}
}

func (c *muxConn) handleReset(event resetEvent) {
	stream, ok := c.streams[event.streamID]
	if !ok {
		return
	}
	c.metrics.streamError()
	if stream.pushKey != "" {
		c.removeStream(stream)
		return
	}
	stream.fail(streamReset, newStreamError(KindReset, "send", c.dest.hostPort, stream.id,
		fmt.Errorf("stream reset by peer: %v", event.code)))
	c.removeStream(stream)
}

// handleGoAway transitions to Draining: streams at or below the
// announced boundary run to completion, streams above it are failed with
// a retryable error, and no new streams are admitted.
func (c *muxConn) handleGoAway(event goAwayEvent) {
	c.goingAway = true
	c.lastAccepted = event.lastStreamID
	c.connState.Store(int32(StateDraining))
	c.logger.Info("peer announced graceful shutdown",
		"target", c.dest.hostPort, "last_stream_id", event.lastStreamID, "code", event.code.String())
	for id, stream := range c.streams {
		if id > event.lastStreamID && stream.pushKey == "" {
			stream.fail(streamClosed, newStreamError(KindDraining, "send", c.dest.hostPort, id, errGoAway))
			c.metrics.streamClosed()
			delete(c.streams, id)
		}
	}
	if c.onStateChange != nil {
		c.onStateChange()
	}
}

func (c *muxConn) handlePushPromise(event pushPromiseEvent) {
	if c.pushes == nil {
		c.writeRSTStream(event.promisedID, http2.ErrCodeRefusedStream)
		return
	}
	key := pushKeyFromFields(event.fields, c.dest)
	if key == "" {
		c.writeRSTStream(event.promisedID, http2.ErrCodeProtocol)
		return
	}
	promised := newStream(event.promisedID, 0, c.localInitialWindow, c.clock.Now())
	promised.pushKey = key
	promised.state = streamHalfClosedLocal // we never send on a pushed stream
	c.streams[event.promisedID] = promised
}

// remoteClosed finalizes a stream whose peer half just ended. A response
// that completes before the request body finished uploading abandons the
// remainder and resets the stream to reclaim the window.
func (c *muxConn) remoteClosed(stream *stream) {
	fullyClosed := stream.closeRemote()
	if !fullyClosed && stream.pushKey == "" {
		stream.pending = nil
		c.writeRSTStream(stream.id, http2.ErrCodeNo)
		c.logger.Debug("response completed before request body drained",
			"target", c.dest.hostPort, "stream", stream.id, "detail", errEarlyReset.Error())
	}
	c.finishStream(stream)
}

func (c *muxConn) finishStream(stream *stream) {
	if stream.pushKey != "" {
		c.pushes.put(stream.pushKey, &Response{
			StatusCode: stream.status,
			Header:     stream.header,
			Body:       bytes.Clone(stream.body.Bytes()),
			Proto:      "HTTP/2",
		})
		c.removeStream(stream)
		return
	}
	stream.finish(c.clock.Since(stream.submitted))
	c.removeStream(stream)
}

func (c *muxConn) removeStream(stream *stream) {
	delete(c.streams, stream.id)
	if stream.pushKey == "" {
		c.metrics.streamClosed()
	}
}

// openStream runs on the loop. Stream ids are odd and strictly
// increasing; an id is never reused for the life of the connection.
func (c *muxConn) openStream(req *Request, body []byte) (*stream, error) {
	if c.goingAway {
		return nil, newError(KindDraining, "open", c.dest.hostPort, errGoAway)
	}
	if c.activeStreams() >= c.maxStreams() {
		// the pool reserves capacity before dispatching, so this guards
		// against a settings change racing an in-flight acquire
		return nil, newError(KindUnavailable, "open", c.dest.hostPort, errStreamLimit)
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	stream := newStream(id, c.peerInitialWindow, c.localInitialWindow, c.clock.Now())
	c.streams[id] = stream
	c.metrics.streamOpened()

	endStream := len(body) == 0
	c.writeHeaders(stream.id, req, endStream)
	if c.writeErr != nil {
		return stream, nil // teardown will resolve the waiter
	}
	stream.state = streamOpen
	if endStream {
		stream.closeLocal()
	} else {
		stream.pending = body
		c.flushStream(stream)
	}
	return stream, nil
}

func (c *muxConn) activeStreams() uint32 {
	var n uint32
	for _, stream := range c.streams {
		if stream.pushKey == "" {
			n++
		}
	}
	return n
}

// flushStream writes as much pending body as both windows permit. Each
// chunk is debited from the stream window and the connection window;
// writes suspend (pending stays queued) when either hits zero.
func (c *muxConn) flushStream(stream *stream) {
	for len(stream.pending) > 0 && c.writeErr == nil {
		if stream.terminal() {
			stream.pending = nil
			return
		}
		n := int32(min(len(stream.pending), int(c.peerMaxFrameSize)))
		n = min(n, stream.sendFlow.Available(), c.sendFlow.Available())
		if n <= 0 {
			return
		}
		chunk := stream.pending[:n]
		stream.pending = stream.pending[n:]
		// cannot overdraw: n is clamped to both windows above
		_ = stream.sendFlow.Debit(n)
		_ = c.sendFlow.Debit(n)
		endStream := len(stream.pending) == 0
		c.writeData(stream.id, endStream, chunk)
		if endStream {
			stream.closeLocal()
		}
	}
}

// Write helpers. The loop owns the codec's write side; a failed write is
// fatal for the connection and is observed via writeErr after the
// current event or op finishes.

func (c *muxConn) noteWrite(err error) {
	if err != nil && c.writeErr == nil {
		c.writeErr = fmt.Errorf("%w: %w", errWriteFailure, err)
		return
	}
	if err == nil {
		c.metrics.frameSent()
	}
}

func (c *muxConn) writeHeaders(streamID uint32, req *Request, endStream bool) {
	c.hbuf.Reset()
	c.writeField(":method", req.Method)
	c.writeField(":scheme", c.dest.scheme)
	c.writeField(":authority", req.URL.Host)
	c.writeField(":path", requestPath(req.URL))
	for _, field := range req.Header {
		name := strings.ToLower(field.Name)
		if skipOnWire(name) {
			continue
		}
		c.writeField(name, field.Value)
	}
	c.noteWrite(c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: c.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	}))
}

func (c *muxConn) writeField(name, value string) {
	_ = c.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
}

func (c *muxConn) writeData(streamID uint32, endStream bool, data []byte) {
	c.noteWrite(c.framer.WriteData(streamID, endStream, data))
}

func (c *muxConn) writeWindowUpdate(streamID, increment uint32) {
	c.noteWrite(c.framer.WriteWindowUpdate(streamID, increment))
}

func (c *muxConn) writeRSTStream(streamID uint32, code http2.ErrCode) {
	c.noteWrite(c.framer.WriteRSTStream(streamID, code))
}

func (c *muxConn) writeSettingsAck() {
	c.noteWrite(c.framer.WriteSettingsAck())
}

func (c *muxConn) writePingAck(data [8]byte) {
	c.noteWrite(c.framer.WritePing(true, data))
}

func (c *muxConn) writeGoAway() {
	c.noteWrite(c.framer.WriteGoAway(0, http2.ErrCodeNo, nil))
}

// requestPath renders the :path pseudo-header, always at least "/".
func requestPath(u *url.URL) string {
	path := u.RequestURI()
	if path == "" {
		return "/"
	}
	return path
}

// skipOnWire reports header fields that are connection-specific in the
// legacy protocol and must not appear on a multiplexed stream.
func skipOnWire(lowerName string) bool {
	switch lowerName {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "te", "host":
		return true
	}
	return false
}

// ctxError maps a context error to the transport taxonomy.
func ctxError(err error, target string, streamID uint32) *Error {
	kind := KindCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return newStreamError(kind, "send", target, streamID, err)
}
