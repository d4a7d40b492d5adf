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
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/h2plex/internal"
	"github.com/hashicorp/go-hclog"
)

// legacyConn serves exchanges over the legacy single-stream protocol
// when negotiation did not yield the multiplexed one. It presents the
// same surface as a multiplexed connection with a concurrency ceiling of
// one; flow control does not exist in the legacy protocol and is
// bypassed entirely.
type legacyConn struct {
	dest       target
	netConn    net.Conn
	reader     *bufio.Reader
	logger     hclog.Logger
	clock      internal.Clock
	metrics    *collector
	connectDur time.Duration
	onRetire   func(Stats)

	// mu serializes exchanges; the pool grants at most one stream, so
	// contention here means a settings race, not a design expectation.
	mu        sync.Mutex
	connState atomic.Int32
	closeOnce sync.Once
}

func newLegacyConn(
	netConn net.Conn,
	dest target,
	logger hclog.Logger,
	clock internal.Clock,
	connectDur time.Duration,
	onRetire func(Stats),
) *legacyConn {
	conn := &legacyConn{
		dest:       dest,
		netConn:    netConn,
		logger:     logger,
		clock:      clock,
		metrics:    &collector{},
		connectDur: connectDur,
		onRetire:   onRetire,
	}
	conn.reader = bufio.NewReader(meterReader{r: netConn, c: conn.metrics})
	conn.connState.Store(int32(StateActive))
	return conn
}

func (c *legacyConn) state() ConnState {
	return ConnState(c.connState.Load())
}

func (c *legacyConn) maxStreams() uint32 {
	return 1
}

func (c *legacyConn) snapshot() Stats {
	return c.metrics.snapshot()
}

func (c *legacyConn) close() error {
	c.closeOnce.Do(func() {
		c.connState.Store(int32(StateClosed))
		_ = c.netConn.Close()
		if c.onRetire != nil {
			c.onRetire(c.metrics.snapshot())
		}
	})
	return nil
}

func (c *legacyConn) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state() != StateActive {
		return nil, newError(KindUnavailable, "send", c.dest.hostPort, errConnClosed)
	}

	start := c.clock.Now()
	c.metrics.streamOpened()
	resp, err := c.exchange(ctx, req)
	c.metrics.streamClosed()
	if err != nil {
		// a failed exchange poisons the legacy connection: response
		// framing state is unknown, so retire it, folding its counters
		// into the aggregate
		c.metrics.connError()
		_ = c.close()
		return nil, c.mapError(err)
	}
	resp.Timing.Connect = c.connectDur
	resp.Timing.Total = c.clock.Since(start)
	return resp, nil
}

func (c *legacyConn) exchange(ctx context.Context, req *Request) (*Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.netConn.SetDeadline(deadline)
		defer func() { _ = c.netConn.SetDeadline(time.Time{}) }()
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	start := c.clock.Now()
	if err := httpReq.Write(meterWriter{w: c.netConn, c: c.metrics}); err != nil {
		return nil, err
	}
	httpResp, err := http.ReadResponse(c.reader, httpReq)
	if err != nil {
		return nil, err
	}
	ttfb := c.clock.Since(start)
	defer func() { _ = httpResp.Body.Close() }()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	header := make(Header, 0, len(httpResp.Header))
	for name, values := range httpResp.Header {
		for _, value := range values {
			header = append(header, Field{Name: name, Value: value})
		}
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     header,
		Body:       body,
		Proto:      "HTTP/1.1",
		Timing:     Timing{TTFB: ttfb},
	}, nil
}

func (c *legacyConn) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	for _, field := range req.Header {
		httpReq.Header.Add(field.Name, field.Value)
	}
	return httpReq, nil
}

func (c *legacyConn) mapError(err error) *Error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindTimeout, "send", c.dest.hostPort, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, "send", c.dest.hostPort, err)
	case errors.Is(err, context.Canceled):
		return newError(KindCanceled, "send", c.dest.hostPort, err)
	default:
		return newError(KindUnavailable, "send", c.dest.hostPort, err)
	}
}
