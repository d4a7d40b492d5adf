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
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

const (
	defaultPoolConnections      = 10
	defaultMaxConcurrentStreams = 100
	defaultInitialWindowSize    = 65535
	defaultIdleTimeout          = 15 * time.Minute
	defaultTLSHandshakeTimeout  = 10 * time.Second
)

// ProtoHTTP2 and ProtoHTTP1 are the negotiated-protocol values a
// DialFunc may return.
const (
	ProtoHTTP2 = "h2"
	ProtoHTTP1 = "http/1.1"
)

// DialFunc establishes a transport session to the given "host:port" for
// the given URL scheme and reports which application protocol was
// negotiated during setup (ProtoHTTP2 or ProtoHTTP1). An empty protocol
// is treated as ProtoHTTP1.
type DialFunc func(ctx context.Context, scheme, hostPort string) (net.Conn, string, error)

// Option is an option used to customize the behavior of a Transport.
type Option interface {
	apply(*options)
}

// WithRootContext configures the root context used for any background
// goroutines the Transport creates. If not specified, [context.Background]
// is used. It should only be cancelled after the Transport is no longer
// in use, and may be used to eagerly free associated resources.
func WithRootContext(ctx context.Context) Option {
	return optionFunc(func(opts *options) {
		opts.rootCtx = ctx
	})
}

// WithPoolConnections limits how many distinct connections may exist per
// destination. If zero or no such option is used, a default of 10 applies.
func WithPoolConnections(limit int) Option {
	return optionFunc(func(opts *options) {
		opts.poolConnections = limit
	})
}

// WithPoolMaxSize configures the per-connection concurrency ceiling
// requested from servers during the settings exchange. If zero or no such
// option is used, a default of 100 applies.
func WithPoolMaxSize(limit uint32) Option {
	return optionFunc(func(opts *options) {
		opts.poolMaxSize = limit
	})
}

// WithMaxConcurrentStreams imposes a client-side ceiling on concurrent
// streams per connection. The effective limit of a connection is the
// lower of this value and what the server advertises. If zero or no such
// option is used, a default of 100 applies.
func WithMaxConcurrentStreams(limit uint32) Option {
	return optionFunc(func(opts *options) {
		opts.maxConcurrentStreams = limit
	})
}

// WithInitialWindowSize configures the flow-control window granted to
// the peer for each new stream. If zero or no such option is used, the
// protocol default of 65535 bytes applies.
func WithInitialWindowSize(size int32) Option {
	return optionFunc(func(opts *options) {
		opts.initialWindowSize = size
	})
}

// WithEnablePush accepts unsolicited server-pushed responses into a
// bounded cache consulted by Send before opening a stream. Push support
// is experimental; without this option pushed streams are refused.
func WithEnablePush() Option {
	return optionFunc(func(opts *options) {
		opts.enablePush = true
	})
}

// WithStreamTimeout limits exchanges that otherwise have no deadline to
// the given duration. If the caller's context already has a deadline,
// that deadline wins.
func WithStreamTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.streamTimeout = duration
	})
}

// WithHTTP1Fallback controls whether a connection whose negotiation
// yields the legacy protocol is used in single-stream mode instead of
// failing. Fallback is enabled unless disabled with this option.
func WithHTTP1Fallback(enabled bool) Option {
	return optionFunc(func(opts *options) {
		opts.noFallback = !enabled
	})
}

// WithMetricsSink registers a sink that receives the final counters of
// each connection as it is retired. The sink runs on a dedicated
// goroutine; a slow sink drops snapshots rather than stalling the
// transport.
func WithMetricsSink(sink StatsSink) Option {
	return optionFunc(func(opts *options) {
		opts.metricsSink = sink
	})
}

// WithDialer configures the Transport to use the given function to
// establish and negotiate transport sessions. If no WithDialer option is
// provided, a default dialer is used that performs ALPN negotiation for
// "https" targets (offering "h2" and, unless fallback is disabled,
// "http/1.1") with a 30-second dial timeout and TCP keep-alive every
// 30 seconds.
func WithDialer(dialFunc DialFunc) Option {
	return optionFunc(func(opts *options) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig adds custom TLS configuration, used when dialing "https"
// targets. The given timeout is applied to the TLS handshake step; if it
// is zero or no WithTLSConfig option is used, a default timeout of 10
// seconds applies. The config's NextProtos are overwritten to match the
// negotiation candidates.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.tlsConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

// WithAllowH2C treats plaintext "http" targets as speaking the
// multiplexed protocol with prior knowledge, instead of falling back to
// the legacy protocol.
func WithAllowH2C() Option {
	return optionFunc(func(opts *options) {
		opts.allowH2C = true
	})
}

// WithIdleTimeout configures how long a destination's connection pool
// may sit idle before it is closed and removed. If zero or no such
// option is used, a default of 15 minutes applies.
func WithIdleTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.idleTimeout = duration
	})
}

// WithLogger configures structured logging. If no WithLogger option is
// used, logging is discarded.
func WithLogger(logger hclog.Logger) Option {
	return optionFunc(func(opts *options) {
		opts.logger = logger
	})
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	rootCtx              context.Context //nolint:containedctx
	dialFunc             DialFunc
	tlsConfig            *tls.Config
	tlsHandshakeTimeout  time.Duration
	logger               hclog.Logger
	poolConnections      int
	poolMaxSize          uint32
	maxConcurrentStreams uint32
	initialWindowSize    int32
	enablePush           bool
	streamTimeout        time.Duration
	noFallback           bool
	allowH2C             bool
	metricsSink          StatsSink
	idleTimeout          time.Duration
}

func (opts *options) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.logger == nil {
		opts.logger = hclog.NewNullLogger()
	}
	if opts.poolConnections == 0 {
		opts.poolConnections = defaultPoolConnections
	}
	if opts.poolMaxSize == 0 {
		opts.poolMaxSize = defaultMaxConcurrentStreams
	}
	if opts.maxConcurrentStreams == 0 {
		opts.maxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if opts.initialWindowSize == 0 {
		opts.initialWindowSize = defaultInitialWindowSize
	}
	if opts.tlsHandshakeTimeout == 0 {
		opts.tlsHandshakeTimeout = defaultTLSHandshakeTimeout
	}
	if opts.idleTimeout == 0 {
		opts.idleTimeout = defaultIdleTimeout
	}
	if opts.dialFunc == nil {
		opts.dialFunc = opts.defaultDial
	}
}

// defaultDial negotiates the protocol during TLS setup via ALPN. For
// plaintext targets there is no handshake to negotiate in; the result is
// the legacy protocol unless h2c prior knowledge was allowed.
func (opts *options) defaultDial(ctx context.Context, scheme, hostPort string) (net.Conn, string, error) {
	if scheme != "https" {
		conn, err := defaultDialer.DialContext(ctx, "tcp", hostPort)
		if err != nil {
			return nil, "", err
		}
		if opts.allowH2C {
			return conn, ProtoHTTP2, nil
		}
		return conn, ProtoHTTP1, nil
	}

	config := opts.tlsConfig.Clone()
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if config.ServerName == "" {
		host, _, err := net.SplitHostPort(hostPort)
		if err == nil {
			config.ServerName = host
		}
	}
	config.NextProtos = []string{ProtoHTTP2}
	if !opts.noFallback {
		config.NextProtos = append(config.NextProtos, ProtoHTTP1)
	}

	rawConn, err := defaultDialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, "", err
	}
	tlsConn := tls.Client(rawConn, config)
	handshakeCtx, cancel := context.WithTimeout(ctx, opts.tlsHandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, "", err
	}
	return tlsConn, tlsConn.ConnectionState().NegotiatedProtocol, nil
}
