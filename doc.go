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

// Package h2plex provides a multiplexing client transport: many
// concurrent request/response exchanges interleaved as streams over a
// small pool of long-lived HTTP/2 connections per destination.
//
// A [Transport] is created with [New] and configured with options. Each
// call to [Transport.Send] is one exchange: the transport picks (or
// dials) a connection for the request's destination, opens a stream on
// it, and returns the fully received response. Connections negotiate
// the protocol via ALPN during TLS setup; when a server only speaks
// HTTP/1.1, the transport falls back to a single-stream mode on the
// same connection unless fallback is disabled.
//
// Streams on a connection are subject to the server's advertised
// concurrency limit and to credit-based flow control at both the stream
// and connection level. When a server announces a graceful shutdown,
// in-flight streams it accepted run to completion while streams it did
// not accept fail with a retryable error; see [ErrorKind] and
// [Error.Temporary].
//
// This package is a transport, not a full HTTP client: it does not
// follow redirects, manage cookies, cache responses (beyond the
// experimental server-push cache), or retry requests.
package h2plex
