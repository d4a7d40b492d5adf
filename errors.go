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
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures so callers can tell retryable
// conditions from fatal ones without string matching.
type ErrorKind int

const (
	// KindUnavailable means no usable connection could be established,
	// including negotiation failures with fallback disabled.
	KindUnavailable ErrorKind = iota + 1
	// KindTimeout means a deadline elapsed before the exchange resolved.
	KindTimeout
	// KindCanceled means the caller canceled the exchange.
	KindCanceled
	// KindReset means the remote peer aborted the stream.
	KindReset
	// KindProtocol means the peer misbehaved, for example by violating
	// its own advertised flow-control window.
	KindProtocol
	// KindDraining means the connection received a graceful-shutdown
	// signal before the stream was accepted. The request was not
	// processed and may be retried on a fresh connection.
	KindDraining
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindReset:
		return "reset"
	case KindProtocol:
		return "protocol violation"
	case KindDraining:
		return "connection draining"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error is the structured error type returned by the transport.
type Error struct {
	Kind     ErrorKind
	Op       string // "dial", "send", "acquire", ...
	Target   string // "host:port"
	StreamID uint32 // zero if the failure was not tied to a stream
	Err      error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Target != "" {
		msg += " (" + e.Target + ")"
	}
	if e.StreamID != 0 {
		msg += fmt.Sprintf(" stream %d", e.StreamID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout implements the interface expected by [net.Error] consumers.
func (e *Error) Timeout() bool {
	return e.Kind == KindTimeout
}

// Temporary reports whether the failure is safe to retry on another
// connection. Only draining connections qualify: the server guaranteed
// it did not process the request.
func (e *Error) Temporary() bool {
	return e.Kind == KindDraining
}

// IsKind reports whether err is (or wraps) a transport *Error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

func newError(kind ErrorKind, op, target string, err error) *Error {
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

func newStreamError(kind ErrorKind, op, target string, streamID uint32, err error) *Error {
	return &Error{Kind: kind, Op: op, Target: target, StreamID: streamID, Err: err}
}
