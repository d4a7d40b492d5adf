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
	"io"
	"net/url"
	"strings"
	"time"
)

// Field is a single header field. Header fields are kept as an ordered
// sequence rather than a map: the transport never reorders them, and a
// round-tripped request preserves field order exactly.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields.
type Header []Field

// Get returns the value of the first field with the given name,
// compared case-insensitively, or "" if there is none.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Add appends a field, preserving the order of earlier fields.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Clone returns a copy of the header that shares no storage with h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	clone := make(Header, len(h))
	copy(clone, h)
	return clone
}

// Request describes a single exchange to send. The destination is taken
// from URL's scheme and host. A nil Body means a request without a body.
type Request struct {
	Method string
	URL    *url.URL
	Header Header
	// Body supplies the request body. It is read in full before the
	// request's stream opens; flow control then paces how the bytes go
	// out on the wire, not how they are produced.
	Body io.Reader
}

// NewRequest builds a Request for the given method and URL string.
func NewRequest(method, rawURL string, body io.Reader) (*Request, error) {
	if method == "" {
		return nil, errors.New("request method is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Host == "" {
		return nil, errors.New("request URL has no host")
	}
	return &Request{Method: strings.ToUpper(method), URL: parsed, Body: body}, nil
}

// Timing records how long the phases of an exchange took. Connect is the
// duration of the transport handshake for the connection that carried the
// exchange; every exchange on a connection reports that connection's
// handshake duration, and it is zero for responses served from the push
// cache. TTFB is the time from submission until response headers
// arrived, and Total covers submission through delivery of the last body
// byte.
type Timing struct {
	Connect time.Duration
	TTFB    time.Duration
	Total   time.Duration
}

// Response is a fully received response to a Request.
type Response struct {
	StatusCode int
	Header     Header
	Body       []byte
	// StreamID identifies the stream that carried the exchange. It is
	// zero for responses served over a legacy (non-multiplexed)
	// connection or from the push cache.
	StreamID uint32
	// Proto is the negotiated protocol that served the response,
	// "HTTP/2" or "HTTP/1.1".
	Proto  string
	Timing Timing
}
