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
	"net"
	"sync"
	"time"

	"github.com/bufbuild/h2plex/internal"
)

// Push support is experimental. Pushed responses are matched to future
// requests by method and URL only, live for a bounded time, and are
// claimed at most once. Unclaimed pushes are evicted oldest-first when
// the cache is full.
const (
	pushCacheMaxEntries = 32
	pushCacheTTL        = 30 * time.Second
)

type pushCache struct {
	clock internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	entries map[string]pushEntry
}

type pushEntry struct {
	resp   *Response
	stored time.Time
}

func newPushCache(clock internal.Clock) *pushCache {
	return &pushCache{clock: clock, entries: map[string]pushEntry{}}
}

func (p *pushCache) put(key string, resp *Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= pushCacheMaxEntries {
		p.evictOldestLocked()
	}
	p.entries[key] = pushEntry{resp: resp, stored: p.clock.Now()}
}

// take claims a cached push for the given key, removing it. Expired
// entries are treated as absent.
func (p *pushCache) take(key string) (*Response, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	delete(p.entries, key)
	if p.clock.Since(entry.stored) > pushCacheTTL {
		return nil, false
	}
	return entry.resp, true
}

// +checklocks:p.mu
func (p *pushCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range p.entries {
		if oldestKey == "" || entry.stored.Before(oldest) {
			oldestKey = key
			oldest = entry.stored
		}
	}
	if oldestKey != "" {
		delete(p.entries, oldestKey)
	}
}

// pushKey builds the cache key for a request the caller is about to
// send. Keys are built from the normalized destination so that a
// promise stored without an explicit port still matches.
func pushKey(req *Request, dest target) string {
	return req.Method + " " + dest.String() + requestPath(req.URL)
}

// pushKeyFromFields builds the cache key from a promised request's
// pseudo-headers. An empty result means the promise was malformed.
func pushKeyFromFields(fields []Field, dest target) string {
	var method, scheme, authority, path string
	for _, field := range fields {
		switch field.Name {
		case ":method":
			method = field.Value
		case ":scheme":
			scheme = field.Value
		case ":authority":
			authority = field.Value
		case ":path":
			path = field.Value
		}
	}
	if method == "" || path == "" {
		return ""
	}
	if scheme == "" {
		scheme = dest.scheme
	}
	switch {
	case authority == "":
		authority = dest.hostPort
	default:
		if _, _, err := net.SplitHostPort(authority); err != nil {
			authority = net.JoinHostPort(authority, defaultPort(scheme))
		}
	}
	return method + " " + scheme + "://" + authority + path
}
