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
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bufbuild/h2plex/internal/clocktest"
	"github.com/stretchr/testify/require"
)

func TestPushCacheClaimOnce(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	cache := newPushCache(clock)
	resp := &Response{StatusCode: 200}
	cache.put("GET http://a/b", resp)

	got, ok := cache.take("GET http://a/b")
	require.True(t, ok)
	require.Same(t, resp, got)

	_, ok = cache.take("GET http://a/b")
	require.False(t, ok, "a pushed response is claimed at most once")
}

func TestPushCacheExpiry(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	cache := newPushCache(clock)
	cache.put("GET http://a/b", &Response{StatusCode: 200})
	clock.Advance(pushCacheTTL + time.Second)
	_, ok := cache.take("GET http://a/b")
	require.False(t, ok)
}

func TestPushCacheEvictsOldest(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	cache := newPushCache(clock)
	for i := 0; i < pushCacheMaxEntries+1; i++ {
		cache.put(fmt.Sprintf("GET http://a/%d", i), &Response{StatusCode: 200})
		clock.Advance(time.Millisecond)
	}
	_, ok := cache.take("GET http://a/0")
	require.False(t, ok, "the oldest entry should have been evicted")
	_, ok = cache.take(fmt.Sprintf("GET http://a/%d", pushCacheMaxEntries))
	require.True(t, ok)
}

func TestPushKeys(t *testing.T) {
	t.Parallel()
	req, err := NewRequest(http.MethodGet, "http://example.com:8080/pushed?x=1", nil)
	require.NoError(t, err)
	dest := targetFromURL(req.URL)
	require.Equal(t, "GET http://example.com:8080/pushed?x=1", pushKey(req, dest))

	key := pushKeyFromFields([]Field{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/pushed?x=1"},
	}, dest)
	require.Equal(t, pushKey(req, dest), key, "promised fields must map to the same key the next request computes")

	// an authority without a port is normalized the same way targets are
	explicit := pushKeyFromFields([]Field{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "other.example.com"},
		{Name: ":path", Value: "/p"},
	}, dest)
	require.Equal(t, "GET https://other.example.com:443/p", explicit)

	require.Empty(t, pushKeyFromFields([]Field{{Name: ":path", Value: "/no-method"}}, dest))
}
