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
	"net/http"
	"testing"
	"time"

	"github.com/bufbuild/h2plex/internal/clocktest"
	"github.com/stretchr/testify/require"
)

func TestIdleTimeoutClosesPool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil, WithIdleTimeout(time.Minute))
	clock := clocktest.NewFakeClock()
	// inject before the first pool (and its idle timer) is created
	env.transport.clock = clock

	req, err := NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	resultCh := sendAsync(context.Background(), env.transport, req)
	srv := env.server(t)
	stream, err := srv.Accept(time.Second)
	require.NoError(t, err)
	require.NoError(t, srv.WriteResponse(stream.ID, 200, nil, nil))
	require.NoError(t, waitResult(t, resultCh).err)

	// advancing may race the activity bump from the send above, so the
	// idle timer can need more than one firing before it wins
	deadline := time.Now().Add(5 * time.Second)
	for {
		clock.Advance(2 * time.Minute)
		select {
		case <-srv.Closed():
		case <-time.After(20 * time.Millisecond):
			if time.Now().Before(deadline) {
				continue
			}
			t.Fatal("idle pool was not closed")
		}
		break
	}

	// the next exchange dials a fresh connection
	resultCh = sendAsync(context.Background(), env.transport, req)
	srv2 := env.server(t)
	stream2, err := srv2.Accept(2 * time.Second)
	require.NoError(t, err)
	require.NoError(t, srv2.WriteResponse(stream2.ID, 200, nil, nil))
	require.NoError(t, waitResult(t, resultCh).err)
	require.Equal(t, int32(2), env.dials.Load())
}

func TestRootContextCancelClosesTransport(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	env := newTestEnv(t, nil, WithRootContext(ctx))

	req, err := NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	resultCh := sendAsync(context.Background(), env.transport, req)
	srv := env.server(t)
	stream, err := srv.Accept(time.Second)
	require.NoError(t, err)
	require.NoError(t, srv.WriteResponse(stream.ID, 200, nil, nil))
	require.NoError(t, waitResult(t, resultCh).err)

	cancel()
	select {
	case <-srv.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("canceling the root context should close connections")
	}

	require.Eventually(t, func() bool {
		_, err := env.transport.Send(context.Background(), req)
		return IsKind(err, KindUnavailable)
	}, 5*time.Second, 10*time.Millisecond)
}
