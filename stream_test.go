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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamHalfCloseLocalFirst(t *testing.T) {
	t.Parallel()
	stream := newStream(1, 100, 100, time.Now())
	stream.state = streamOpen
	require.False(t, stream.closeLocal())
	require.Equal(t, streamHalfClosedLocal, stream.state)
	require.False(t, stream.terminal())
	require.True(t, stream.closeRemote())
	require.Equal(t, streamClosed, stream.state)
	require.True(t, stream.terminal())
}

func TestStreamHalfCloseRemoteFirst(t *testing.T) {
	t.Parallel()
	stream := newStream(3, 100, 100, time.Now())
	stream.state = streamOpen
	require.False(t, stream.closeRemote())
	require.Equal(t, streamHalfClosedRemote, stream.state)
	require.True(t, stream.closeLocal())
	require.Equal(t, streamClosed, stream.state)
}

func TestStreamNoteHeaders(t *testing.T) {
	t.Parallel()
	stream := newStream(1, 100, 100, time.Now())
	stream.noteHeaders([]Field{
		{Name: ":status", Value: "503"},
		{Name: "retry-after", Value: "1"},
	}, 5*time.Millisecond)
	require.Equal(t, 503, stream.status)
	require.Equal(t, 5*time.Millisecond, stream.ttfb)
	require.Equal(t, "1", stream.header.Get("retry-after"))

	// trailers append to the same ordered list without resetting TTFB
	stream.noteHeaders([]Field{{Name: "x-trailer", Value: "done"}}, 20*time.Millisecond)
	require.Equal(t, 5*time.Millisecond, stream.ttfb)
	require.Equal(t, Header{
		{Name: "retry-after", Value: "1"},
		{Name: "x-trailer", Value: "done"},
	}, stream.header)
}

func TestStreamFinish(t *testing.T) {
	t.Parallel()
	stream := newStream(7, 100, 100, time.Now())
	stream.noteHeaders([]Field{{Name: ":status", Value: "200"}}, time.Millisecond)
	stream.body.WriteString("payload")
	stream.finish(10 * time.Millisecond)

	select {
	case <-stream.done:
	default:
		t.Fatal("finish must resolve the done channel")
	}
	require.Equal(t, 200, stream.resp.StatusCode)
	require.Equal(t, []byte("payload"), stream.resp.Body)
	require.Equal(t, uint32(7), stream.resp.StreamID)
	require.Equal(t, "HTTP/2", stream.resp.Proto)
	require.Equal(t, time.Millisecond, stream.resp.Timing.TTFB)
	require.Equal(t, 10*time.Millisecond, stream.resp.Timing.Total)
}
