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
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsMerge(t *testing.T) {
	t.Parallel()
	merged := Stats{Connections: 1, StreamsOpened: 2, BytesSent: 10}.merge(
		Stats{Connections: 2, StreamsOpened: 3, BytesReceived: 7})
	require.Equal(t, Stats{
		Connections:   3,
		StreamsOpened: 5,
		BytesSent:     10,
		BytesReceived: 7,
	}, merged)
}

func TestMeteredByteCounting(t *testing.T) {
	t.Parallel()
	var counters collector
	var buf bytes.Buffer

	n, err := meterWriter{w: &buf, c: &counters}.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	out := make([]byte, 3)
	n, err = meterReader{r: &buf, c: &counters}.Read(out)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	_, err = io.ReadAll(meterReader{r: &buf, c: &counters})
	require.NoError(t, err)

	counters.streamOpened()
	counters.frameSent()
	snapshot := counters.snapshot()
	require.Equal(t, uint64(5), snapshot.BytesSent)
	require.Equal(t, uint64(5), snapshot.BytesReceived)
	require.Equal(t, uint64(1), snapshot.StreamsOpened)
	require.Equal(t, uint64(1), snapshot.FramesSent)
	require.Equal(t, snapshot, counters.snapshot(), "snapshots without traffic are identical")
}
