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

package flowcontrol

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowDebitCredit(t *testing.T) {
	t.Parallel()

	w := New(100)
	require.EqualValues(t, 100, w.Available())

	require.NoError(t, w.Debit(60))
	require.EqualValues(t, 40, w.Available())

	err := w.Debit(41)
	require.Error(t, err)
	require.True(t, IsOverdrawn(err))
	// failed debit must not mutate the balance
	require.EqualValues(t, 40, w.Available())

	w.Credit(10)
	require.EqualValues(t, 50, w.Available())
	require.NoError(t, w.Debit(50))
	require.EqualValues(t, 0, w.Available())
	require.Error(t, w.Debit(1))
}

func TestWindowCreditSaturates(t *testing.T) {
	t.Parallel()

	w := New(MaxWindow)
	w.Credit(MaxWindow)
	require.EqualValues(t, MaxWindow, w.Available())
	require.NoError(t, w.Debit(MaxWindow))
	require.EqualValues(t, 0, w.Available())
}

func TestWindowAdjustMayGoNegative(t *testing.T) {
	t.Parallel()

	w := New(65535)
	require.NoError(t, w.Debit(65535))
	// peer shrinks its initial window from 65535 to 1024
	w.Adjust(1024 - 65535)
	require.Negative(t, w.Available())
	require.Error(t, w.Debit(1))

	// credits climb back out of the hole before any debit succeeds
	w.Credit(65535)
	require.EqualValues(t, 1024, w.Available())
	require.NoError(t, w.Debit(1024))
}

func TestWindowZeroInitial(t *testing.T) {
	t.Parallel()

	w := New(0)
	require.Error(t, w.Debit(1))
	w.Credit(4096)
	require.NoError(t, w.Debit(4096))
	require.Error(t, w.Debit(1))
}

// Randomized sequence: cumulative debits never exceed cumulative credits,
// no matter how the operations interleave.
func TestWindowNeverOverspends(t *testing.T) {
	t.Parallel()

	w := New(0)
	var credited, debited int64
	for i := 0; i < 10_000; i++ {
		if rand.Intn(2) == 0 {
			n := int32(rand.Intn(1 << 16))
			w.Credit(n)
			credited += int64(n)
		} else {
			n := int32(rand.Intn(1 << 16))
			if err := w.Debit(n); err == nil {
				debited += int64(n)
			}
		}
		require.LessOrEqual(t, debited, credited)
		require.EqualValues(t, min(credited-debited, MaxWindow), w.Available())
	}
}
