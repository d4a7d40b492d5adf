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

// Package flowcontrol provides credit-based window accounting for
// multiplexed connections. Windows are tracked at both connection and
// stream granularity by the caller; this package is pure bookkeeping
// and performs no I/O and no synchronization. A Window is intended to
// be owned by a single goroutine (a connection's multiplexer loop).
package flowcontrol

import (
	"errors"
	"fmt"
)

// MaxWindow is the largest legal window size. Credits that would push a
// window beyond this value saturate instead of overflowing.
const MaxWindow = 1<<31 - 1

var errOverdraw = errors.New("flow control window overdrawn")

// Window tracks available send or receive credit. The balance is signed:
// a send window may legally go negative when the peer shrinks its initial
// window setting after bytes were already granted, but a Debit can never
// be the cause of a negative balance.
type Window struct {
	avail int64
}

// New returns a window holding the given initial credit.
func New(initial int32) *Window {
	return &Window{avail: int64(initial)}
}

// Available reports the credit remaining. A negative result means the
// window was shrunk below what had already been granted.
func (w *Window) Available() int32 {
	if w.avail < 0 {
		return int32(max(w.avail, -MaxWindow))
	}
	return int32(min(w.avail, MaxWindow))
}

// Debit consumes n bytes of credit. It fails without mutating the window
// if the balance would go negative, guarding against double-spend.
func (w *Window) Debit(n int32) error {
	if n < 0 {
		return fmt.Errorf("invalid debit of %d bytes", n)
	}
	if int64(n) > w.avail {
		return fmt.Errorf("%w: debit %d exceeds available %d", errOverdraw, n, w.avail)
	}
	w.avail -= int64(n)
	return nil
}

// Credit returns n bytes of credit to the window, saturating at
// MaxWindow rather than overflowing.
func (w *Window) Credit(n int32) {
	if n < 0 {
		return
	}
	w.avail += int64(n)
	if w.avail > MaxWindow {
		w.avail = MaxWindow
	}
}

// Adjust applies a signed delta to the window. This is how a changed
// initial-window setting is reconciled with credit already granted; it
// is the only operation that may leave the balance negative.
func (w *Window) Adjust(delta int32) {
	w.avail += int64(delta)
	if w.avail > MaxWindow {
		w.avail = MaxWindow
	}
}

// IsOverdrawn reports whether an error came from a Debit that would have
// overdrawn the window.
func IsOverdrawn(err error) bool {
	return errors.Is(err, errOverdraw)
}
