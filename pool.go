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
	"errors"
	"sync"

	"github.com/bufbuild/h2plex/internal"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

var errPoolClosed = errors.New("pool is closed")

// connPool manages the connections for a single destination. The mutex
// guards only the brief scan/insert of the entry list and the waiter
// queue; it is never held across a dial or any other blocking wait.
type connPool struct {
	dest     target
	opts     *options
	logger   hclog.Logger
	clock    internal.Clock
	pushes   *pushCache
	retireFn func(Stats)

	mu sync.Mutex
	// +checklocks:mu
	entries []*poolEntry
	// +checklocks:mu
	waiters []chan struct{}
	// +checklocks:mu
	closed bool
}

// poolEntry pairs a connection with the pool's own active-stream count.
// The count is the admission ledger: it is incremented before a caller
// may open a stream and decremented on release, so the pool invariant
// (active ≤ the connection's ceiling) holds at every instant.
type poolEntry struct {
	conn    protoConn // nil while dialing
	dialing bool
	active  uint32
}

func newConnPool(
	dest target,
	opts *options,
	logger hclog.Logger,
	clock internal.Clock,
	pushes *pushCache,
	retireFn func(Stats),
) *connPool {
	return &connPool{
		dest:     dest,
		opts:     opts,
		logger:   logger.With("target", dest.String()),
		clock:    clock,
		pushes:   pushes,
		retireFn: retireFn,
	}
}

// acquire reserves stream capacity on a connection, preferring the
// active connection with the most spare capacity to spread load. If no
// connection qualifies and the destination is below its connection
// limit, a new connection is dialed; otherwise the caller waits, bounded
// by its deadline, until capacity frees.
func (p *connPool) acquire(ctx context.Context) (*poolEntry, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, newError(KindUnavailable, "acquire", p.dest.hostPort, errPoolClosed)
		}
		p.reapLocked()
		if entry := p.pickLocked(); entry != nil {
			entry.active++
			p.mu.Unlock()
			return entry, nil
		}
		if p.countLocked() < p.opts.poolConnections {
			// hold the connection slot with a placeholder while dialing
			// so concurrent acquirers don't overshoot the limit
			entry := &poolEntry{dialing: true}
			p.entries = append(p.entries, entry)
			p.mu.Unlock()
			return p.dialEntry(ctx, entry)
		}
		waiter := make(chan struct{})
		p.waiters = append(p.waiters, waiter)
		p.mu.Unlock()

		select {
		case <-waiter:
		case <-ctx.Done():
			p.dropWaiter(waiter)
			return nil, ctxAcquireError(ctx.Err(), p.dest.hostPort)
		}
	}
}

// pickLocked returns the active entry with the most spare stream
// capacity, or nil if every connection is saturated, draining, or gone.
//
// +checklocks:p.mu
func (p *connPool) pickLocked() *poolEntry {
	var best *poolEntry
	var bestSpare int64
	for _, entry := range p.entries {
		if entry.dialing || entry.conn.state() != StateActive {
			continue
		}
		spare := int64(entry.conn.maxStreams()) - int64(entry.active)
		if spare > bestSpare {
			best = entry
			bestSpare = spare
		}
	}
	return best
}

// countLocked counts entries that occupy a connection slot: dialing
// placeholders and usable connections. Draining and closed connections
// don't block a replacement from being dialed.
//
// +checklocks:p.mu
func (p *connPool) countLocked() int {
	n := 0
	for _, entry := range p.entries {
		if entry.dialing || entry.conn.state() == StateActive || entry.conn.state() == StateConnecting {
			n++
		}
	}
	return n
}

func (p *connPool) dialEntry(ctx context.Context, entry *poolEntry) (*poolEntry, error) {
	conn, err := dialConn(
		ctx,
		p.dest,
		p.opts,
		p.logger,
		p.clock,
		p.pushes,
		p.connStateChanged,
		func(stats Stats) { p.retire(entry, stats) },
	)
	p.mu.Lock()
	if err != nil {
		p.removeEntryLocked(entry)
		p.wakeAllLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.removeEntryLocked(entry)
		p.mu.Unlock()
		_ = conn.close()
		return nil, newError(KindUnavailable, "acquire", p.dest.hostPort, errPoolClosed)
	}
	entry.conn = conn
	entry.dialing = false
	entry.active = 1
	// a fresh connection usually brings more than one slot of capacity
	p.wakeAllLocked()
	p.mu.Unlock()
	return entry, nil
}

// release returns the caller's stream slot. A draining connection with
// no remaining active streams is closed and removed.
func (p *connPool) release(entry *poolEntry) {
	var toClose protoConn
	p.mu.Lock()
	if entry.active > 0 {
		entry.active--
	}
	if entry.conn != nil {
		switch entry.conn.state() {
		case StateClosed:
			p.removeEntryLocked(entry)
			toClose = entry.conn
		case StateDraining:
			if entry.active == 0 {
				p.removeEntryLocked(entry)
				toClose = entry.conn
			}
		}
	}
	p.wakeAllLocked()
	p.mu.Unlock()
	if toClose != nil {
		_ = toClose.close()
	}
}

// retire is invoked by a connection as it shuts down, with its final
// counters. The entry leaves the pool (if it hasn't already) before the
// counters are folded into the aggregate, so a connection is never
// counted both live and retired.
func (p *connPool) retire(entry *poolEntry, stats Stats) {
	p.mu.Lock()
	p.removeEntryLocked(entry)
	p.wakeAllLocked()
	p.mu.Unlock()
	if p.retireFn != nil {
		p.retireFn(stats)
	}
}

// connStateChanged wakes waiters so they re-evaluate: a draining
// connection no longer counts against the connection limit, so a waiter
// may now dial a replacement.
func (p *connPool) connStateChanged() {
	p.mu.Lock()
	p.wakeAllLocked()
	p.mu.Unlock()
}

// +checklocks:p.mu
func (p *connPool) removeEntryLocked(entry *poolEntry) {
	for i, candidate := range p.entries {
		if candidate == entry {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// +checklocks:p.mu
func (p *connPool) reapLocked() {
	kept := p.entries[:0]
	for _, entry := range p.entries {
		if entry.conn != nil && entry.conn.state() == StateClosed && entry.active == 0 {
			// closing folds the connection's counters into the
			// aggregate; off the lock since close may wait on the
			// connection's loop, and retiring needs the lock back
			go func(conn protoConn) { _ = conn.close() }(entry.conn)
			continue
		}
		kept = append(kept, entry)
	}
	p.entries = kept
}

// +checklocks:p.mu
func (p *connPool) wakeAllLocked() {
	for _, waiter := range p.waiters {
		close(waiter)
	}
	p.waiters = nil
}

func (p *connPool) dropWaiter(waiter chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.waiters {
		if candidate == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// stats aggregates the live connections' counters. Retired connections
// were already folded into the transport-wide aggregate via retireFn.
func (p *connPool) stats() Stats {
	p.mu.Lock()
	conns := make([]protoConn, 0, len(p.entries))
	for _, entry := range p.entries {
		if entry.conn != nil {
			conns = append(conns, entry.conn)
		}
	}
	p.mu.Unlock()

	total := Stats{Connections: uint64(len(conns))}
	for _, conn := range conns {
		total = total.merge(conn.snapshot())
	}
	return total
}

func (p *connPool) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.wakeAllLocked()
	p.mu.Unlock()

	var errs *multierror.Error
	var errsMu sync.Mutex
	group, _ := errgroup.WithContext(context.Background())
	for _, entry := range entries {
		if entry.conn == nil {
			continue
		}
		conn := entry.conn
		group.Go(func() error {
			if err := conn.close(); err != nil {
				errsMu.Lock()
				errs = multierror.Append(errs, err)
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return errs.ErrorOrNil()
}

func ctxAcquireError(err error, hostPort string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, "acquire", hostPort, err)
	}
	return newError(KindCanceled, "acquire", hostPort, err)
}
