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
	"net"
	"net/url"
	"sync"

	"github.com/bufbuild/h2plex/internal"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

var errTransportClosed = errors.New("transport is closed")

// Transport is the public entry point: it turns independent exchanges
// into concurrently interleaved streams over a small number of
// long-lived, negotiated connections, one pool per destination.
type Transport struct {
	opts    options
	rootCtx context.Context //nolint:containedctx
	cancel  context.CancelFunc
	logger  hclog.Logger
	clock   internal.Clock
	pushes  *pushCache

	mu sync.RWMutex
	// +checklocks:mu
	pools map[target]poolRef
	// +checklocks:mu
	closed bool

	statsMu sync.Mutex
	// +checklocks:statsMu
	retired Stats
	// +checklocks:statsMu
	sinkClosed bool

	sinkCh   chan Stats
	sinkDone chan struct{}
}

type poolRef struct {
	pool     *connPool
	activity chan<- struct{}
}

// New returns a Transport that uses the given options.
func New(opts ...Option) *Transport {
	var options options
	for _, opt := range opts {
		opt.apply(&options)
	}
	options.applyDefaults()

	ctx, cancel := context.WithCancel(options.rootCtx)
	transport := &Transport{
		opts:    options,
		rootCtx: ctx,
		cancel:  cancel,
		logger:  options.logger,
		clock:   internal.NewRealClock(),
		pools:   map[target]poolRef{},
	}
	if options.enablePush {
		transport.pushes = newPushCache(transport.clock)
	}
	if options.metricsSink != nil {
		transport.sinkCh = make(chan Stats, 16)
		transport.sinkDone = make(chan struct{})
		go transport.drainSink()
	}
	go func() {
		// release resources eagerly if the root context is cancelled
		<-transport.rootCtx.Done()
		_ = transport.Close()
	}()
	return transport
}

// Send performs one exchange. It may establish a new connection, block
// (bounded by the context deadline or the configured stream timeout)
// while waiting for stream capacity or flow-control credit, and returns
// a structured *Error on failure so callers can tell retryable
// conditions from fatal ones.
func (t *Transport) Send(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil || req.URL.Host == "" {
		return nil, errors.New("request must have a URL with a host")
	}
	if req.Method == "" {
		return nil, errors.New("request must have a method")
	}
	dest := targetFromURL(req.URL)

	if t.opts.streamTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.opts.streamTimeout)
			defer cancel()
		}
	}

	if t.pushes != nil {
		if resp, ok := t.pushes.take(pushKey(req, dest)); ok {
			t.logger.Debug("request satisfied from push cache", "target", dest.hostPort)
			return resp, nil
		}
	}

	pool, err := t.getOrCreatePool(dest)
	if err != nil {
		return nil, err
	}
	entry, err := pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := entry.conn.roundTrip(ctx, req)
	pool.release(entry)
	return resp, err
}

// Stats returns a consistent snapshot of the transport-wide counters:
// live connections' counters plus everything already retired. With no
// intervening traffic, consecutive snapshots are identical.
func (t *Transport) Stats() Stats {
	t.mu.RLock()
	pools := make([]*connPool, 0, len(t.pools))
	for _, ref := range t.pools {
		pools = append(pools, ref.pool)
	}
	t.mu.RUnlock()

	t.statsMu.Lock()
	total := t.retired
	t.statsMu.Unlock()
	for _, pool := range pools {
		total = total.merge(pool.stats())
	}
	return total
}

// Close shuts down all pools and connections, releasing any associated
// background goroutines. In-flight exchanges fail with Unavailable.
func (t *Transport) Close() error {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	pools := make([]*connPool, 0, len(t.pools))
	for dest, ref := range t.pools {
		pools = append(pools, ref.pool)
		delete(t.pools, dest)
	}
	t.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	t.cancel()

	var errs *multierror.Error
	var errsMu sync.Mutex
	group, _ := errgroup.WithContext(context.Background())
	for _, pool := range pools {
		pool := pool
		group.Go(func() error {
			if err := pool.close(); err != nil {
				errsMu.Lock()
				errs = multierror.Append(errs, err)
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	if t.sinkCh != nil {
		// all waited-on retirements have been recorded by now; the flag
		// makes any straggler skip the send instead of hitting a closed
		// channel
		t.statsMu.Lock()
		t.sinkClosed = true
		t.statsMu.Unlock()
		close(t.sinkCh)
		<-t.sinkDone
	}
	return errs.ErrorOrNil()
}

// getOrCreatePool gets the pool for the given destination, creating one
// if none exists. It refuses to create a pool once the transport is
// closed.
func (t *Transport) getOrCreatePool(dest target) (*connPool, error) {
	t.mu.RLock()
	closed := t.closed
	pool := t.getPoolLocked(dest)
	t.mu.RUnlock()

	if closed {
		return nil, newError(KindUnavailable, "send", dest.hostPort, errTransportClosed)
	}
	if pool != nil {
		return pool, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// double-check in case things changed while upgrading lock
	if t.closed {
		return nil, newError(KindUnavailable, "send", dest.hostPort, errTransportClosed)
	}
	if pool = t.getPoolLocked(dest); pool != nil {
		return pool, nil
	}

	pool = newConnPool(dest, &t.opts, t.logger, t.clock, t.pushes, t.recordRetired)
	activity := make(chan struct{}, 1)
	go t.closeWhenIdle(t.rootCtx, dest, pool, activity)
	t.pools[dest] = poolRef{pool: pool, activity: activity}
	return pool, nil
}

// +checklocks:t.mu
func (t *Transport) getPoolLocked(dest target) *connPool {
	ref := t.pools[dest]
	if ref.activity != nil {
		// Update activity while lock is held (should be okay since
		// it's usually a read-lock, and this is a non-blocking write).
		// Doing this while locked avoids a race with the idle timer
		// that might be trying to concurrently close this pool.
		select {
		case ref.activity <- struct{}{}:
		default:
		}
	}
	return ref.pool
}

// closeWhenIdle closes a destination's pool after it has sat unused for
// the idle timeout, bumping the timer on activity.
func (t *Transport) closeWhenIdle(ctx context.Context, dest target, pool *connPool, activity <-chan struct{}) {
	timer := t.clock.NewTimer(t.opts.idleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			if t.tryRemovePool(dest, activity) {
				_ = pool.close()
				return
			}
			// concurrent activity beat the timer; try again later
			timer.Reset(t.opts.idleTimeout)
		case <-ctx.Done():
			t.removePool(dest)
			_ = pool.close()
			return
		case <-activity:
			timer.Reset(t.opts.idleTimeout)
		}
	}
}

func (t *Transport) tryRemovePool(dest target, activity <-chan struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	// need to check activity after lock acquired to make
	// sure we aren't racing with use of this pool
	select {
	case <-activity:
		return false
	default:
	}
	delete(t.pools, dest)
	return true
}

func (t *Transport) removePool(dest target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pools, dest)
}

// recordRetired folds a retired connection's final counters into the
// transport-wide aggregate and forwards them to the metrics sink. The
// sink send never blocks: producers are connection loops, and a slow
// sink drops snapshots instead of stalling them.
func (t *Transport) recordRetired(stats Stats) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.retired = t.retired.merge(stats)
	if t.sinkCh == nil || t.sinkClosed {
		return
	}
	select {
	case t.sinkCh <- stats:
	default:
		t.logger.Warn("metrics sink is slow, dropping stats snapshot")
	}
}

func (t *Transport) drainSink() {
	defer close(t.sinkDone)
	for stats := range t.sinkCh {
		t.opts.metricsSink.RecordStats(stats)
	}
}

// target identifies a destination: one pool, and its connections, per
// scheme and host:port.
type target struct {
	scheme   string
	hostPort string
}

func targetFromURL(dest *url.URL) target {
	scheme := dest.Scheme
	if scheme == "" {
		scheme = "http"
	}
	hostPort := dest.Host
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		hostPort = net.JoinHostPort(hostPort, defaultPort(scheme))
	}
	return target{scheme: scheme, hostPort: hostPort}
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func (t target) String() string {
	return t.scheme + "://" + t.hostPort
}
