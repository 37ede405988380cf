package readahead

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/readahead/cache"
	"github.com/meigma/readahead/cache/disk"
	"github.com/meigma/readahead/internal/blocklist"
	"github.com/meigma/readahead/metrics"
	"github.com/meigma/readahead/origin"
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopRequested // stop timed out; the worker may still be running
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateStopRequested:
		return "stop-requested"
	case stateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Engine prefetches byte ranges of an origin in the background and serves
// them to readers.
//
// Callers Submit the ranges they expect to need; a single worker goroutine
// fetches them in submission order, consulting the block cache first, and
// publishes each result. ReadBuffer returns published data, waiting for the
// worker when the range is still queued, and reads the origin directly when
// the range was never requested or the worker is gone.
//
// An Engine is safe for concurrent use.
type Engine struct {
	// mu serializes lifecycle changes: Start, Stop, SetOrigin, Close.
	mu      sync.Mutex
	origin  origin.Origin
	state   state
	worker  *worker
	rebind  chan struct{} // closed and replaced by SetOrigin
	closed  bool
	closers []io.Closer // caches created by the engine

	// originMu serializes every read of the origin. gen is bumped under it
	// whenever the origin is replaced.
	originMu sync.Mutex
	gen      atomic.Uint64

	pending   *blocklist.Pending
	completed *blocklist.Completed
	cache     atomic.Pointer[cacheRef]

	waitNanos atomic.Int64
	stats     counters

	logger           *slog.Logger
	metrics          metrics.Metrics
	waitBudget       time.Duration
	cacheCompression bool
	initialCache     cache.Cache
	initialCacheDir  string
}

type cacheRef struct {
	c cache.Cache
}

type counters struct {
	submitted   atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	originReads atomic.Int64
	fallbacks   atomic.Int64
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Submitted     int64 // blocks accepted by Submit
	Completed     int64 // blocks published by the worker, failed ones included
	Failed        int64 // blocks whose origin read failed
	CacheHits     int64
	CacheMisses   int64
	OriginReads   int64 // origin reads issued by the worker
	FallbackReads int64 // origin reads issued directly by ReadBuffer
	Pending       int   // blocks still queued
	Resident      int   // blocks held in memory for readers
	ResidentBytes int64
	WaitTime      time.Duration
}

// New creates an engine bound to o. The worker is not started; call Start.
func New(o origin.Origin, opts ...Option) (*Engine, error) {
	if o == nil {
		return nil, errors.New("readahead: origin is nil")
	}
	e := &Engine{
		origin:    o,
		rebind:    make(chan struct{}),
		pending:   blocklist.NewPending(),
		completed: blocklist.NewCompleted(),
		metrics:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}

	switch {
	case e.initialCache != nil:
		e.cache.Store(&cacheRef{c: e.initialCache})
	case e.initialCacheDir != "":
		if err := e.SetCache(e.initialCacheDir); err != nil {
			e.log().Warn("continuing without block cache", "dir", e.initialCacheDir, "error", err)
		}
	}
	return e, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Start launches the background worker.
//
// A stopped engine may be started again; blocks fetched before the stop remain
// readable.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.state == stateRunning || e.state == stateStopRequested {
		return ErrAlreadyRunning
	}
	e.worker = e.startWorker()
	e.state = stateRunning
	e.log().Info("prefetch started", "source", e.worker.sourceID)
	return nil
}

// Stop asks the worker to exit and waits for it to acknowledge.
//
// The worker finishes the block it is fetching, if any, and exits. Blocks
// still queued are dropped; readers waiting on them fall back to direct
// origin reads. If ctx ends first, Stop returns an error wrapping
// ErrShutdownTimeout and the worker keeps running; a later Stop waits again.
// Stopping an engine that is not running is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked(ctx)
}

func (e *Engine) stopLocked(ctx context.Context) error {
	if e.state != stateRunning && e.state != stateStopRequested {
		return nil
	}

	w := e.worker
	w.requestStop()
	if err := w.join(ctx); err != nil {
		e.state = stateStopRequested
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, err)
	}

	dropped := e.pending.Clear()
	e.worker = nil
	e.state = stateStopped
	e.metrics.ObserveQueueDepth(0)
	e.log().Info("prefetch stopped", "dropped_blocks", dropped)
	return nil
}

// Close stops the worker and releases caches created by the engine.
// The origin is not closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if err := e.stopLocked(context.Background()); err != nil {
		return err
	}
	e.closed = true

	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Submit queues ranges for prefetching in the given order.
//
// The whole batch is validated first and queued atomically with respect to
// other submitters. Overlapping or repeated ranges are each fetched.
func (e *Engine) Submit(ranges []Range) error {
	if len(ranges) == 0 {
		return nil
	}
	for _, r := range ranges {
		if err := r.validate(); err != nil {
			return err
		}
	}

	blocks := make([]*blocklist.Block, len(ranges))
	for i, r := range ranges {
		blocks[i] = blocklist.New(r.Offset, r.Length)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.state != stateRunning {
		return ErrNotRunning
	}
	e.pending.Push(blocks...)
	e.stats.submitted.Add(int64(len(blocks)))
	e.metrics.ObserveQueueDepth(e.pending.Len())
	return nil
}

// readSnapshot is the lifecycle state a ReadBuffer call works against.
type readSnapshot struct {
	origin origin.Origin
	gen    uint64
	rebind <-chan struct{}
	done   <-chan struct{} // nil when no worker is running
}

func (e *Engine) snapshot() readSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := readSnapshot{
		origin: e.origin,
		gen:    e.gen.Load(),
		rebind: e.rebind,
	}
	if e.state == stateRunning {
		s.done = e.worker.done
	}
	return s
}

// ReadBuffer fills p with the origin bytes at off.
//
// If a fetched block contains the range, its data is copied into p; a block
// whose fetch failed yields that failure. If the range is queued or being
// fetched, ReadBuffer waits for the worker (at most the configured wait
// budget). Otherwise the range is read directly from the origin, bypassing
// the cache. Time spent waiting is added to WaitTime.
func (e *Engine) ReadBuffer(ctx context.Context, p []byte, off int64) error {
	if len(p) == 0 {
		return nil
	}
	r := Range{Offset: off, Length: len(p)}
	if err := r.validate(); err != nil {
		return err
	}

	snap := e.snapshot()
	n := len(p)

	var budget <-chan time.Time
	if e.waitBudget > 0 {
		timer := time.NewTimer(e.waitBudget)
		defer timer.Stop()
		budget = timer.C
	}

	for {
		b, found, wake := e.completed.FindOrWait(off, n)
		if found {
			return deliver(b, p, off)
		}
		if snap.done == nil || !e.pending.Covers(off, n) {
			// The worker publishes a block before releasing its in-flight
			// marker, so one more lookup catches a block that just landed.
			if b, found := e.completed.Find(off, n); found {
				return deliver(b, p, off)
			}
			return e.directRead(snap, p, off)
		}

		start := time.Now()
		select {
		case <-wake:
		case <-snap.done:
			snap.done = nil
		case <-snap.rebind:
			e.addWait(time.Since(start))
			return ErrOriginChanged
		case <-budget:
			e.addWait(time.Since(start))
			e.log().Debug("wait budget exhausted, reading origin directly", "range", r.String())
			return e.directRead(snap, p, off)
		case <-ctx.Done():
			e.addWait(time.Since(start))
			return ctx.Err()
		}
		e.addWait(time.Since(start))
	}
}

// ReadAt implements io.ReaderAt on top of ReadBuffer. Reads past the end of
// the origin are truncated and return io.EOF.
func (e *Engine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalidRange, off)
	}
	e.mu.Lock()
	size := e.origin.Size()
	e.mu.Unlock()

	if off >= size {
		return 0, io.EOF
	}
	n := len(p)
	if rem := size - off; int64(n) > rem {
		n = int(rem)
	}
	if err := e.ReadBuffer(context.Background(), p[:n], off); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func deliver(b *blocklist.Block, p []byte, off int64) error {
	if !b.OK() {
		return b.Err
	}
	copy(p, b.Slice(off, len(p)))
	return nil
}

// directRead reads p from the snapshot's origin, unless that origin has been
// replaced in the meantime.
func (e *Engine) directRead(snap readSnapshot, p []byte, off int64) error {
	start := time.Now()

	e.originMu.Lock()
	if e.gen.Load() != snap.gen {
		e.originMu.Unlock()
		return ErrOriginChanged
	}
	n, err := snap.origin.ReadAt(p, off)
	e.originMu.Unlock()

	if n == len(p) {
		err = nil
	} else if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}

	e.stats.fallbacks.Add(1)
	e.metrics.ObserveOriginRead(n, time.Since(start), err, true)
	if err != nil {
		return fmt.Errorf("%w: read [%d,%d): %w", ErrOriginRead, off, off+int64(len(p)), err)
	}
	return nil
}

// SetOrigin rebinds the engine to a new origin, for example after the file
// behind the old one was replaced.
//
// The worker is stopped and joined before any state changes, so it never
// publishes or caches bytes of one origin under another's identity. Queued
// and fetched blocks of the old origin are dropped, readers waiting on them
// get ErrOriginChanged, and the worker is restarted if it was running.
func (e *Engine) SetOrigin(ctx context.Context, o origin.Origin) error {
	if o == nil {
		return errors.New("readahead: origin is nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	close(e.rebind)
	e.rebind = make(chan struct{})

	wasRunning := e.state == stateRunning || e.state == stateStopRequested
	if err := e.stopLocked(ctx); err != nil {
		return err
	}

	dropped := e.pending.Clear()
	evicted := e.completed.Clear()

	e.originMu.Lock()
	old := e.origin
	e.origin = o
	e.gen.Add(1)
	e.originMu.Unlock()

	e.log().Info("origin changed",
		"old_source", old.SourceID(),
		"new_source", o.SourceID(),
		"dropped_blocks", dropped,
		"evicted_blocks", evicted,
	)

	if wasRunning {
		e.worker = e.startWorker()
		e.state = stateRunning
	}
	return nil
}

// SetCache enables a disk block cache rooted at dir, replacing any current
// cache. An empty dir disables caching.
//
// If dir cannot be created or written, caching is disabled and the returned
// error wraps ErrCacheUnavailable; the engine keeps working without a cache.
func (e *Engine) SetCache(dir string) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if dir == "" {
		e.cache.Store(nil)
		return nil
	}

	c, err := disk.New(dir,
		disk.WithLogger(e.logger),
		disk.WithCompression(e.cacheCompression),
	)
	if err != nil {
		e.cache.Store(nil)
		e.log().Warn("block cache disabled", "dir", dir, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrCacheUnavailable, dir, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = c.Close()
		return ErrClosed
	}
	e.closers = append(e.closers, c)
	e.mu.Unlock()

	e.cache.Store(&cacheRef{c: c})
	e.log().Info("block cache enabled", "dir", dir)
	return nil
}

func (e *Engine) currentCache() cache.Cache {
	if ref := e.cache.Load(); ref != nil {
		return ref.c
	}
	return nil
}

func (e *Engine) addWait(d time.Duration) {
	e.waitNanos.Add(int64(d))
	e.metrics.ObserveWait(d)
}

// WaitTime returns the cumulative time readers spent blocked in ReadBuffer
// waiting for the worker.
func (e *Engine) WaitTime() time.Duration {
	return time.Duration(e.waitNanos.Load())
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:     e.stats.submitted.Load(),
		Completed:     e.stats.completed.Load(),
		Failed:        e.stats.failed.Load(),
		CacheHits:     e.stats.cacheHits.Load(),
		CacheMisses:   e.stats.cacheMisses.Load(),
		OriginReads:   e.stats.originReads.Load(),
		FallbackReads: e.stats.fallbacks.Load(),
		Pending:       e.pending.Len(),
		Resident:      e.completed.Len(),
		ResidentBytes: e.completed.Bytes(),
		WaitTime:      e.WaitTime(),
	}
}

// Running reports whether the worker is running.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}
