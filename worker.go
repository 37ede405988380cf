package readahead

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meigma/readahead/cache"
	"github.com/meigma/readahead/internal/blocklist"
	"github.com/meigma/readahead/origin"
)

// worker is the single background fetcher of an engine.
//
// The engine owns it: stop is closed once by the engine to request shutdown,
// and done is closed once by the worker goroutine when its loop has exited.
type worker struct {
	origin   origin.Origin
	sourceID string

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// startWorker launches a worker bound to the engine's current origin.
// The caller must hold e.mu.
func (e *Engine) startWorker() *worker {
	w := &worker{
		origin:   e.origin,
		sourceID: e.origin.SourceID(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go e.run(w)
	return w
}

// requestStop asks the worker to exit after its current block.
func (w *worker) requestStop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// join waits until the worker has exited or ctx is done.
func (w *worker) join(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(w *worker) {
	defer close(w.done)

	log := e.log().With("source", w.sourceID)
	log.Debug("prefetch worker started")
	defer log.Debug("prefetch worker stopped")

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		b, ok := e.pending.Pop(w.stop)
		if !ok {
			return
		}
		e.metrics.ObserveQueueDepth(e.pending.Len())

		e.fetch(w, b)
		e.stats.completed.Add(1)
		e.completed.Insert(b)
		e.pending.Done(b)
	}
}

// fetch fills b from the cache or, failing that, from the origin.
// Origin failures are recorded on the block, never returned.
func (e *Engine) fetch(w *worker, b *blocklist.Block) {
	key := cache.KeyFor(w.sourceID, b.Offset, b.Length)
	c := e.currentCache()

	if c != nil {
		data, ok := c.Get(key)
		if ok && len(data) == b.Length {
			e.stats.cacheHits.Add(1)
			e.metrics.ObserveCacheLookup(true)
			b.Data = data
			e.log().Debug("block served from cache", "block", b.String())
			return
		}
		if ok {
			e.log().Warn("cache entry has wrong length, refetching",
				"block", b.String(), "got", len(data), "key", key.String())
		}
		e.stats.cacheMisses.Add(1)
		e.metrics.ObserveCacheLookup(false)
	}

	start := time.Now()
	e.originMu.Lock()
	data, err := origin.ReadFull(w.origin, b.Offset, b.Length)
	e.originMu.Unlock()
	elapsed := time.Since(start)

	e.stats.originReads.Add(1)
	e.metrics.ObserveOriginRead(len(data), elapsed, err, false)

	if err != nil {
		b.Err = fmt.Errorf("%w: %w", ErrOriginRead, err)
		e.stats.failed.Add(1)
		e.log().Debug("block fetch failed", "block", b.String(), "error", err)
		return
	}
	b.Data = data
	e.log().Debug("block fetched from origin", "block", b.String(), "duration", elapsed)

	if c != nil {
		if err := c.Put(key, data); err != nil {
			e.log().Warn("cache write failed", "block", b.String(), "error", err)
		}
	}
}
