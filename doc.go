// Package readahead prefetches byte ranges of a slow origin in the
// background so that later reads of those ranges are served from memory.
//
// A caller that knows which ranges it will need (for example the baskets of
// the next entries in a columnar file) submits them up front. A single worker
// goroutine fetches them in submission order and publishes each block; reads
// are answered from published blocks, waiting for the worker when a range is
// still queued and reading the origin directly otherwise.
//
// Origins are anything implementing [origin.Origin]: local files
// ([origin.Open]), in-memory data ([origin.NewBytes]) and HTTP range sources
// (the http subpackage).
//
// # Quick Start
//
//	src, err := origin.Open("/data/events.root")
//	if err != nil {
//	    return err
//	}
//	defer src.Close()
//
//	e, err := readahead.New(src, readahead.WithCacheDir("/var/cache/readahead"))
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	if err := e.Start(); err != nil {
//	    return err
//	}
//	err = e.Submit(readahead.Split(0, src.Size(), 1<<20))
//
//	buf := make([]byte, 4096)
//	err = e.ReadBuffer(ctx, buf, 8192)
//
// # Caching
//
// Fetched blocks can be persisted in a block cache keyed by a digest of the
// origin identity, offset and length, so a later process reading the same
// origin skips the origin read. Use [WithCacheDir] or [Engine.SetCache] for the
// built-in disk cache, or [WithCache] for any [cache.Cache] implementation such
// as the badger-backed one in cache/badger. Unusable or corrupt cache state
// never fails a read; it only costs an origin read.
//
// # Origin Changes
//
// When the data behind an origin changes, rebind the engine with
// [Engine.SetOrigin]. Blocks of the old origin are dropped and readers still
// waiting on them receive [ErrOriginChanged]. [origin.Watch] reports changes
// to local files.
package readahead
