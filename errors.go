package readahead

import "errors"

var (
	// ErrOriginRead is returned when the origin fails to deliver a requested range.
	// The error is recorded on the block and reported to readers of that range.
	ErrOriginRead = errors.New("readahead: origin read failed")

	// ErrCacheUnavailable is returned by SetCache when the cache directory cannot
	// be created or written. The engine keeps running without a cache.
	ErrCacheUnavailable = errors.New("readahead: block cache unavailable")

	// ErrShutdownTimeout is returned when the worker does not acknowledge a stop
	// request before the caller's deadline. The worker goroutine is still running.
	ErrShutdownTimeout = errors.New("readahead: worker did not stop")

	// ErrNotRunning is returned when blocks are submitted to an engine whose
	// worker is not running.
	ErrNotRunning = errors.New("readahead: engine not running")

	// ErrAlreadyRunning is returned by Start when the worker is already running
	// or a previous stop has not completed.
	ErrAlreadyRunning = errors.New("readahead: engine already running")

	// ErrInvalidRange is returned for negative offsets and empty or oversized lengths.
	ErrInvalidRange = errors.New("readahead: invalid range")

	// ErrOriginChanged is returned to readers whose origin was replaced by
	// SetOrigin while they were waiting.
	ErrOriginChanged = errors.New("readahead: origin changed")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("readahead: engine closed")
)
