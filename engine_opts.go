package readahead

import (
	"log/slog"
	"time"

	"github.com/meigma/readahead/cache"
	"github.com/meigma/readahead/metrics"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for engine and worker events.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics sink. Defaults to metrics.Nop.
func WithMetrics(m metrics.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithCache enables block caching with a caller-owned cache.
// The engine does not close caches passed this way.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) {
		e.initialCache = c
	}
}

// WithCacheDir enables a disk block cache rooted at dir.
//
// If the directory cannot be used, New logs a warning and the engine runs
// without a cache. Call SetCache instead to receive the error.
func WithCacheDir(dir string) Option {
	return func(e *Engine) {
		e.initialCacheDir = dir
	}
}

// WithCacheCompression stores disk cache entries zstd-compressed.
// It applies to caches created by WithCacheDir and SetCache.
func WithCacheCompression(enabled bool) Option {
	return func(e *Engine) {
		e.cacheCompression = enabled
	}
}

// WithWaitBudget bounds how long ReadBuffer waits for the worker before
// reading the range directly from the origin. Zero waits indefinitely.
func WithWaitBudget(d time.Duration) Option {
	return func(e *Engine) {
		e.waitBudget = max(d, 0)
	}
}
