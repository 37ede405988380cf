// Package cache provides digest-addressed caching for prefetched blocks.
//
// A block is identified by the origin it was read from and its byte range.
// KeyFor turns that identity into a fixed-width digest that backends use both
// as a comparison key and as a filesystem-safe name.
//
// Entries are advisory: a backend that cannot read an entry back intact must
// report a miss, and the engine falls through to the origin.
package cache

import (
	"encoding/binary"

	"github.com/opencontainers/go-digest"
)

// Key identifies a cached block.
type Key = digest.Digest

// Cache stores block contents by key.
type Cache interface {
	// Get retrieves the block stored under key.
	// Returns nil, false if the block is not cached or the entry is unreadable.
	Get(key Key) ([]byte, bool)

	// Put stores data under key, replacing any existing entry.
	// A concurrent Get observes either the old entry or the complete new one.
	Put(key Key, data []byte) error

	// Implementations must be safe for concurrent use.
}

// KeyFor derives the cache key for the range [off, off+length) of the origin
// identified by sourceID.
func KeyFor(sourceID string, off int64, length int) Key {
	digester := digest.SHA256.Digester()
	h := digester.Hash()
	_, _ = h.Write([]byte(sourceID)) //nolint:errcheck // hash writes never fail

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(off))    //nolint:gosec // offsets are validated non-negative
	binary.BigEndian.PutUint64(buf[8:], uint64(length)) //nolint:gosec // lengths are validated positive
	_, _ = h.Write(buf[:])                              //nolint:errcheck // hash writes never fail

	return digester.Digest()
}
