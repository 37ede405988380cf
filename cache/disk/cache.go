// Package disk provides a disk-backed block cache.
//
// Each block is stored as one file named by the hex encoding of its key,
// optionally sharded into subdirectories by key prefix. Files are published
// with an atomic rename, so readers never observe a partially written entry.
package disk

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/meigma/readahead/cache"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Cache implements cache.Cache using the local filesystem. It is safe for
// concurrent use.
type Cache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	compress       bool
	codec          *codec
	logger         *slog.Logger
	pruneMu        sync.Mutex
}

// Option configures a disk cache.
type Option func(*Cache)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithCompression stores entries zstd-compressed when that makes them smaller.
// Entries written either way can always be read back.
func WithCompression(enabled bool) Option {
	return func(c *Cache) {
		c.compress = enabled
	}
}

// WithLogger sets the logger used to report corrupt entries.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a disk-backed cache rooted at dir, creating dir if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	if err := checkWritable(dir); err != nil {
		return nil, err
	}
	codec, err := newCodec(c.compress)
	if err != nil {
		return nil, err
	}
	c.codec = codec
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Get retrieves the block stored under key. Unreadable or corrupt entries are
// removed and reported as misses.
func (c *Cache) Get(key cache.Key) ([]byte, bool) {
	path, err := c.path(key)
	if err != nil {
		return nil, false
	}
	entry, err := os.ReadFile(path) //nolint:gosec // path is derived from a validated digest
	if err != nil {
		return nil, false
	}
	data, err := c.codec.decode(entry)
	if err != nil {
		c.log().Warn("removing corrupt cache entry", "key", key.String(), "path", path, "error", err)
		_ = os.Remove(path)
		return nil, false
	}
	return data, true
}

// Put stores data under key, replacing any existing entry.
func (c *Cache) Put(key cache.Key, data []byte) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), c.dirPerm); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(c.codec.encode(data))); err != nil {
		return fmt.Errorf("disk cache: write %s: %w", key.Encoded(), err)
	}
	return nil
}

// SizeBytes returns the total size of all files under the cache root.
func (c *Cache) SizeBytes() (int64, error) {
	return dirSize(c.dir)
}

// Prune removes the least recently written entries until the cache is at or
// below targetBytes. It returns the number of bytes freed.
//
// The engine never prunes; this is for operators bounding the directory.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, _, err := pruneDir(c.dir, targetBytes)
	return freed, err
}

// Close releases the compression codec.
func (c *Cache) Close() error {
	c.codec.close()
	return nil
}

func (c *Cache) path(key cache.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("disk cache: %w", err)
	}
	hexKey := key.Encoded()
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, hexKey), nil
	}
	prefixLen := min(c.shardPrefixLen, len(hexKey))
	return filepath.Join(c.dir, hexKey[:prefixLen], hexKey), nil
}

// checkWritable verifies that files can be created in dir.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
