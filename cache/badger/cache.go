// Package badger provides a block cache backed by a badger key/value store.
//
// It satisfies the same contract as the disk cache but keeps all entries in a
// single database directory, which suits hosts where many small files are
// expensive. Values carry the block's xxhash so corrupt entries are detected
// and dropped on read.
package badger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/meigma/readahead/cache"
)

const (
	keyPrefix = "blk/"
	sumSize   = 8
)

// Cache implements cache.Cache on top of badger.
type Cache struct {
	db       *badgerdb.DB
	logger   *slog.Logger
	inMemory bool
}

// Option configures a badger cache.
type Option func(*Cache)

// WithLogger sets the logger used to report corrupt entries.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithInMemory keeps the database in memory. The directory argument to Open is
// ignored. Intended for tests.
func WithInMemory() Option {
	return func(c *Cache) {
		c.inMemory = true
	}
}

// Open opens (or creates) a badger-backed cache in dir.
func Open(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{}
	for _, opt := range opts {
		opt(c)
	}
	if dir == "" && !c.inMemory {
		return nil, errors.New("badger cache: dir is empty")
	}

	dbOpts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if c.inMemory {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("badger cache: open %s: %w", dir, err)
	}
	c.db = db
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Get retrieves the block stored under key.
func (c *Cache) Get(key cache.Key) ([]byte, bool) {
	dbKey := encodeKey(key)

	var value []byte
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(dbKey)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			c.log().Warn("badger cache read failed", "key", key.String(), "error", err)
		}
		return nil, false
	}

	data, ok := decodeValue(value)
	if !ok {
		c.log().Warn("removing corrupt cache entry", "key", key.String())
		_ = c.db.Update(func(txn *badgerdb.Txn) error {
			return txn.Delete(dbKey)
		})
		return nil, false
	}
	return data, true
}

// Put stores data under key, replacing any existing entry. Badger commits the
// write transaction atomically, so concurrent readers see the old value or the
// new one.
func (c *Cache) Put(key cache.Key, data []byte) error {
	dbKey := encodeKey(key)
	value := encodeValue(data)
	if err := c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(dbKey, value)
	}); err != nil {
		return fmt.Errorf("badger cache: put %s: %w", key.Encoded(), err)
	}
	return nil
}

// SizeBytes returns the on-disk size of the database as last computed by
// badger. The figure lags recent writes.
func (c *Cache) SizeBytes() (int64, error) {
	lsm, vlog := c.db.Size()
	return lsm + vlog, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func encodeKey(key cache.Key) []byte {
	return []byte(keyPrefix + key.String())
}

func encodeValue(data []byte) []byte {
	out := make([]byte, sumSize+len(data))
	binary.BigEndian.PutUint64(out[:sumSize], xxhash.Sum64(data))
	copy(out[sumSize:], data)
	return out
}

func decodeValue(value []byte) ([]byte, bool) {
	if len(value) < sumSize {
		return nil, false
	}
	data := value[sumSize:]
	if binary.BigEndian.Uint64(value[:sumSize]) != xxhash.Sum64(data) {
		return nil, false
	}
	return data, true
}
