package disk

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/meigma/readahead/cache"
)

func TestCachePutGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	content := []byte("block contents")
	key := cache.KeyFor("file:test", 200, len(content))
	if err := c.Put(key, content); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Get() content = %q, want %q", got, content)
	}

	hexKey := key.Encoded()
	path := filepath.Join(dir, hexKey[:defaultShardPrefixLen], hexKey)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file at %s: %v", path, err)
	}
}

func TestCacheShardDisable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithShardPrefixLen(0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := cache.KeyFor("file:flat", 0, 4)
	if err := c.Put(key, []byte("flat")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, key.Encoded())); err != nil {
		t.Fatalf("expected unsharded cache file: %v", err)
	}
}

func TestCacheCompressionRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir(), WithCompression(true))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	content := bytes.Repeat([]byte("compressible "), 512)
	key := cache.KeyFor("file:zstd", 0, len(content))
	if err := c.Put(key, content); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	path, _ := c.path(key)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() >= int64(len(content)) {
		t.Fatalf("entry size = %d, want smaller than %d", info.Size(), len(content))
	}

	got, ok := c.Get(key)
	if !ok || !bytes.Equal(got, content) {
		t.Fatalf("Get() = (%d bytes, %v), want original content", len(got), ok)
	}

	// A cache opened without compression still reads compressed entries.
	plain, err := New(c.Dir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got, ok := plain.Get(key); !ok || !bytes.Equal(got, content) {
		t.Fatal("uncompressed cache failed to read compressed entry")
	}
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		corrupt func(entry []byte) []byte
	}{
		{name: "truncated header", corrupt: func(e []byte) []byte { return e[:headerSize-1] }},
		{name: "short payload", corrupt: func(e []byte) []byte { return e[:len(e)-1] }},
		{name: "flipped payload byte", corrupt: func(e []byte) []byte { e[len(e)-1] ^= 0xFF; return e }},
		{name: "bad magic", corrupt: func(e []byte) []byte { e[0] = 'X'; return e }},
		{name: "empty file", corrupt: func([]byte) []byte { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := New(t.TempDir())
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			key := cache.KeyFor("file:corrupt", 0, 8)
			if err := c.Put(key, []byte("abcdefgh")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			path, _ := c.path(key)
			entry, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if err := os.WriteFile(path, tt.corrupt(entry), 0o600); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}

			if _, ok := c.Get(key); ok {
				t.Fatal("Get() ok = true for corrupt entry")
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Fatalf("corrupt entry not removed: %v", err)
			}

			if err := c.Put(key, []byte("abcdefgh")); err != nil {
				t.Fatalf("Put() after corruption error = %v", err)
			}
			if got, ok := c.Get(key); !ok || string(got) != "abcdefgh" {
				t.Fatalf("Get() after rewrite = (%q, %v)", got, ok)
			}
		})
	}
}

func TestCachePutOverwrites(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := cache.KeyFor("file:overwrite", 0, 3)
	if err := c.Put(key, []byte("old")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := c.Put(key, []byte("new")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got, _ := c.Get(key); string(got) != "new" {
		t.Fatalf("Get() = %q, want %q", got, "new")
	}
}

func TestCacheConcurrentPutGet(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(2)
		content := []byte(fmt.Sprintf("block-%02d", i))
		key := cache.KeyFor("file:concurrent", int64(i)*8, len(content))
		go func() {
			defer wg.Done()
			if err := c.Put(key, content); err != nil {
				t.Errorf("Put(%d) error = %v", i, err)
			}
		}()
		go func() {
			defer wg.Done()
			// Either a miss or the complete entry, never a torn one.
			if got, ok := c.Get(key); ok && !bytes.Equal(got, content) {
				t.Errorf("Get(%d) = %q, want %q", i, got, content)
			}
		}()
	}
	wg.Wait()

	for i := range n {
		content := []byte(fmt.Sprintf("block-%02d", i))
		key := cache.KeyFor("file:concurrent", int64(i)*8, len(content))
		if got, ok := c.Get(key); !ok || !bytes.Equal(got, content) {
			t.Fatalf("Get(%d) = (%q, %v), want %q", i, got, ok, content)
		}
	}
}

func TestCachePrune(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	keys := make([]cache.Key, 3)
	base := time.Now().Add(-time.Hour)
	for i := range keys {
		keys[i] = cache.KeyFor("file:prune", int64(i)*100, 100)
		if err := c.Put(keys[i], bytes.Repeat([]byte{byte(i)}, 100)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		path, _ := c.path(keys[i])
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("Chtimes() error = %v", err)
		}
	}

	size, err := c.SizeBytes()
	if err != nil {
		t.Fatalf("SizeBytes() error = %v", err)
	}
	entrySize := int64(headerSize + 100)
	if size != 3*entrySize {
		t.Fatalf("SizeBytes() = %d, want %d", size, 3*entrySize)
	}

	freed, err := c.Prune(2 * entrySize)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if freed != entrySize {
		t.Fatalf("Prune() freed = %d, want %d", freed, entrySize)
	}
	if _, ok := c.Get(keys[0]); ok {
		t.Fatal("oldest entry survived Prune")
	}
	if _, ok := c.Get(keys[2]); !ok {
		t.Fatal("newest entry removed by Prune")
	}
}

func TestNewEmptyDir(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New() error = nil, want error")
	}
}

func TestNewUnwritableDir(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	file := filepath.Join(parent, "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := New(filepath.Join(file, "cache")); err == nil {
		t.Fatal("New() under a regular file error = nil, want error")
	}
}
