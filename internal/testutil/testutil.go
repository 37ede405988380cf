// Package testutil provides in-memory origins and caches for engine tests.
package testutil

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/meigma/readahead/cache"
)

// ErrInjected is returned by MockOrigin reads that overlap a failing range.
var ErrInjected = errors.New("testutil: injected read failure")

// MockOrigin implements origin.Origin over an in-memory slice.
//
// It counts reads, can fail reads that overlap configured ranges, and can
// hold reads until a gate is opened.
type MockOrigin struct {
	data []byte
	id   string

	reads atomic.Int64

	mu    sync.Mutex
	fails [][2]int64
	gate  chan struct{}
	calls []int64 // offsets of reads, in order
}

// NewMockOrigin returns an origin backed by data with the given source id.
func NewMockOrigin(data []byte, id string) *MockOrigin {
	return &MockOrigin{data: data, id: id}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockOrigin) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	gate := m.gate
	m.calls = append(m.calls, off)
	var failed bool
	for _, f := range m.fails {
		if off < f[1] && off+int64(len(p)) > f[0] {
			failed = true
			break
		}
	}
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	m.reads.Add(1)
	if failed {
		return 0, ErrInjected
	}

	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockOrigin) Size() int64 {
	return int64(len(m.data))
}

// SourceID returns the id passed to NewMockOrigin.
func (m *MockOrigin) SourceID() string {
	return m.id
}

// Bytes returns the backing slice.
func (m *MockOrigin) Bytes() []byte {
	return m.data
}

// Reads returns the number of completed ReadAt calls.
func (m *MockOrigin) Reads() int64 {
	return m.reads.Load()
}

// Offsets returns the offsets of all ReadAt calls in call order.
func (m *MockOrigin) Offsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.calls))
	copy(out, m.calls)
	return out
}

// FailRange makes reads overlapping [off, off+n) return ErrInjected.
func (m *MockOrigin) FailRange(off int64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails = append(m.fails, [2]int64{off, off + int64(n)})
}

// Hold makes subsequent reads block until the returned release func is called.
func (m *MockOrigin) Hold() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// MockCache implements a basic concurrency-safe block cache for tests.
type MockCache struct {
	mu   sync.RWMutex
	data map[cache.Key][]byte
	puts atomic.Int64
}

// NewMockCache constructs an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{data: make(map[cache.Key][]byte)}
}

// Get retrieves data by key.
func (c *MockCache) Get(key cache.Key) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[key]
	return data, ok
}

// Put stores data by key.
func (c *MockCache) Put(key cache.Key, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), data...)
	c.puts.Add(1)
	return nil
}

// Len returns the number of stored entries.
func (c *MockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Puts returns the number of Put calls.
func (c *MockCache) Puts() int64 {
	return c.puts.Load()
}

// Pattern returns n bytes of a repeating, position-dependent pattern.
func Pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}
