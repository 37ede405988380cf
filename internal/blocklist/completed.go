package blocklist

import (
	"sort"
	"sync"
)

// Completed is an offset-ordered index of fetched blocks.
//
// Blocks may overlap when the same range was requested more than once. Find
// resolves this by containment rather than exact match.
type Completed struct {
	mu     sync.Mutex
	blocks []*Block // sorted by Offset; equal offsets keep insertion order
	maxLen int      // longest block ever inserted, bounds the backward scan in Find
	bytes  int64
	signal chan struct{} // closed and replaced on every Insert and Clear
}

// NewCompleted returns an empty index.
func NewCompleted() *Completed {
	return &Completed{signal: make(chan struct{})}
}

// Insert adds b in offset order and wakes every waiter.
func (c *Completed) Insert(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.blocks), func(i int) bool {
		return c.blocks[i].Offset > b.Offset
	})
	c.blocks = append(c.blocks, nil)
	copy(c.blocks[i+1:], c.blocks[i:])
	c.blocks[i] = b

	if b.Length > c.maxLen {
		c.maxLen = b.Length
	}
	c.bytes += int64(len(b.Data))
	c.broadcastLocked()
}

// Find returns a block whose range contains [off, off+n).
//
// The search starts at the last block starting at or before off and walks
// backwards while a block could still reach far enough. The nearest containing
// block wins, except that a successful block is preferred over a failed one.
func (c *Completed) Find(off int64, n int) (*Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(off, n)
}

func (c *Completed) findLocked(off int64, n int) (*Block, bool) {
	i := sort.Search(len(c.blocks), func(i int) bool {
		return c.blocks[i].Offset > off
	})

	var failed *Block
	for j := i - 1; j >= 0; j-- {
		b := c.blocks[j]
		if b.Offset+int64(c.maxLen) < off+int64(n) {
			break
		}
		if !b.Contains(off, n) {
			continue
		}
		if b.OK() {
			return b, true
		}
		if failed == nil {
			failed = b
		}
	}
	if failed != nil {
		return failed, true
	}
	return nil, false
}

// FindOrWait is Find that also returns the channel closed by the next Insert
// or Clear. The channel is taken under the same lock as the lookup, so no
// insertion can slip between a miss and the wait.
func (c *Completed) FindOrWait(off int64, n int) (*Block, bool, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.findLocked(off, n)
	return b, ok, c.signal
}

// Wait returns a channel closed by the next Insert or Clear.
func (c *Completed) Wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// Clear drops every block, wakes waiters and returns how many were dropped.
func (c *Completed) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.blocks)
	c.blocks = nil
	c.maxLen = 0
	c.bytes = 0
	c.broadcastLocked()
	return n
}

// Len returns the number of blocks in the index.
func (c *Completed) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

// Bytes returns the total size of the data held by the index.
func (c *Completed) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *Completed) broadcastLocked() {
	close(c.signal)
	c.signal = make(chan struct{})
}
