package blocklist

import "sync"

// Pending is a FIFO of blocks waiting to be fetched.
//
// Any number of goroutines may Push; a single consumer calls Pop and Done.
// The block most recently returned by Pop stays visible to Covers until the
// consumer calls Done, so a reader never observes a gap between a block
// leaving the queue and it appearing in the Completed index.
type Pending struct {
	mu       sync.Mutex
	blocks   []*Block
	inflight *Block
	signal   chan struct{} // closed and replaced on every Push
}

// NewPending returns an empty queue.
func NewPending() *Pending {
	return &Pending{signal: make(chan struct{})}
}

// Push appends blocks in order. The whole batch becomes visible at once.
func (q *Pending) Push(blocks ...*Block) {
	if len(blocks) == 0 {
		return
	}
	q.mu.Lock()
	q.blocks = append(q.blocks, blocks...)
	close(q.signal)
	q.signal = make(chan struct{})
	q.mu.Unlock()
}

// Pop removes and returns the oldest block, marking it in flight.
// It blocks until a block is available or stop is closed, in which case it
// returns nil, false.
func (q *Pending) Pop(stop <-chan struct{}) (*Block, bool) {
	for {
		q.mu.Lock()
		if len(q.blocks) > 0 {
			b := q.blocks[0]
			q.blocks[0] = nil
			q.blocks = q.blocks[1:]
			q.inflight = b
			q.mu.Unlock()
			return b, true
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-stop:
			return nil, false
		}
	}
}

// Done clears the in-flight marker for b.
func (q *Pending) Done(b *Block) {
	q.mu.Lock()
	if q.inflight == b {
		q.inflight = nil
	}
	q.mu.Unlock()
}

// Covers reports whether a queued or in-flight block contains [off, off+n).
func (q *Pending) Covers(off int64, n int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight != nil && q.inflight.Contains(off, n) {
		return true
	}
	for _, b := range q.blocks {
		if b.Contains(off, n) {
			return true
		}
	}
	return false
}

// Clear drops every queued block and returns how many were dropped.
// The in-flight block, if any, is left to its consumer.
func (q *Pending) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.blocks)
	q.blocks = nil
	return n
}

// Len returns the number of queued blocks, excluding the in-flight one.
func (q *Pending) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks)
}
