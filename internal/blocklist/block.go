// Package blocklist holds the two block collections shared by the engine and
// its worker: the FIFO of blocks waiting to be fetched and the offset-ordered
// index of blocks that have been fetched.
package blocklist

import "fmt"

// Block is a byte range of an origin plus, once fetched, its content.
//
// The worker sets Data and Err exactly once before publishing the block to a
// Completed index. Published blocks are never mutated again.
type Block struct {
	Offset int64
	Length int

	Data []byte
	Err  error
}

// New returns an unfetched block for [off, off+n).
func New(off int64, n int) *Block {
	return &Block{Offset: off, Length: n}
}

// End returns the exclusive end offset of the block.
func (b *Block) End() int64 {
	return b.Offset + int64(b.Length)
}

// OK reports whether the block was fetched successfully.
func (b *Block) OK() bool {
	return b.Err == nil
}

// Contains reports whether [off, off+n) lies entirely inside the block.
func (b *Block) Contains(off int64, n int) bool {
	return off >= b.Offset && off+int64(n) <= b.End()
}

// Slice returns the part of the block's data that covers [off, off+n).
// The range must be contained in the block.
func (b *Block) Slice(off int64, n int) []byte {
	start := off - b.Offset
	return b.Data[start : start+int64(n)]
}

func (b *Block) String() string {
	return fmt.Sprintf("[%d,%d)", b.Offset, b.End())
}
