package readahead

import (
	"fmt"
	"math"
)

// MaxBlockLength is the largest range a single block may cover.
const MaxBlockLength int64 = 1<<32 - 1

// Range is a byte range of the origin, [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int
}

// End returns the exclusive end offset of the range.
func (r Range) End() int64 {
	return r.Offset + int64(r.Length)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

func (r Range) validate() error {
	if r.Offset < 0 {
		return fmt.Errorf("%w: %s: negative offset", ErrInvalidRange, r)
	}
	if r.Length <= 0 {
		return fmt.Errorf("%w: %s: length must be > 0", ErrInvalidRange, r)
	}
	if int64(r.Length) > MaxBlockLength {
		return fmt.Errorf("%w: %s: length exceeds %d", ErrInvalidRange, r, MaxBlockLength)
	}
	if r.Offset > math.MaxInt64-int64(r.Length) {
		return fmt.Errorf("%w: offset %d + length %d overflows", ErrInvalidRange, r.Offset, r.Length)
	}
	return nil
}

// Split covers [off, off+length) with consecutive ranges of at most blockSize
// bytes, the shape a sequential reader typically submits.
func Split(off, length int64, blockSize int) []Range {
	if length <= 0 || blockSize <= 0 {
		return nil
	}
	ranges := make([]Range, 0, (length+int64(blockSize)-1)/int64(blockSize))
	for end := off + length; off < end; off += int64(blockSize) {
		n := min(int64(blockSize), end-off)
		ranges = append(ranges, Range{Offset: off, Length: int(n)})
	}
	return ranges
}
