// Package origin defines the byte sources the read-ahead engine fetches from.
//
// An Origin is addressed by absolute offset and carries a stable identity
// that the block cache folds into its keys. Implementations do not need to be
// safe for concurrent reads; the engine serializes access to each origin.
package origin

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Origin provides random access to the file being prefetched.
type Origin interface {
	io.ReaderAt

	// Size returns the total size of the origin in bytes.
	Size() int64

	// SourceID returns a unique identifier for this origin's content.
	// It must change whenever the bytes behind the origin change, so stale
	// cache entries are never hit.
	SourceID() string
}

// File is an Origin backed by a local file.
type File struct {
	f        *os.File
	path     string
	size     int64
	sourceID string
}

// Open opens path as an Origin. The identity combines the absolute path, size
// and modification time.
func Open(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs) //nolint:gosec // opening caller-supplied path is the point
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("origin: %s is not a regular file", abs)
	}
	return &File{
		f:        f,
		path:     abs,
		size:     info.Size(),
		sourceID: fmt.Sprintf("file:%s|size:%d|mod:%d", abs, info.Size(), info.ModTime().UnixNano()),
	}, nil
}

// ReadAt reads from the underlying file.
func (o *File) ReadAt(p []byte, off int64) (int, error) {
	return o.f.ReadAt(p, off)
}

// Size returns the file size at open time.
func (o *File) Size() int64 {
	return o.size
}

// SourceID returns the file's identity.
func (o *File) SourceID() string {
	return o.sourceID
}

// Path returns the absolute path of the file.
func (o *File) Path() string {
	return o.path
}

// Close closes the underlying file.
func (o *File) Close() error {
	return o.f.Close()
}

// Bytes is an in-memory Origin.
type Bytes struct {
	data     []byte
	sourceID string
}

// NewBytes returns an Origin over data. The identity is derived from the
// content hash unless id is non-empty.
func NewBytes(data []byte, id string) *Bytes {
	if id == "" {
		sum := sha256.Sum256(data)
		id = "mem:" + hex.EncodeToString(sum[:])
	}
	return &Bytes{data: data, sourceID: id}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (o *Bytes) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("origin: negative offset")
	}
	if off >= int64(len(o.data)) {
		return 0, io.EOF
	}
	n := copy(p, o.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the length of the backing slice.
func (o *Bytes) Size() int64 {
	return int64(len(o.data))
}

// SourceID returns the origin's identity.
func (o *Bytes) SourceID() string {
	return o.sourceID
}

// ReadFull reads exactly n bytes at off from o.
// A short read is reported as io.ErrUnexpectedEOF.
func ReadFull(o io.ReaderAt, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := o.ReadAt(buf, off)
	if got == n {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read [%d,%d): %w", off, off+int64(n), err)
}
