package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Entry layout:
//
//	magic   [4]byte  "RAHB"
//	version uint8
//	flags   uint8
//	_       uint16
//	rawLen  uint64   length of the uncompressed block
//	sum     uint64   xxhash64 of the uncompressed block
//	payload          raw or zstd-compressed block
const (
	headerSize     = 24
	entryVersion   = 1
	flagCompressed = 1 << 0
)

var entryMagic = [4]byte{'R', 'A', 'H', 'B'}

var errBadEntry = errors.New("disk cache: bad entry")

// codec encodes and decodes cache entries. The zero value stores blocks raw.
type codec struct {
	enc *zstd.Encoder // nil disables compression on write
	dec *zstd.Decoder
}

func newCodec(compress bool) (*codec, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	c := &codec{dec: dec}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if err != nil {
			dec.Close()
			return nil, err
		}
		c.enc = enc
	}
	return c, nil
}

func (c *codec) encode(data []byte) []byte {
	var flags uint8
	payload := data
	if c.enc != nil {
		compressed := c.enc.EncodeAll(data, make([]byte, 0, len(data)))
		if len(compressed) < len(data) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	out := make([]byte, headerSize+len(payload))
	copy(out[0:4], entryMagic[:])
	out[4] = entryVersion
	out[5] = flags
	binary.BigEndian.PutUint64(out[8:16], uint64(len(data)))
	binary.BigEndian.PutUint64(out[16:24], xxhash.Sum64(data))
	copy(out[headerSize:], payload)
	return out
}

func (c *codec) decode(entry []byte) ([]byte, error) {
	if len(entry) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", errBadEntry, len(entry))
	}
	if [4]byte(entry[0:4]) != entryMagic {
		return nil, fmt.Errorf("%w: bad magic", errBadEntry)
	}
	if entry[4] != entryVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errBadEntry, entry[4])
	}
	flags := entry[5]
	rawLen := binary.BigEndian.Uint64(entry[8:16])
	sum := binary.BigEndian.Uint64(entry[16:24])
	if rawLen > math.MaxInt32 {
		return nil, fmt.Errorf("%w: length %d out of range", errBadEntry, rawLen)
	}
	payload := entry[headerSize:]

	var data []byte
	if flags&flagCompressed != 0 {
		var err error
		data, err = c.dec.DecodeAll(payload, make([]byte, 0, int(rawLen)))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadEntry, err)
		}
	} else {
		data = payload
	}

	if uint64(len(data)) != rawLen {
		return nil, fmt.Errorf("%w: length %d, header says %d", errBadEntry, len(data), rawLen)
	}
	if xxhash.Sum64(data) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", errBadEntry)
	}
	return data, nil
}

func (c *codec) close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	c.dec.Close()
}
