package compressors

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/flowwal/core"
	lz4 "github.com/pierrec/lz4/v4"
)

const (
	lz4Stored     byte = 0
	lz4Compressed byte = 1
)

// LZ4Compressor implements the Compressor interface using LZ4 blocks.
//
// The block format does not record the original length, so every payload
// is prefixed with a mode byte and the uvarint length of the input.
// Incompressible input is stored as-is.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(dst, src []byte) ([]byte, error) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(src)))

	block := make([]byte, lz4.CompressBlockBound(len(src)))
	written, err := lz4.CompressBlock(src, block, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if written == 0 || written >= len(src) {
		dst = append(dst, lz4Stored)
		dst = append(dst, lenBuf[:n]...)
		return append(dst, src...), nil
	}
	dst = append(dst, lz4Compressed)
	dst = append(dst, lenBuf[:n]...)
	return append(dst, block[:written]...), nil
}

func (c *LZ4Compressor) Decompress(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, errors.New("lz4 decompress error: empty input")
	}
	mode := src[0]
	origLen, n := binary.Uvarint(src[1:])
	if n <= 0 {
		return nil, errors.New("lz4 decompress error: bad length prefix")
	}
	if origLen > core.MaxEntrySize {
		return nil, fmt.Errorf("lz4 decompress error: length %d exceeds limit", origLen)
	}
	body := src[1+n:]

	switch mode {
	case lz4Stored:
		if uint64(len(body)) != origLen {
			return nil, fmt.Errorf("lz4 decompress error: stored length %d, want %d", len(body), origLen)
		}
		out := make([]byte, origLen)
		copy(out, body)
		return out, nil
	case lz4Compressed:
		out := make([]byte, origLen)
		got, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if uint64(got) != origLen {
			return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", got, origLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown block mode %d", mode)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
