package compressors

import (
	"fmt"

	"github.com/INLOpen/flowwal/core"
)

// New returns the compressor registered for t.
func New(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("no compressor for compression type %d", t)
	}
}

// ForName resolves a compressor from its configuration name ("none", "snappy", "lz4", "zstd").
func ForName(name string) (core.Compressor, error) {
	t, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return New(t)
}
