package compressors

import "github.com/INLOpen/flowwal/core"

// NoCompressionCompressor passes payloads through unchanged.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func NewNoCompressionCompressor() *NoCompressionCompressor {
	return &NoCompressionCompressor{}
}

func (c *NoCompressionCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (c *NoCompressionCompressor) Decompress(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}
