package compressors

import (
	"fmt"

	"github.com/INLOpen/flowwal/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd frames.
// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// one decoder are shared by all callers.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(core.MaxEntrySize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &ZstdCompressor{encoder: enc, decoder: dec}, nil
}

func (c *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	return c.encoder.EncodeAll(src, dst), nil
}

func (c *ZstdCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
