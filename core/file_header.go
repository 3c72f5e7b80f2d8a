package core

import (
	"encoding/binary"
	"time"
)

// FileHeader is the standard header of every segment and snapshot file.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// FileHeaderSize is the encoded size of FileHeader.
var FileHeaderSize = binary.Size(FileHeader{})

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}
