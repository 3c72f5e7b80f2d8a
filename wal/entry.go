package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/INLOpen/flowwal/core"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// errTornEntry marks an entry whose bytes end before the entry does.
// Recovery treats it as the end of the segment.
var errTornEntry = errors.New("torn entry")

// Entry is one durable record mutation.
// On disk: version(4) | kind(1) | id(8) | payloadLen(4) | headerCRC(4) | payload | crc32(4).
// The payload is stored compressed with the segment's compressor. The header
// checksum covers the 17 bytes before it, so a damaged length is detected
// before it is trusted; the trailing checksum covers every preceding byte.
type Entry struct {
	Version  uint32
	Kind     core.UpdateKind
	RecordID uint64
	Payload  []byte

	// Set by Append and by recovery.
	SegmentIndex uint64
	Offset       int64
}

// encodeEntry appends the framed form of e to dst.
func encodeEntry(dst []byte, e *Entry, compressor core.Compressor) ([]byte, error) {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, e.Version)
	dst = append(dst, byte(e.Kind))
	dst = binary.LittleEndian.AppendUint64(dst, e.RecordID)
	dst = append(dst, 0, 0, 0, 0) // payload length, patched below
	dst = append(dst, 0, 0, 0, 0) // header checksum, patched below

	var err error
	dst, err = compressor.Compress(dst, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to compress payload of record %d: %w", e.RecordID, err)
	}
	payloadLen := len(dst) - start - core.EntryHeaderSize
	if payloadLen > core.MaxEntrySize {
		return nil, fmt.Errorf("%w: record %d payload is %d bytes, limit %d", core.ErrRecordTooLarge, e.RecordID, payloadLen, core.MaxEntrySize)
	}
	binary.LittleEndian.PutUint32(dst[start+13:], uint32(payloadLen))
	binary.LittleEndian.PutUint32(dst[start+17:], crc32.Checksum(dst[start:start+17], crcTable))

	checksum := crc32.Checksum(dst[start:], crcTable)
	return binary.LittleEndian.AppendUint32(dst, checksum), nil
}

// readEntry reads the next entry from r. It returns io.EOF at a clean entry
// boundary and errTornEntry when the input ends inside the header or inside
// the body of an entry whose header checksum is valid. A complete header
// that fails its checksum, or a complete entry that fails validation, is a
// CorruptEntryError. n is the number of bytes the entry occupies on disk.
func readEntry(r io.Reader, compressor core.Compressor) (e Entry, n int64, err error) {
	var header [core.EntryHeaderSize]byte
	read, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF && read == 0 {
			return e, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return e, 0, errTornEntry
		}
		return e, 0, err
	}

	if stored, crc := binary.LittleEndian.Uint32(header[17:21]), crc32.Checksum(header[:17], crcTable); stored != crc {
		return e, 0, &core.CorruptEntryError{Reason: fmt.Sprintf("header checksum mismatch: stored %08x, computed %08x", stored, crc)}
	}

	e.Version = binary.LittleEndian.Uint32(header[0:4])
	e.Kind = core.UpdateKind(header[4])
	e.RecordID = binary.LittleEndian.Uint64(header[5:13])
	payloadLen := binary.LittleEndian.Uint32(header[13:17])
	if payloadLen > core.MaxEntrySize {
		return e, 0, &core.CorruptEntryError{Reason: fmt.Sprintf("payload length %d exceeds limit %d", payloadLen, core.MaxEntrySize)}
	}

	body := make([]byte, int(payloadLen)+core.ChecksumSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return e, 0, errTornEntry
		}
		return e, 0, err
	}
	n = int64(core.EntryHeaderSize + len(body))

	stored := binary.LittleEndian.Uint32(body[payloadLen:])
	crc := crc32.Update(crc32.Checksum(header[:], crcTable), crcTable, body[:payloadLen])
	if crc != stored {
		return e, n, &core.CorruptEntryError{Reason: fmt.Sprintf("checksum mismatch: stored %08x, computed %08x", stored, crc)}
	}
	if !e.Kind.Valid() {
		return e, n, &core.CorruptEntryError{Reason: fmt.Sprintf("invalid update kind %d", header[4])}
	}
	if e.Version == 0 {
		return e, n, &core.CorruptEntryError{Reason: "entry version 0"}
	}

	e.Payload, err = compressor.Decompress(body[:payloadLen])
	if err != nil {
		return e, n, &core.CorruptEntryError{Reason: "failed to decompress payload", Err: err}
	}
	return e, n, nil
}
