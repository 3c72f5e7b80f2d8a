// Package checkpoint persists a full snapshot of the record table so that
// the log segments it covers can be discarded.
//
// A snapshot file is a core.FileHeader, a checksummed metadata block, and
// one framed entry per record:
//
//	meta:   lastSafeSegment(8) | maxRecordID(8) | codecVersion(4) | count(8) | crc32(4)
//	record: payloadLen(4) | payload (compressed EncodeSnapshot bytes) | crc32(4)
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/flowwal/compressors"
	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/serde"
	"github.com/INLOpen/flowwal/sys"
)

const (
	FileName    = core.SnapshotFileName
	MagicNumber = core.SnapshotMagicNumber

	metaSize = 8 + 8 + 4 + 8
)

// TempFileName is written first and renamed over FileName once complete.
var TempFileName = core.FormatTempFilename(core.SnapshotFileName, "tmp")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checkpoint describes a snapshot.
type Checkpoint struct {
	// LastSafeSegmentIndex is the newest log segment whose entries are all
	// reflected in the snapshot.
	LastSafeSegmentIndex uint64
	MaxRecordID          uint64
	// CodecVersion is the encoding version of the record payloads.
	CodecVersion int
	RecordCount  int
}

// Write atomically replaces the snapshot in dir. Records are encoded with
// codec.EncodeSnapshot and compressed with compressor (nil for none).
// The previous snapshot stays in place until the new one is complete and
// synced; on failure the temporary file is removed.
func Write(dir string, cp Checkpoint, codec serde.Codec, records []*core.Record, compressor core.Compressor) (err error) {
	if compressor == nil {
		compressor = compressors.NewNoCompressionCompressor()
	}
	cp.CodecVersion = codec.Version()
	cp.RecordCount = len(records)

	// 1. Create a temporary file.
	tempPath := filepath.Join(dir, TempFileName)
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot file: %w", err)
	}
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				file.Close()
			}
			sys.Remove(tempPath)
		}
	}()

	// 2. Header, metadata and records.
	bw := bufio.NewWriter(file)
	header := core.NewFileHeader(MagicNumber, compressor.Type())
	if err := binary.Write(bw, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := bw.Write(encodeMeta(cp)); err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	var payload bytes.Buffer
	var frame []byte
	for _, rec := range records {
		payload.Reset()
		if err := codec.EncodeSnapshot(&payload, rec); err != nil {
			return fmt.Errorf("failed to encode record %d for snapshot: %w", rec.ID, err)
		}
		frame, err = appendFrame(frame[:0], payload.Bytes(), compressor)
		if err != nil {
			return fmt.Errorf("failed to frame record %d for snapshot: %w", rec.ID, err)
		}
		if _, err := bw.Write(frame); err != nil {
			return fmt.Errorf("failed to write record %d to snapshot: %w", rec.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}

	// 3. Fsync the temporary file to ensure it's on disk.
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp snapshot file: %w", err)
	}

	// 4. Close the file BEFORE renaming. This is crucial for Windows compatibility.
	closed = true
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp snapshot file before rename: %w", err)
	}

	// 5. Atomically rename the temporary file to the final name.
	finalPath := filepath.Join(dir, FileName)
	if err := sys.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename temp snapshot file to final name: %w", err)
	}
	if err := sys.SyncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory after snapshot rename: %w", err)
	}
	return nil
}

// Read loads the snapshot in dir. found is false, with no error, when no
// snapshot has been written. A damaged snapshot is a CorruptEntryError; a
// snapshot written by a newer codec is an UnsupportedVersionError.
func Read(dir string, codec serde.Codec) (cp Checkpoint, records []*core.Record, found bool, err error) {
	path := filepath.Join(dir, FileName)
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, nil, false, nil
		}
		return Checkpoint{}, nil, false, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()
	r := bufio.NewReader(file)

	var header core.FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return Checkpoint{}, nil, true, corrupt("truncated header", err)
	}
	if header.Magic != MagicNumber {
		return Checkpoint{}, nil, true, corrupt(fmt.Sprintf("invalid snapshot magic number: got %x, want %x", header.Magic, MagicNumber), nil)
	}
	compressor, err := compressors.New(header.CompressorType)
	if err != nil {
		return Checkpoint{}, nil, true, corrupt("unknown compressor", err)
	}

	meta := make([]byte, metaSize+4)
	if _, err := io.ReadFull(r, meta); err != nil {
		return Checkpoint{}, nil, true, corrupt("truncated metadata", err)
	}
	cp, err = decodeMeta(meta)
	if err != nil {
		return Checkpoint{}, nil, true, err
	}
	if cp.CodecVersion > codec.Version() {
		return Checkpoint{}, nil, true, &core.UnsupportedVersionError{Version: cp.CodecVersion, Max: codec.Version()}
	}

	records = make([]*core.Record, 0, cp.RecordCount)
	for i := 0; i < cp.RecordCount; i++ {
		payload, err := readFrame(r, compressor)
		if err != nil {
			return Checkpoint{}, nil, true, corrupt(fmt.Sprintf("record %d of %d", i+1, cp.RecordCount), err)
		}
		rec, err := codec.DecodeSnapshot(bytes.NewReader(payload), cp.CodecVersion)
		if err != nil {
			return Checkpoint{}, nil, true, fmt.Errorf("failed to decode snapshot record %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return Checkpoint{}, nil, true, corrupt("trailing bytes after last record", nil)
	}
	return cp, records, true, nil
}

// RemoveTemp deletes a temporary snapshot left behind by an interrupted Write.
func RemoveTemp(dir string) (removed bool, err error) {
	path := filepath.Join(dir, TempFileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := sys.Remove(path); err != nil {
		return false, fmt.Errorf("failed to remove interrupted snapshot %s: %w", path, err)
	}
	return true, nil
}

func corrupt(reason string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &core.CorruptEntryError{Reason: "snapshot: " + reason, Err: err}
}

func encodeMeta(cp Checkpoint) []byte {
	b := make([]byte, 0, metaSize+4)
	b = binary.LittleEndian.AppendUint64(b, cp.LastSafeSegmentIndex)
	b = binary.LittleEndian.AppendUint64(b, cp.MaxRecordID)
	b = binary.LittleEndian.AppendUint32(b, uint32(cp.CodecVersion))
	b = binary.LittleEndian.AppendUint64(b, uint64(cp.RecordCount))
	return binary.LittleEndian.AppendUint32(b, crc32.Checksum(b, crcTable))
}

func decodeMeta(b []byte) (Checkpoint, error) {
	if crc32.Checksum(b[:metaSize], crcTable) != binary.LittleEndian.Uint32(b[metaSize:]) {
		return Checkpoint{}, corrupt("metadata checksum mismatch", nil)
	}
	count := binary.LittleEndian.Uint64(b[20:28])
	if count > uint64(1<<40) {
		return Checkpoint{}, corrupt(fmt.Sprintf("implausible record count %d", count), nil)
	}
	return Checkpoint{
		LastSafeSegmentIndex: binary.LittleEndian.Uint64(b[0:8]),
		MaxRecordID:          binary.LittleEndian.Uint64(b[8:16]),
		CodecVersion:         int(binary.LittleEndian.Uint32(b[16:20])),
		RecordCount:          int(count),
	}, nil
}

func appendFrame(dst, payload []byte, compressor core.Compressor) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst, err := compressor.Compress(dst, payload)
	if err != nil {
		return nil, err
	}
	n := len(dst) - start - 4
	if n > core.MaxEntrySize {
		return nil, core.ErrRecordTooLarge
	}
	binary.LittleEndian.PutUint32(dst[start:], uint32(n))
	return binary.LittleEndian.AppendUint32(dst, crc32.Checksum(dst[start+4:], crcTable)), nil
}

func readFrame(r io.Reader, compressor core.Compressor) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > core.MaxEntrySize {
		return nil, fmt.Errorf("frame length %d exceeds limit", n)
	}
	body := make([]byte, int(n)+4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	if crc32.Checksum(body[:n], crcTable) != binary.LittleEndian.Uint32(body[n:]) {
		return nil, errors.New("checksum mismatch")
	}
	return compressor.Decompress(body[:n])
}
