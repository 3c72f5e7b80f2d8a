package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/flowwal/compressors"
	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/sys"
)

// Segment represents a single WAL segment file.
type Segment struct {
	file  sys.FileHandle
	path  string
	index uint64
}

// SegmentWriter appends framed entries to a segment. size is the offset of
// the end of the last entry that was fully written.
type SegmentWriter struct {
	*Segment
	writer     *bufio.Writer
	compressor core.Compressor
	size       int64
	entries    int
}

// SegmentReader reads entries from a segment.
type SegmentReader struct {
	*Segment
	reader     *bufio.Reader
	compressor core.Compressor
	header     core.FileHeader
	offset     int64
	empty      bool
}

// CreateSegment creates (or truncates) the segment file for index and writes its header.
func CreateSegment(dir string, index uint64, compressor core.Compressor) (*SegmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.WALMagicNumber, compressor.Type())
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync segment header of %s: %w", path, err)
	}

	return &SegmentWriter{
		Segment:    &Segment{file: file, path: path, index: index},
		writer:     bufio.NewWriter(file),
		compressor: compressor,
		size:       int64(core.FileHeaderSize),
	}, nil
}

// OpenSegmentForRead opens an existing segment file for reading. A file
// shorter than its header is reported as empty rather than as an error:
// it was being created when the process stopped.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	index, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}
	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}

	sr := &SegmentReader{
		Segment: &Segment{file: file, path: path, index: index},
		reader:  bufio.NewReader(file),
	}

	var raw [64]byte
	headerBytes := raw[:core.FileHeaderSize]
	if _, err := io.ReadFull(sr.reader, headerBytes); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			sr.empty = true
			return sr, nil
		}
		file.Close()
		return nil, fmt.Errorf("failed to read segment header from %s: %w", path, err)
	}
	if err := binary.Read(bytes.NewReader(headerBytes), binary.LittleEndian, &sr.header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to decode segment header from %s: %w", path, err)
	}
	if sr.header.Magic != core.WALMagicNumber {
		file.Close()
		return nil, &core.CorruptEntryError{
			Segment: index,
			Reason:  fmt.Sprintf("invalid magic number in segment %s: got %x, want %x", path, sr.header.Magic, core.WALMagicNumber),
		}
	}
	sr.compressor, err = compressors.New(sr.header.CompressorType)
	if err != nil {
		file.Close()
		return nil, &core.CorruptEntryError{Segment: index, Reason: "unknown compressor in segment header", Err: err}
	}
	sr.offset = int64(core.FileHeaderSize)
	return sr, nil
}

// Header returns the segment's file header.
func (sr *SegmentReader) Header() core.FileHeader { return sr.header }

// Empty reports whether the segment holds no complete header.
func (sr *SegmentReader) Empty() bool { return sr.empty }

// Offset is the end of the last entry returned by Next.
func (sr *SegmentReader) Offset() int64 { return sr.offset }

// Next returns the next entry. It returns io.EOF at the clean end of the
// segment and errTornEntry when the segment ends mid-entry. Corruption is
// reported as a CorruptEntryError carrying the segment index and offset.
func (sr *SegmentReader) Next() (Entry, error) {
	if sr.empty {
		return Entry{}, io.EOF
	}
	e, n, err := readEntry(sr.reader, sr.compressor)
	if err != nil {
		var corrupt *core.CorruptEntryError
		if errors.As(err, &corrupt) {
			corrupt.Segment = sr.index
			corrupt.Offset = sr.offset
		}
		return e, err
	}
	e.SegmentIndex = sr.index
	e.Offset = sr.offset
	sr.offset += n
	return e, nil
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

// Write writes one framed entry through to the OS. On failure the file is
// cut back to the previous entry boundary. If that also fails the returned
// error wraps errRollback and the segment must not be written again.
func (sw *SegmentWriter) Write(frame []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	_, err := sw.writer.Write(frame)
	if err == nil {
		err = sw.writer.Flush()
	}
	if err != nil {
		if rbErr := sw.rollback(); rbErr != nil {
			return fmt.Errorf("failed to write entry to %s: %w (%w: %v)", sw.path, err, errRollback, rbErr)
		}
		return fmt.Errorf("failed to write entry to %s: %w", sw.path, err)
	}
	sw.size += int64(len(frame))
	sw.entries++
	return nil
}

var errRollback = errors.New("segment rollback failed")

func (sw *SegmentWriter) rollback() error {
	sw.writer.Reset(sw.file)
	if err := sw.file.Truncate(sw.size); err != nil {
		return err
	}
	_, err := sw.file.Seek(sw.size, io.SeekStart)
	return err
}

// Size returns the committed size of the segment.
func (sw *SegmentWriter) Size() int64 { return sw.size }

// Entries returns the number of entries written through this writer.
func (sw *SegmentWriter) Entries() int { return sw.entries }

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// truncateSegment cuts a segment back to size and makes the change durable.
func truncateSegment(path string, size int64) error {
	f, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment %s for truncation: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("failed to truncate segment %s to %d bytes: %w", path, size, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync truncated segment %s: %w", path, err)
	}
	return f.Close()
}
