package serde

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/flowwal/core"
)

// maxFieldLen bounds a single string field. Anything larger is treated as corruption.
const maxFieldLen = 16 * 1024 * 1024

// Decoded lengths are untrusted until the bytes arrive. Fields up to
// smallFieldLen are read into an exact buffer; longer ones grow with the
// data actually read. Collections are pre-sized up to maxSizeHint.
const (
	smallFieldLen = 4096
	maxSizeHint   = 64
)

// encoder writes little-endian fields and remembers the first error.
type encoder struct {
	w   io.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *encoder) byte(b byte) {
	e.buf[0] = b
	e.write(e.buf[:1])
}

func (e *encoder) uvarint(v uint64) {
	n := binary.PutUvarint(e.buf[:], v)
	e.write(e.buf[:n])
}

func (e *encoder) uint64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

func (e *encoder) int64(v int64) {
	e.uint64(uint64(v))
}

func (e *encoder) string(s string) {
	e.uvarint(uint64(len(s)))
	if e.err != nil || len(s) == 0 {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

// byteReader reads one byte at a time so the decoder never consumes past
// the end of the encoded record.
type byteReader struct {
	r io.Reader
	b [1]byte
}

func (br *byteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(br.r, br.b[:])
	return br.b[0], err
}

// decoder reads fields written by encoder. The first failure is kept as a
// CorruptEntryError and every later read returns zero values.
type decoder struct {
	r   io.Reader
	br  io.ByteReader
	buf [8]byte
	err error
}

func newDecoder(r io.Reader) *decoder {
	d := &decoder{r: r}
	if br, ok := r.(io.ByteReader); ok {
		d.br = br
	} else {
		d.br = &byteReader{r: r}
	}
	return d
}

func (d *decoder) setErr(reason string, err error) {
	if d.err != nil {
		return
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	d.err = &core.CorruptEntryError{Reason: reason, Err: err}
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = &core.CorruptEntryError{Reason: fmt.Sprintf(format, args...)}
	}
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	b, err := d.br.ReadByte()
	if err != nil {
		d.setErr("truncated payload", err)
		return 0
	}
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(d.br)
	if err != nil {
		d.setErr("bad varint", err)
		return 0
	}
	return v
}

func (d *decoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
		d.setErr("truncated payload", err)
		return 0
	}
	return binary.LittleEndian.Uint64(d.buf[:])
}

func (d *decoder) int64() int64 {
	return int64(d.uint64())
}

func (d *decoder) string() string {
	n := d.uvarint()
	if d.err != nil || n == 0 {
		return ""
	}
	if n > maxFieldLen {
		d.fail("field length %d exceeds limit", n)
		return ""
	}
	if n <= smallFieldLen {
		b := make([]byte, n)
		if _, err := io.ReadFull(d.r, b); err != nil {
			d.setErr("truncated payload", err)
			return ""
		}
		return string(b)
	}
	var b bytes.Buffer
	if _, err := io.CopyN(&b, d.r, int64(n)); err != nil {
		d.setErr("truncated payload", err)
		return ""
	}
	return b.String()
}

// count reads a collection size and rejects values no payload could hold.
func (d *decoder) count() int {
	n := d.uvarint()
	if n > maxFieldLen {
		d.fail("collection size %d exceeds limit", n)
		return 0
	}
	return int(n)
}

// sizeHint caps an untrusted collection size for use as a make hint.
func sizeHint(n int) int {
	return min(n, maxSizeHint)
}
