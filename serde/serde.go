// Package serde serializes record mutations for the write-ahead log.
//
// A Codec turns one record transition into bytes and back. A Factory
// resolves codecs by encoding name and exposes the record metadata the
// repository needs to frame log entries without knowing record internals.
package serde

import (
	"io"

	"github.com/INLOpen/flowwal/core"
)

// Codec serializes one record's before/after state. Implementations touch
// only the stream passed to each call and keep no reference to it.
type Codec interface {
	// EncodeEdit writes the transition from previous (nil for a create) to next.
	EncodeEdit(w io.Writer, previous, next *core.Record) error
	// EncodeSnapshot writes the full current state of rec, independent of any prior state.
	EncodeSnapshot(w io.Writer, rec *core.Record) error
	// DecodeEdit reconstructs the record written by EncodeEdit at the given
	// version. known holds the current state of every record by identifier.
	DecodeEdit(r io.Reader, known map[uint64]*core.Record, version int) (*core.Record, error)
	// DecodeSnapshot reconstructs a record written by EncodeSnapshot.
	DecodeSnapshot(r io.Reader, version int) (*core.Record, error)
	// Version is the encoding version this codec writes.
	Version() int
}

// Factory creates codecs and answers metadata questions about records.
type Factory interface {
	// SetQueueRouting supplies the queues decoded records are attached to.
	// It must be called before any decode.
	SetQueueRouting(queues map[string]core.Queue)
	// CreateCodec returns a codec for the named encoding.
	CreateCodec(encodingName string) (Codec, error)
	RecordIdentifier(rec *core.Record) uint64
	UpdateKind(rec *core.Record) core.UpdateKind
	// Location returns the external location of the record's state, or "" if none.
	Location(rec *core.Record) string
}
