package serde

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/INLOpen/flowwal/core"
)

// State modes written after the record header.
const (
	stateNone  byte = 0
	stateFull  byte = 1
	stateDelta byte = 2 // version >= 2
)

// Delta flags.
const (
	deltaScalars byte = 1 << 0
	deltaClaim   byte = 1 << 1
)

type queueResolver interface {
	queue(id string) (core.Queue, bool)
}

// standardCodec writes the record header (kind, id, queue, location)
// followed by the state. Version 1 always writes full state; version 2
// writes deltas for edits of records whose previous state is known.
type standardCodec struct {
	version int
	routing queueResolver
}

var _ Codec = (*standardCodec)(nil)

func (c *standardCodec) Version() int {
	return c.version
}

func (c *standardCodec) EncodeEdit(w io.Writer, previous, next *core.Record) error {
	if next == nil {
		return fmt.Errorf("encode edit: next record is required")
	}
	if !next.Kind.Valid() {
		return fmt.Errorf("encode edit: record %d has invalid update kind %d", next.ID, byte(next.Kind))
	}
	e := &encoder{w: w}
	writeHeader(e, next)

	switch {
	case next.Kind == core.UpdateDelete || next.State == nil:
		e.byte(stateNone)
	case c.version >= 2 && next.Kind != core.UpdateCreate && previous != nil && previous.State != nil:
		e.byte(stateDelta)
		writeDelta(e, previous.State, next.State)
	default:
		e.byte(stateFull)
		writeState(e, next.State)
	}
	return e.err
}

func (c *standardCodec) EncodeSnapshot(w io.Writer, rec *core.Record) error {
	if rec == nil {
		return fmt.Errorf("encode snapshot: record is required")
	}
	if rec.Kind == core.UpdateDelete || !rec.Kind.Valid() {
		return fmt.Errorf("encode snapshot: record %d has kind %s, which cannot be snapshotted", rec.ID, rec.Kind)
	}
	e := &encoder{w: w}
	writeHeader(e, rec)
	if rec.State == nil {
		e.byte(stateNone)
	} else {
		e.byte(stateFull)
		writeState(e, rec.State)
	}
	return e.err
}

func (c *standardCodec) DecodeEdit(r io.Reader, known map[uint64]*core.Record, version int) (*core.Record, error) {
	if err := c.checkDecode("DecodeEdit", version); err != nil {
		return nil, err
	}
	d := newDecoder(r)
	rec := readHeader(d)
	mode := d.byte()
	if d.err != nil {
		return nil, d.err
	}

	prev := known[rec.ID]
	switch mode {
	case stateNone:
		if rec.Kind != core.UpdateDelete && prev != nil {
			rec.State = prev.State.Clone()
		}
	case stateFull:
		if rec.Kind == core.UpdateDelete {
			d.fail("delete entry for record %d carries state", rec.ID)
			break
		}
		rec.State = readState(d)
	case stateDelta:
		if version < 2 {
			d.fail("delta state is not valid at version %d", version)
			break
		}
		if rec.Kind == core.UpdateCreate || rec.Kind == core.UpdateDelete {
			d.fail("%s entry for record %d cannot carry a delta", rec.Kind, rec.ID)
			break
		}
		if prev == nil || prev.State == nil {
			d.fail("delta for record %d with no known prior state", rec.ID)
			break
		}
		rec.State = readDelta(d, prev.State)
	default:
		d.fail("unknown state mode %d", mode)
	}
	if d.err != nil {
		return nil, d.err
	}
	c.attachQueue(rec)
	return rec, nil
}

func (c *standardCodec) DecodeSnapshot(r io.Reader, version int) (*core.Record, error) {
	if err := c.checkDecode("DecodeSnapshot", version); err != nil {
		return nil, err
	}
	d := newDecoder(r)
	rec := readHeader(d)
	if d.err == nil && rec.Kind == core.UpdateDelete {
		d.fail("snapshot holds deleted record %d", rec.ID)
	}
	switch mode := d.byte(); mode {
	case stateNone:
	case stateFull:
		rec.State = readState(d)
	default:
		d.fail("invalid snapshot state mode %d", mode)
	}
	if d.err != nil {
		return nil, d.err
	}
	c.attachQueue(rec)
	return rec, nil
}

func (c *standardCodec) checkDecode(op string, version int) error {
	if _, ok := c.routing.queue(""); !ok {
		return &core.NotInitializedError{Op: op}
	}
	if version > c.version {
		return &core.UnsupportedVersionError{Version: version, Max: c.version}
	}
	if version < 1 {
		return &core.CorruptEntryError{Reason: fmt.Sprintf("invalid encoding version %d", version)}
	}
	return nil
}

func (c *standardCodec) attachQueue(rec *core.Record) {
	if rec.QueueID == "" {
		return
	}
	rec.Queue, _ = c.routing.queue(rec.QueueID)
}

func writeHeader(e *encoder, rec *core.Record) {
	e.byte(byte(rec.Kind))
	e.uint64(rec.ID)
	e.string(rec.QueueID)
	e.string(rec.Location)
}

func readHeader(d *decoder) *core.Record {
	rec := &core.Record{}
	rec.Kind = core.UpdateKind(d.byte())
	rec.ID = d.uint64()
	rec.QueueID = d.string()
	rec.Location = d.string()
	if d.err == nil && !rec.Kind.Valid() {
		d.fail("invalid update kind %d", byte(rec.Kind))
	}
	return rec
}

func writeScalars(e *encoder, s *core.FlowState) {
	e.int64(s.Size)
	e.int64(s.EntryDate)
	e.int64(s.LineageStartDate)
	e.int64(s.PenaltyExpiration)
}

func readScalars(d *decoder, s *core.FlowState) {
	s.Size = d.int64()
	s.EntryDate = d.int64()
	s.LineageStartDate = d.int64()
	s.PenaltyExpiration = d.int64()
}

func writeClaim(e *encoder, claim *core.ContentClaim) {
	if claim == nil {
		e.byte(0)
		return
	}
	e.byte(1)
	e.string(claim.Container)
	e.string(claim.Section)
	e.string(claim.ID)
	e.int64(claim.Offset)
	e.int64(claim.Length)
}

func readClaim(d *decoder) *core.ContentClaim {
	switch present := d.byte(); present {
	case 0:
		return nil
	case 1:
	default:
		d.fail("invalid claim marker %d", present)
		return nil
	}
	return &core.ContentClaim{
		Container: d.string(),
		Section:   d.string(),
		ID:        d.string(),
		Offset:    d.int64(),
		Length:    d.int64(),
	}
}

func writeAttributes(e *encoder, attrs map[string]string, keys []string) {
	e.uvarint(uint64(len(keys)))
	for _, k := range keys {
		e.string(k)
		e.string(attrs[k])
	}
}

func writeState(e *encoder, s *core.FlowState) {
	writeScalars(e, s)
	writeClaim(e, s.Claim)
	writeAttributes(e, s.Attributes, slices.Sorted(maps.Keys(s.Attributes)))
}

func readState(d *decoder) *core.FlowState {
	s := &core.FlowState{}
	readScalars(d, s)
	s.Claim = readClaim(d)
	n := d.count()
	if n > 0 {
		s.Attributes = make(map[string]string, sizeHint(n))
	}
	for i := 0; i < n && d.err == nil; i++ {
		k := d.string()
		s.Attributes[k] = d.string()
	}
	return s
}

func writeDelta(e *encoder, prev, next *core.FlowState) {
	var flags byte
	if prev.Size != next.Size || prev.EntryDate != next.EntryDate ||
		prev.LineageStartDate != next.LineageStartDate || prev.PenaltyExpiration != next.PenaltyExpiration {
		flags |= deltaScalars
	}
	if !claimsEqual(prev.Claim, next.Claim) {
		flags |= deltaClaim
	}
	e.byte(flags)
	if flags&deltaScalars != 0 {
		writeScalars(e, next)
	}
	if flags&deltaClaim != 0 {
		writeClaim(e, next.Claim)
	}

	var changed, removed []string
	for k, v := range next.Attributes {
		if old, ok := prev.Attributes[k]; !ok || old != v {
			changed = append(changed, k)
		}
	}
	for k := range prev.Attributes {
		if _, ok := next.Attributes[k]; !ok {
			removed = append(removed, k)
		}
	}
	slices.Sort(changed)
	slices.Sort(removed)

	writeAttributes(e, next.Attributes, changed)
	e.uvarint(uint64(len(removed)))
	for _, k := range removed {
		e.string(k)
	}
}

func readDelta(d *decoder, prev *core.FlowState) *core.FlowState {
	s := prev.Clone()
	flags := d.byte()
	if flags&^(deltaScalars|deltaClaim) != 0 {
		d.fail("unknown delta flags %#x", flags)
		return nil
	}
	if flags&deltaScalars != 0 {
		readScalars(d, s)
	}
	if flags&deltaClaim != 0 {
		s.Claim = readClaim(d)
	}

	n := d.count()
	if n > 0 && s.Attributes == nil {
		s.Attributes = make(map[string]string, sizeHint(n))
	}
	for i := 0; i < n && d.err == nil; i++ {
		k := d.string()
		s.Attributes[k] = d.string()
	}
	removed := d.count()
	for i := 0; i < removed && d.err == nil; i++ {
		delete(s.Attributes, d.string())
	}
	if len(s.Attributes) == 0 {
		s.Attributes = nil
	}
	return s
}

func claimsEqual(a, b *core.ContentClaim) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
