package serde

import (
	"bytes"
	"io"
	"runtime"
	"testing"

	"github.com/INLOpen/flowwal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testQueue string

func (q testQueue) Identifier() string { return string(q) }

func newTestCodec(t *testing.T, encoding string) Codec {
	t.Helper()
	f := NewStandardFactory()
	f.SetQueueRouting(map[string]core.Queue{"ingest": testQueue("ingest"), "route": testQueue("route")})
	codec, err := f.CreateCodec(encoding)
	require.NoError(t, err)
	return codec
}

func sampleRecord(id uint64, kind core.UpdateKind) *core.Record {
	return &core.Record{
		ID:      id,
		Kind:    kind,
		QueueID: "ingest",
		State: &core.FlowState{
			Attributes: map[string]string{
				"filename": "orders-0001.json",
				"mime":     "application/json",
				"uuid":     "5d7f0c1e",
			},
			Claim:            &core.ContentClaim{Container: "default", Section: "12", ID: "1700000000-1", Offset: 512, Length: 2048},
			Size:             2048,
			EntryDate:        1700000000123,
			LineageStartDate: 1700000000001,
		},
	}
}

func encodeEdit(t *testing.T, c Codec, prev, next *core.Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, c.EncodeEdit(&buf, prev, next))
	return buf.Bytes()
}

func stripQueue(r *core.Record) *core.Record {
	c := r.Clone()
	c.Queue = nil
	return c
}

func TestStandardCodec_CreateRoundTrip(t *testing.T) {
	for _, encoding := range []string{EncodingStandardV1, EncodingStandard} {
		t.Run(encoding, func(t *testing.T) {
			c := newTestCodec(t, encoding)
			rec := sampleRecord(7, core.UpdateCreate)

			data := encodeEdit(t, c, nil, rec)
			got, err := c.DecodeEdit(bytes.NewReader(data), map[uint64]*core.Record{}, c.Version())
			require.NoError(t, err)

			assert.Equal(t, rec, stripQueue(got))
			require.NotNil(t, got.Queue, "decoded record must be attached to its queue")
			assert.Equal(t, "ingest", got.Queue.Identifier())
		})
	}
}

func TestStandardCodec_DeltaUpdate(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	v1 := newTestCodec(t, EncodingStandardV1)

	prev := sampleRecord(7, core.UpdateCreate)
	next := prev.Clone()
	next.Kind = core.UpdateUpdate
	next.QueueID = "route"
	next.State.Attributes["route"] = "primary"
	delete(next.State.Attributes, "mime")
	next.State.PenaltyExpiration = 1700000005000
	next.State.Claim = &core.ContentClaim{Container: "default", Section: "13", ID: "1700000000-9", Length: 10}

	delta := encodeEdit(t, c, prev, next)
	full := encodeEdit(t, v1, prev, next)
	assert.Less(t, len(delta), len(full), "a version 2 update should be smaller than a full state")

	known := map[uint64]*core.Record{7: prev}
	got, err := c.DecodeEdit(bytes.NewReader(delta), known, c.Version())
	require.NoError(t, err)
	assert.Equal(t, next, stripQueue(got))
	assert.Equal(t, "route", got.Queue.Identifier())

	assert.Contains(t, prev.State.Attributes, "mime", "decoding must not mutate the known state")
}

func TestStandardCodec_DeltaRemovingEveryAttribute(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	prev := sampleRecord(3, core.UpdateCreate)
	next := prev.Clone()
	next.Kind = core.UpdateUpdate
	next.State.Attributes = nil

	got, err := c.DecodeEdit(bytes.NewReader(encodeEdit(t, c, prev, next)), map[uint64]*core.Record{3: prev}, 2)
	require.NoError(t, err)
	assert.Nil(t, got.State.Attributes)
}

func TestStandardCodec_DeltaWithoutKnownState(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	prev := sampleRecord(9, core.UpdateCreate)
	next := prev.Clone()
	next.Kind = core.UpdateUpdate
	next.State.Size = 1

	_, err := c.DecodeEdit(bytes.NewReader(encodeEdit(t, c, prev, next)), map[uint64]*core.Record{}, 2)
	require.Error(t, err)
	assert.True(t, core.IsCorruptEntry(err))
}

func TestStandardCodec_DeleteKeepsLocation(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	prev := sampleRecord(4, core.UpdateSwapOut)
	prev.Location = "swap/ingest-4.swap"

	del := &core.Record{ID: 4, Kind: core.UpdateDelete, QueueID: "ingest", Location: prev.Location}
	got, err := c.DecodeEdit(bytes.NewReader(encodeEdit(t, c, prev, del)), map[uint64]*core.Record{4: prev}, 2)
	require.NoError(t, err)
	assert.Equal(t, core.UpdateDelete, got.Kind)
	assert.Equal(t, "swap/ingest-4.swap", got.Location)
	assert.Nil(t, got.State)
}

func TestStandardCodec_StatelessSwapInheritsKnownState(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	prev := sampleRecord(5, core.UpdateCreate)
	swap := &core.Record{ID: 5, Kind: core.UpdateSwapOut, QueueID: "ingest", Location: "swap/1"}

	got, err := c.DecodeEdit(bytes.NewReader(encodeEdit(t, c, prev, swap)), map[uint64]*core.Record{5: prev}, 2)
	require.NoError(t, err)
	assert.Equal(t, prev.State, got.State)
	assert.True(t, got.SwappedOut())
}

func TestStandardCodec_VersionMonotonicity(t *testing.T) {
	v1 := newTestCodec(t, EncodingStandardV1)
	v2 := newTestCodec(t, EncodingStandard)
	rec := sampleRecord(1, core.UpdateCreate)

	t.Run("NewerReadsOlder", func(t *testing.T) {
		got, err := v2.DecodeEdit(bytes.NewReader(encodeEdit(t, v1, nil, rec)), nil, v1.Version())
		require.NoError(t, err)
		assert.Equal(t, rec, stripQueue(got))
	})

	t.Run("OlderRejectsNewer", func(t *testing.T) {
		_, err := v1.DecodeEdit(bytes.NewReader(encodeEdit(t, v2, nil, rec)), nil, v2.Version())
		require.Error(t, err)
		assert.True(t, core.IsUnsupportedVersion(err))
	})

	t.Run("FarFutureVersionIsNotCorruption", func(t *testing.T) {
		_, err := v2.DecodeEdit(bytes.NewReader(encodeEdit(t, v2, nil, rec)), nil, 99)
		require.Error(t, err)
		assert.True(t, core.IsUnsupportedVersion(err))
		assert.False(t, core.IsCorruptEntry(err))

		var uve *core.UnsupportedVersionError
		require.ErrorAs(t, err, &uve)
		assert.Equal(t, 99, uve.Version)
		assert.Equal(t, 2, uve.Max)

		_, err = v2.DecodeSnapshot(bytes.NewReader(nil), 99)
		assert.True(t, core.IsUnsupportedVersion(err))
	})

	t.Run("DeltaInVersionOneEntryIsCorrupt", func(t *testing.T) {
		next := rec.Clone()
		next.Kind = core.UpdateUpdate
		next.State.Size++
		data := encodeEdit(t, v2, rec, next)
		_, err := v2.DecodeEdit(bytes.NewReader(data), map[uint64]*core.Record{1: rec}, 1)
		assert.True(t, core.IsCorruptEntry(err))
	})

	t.Run("VersionZeroIsCorrupt", func(t *testing.T) {
		_, err := v2.DecodeEdit(bytes.NewReader(encodeEdit(t, v2, nil, rec)), nil, 0)
		assert.True(t, core.IsCorruptEntry(err))
	})
}

func TestStandardCodec_TruncatedPayloadIsCorrupt(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	data := encodeEdit(t, c, nil, sampleRecord(11, core.UpdateCreate))

	for n := 0; n < len(data); n++ {
		_, err := c.DecodeEdit(bytes.NewReader(data[:n]), nil, 2)
		require.Error(t, err, "prefix of %d bytes", n)
		assert.True(t, core.IsCorruptEntry(err), "prefix of %d bytes: %v", n, err)
	}
}

func TestStandardCodec_InvalidKindIsCorrupt(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	data := encodeEdit(t, c, nil, sampleRecord(11, core.UpdateCreate))
	data[0] = 'Z'

	_, err := c.DecodeEdit(bytes.NewReader(data), nil, 2)
	assert.True(t, core.IsCorruptEntry(err))
}

func TestStandardCodec_DoesNotReadPastRecord(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	data := encodeEdit(t, c, nil, sampleRecord(12, core.UpdateCreate))
	trailer := []byte("next-entry")

	// io.MultiReader does not implement io.ByteReader, which exercises the byte-at-a-time path.
	r := io.MultiReader(bytes.NewReader(data), bytes.NewReader(trailer))
	_, err := c.DecodeEdit(r, nil, 2)
	require.NoError(t, err)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, trailer, rest)
}

func TestStandardCodec_DeterministicEncoding(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	rec := sampleRecord(13, core.UpdateCreate)
	for i := 0; i < 20; i++ {
		rec.State.Attributes[string(rune('a'+i))] = "v"
	}
	first := encodeEdit(t, c, nil, rec)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, encodeEdit(t, c, nil, rec))
	}
}

func TestStandardCodec_Snapshot(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)

	t.Run("RoundTrip", func(t *testing.T) {
		rec := sampleRecord(21, core.UpdateSwapOut)
		rec.Location = "swap/21"
		var buf bytes.Buffer
		require.NoError(t, c.EncodeSnapshot(&buf, rec))

		got, err := c.DecodeSnapshot(&buf, 2)
		require.NoError(t, err)
		assert.Equal(t, rec, stripQueue(got))
	})

	t.Run("DeletedRecordsAreRejected", func(t *testing.T) {
		var buf bytes.Buffer
		err := c.EncodeSnapshot(&buf, &core.Record{ID: 1, Kind: core.UpdateDelete})
		require.Error(t, err)
		assert.Zero(t, buf.Len())
	})
}

func TestStandardCodec_EncodeRejectsInvalidKind(t *testing.T) {
	c := newTestCodec(t, EncodingStandard)
	var buf bytes.Buffer
	err := c.EncodeEdit(&buf, nil, &core.Record{ID: 1, Kind: 'Q'})
	require.Error(t, err)
	assert.Zero(t, buf.Len(), "nothing may be written for a rejected record")
}

// allocatedBy reports the bytes allocated while fn runs.
func allocatedBy(fn func()) uint64 {
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	fn()
	runtime.ReadMemStats(&after)
	return after.TotalAlloc - before.TotalAlloc
}

func TestStandardCodec_OversizedCountsDoNotAllocate(t *testing.T) {
	codec := newTestCodec(t, EncodingStandard)
	header := &core.Record{ID: 7, Kind: core.UpdateCreate, QueueID: "ingest"}

	var hugeCollection bytes.Buffer
	e := &encoder{w: &hugeCollection}
	writeHeader(e, header)
	e.byte(stateFull)
	writeScalars(e, &core.FlowState{})
	writeClaim(e, nil)
	e.uvarint(maxFieldLen) // attribute count with nothing behind it
	require.NoError(t, e.err)

	var hugeString bytes.Buffer
	e = &encoder{w: &hugeString}
	e.byte(byte(core.UpdateCreate))
	e.uint64(7)
	e.uvarint(maxFieldLen) // queue id length with nothing behind it
	e.write([]byte("ingest"))
	require.NoError(t, e.err)

	for name, payload := range map[string][]byte{
		"Collection": hugeCollection.Bytes(),
		"String":     hugeString.Bytes(),
	} {
		t.Run(name, func(t *testing.T) {
			var err error
			allocated := allocatedBy(func() {
				_, err = codec.DecodeSnapshot(bytes.NewReader(payload), codec.Version())
			})
			require.Error(t, err)
			assert.True(t, core.IsCorruptEntry(err))
			assert.Less(t, allocated, uint64(1<<20), "decoding %d bytes allocated %d", len(payload), allocated)

			allocated = allocatedBy(func() {
				_, err = codec.DecodeEdit(bytes.NewReader(payload), nil, codec.Version())
			})
			assert.True(t, core.IsCorruptEntry(err))
			assert.Less(t, allocated, uint64(1<<20))
		})
	}
}
