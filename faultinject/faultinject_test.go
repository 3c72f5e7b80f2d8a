package faultinject

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/serde"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testQueue string

func (q testQueue) Identifier() string { return string(q) }

func newRecord(id uint64, kind core.UpdateKind) *core.Record {
	return &core.Record{
		ID:      id,
		Kind:    kind,
		QueueID: "ingest",
		State:   &core.FlowState{Attributes: map[string]string{"n": "1"}, Size: 10},
	}
}

func newWrappedFactory(t *testing.T, attempts int) (*Factory, serde.Codec) {
	t.Helper()
	f := NewFactory(serde.NewStandardFactory(), attempts)
	f.SetQueueRouting(map[string]core.Queue{"ingest": testQueue("ingest")})
	codec, err := f.CreateCodec(serde.EncodingStandard)
	require.NoError(t, err)
	return f, codec
}

func TestCodec_FaultDeterminism(t *testing.T) {
	for _, m := range []int{0, 1, 3, 7} {
		t.Run(fmt.Sprintf("attempts=%d", m), func(t *testing.T) {
			inner, err := serde.NewStandardFactory().CreateCodec(serde.EncodingStandard)
			require.NoError(t, err)
			c := NewCodec(inner, m)

			for i := 0; i < m; i++ {
				var buf bytes.Buffer
				if i%2 == 0 {
					require.NoError(t, c.EncodeEdit(&buf, nil, newRecord(uint64(i+1), core.UpdateCreate)))
				} else {
					require.NoError(t, c.EncodeSnapshot(&buf, newRecord(uint64(i+1), core.UpdateCreate)))
				}
				assert.NotZero(t, buf.Len())
			}
			assert.Equal(t, m, c.Attempts())
			assert.False(t, c.Tripped())

			for i := 0; i < 3; i++ {
				var buf bytes.Buffer
				err := c.EncodeEdit(&buf, nil, newRecord(100, core.UpdateCreate))
				require.Error(t, err)
				assert.True(t, core.IsUnrecoverable(err))
				assert.Zero(t, buf.Len(), "no bytes may be written by a refused call")
			}
			assert.Equal(t, m, c.Attempts(), "refused calls do not advance the counter")
			assert.True(t, c.Tripped())

			var buf bytes.Buffer
			assert.True(t, core.IsUnrecoverable(c.EncodeSnapshot(&buf, newRecord(1, core.UpdateCreate))))
		})
	}
}

func TestCodec_NegativeBudgetFailsImmediately(t *testing.T) {
	inner, err := serde.NewStandardFactory().CreateCodec(serde.EncodingStandard)
	require.NoError(t, err)
	c := NewCodec(inner, -5)

	var buf bytes.Buffer
	assert.True(t, core.IsUnrecoverable(c.EncodeEdit(&buf, nil, newRecord(1, core.UpdateCreate))))
	assert.Zero(t, c.Attempts())
}

func TestCodec_DecodeIsNeverFaulted(t *testing.T) {
	_, codec := newWrappedFactory(t, 1)

	var buf bytes.Buffer
	rec := newRecord(1, core.UpdateCreate)
	require.NoError(t, codec.EncodeEdit(&buf, nil, rec))
	data := buf.Bytes()

	var snap bytes.Buffer
	assert.True(t, core.IsUnrecoverable(codec.EncodeSnapshot(&snap, rec)))

	for i := 0; i < 5; i++ {
		got, err := codec.DecodeEdit(bytes.NewReader(data), nil, codec.Version())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.ID)
		assert.Equal(t, testQueue("ingest"), got.Queue)
	}
	assert.Equal(t, serde.CurrentVersion, codec.Version())
}

func TestFactory_CodecsShareBudget(t *testing.T) {
	f, first := newWrappedFactory(t, 3)
	second, err := f.CreateCodec(serde.EncodingStandardV1)
	require.NoError(t, err)
	assert.Equal(t, 2, f.CodecsCreated())

	var buf bytes.Buffer
	require.NoError(t, first.EncodeEdit(&buf, nil, newRecord(1, core.UpdateCreate)))
	require.NoError(t, second.EncodeEdit(&buf, nil, newRecord(2, core.UpdateCreate)))
	require.NoError(t, first.EncodeSnapshot(&buf, newRecord(3, core.UpdateCreate)))

	err = second.EncodeEdit(&buf, nil, newRecord(4, core.UpdateCreate))
	assert.True(t, core.IsUnrecoverable(err))
	assert.Equal(t, 3, f.Attempts())
	assert.True(t, f.Tripped())
}

func TestFactory_ForwardsUnchanged(t *testing.T) {
	inner := serde.NewStandardFactory()
	f := NewFactory(inner, 0)
	rec := &core.Record{ID: 9, Kind: core.UpdateSwapIn, Location: "swap/9"}

	assert.Equal(t, inner.RecordIdentifier(rec), f.RecordIdentifier(rec))
	assert.Equal(t, inner.UpdateKind(rec), f.UpdateKind(rec))
	assert.Equal(t, inner.Location(rec), f.Location(rec))

	_, err := f.CreateCodec("nope")
	assert.True(t, core.IsUnknownEncoding(err))
	assert.Zero(t, f.CodecsCreated())

	c, err := f.CreateCodec(serde.EncodingStandard)
	require.NoError(t, err)
	_, err = c.DecodeEdit(bytes.NewReader(nil), nil, c.Version())
	assert.True(t, core.IsNotInitialized(err), "routing is forwarded lazily like the inner factory")
}

func TestCodec_ConcurrentCallersFailExactlyOnceAtLimit(t *testing.T) {
	inner, err := serde.NewStandardFactory().CreateCodec(serde.EncodingStandard)
	require.NoError(t, err)
	const limit = 50
	c := NewCodec(inner, limit)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				var buf bytes.Buffer
				if c.EncodeEdit(&buf, nil, newRecord(1, core.UpdateCreate)) == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, succeeded)
	assert.Equal(t, limit, c.Attempts())
}
