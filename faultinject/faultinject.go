// Package faultinject wraps a codec factory so that encoding fails hard
// after a fixed number of successful calls. Recovery tests install it in
// place of the real factory to simulate a process dying mid-write.
package faultinject

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/serde"
)

// Factory forwards every call to the wrapped factory. Codecs it creates
// share one attempt budget.
type Factory struct {
	inner   serde.Factory
	budget  *budget
	created atomic.Int64
}

var _ serde.Factory = (*Factory)(nil)

// NewFactory wraps inner. The first attemptsBeforeFailure encode calls made
// through any codec created by the returned factory succeed.
func NewFactory(inner serde.Factory, attemptsBeforeFailure int) *Factory {
	return &Factory{inner: inner, budget: newBudget(attemptsBeforeFailure)}
}

func (f *Factory) SetQueueRouting(queues map[string]core.Queue) {
	f.inner.SetQueueRouting(queues)
}

func (f *Factory) CreateCodec(encodingName string) (serde.Codec, error) {
	codec, err := f.inner.CreateCodec(encodingName)
	if err != nil {
		return nil, err
	}
	f.created.Add(1)
	return &Codec{inner: codec, budget: f.budget}, nil
}

func (f *Factory) RecordIdentifier(rec *core.Record) uint64 {
	return f.inner.RecordIdentifier(rec)
}

func (f *Factory) UpdateKind(rec *core.Record) core.UpdateKind {
	return f.inner.UpdateKind(rec)
}

func (f *Factory) Location(rec *core.Record) string {
	return f.inner.Location(rec)
}

// Attempts is the number of encode calls that were forwarded.
func (f *Factory) Attempts() int { return f.budget.attempts() }

// Tripped reports whether an encode call has been refused.
func (f *Factory) Tripped() bool { return f.budget.tripped.Load() }

// CodecsCreated is the number of codecs handed out.
func (f *Factory) CodecsCreated() int { return int(f.created.Load()) }

// Codec forwards decode calls untouched and fails encode calls once the
// attempt budget is spent.
type Codec struct {
	inner  serde.Codec
	budget *budget
}

var _ serde.Codec = (*Codec)(nil)

// NewCodec wraps a single codec with its own attempt budget.
func NewCodec(inner serde.Codec, attemptsBeforeFailure int) *Codec {
	return &Codec{inner: inner, budget: newBudget(attemptsBeforeFailure)}
}

func (c *Codec) EncodeEdit(w io.Writer, previous, next *core.Record) error {
	if err := c.budget.admit("EncodeEdit"); err != nil {
		return err
	}
	return c.inner.EncodeEdit(w, previous, next)
}

func (c *Codec) EncodeSnapshot(w io.Writer, rec *core.Record) error {
	if err := c.budget.admit("EncodeSnapshot"); err != nil {
		return err
	}
	return c.inner.EncodeSnapshot(w, rec)
}

func (c *Codec) DecodeEdit(r io.Reader, known map[uint64]*core.Record, version int) (*core.Record, error) {
	return c.inner.DecodeEdit(r, known, version)
}

func (c *Codec) DecodeSnapshot(r io.Reader, version int) (*core.Record, error) {
	return c.inner.DecodeSnapshot(r, version)
}

func (c *Codec) Version() int {
	return c.inner.Version()
}

func (c *Codec) Attempts() int { return c.budget.attempts() }

func (c *Codec) Tripped() bool { return c.budget.tripped.Load() }

// budget counts admitted encode calls. Once the limit is reached every
// further call is refused and the count stays put.
type budget struct {
	limit   int64
	count   atomic.Int64
	tripped atomic.Bool
}

func newBudget(limit int) *budget {
	if limit < 0 {
		limit = 0
	}
	return &budget{limit: int64(limit)}
}

func (b *budget) admit(op string) error {
	for {
		n := b.count.Load()
		if n >= b.limit {
			b.tripped.Store(true)
			return &core.UnrecoverableError{
				Reason: fmt.Sprintf("%s refused after %d successful encode calls", op, n),
			}
		}
		if b.count.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

func (b *budget) attempts() int {
	return int(b.count.Load())
}
