package serde

import (
	"maps"
	"slices"
	"sync"

	"github.com/INLOpen/flowwal/core"
)

const (
	// EncodingStandard always resolves to the newest standard codec.
	EncodingStandard   = "standard"
	EncodingStandardV1 = "standard-v1"
	EncodingStandardV2 = "standard-v2"

	// CurrentVersion is the version written by EncodingStandard.
	CurrentVersion = 2
)

var encodings = map[string]int{
	EncodingStandard:   CurrentVersion,
	EncodingStandardV1: 1,
	EncodingStandardV2: 2,
}

// Encodings lists the encoding names understood by StandardFactory.
func Encodings() []string {
	return slices.Sorted(maps.Keys(encodings))
}

// StandardFactory is the default Factory. Queue routing is shared with every
// codec it created, so routing may be supplied after CreateCodec.
type StandardFactory struct {
	mu          sync.RWMutex
	routing     map[string]core.Queue
	initialized bool
}

var _ Factory = (*StandardFactory)(nil)

func NewStandardFactory() *StandardFactory {
	return &StandardFactory{}
}

func (f *StandardFactory) SetQueueRouting(queues map[string]core.Queue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routing = maps.Clone(queues)
	f.initialized = true
}

// queue resolves a queue identifier. ok is false until routing has been set.
func (f *StandardFactory) queue(id string) (q core.Queue, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.initialized {
		return nil, false
	}
	return f.routing[id], true
}

func (f *StandardFactory) CreateCodec(encodingName string) (Codec, error) {
	version, ok := encodings[encodingName]
	if !ok {
		return nil, &core.UnknownEncodingError{Name: encodingName}
	}
	return &standardCodec{version: version, routing: f}, nil
}

func (f *StandardFactory) RecordIdentifier(rec *core.Record) uint64 {
	return rec.ID
}

func (f *StandardFactory) UpdateKind(rec *core.Record) core.UpdateKind {
	return rec.Kind
}

func (f *StandardFactory) Location(rec *core.Record) string {
	return rec.Location
}
