package repository

import (
	"log/slog"
	"time"

	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/hooks"
	"github.com/INLOpen/flowwal/serde"
	"github.com/INLOpen/flowwal/wal"
	"go.opentelemetry.io/otel/trace"
)

const defaultLockTimeout = 5 * time.Second

// Options configures a Repository.
type Options struct {
	// Dir holds the lock file, the snapshot and the wal/ segment directory.
	Dir string
	// Encoding names the codec used for new entries. Defaults to serde.EncodingStandard.
	Encoding    string
	Compression core.CompressionType
	SyncMode    wal.SyncMode
	// MaxSegmentSize bounds a log segment before rotation.
	MaxSegmentSize int64
	// Queues re-attaches recovered records to their owning queue by identifier.
	Queues map[string]core.Queue
	// Factory resolves codecs. Defaults to serde.NewStandardFactory().
	Factory     serde.Factory
	LockTimeout time.Duration

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	HookManager    hooks.HookManager
	Metrics        *Metrics
}

func (o *Options) setDefaults() {
	if o.Encoding == "" {
		o.Encoding = serde.EncodingStandard
	}
	if o.SyncMode == "" {
		o.SyncMode = wal.SyncAlways
	}
	if o.MaxSegmentSize <= 0 {
		o.MaxSegmentSize = core.WALMaxSegmentSize
	}
	if o.Factory == nil {
		o.Factory = serde.NewStandardFactory()
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(false, "")
	}
	if o.Queues == nil {
		o.Queues = map[string]core.Queue{}
	}
}
