// Package repository is a write-ahead-log backed store of record state.
//
// Every mutation is appended to the log before it becomes visible, so a
// process that stops at any point restarts with exactly the mutations
// whose entries were fully written. A periodic checkpoint writes the whole
// table as a snapshot and discards the log segments it covers.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/INLOpen/flowwal/compressors"
	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/hooks"
	"github.com/INLOpen/flowwal/serde"
	"github.com/INLOpen/flowwal/wal"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Repository tracks the current state of every live record.
//
// Update and Checkpoint are serialized. Readers run concurrently with them
// and observe each update either not at all or completely.
type Repository struct {
	opts Options

	// writeMu serializes writers. mu guards the published table.
	writeMu sync.Mutex
	mu      sync.RWMutex

	records     map[uint64]*core.Record
	maxRecordID uint64
	orphaned    int

	factory    serde.Factory
	codec      serde.Codec
	compressor core.Compressor
	wal        *wal.WAL
	claims     core.ClaimManager

	releaseLock func() error
	initialized bool
	closed      bool
	// failure is the unrecoverable error that stopped the repository.
	failure error

	logger      *slog.Logger
	tracer      trace.Tracer
	hookManager hooks.HookManager
	metrics     *Metrics
}

// New validates opts and returns an uninitialized repository. Nothing is
// read or written until Initialize.
func New(opts Options) (*Repository, error) {
	if opts.Dir == "" {
		return nil, &core.ValidationError{Message: "repository directory is required", Field: "dir", Value: ""}
	}
	opts.setDefaults()

	compressor, err := compressors.New(opts.Compression)
	if err != nil {
		return nil, &core.ValidationError{Message: err.Error(), Field: "compression", Value: opts.Compression.String()}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	return &Repository{
		opts:        opts,
		records:     make(map[uint64]*core.Record),
		factory:     opts.Factory,
		compressor:  compressor,
		logger:      logger.With("component", "Repository"),
		tracer:      tp.Tracer("flowwal/repository"),
		hookManager: opts.HookManager,
		metrics:     opts.Metrics,
	}, nil
}

// Dir returns the repository directory.
func (r *Repository) Dir() string { return r.opts.Dir }

func (r *Repository) walDir() string { return filepath.Join(r.opts.Dir, core.WALDirName) }

// checkWritable reports why a writer may not proceed. Callers hold writeMu.
func (r *Repository) checkWritable(op string) error {
	switch {
	case r.failure != nil:
		return fmt.Errorf("%s: %w: %v", op, core.ErrRepositoryFailed, r.failure)
	case r.closed:
		return fmt.Errorf("%s: repository %w", op, core.ErrClosed)
	case !r.initialized:
		return &core.NotInitializedError{Op: op}
	}
	return nil
}

// fail poisons the repository. The error is kept for later callers; the
// log is left exactly as it was so the next process can recover from it.
func (r *Repository) fail(err error) {
	if r.failure == nil {
		r.failure = err
		r.logger.Error("Repository stopped after unrecoverable failure; reopen to recover", "error", err)
	}
}

// Failure returns the unrecoverable error that stopped the repository, if any.
func (r *Repository) Failure() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.failure
}

// Close releases the log and the directory lock. It is safe to call more than once.
func (r *Repository) Close() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.wal != nil {
		if err := r.wal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close WAL: %w", err))
		}
	}
	if r.releaseLock != nil {
		if err := r.releaseLock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release repository lock: %w", err))
		}
		r.releaseLock = nil
	}
	r.logger.Info("Repository closed.", "dir", r.opts.Dir)
	return errors.Join(errs...)
}

// Get returns a copy of the live record with the given identifier.
func (r *Repository) Get(id uint64) (*core.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Records returns copies of every live record ordered by identifier.
func (r *Repository) Records() []*core.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Repository) snapshotLocked() []*core.Record {
	out := make([]*core.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live records.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// SwapLocations returns the distinct locations of swapped-out records, sorted.
func (r *Repository) SwapLocations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var locations []string
	for _, rec := range r.records {
		if rec.SwappedOut() && rec.Location != "" {
			locations = append(locations, rec.Location)
		}
	}
	slices.Sort(locations)
	return slices.Compact(locations)
}

// MaxRecordID returns the largest identifier ever seen, live or deleted.
func (r *Repository) MaxRecordID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxRecordID
}

// OrphanedCount returns how many recovered records referenced a queue that
// is not in the routing map.
func (r *Repository) OrphanedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orphaned
}

// SegmentIndexes lists the log segments currently on disk.
func (r *Repository) SegmentIndexes() []uint64 {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.wal == nil {
		return nil
	}
	return r.wal.SegmentIndexes()
}

func (r *Repository) trigger(ctx context.Context, event hooks.HookEvent) error {
	if r.hookManager == nil {
		return nil
	}
	return r.hookManager.Trigger(ctx, event)
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory %s: %w", dir, err)
	}
	return nil
}
