package wal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/flowwal/compressors"
	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/hooks"
	"github.com/INLOpen/flowwal/sys"
)

// SyncMode defines how frequently the WAL is synced to disk.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync after every append
	SyncDisabled SyncMode = "disabled" // flush to the OS only; for tests and benchmarks
)

// ParseSyncMode validates a configured sync mode. Empty means SyncAlways.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(s) {
	case "":
		return SyncAlways, nil
	case SyncAlways, SyncDisabled:
		return SyncMode(s), nil
	}
	return "", &core.ValidationError{Message: "unknown sync mode", Field: "sync_mode", Value: s}
}

// WAL is an append-only log of record mutations stored as a directory of
// numbered segment files. Appends are serialized internally.
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64
	// broken is set when a failed append could not be rolled back.
	broken error
	// truncatedBytes counts torn-tail bytes removed by recovery.
	truncatedBytes int64

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager
}

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	// Compressor is applied to entry payloads of new segments. Existing
	// segments are read with the compressor named in their header.
	Compressor     core.Compressor
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	// StartRecoveryIndex tells the WAL to only recover entries from segments with an index greater than this value.
	StartRecoveryIndex uint64
	HookManager        hooks.HookManager
}

// Open creates or opens a WAL directory. It returns every entry recovered
// from segments after StartRecoveryIndex, in append order, and leaves the
// WAL ready for appending to a fresh segment.
//
// A segment that ends mid-entry is truncated to its last complete entry
// and recovery continues. Any other failure, including a corrupt entry,
// aborts Open.
func Open(opts Options) (*WAL, []Entry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL_default")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = core.WALMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoCompressionCompressor()
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
		hookManager:           opts.HookManager,
	}

	// 1. Discover existing segments
	indexes, err := listSegments(opts.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load WAL segments: %w", err)
	}
	w.segmentIndexes = indexes

	// 2. Recover and repair torn tails
	entries, err := w.recover(opts.StartRecoveryIndex)
	if err != nil {
		return nil, nil, err
	}

	// 3. Prepare for appending
	if err := w.openForAppend(); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}
	w.logger.Info("WAL opened", "dir", w.dir, "segments", len(w.segmentIndexes), "recovered_entries", len(entries), "active_segment", w.activeSegment.index)
	return w, entries, nil
}

// listSegments returns the indexes of the segment files in dir, ascending.
func listSegments(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory %s: %w", dir, err)
	}
	indexes := make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if index, err := core.ParseSegmentFileName(file.Name()); err == nil {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

// recover reads every entry from segments after startRecoveryIndex.
func (w *WAL) recover(startRecoveryIndex uint64) ([]Entry, error) {
	var all []Entry
	for _, index := range w.segmentIndexes {
		if index <= startRecoveryIndex {
			continue // covered by a checkpoint
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		entries, err := w.recoverSegment(path)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

func (w *WAL) recoverSegment(path string) ([]Entry, error) {
	reader, err := OpenSegmentForRead(path)
	if err != nil {
		return nil, fmt.Errorf("failed to recover WAL segment: %w", err)
	}
	defer reader.Close()

	if reader.Empty() {
		w.logger.Warn("WAL segment has no complete header, treating as empty", "path", path)
		return nil, nil
	}

	var entries []Entry
	for {
		entry, err := reader.Next()
		switch {
		case err == nil:
			entries = append(entries, entry)
			continue
		case err == io.EOF:
			return entries, nil
		case errors.Is(err, errTornEntry):
			return entries, w.repairTornTail(reader)
		default:
			return nil, fmt.Errorf("failed to recover WAL segment %s: %w", path, err)
		}
	}
}

// repairTornTail truncates a segment whose last entry is incomplete.
func (w *WAL) repairTornTail(reader *SegmentReader) error {
	stat, err := reader.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat segment %s: %w", reader.path, err)
	}
	validSize := reader.Offset()
	dropped := stat.Size() - validSize
	w.truncatedBytes += dropped
	w.logger.Warn("Truncating incomplete entry at end of WAL segment", "path", reader.path, "valid_size", validSize, "truncated_bytes", dropped)

	if err := truncateSegment(reader.path, validSize); err != nil {
		return err
	}
	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALTruncateEvent(hooks.PostWALTruncatePayload{
			SegmentIndex:   reader.index,
			Path:           reader.path,
			ValidSize:      validSize,
			TruncatedBytes: dropped,
		}))
	}
	return nil
}

// openForAppend reuses a trailing header-only segment or starts a new one.
// Appending after recovered entries would mix pre- and post-restart writes
// in one file, which makes a later torn tail ambiguous.
func (w *WAL) openForAppend() error {
	if len(w.segmentIndexes) == 0 {
		return w.rotateLocked()
	}
	lastIndex := w.segmentIndexes[len(w.segmentIndexes)-1]
	path := filepath.Join(w.dir, core.FormatSegmentFileName(lastIndex))
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat last segment %s: %w", path, err)
	}
	if stat.Size() > int64(core.FileHeaderSize) || lastIndex <= w.opts.StartRecoveryIndex {
		return w.rotateLocked()
	}

	seg, err := CreateSegment(w.dir, lastIndex, w.opts.Compressor)
	if err != nil {
		return fmt.Errorf("failed to reuse segment %d: %w", lastIndex, err)
	}
	w.activeSegment = seg
	return nil
}

// Append frames, compresses and writes a single entry. When it returns nil
// the entry has reached the OS, and stable storage under SyncAlways. On
// success SegmentIndex and Offset of e are set.
func (w *WAL) Append(e *Entry) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("cannot append entry for record %d: invalid update kind %d", e.RecordID, byte(e.Kind))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return fmt.Errorf("WAL refuses appends after a failed rollback: %w", w.broken)
	}
	if w.activeSegment == nil {
		return fmt.Errorf("wal is closed or not open for writing: %w", core.ErrClosed)
	}

	frame, err := encodeEntry(nil, e, w.activeSegment.compressor)
	if err != nil {
		return err
	}
	frameSize := int64(len(frame))

	// A single large entry may still go into an empty segment.
	currentSize := w.activeSegment.Size()
	if currentSize > int64(core.FileHeaderSize) && currentSize+frameSize > w.opts.MaxSegmentSize {
		w.logger.Debug("Rotating WAL segment due to size", "current_size", currentSize, "entry_size", frameSize, "max_size", w.opts.MaxSegmentSize)
		if err := w.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	offset := w.activeSegment.Size()
	if err := w.activeSegment.Write(frame); err != nil {
		if errors.Is(err, errRollback) {
			w.broken = err
			w.logger.Error("WAL segment could not be rolled back after a failed write", "path", w.activeSegment.path, "error", err)
		}
		return err
	}
	if w.opts.SyncMode == SyncAlways {
		if err := w.activeSegment.Sync(); err != nil {
			// The entry may or may not be durable; nothing after it can be trusted.
			w.broken = err
			return fmt.Errorf("failed to sync WAL segment %s: %w", w.activeSegment.path, err)
		}
	}

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(frameSize)
	}
	if w.metricsEntriesWritten != nil {
		w.metricsEntriesWritten.Add(1)
	}
	e.SegmentIndex = w.activeSegment.index
	e.Offset = offset
	return nil
}

// Sync flushes data to the active segment file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return core.ErrClosed
	}
	if err := w.activeSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	return nil
}

// Rotate closes the active segment and opens the next one. It returns the
// index of the segment that was closed; every entry appended before Rotate
// lives in a segment with an index no greater than it.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0, core.ErrClosed
	}
	oldIndex := w.activeSegment.index
	if err := w.rotateLocked(); err != nil {
		return 0, err
	}
	return oldIndex, nil
}

// Close closes the WAL. It is safe to call more than once.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return nil
	}
	closeErr := w.activeSegment.Close()
	w.activeSegment = nil

	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
	} else {
		w.logger.Info("WAL closed.")
	}
	return closeErr
}

// Purge deletes segment files with index less than or equal to the given
// index. The active segment is never deleted.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []uint64
	var purged int
	var errs []error
	for _, index := range w.segmentIndexes {
		if index > upToIndex {
			remaining = append(remaining, index)
			continue
		}
		if w.activeSegment != nil && w.activeSegment.index == index {
			w.logger.Warn("Skipping purge of active WAL segment", "index", index)
			remaining = append(remaining, index)
			continue
		}
		path := filepath.Join(w.dir, core.FormatSegmentFileName(index))
		if err := sys.Remove(path); err != nil {
			w.logger.Error("Failed to purge WAL segment", "path", path, "error", err)
			errs = append(errs, err)
			remaining = append(remaining, index)
			continue
		}
		purged++
	}
	w.segmentIndexes = remaining
	if purged > 0 {
		w.logger.Info("Purged WAL segments", "count", purged, "up_to_index", upToIndex)
	}
	return errors.Join(errs...)
}

// TruncatedBytes returns how many bytes of torn entries Open removed.
func (w *WAL) TruncatedBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncatedBytes
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string {
	return w.dir
}

// ActiveSegmentIndex returns the index of the current active segment file.
// It returns 0 if there is no active segment.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0
	}
	return w.activeSegment.index
}

// SegmentIndexes returns the indexes of the segment files currently on disk.
func (w *WAL) SegmentIndexes() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.segmentIndexes...)
}

// rotateLocked creates a new segment file for writing. Must be called with lock held.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}
	if nextIndex <= w.opts.StartRecoveryIndex {
		nextIndex = w.opts.StartRecoveryIndex + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex, w.opts.Compressor)
	if err != nil {
		return err
	}
	if err := sys.SyncDir(w.dir); err != nil {
		w.logger.Warn("failed to sync WAL directory after creating segment", "dir", w.dir, "error", err)
	}

	var oldIndex uint64
	var oldEntries int
	if w.activeSegment != nil {
		oldIndex = w.activeSegment.index
		oldEntries = w.activeSegment.Entries()
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("failed to close active segment during rotation", "path", w.activeSegment.path, "error", err)
		}
	}

	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Info("Rotated to new WAL segment", "index", nextIndex, "path", newSegment.path, "previous_index", oldIndex, "previous_entries", oldEntries)
	if w.hookManager != nil && oldIndex > 0 {
		payload := hooks.PostWALRotatePayload{
			OldSegmentIndex:   oldIndex,
			OldSegmentEntries: oldEntries,
			NewSegmentIndex:   newSegment.index,
			NewSegmentPath:    newSegment.path,
		}
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRotateEvent(payload))
	}
	return nil
}
