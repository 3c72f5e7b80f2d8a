package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/INLOpen/flowwal/checkpoint"
	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/hooks"
	"github.com/INLOpen/flowwal/serde"
	"github.com/INLOpen/flowwal/sys"
	"github.com/INLOpen/flowwal/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Initialize takes the directory lock, selects the codec and rebuilds the
// record table from the snapshot and the log. claims may be nil; when set,
// the claim of every recovered live record is retained once.
//
// A torn entry at the end of a segment is discarded. A damaged complete
// entry, or one written by a newer codec, fails Initialize and leaves the
// files untouched.
func (r *Repository) Initialize(ctx context.Context, claims core.ClaimManager) (err error) {
	ctx, span := r.tracer.Start(ctx, "Repository.Initialize")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "initialize_failed")
		}
	}()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	switch {
	case r.closed:
		return fmt.Errorf("Initialize: repository %w", core.ErrClosed)
	case r.initialized:
		return errors.New("repository is already initialized")
	}

	start := time.Now()
	if err := ensureDir(r.opts.Dir); err != nil {
		return err
	}
	release, err := sys.AcquireLock(filepath.Join(r.opts.Dir, core.LockFileName), r.opts.LockTimeout)
	if err != nil {
		return fmt.Errorf("failed to lock repository %s: %w", r.opts.Dir, err)
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	r.factory.SetQueueRouting(r.opts.Queues)
	codec, err := r.factory.CreateCodec(r.opts.Encoding)
	if err != nil {
		return fmt.Errorf("failed to create codec: %w", err)
	}

	if removed, err := checkpoint.RemoveTemp(r.opts.Dir); err != nil {
		return err
	} else if removed {
		r.logger.Warn("Removed snapshot left behind by an interrupted checkpoint", "dir", r.opts.Dir)
	}

	cp, snapshotRecords, found, err := checkpoint.Read(r.opts.Dir, codec)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	table := make(map[uint64]*core.Record, len(snapshotRecords))
	maxRecordID := cp.MaxRecordID
	for _, rec := range snapshotRecords {
		table[rec.ID] = rec
		maxRecordID = max(maxRecordID, rec.ID)
	}
	if found {
		r.logger.Info("Loaded snapshot", "records", len(snapshotRecords), "last_safe_segment", cp.LastSafeSegmentIndex)
	}

	walLog, entries, err := wal.Open(wal.Options{
		Dir:                r.walDir(),
		SyncMode:           r.opts.SyncMode,
		MaxSegmentSize:     r.opts.MaxSegmentSize,
		Compressor:         r.compressor,
		BytesWritten:       r.metrics.WALBytesWrittenTotal,
		EntriesWritten:     r.metrics.WALEntriesWrittenTotal,
		Logger:             r.logger,
		StartRecoveryIndex: cp.LastSafeSegmentIndex,
		HookManager:        r.hookManager,
	})
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	defer func() {
		if err != nil {
			walLog.Close()
		}
	}()

	maxReplayed, err := replay(codec, entries, table)
	if err != nil {
		return err
	}
	maxRecordID = max(maxRecordID, maxReplayed)

	if found && cp.LastSafeSegmentIndex > 0 {
		// Segments left by a checkpoint that stopped between its snapshot and its purge.
		if err := walLog.Purge(cp.LastSafeSegmentIndex); err != nil {
			r.logger.Warn("Failed to purge WAL segments covered by snapshot", "last_safe_segment", cp.LastSafeSegmentIndex, "error", err)
		}
	}

	orphaned := 0
	for _, rec := range table {
		if rec.Queue == nil {
			orphaned++
		}
		if claims != nil {
			claims.Retain(claimOf(rec))
		}
	}

	r.mu.Lock()
	r.records = table
	r.maxRecordID = maxRecordID
	r.orphaned = orphaned
	r.mu.Unlock()

	r.codec = codec
	r.wal = walLog
	r.claims = claims
	r.releaseLock = release
	r.initialized = true

	duration := time.Since(start)
	r.metrics.RecoveryDurationSeconds.Set(duration.Seconds())
	r.metrics.RecoveredEntriesTotal.Add(int64(len(entries)))
	r.metrics.LiveRecords.Set(int64(len(table)))
	r.metrics.OrphanedRecords.Set(int64(orphaned))
	span.SetAttributes(
		attribute.Int("recovery.snapshot_records", len(snapshotRecords)),
		attribute.Int("recovery.replayed_entries", len(entries)),
		attribute.Int("recovery.live_records", len(table)),
	)
	if orphaned > 0 {
		r.logger.Warn("Recovered records reference unknown queues", "orphaned", orphaned)
	}
	r.logger.Info("Repository recovered", "dir", r.opts.Dir, "encoding", r.opts.Encoding, "snapshot_records", len(snapshotRecords), "replayed_entries", len(entries), "live_records", len(table), "duration", duration)

	r.trigger(ctx, hooks.NewPostRecoveryEvent(hooks.PostRecoveryPayload{
		SnapshotRecords: len(snapshotRecords),
		ReplayedEntries: len(entries),
		LiveRecords:     len(table),
		OrphanedRecords: orphaned,
		TruncatedBytes:  walLog.TruncatedBytes(),
		Duration:        duration,
	}))
	return nil
}

// replay applies log entries to table in append order and returns the
// largest record identifier seen. Transitions are not validated here;
// every entry in the log was validated when it was written.
func replay(codec serde.Codec, entries []wal.Entry, table map[uint64]*core.Record) (uint64, error) {
	var maxID uint64
	for _, e := range entries {
		rec, err := codec.DecodeEdit(bytes.NewReader(e.Payload), table, int(e.Version))
		if err != nil {
			var corrupt *core.CorruptEntryError
			if errors.As(err, &corrupt) && corrupt.Segment == 0 {
				corrupt.Segment, corrupt.Offset = e.SegmentIndex, e.Offset
			}
			return 0, fmt.Errorf("failed to replay entry for record %d in segment %d at offset %d: %w", e.RecordID, e.SegmentIndex, e.Offset, err)
		}
		if rec.ID != e.RecordID || rec.Kind != e.Kind {
			return 0, &core.CorruptEntryError{
				Segment: e.SegmentIndex,
				Offset:  e.Offset,
				Reason:  fmt.Sprintf("entry header names %s of record %d but payload holds %s of record %d", e.Kind, e.RecordID, rec.Kind, rec.ID),
			}
		}
		if rec.Kind == core.UpdateDelete {
			delete(table, rec.ID)
		} else {
			table[rec.ID] = rec
		}
		maxID = max(maxID, rec.ID)
	}
	return maxID, nil
}
