package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/flowwal/checkpoint"
	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Checkpoint writes the whole record table as a snapshot and discards the
// log segments it covers.
//
// The active segment is rotated first, so every entry logged before the
// call lives in a segment no newer than the snapshot's LastSafeSegmentIndex.
// Stopping at any step leaves either the previous snapshot and its log, or
// the new snapshot with segments recovery skips and purges.
func (r *Repository) Checkpoint(ctx context.Context) (err error) {
	ctx, span := r.tracer.Start(ctx, "Repository.Checkpoint")
	defer span.End()
	start := time.Now()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.checkWritable("Checkpoint"); err != nil {
		return err
	}

	var lastSafe uint64
	var count int
	defer func() {
		duration := time.Since(start)
		observeLatency(r.metrics.CheckpointLatencyHist, duration)
		if err != nil {
			r.metrics.CheckpointErrorsTotal.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkpoint_failed")
		} else {
			r.metrics.CheckpointsTotal.Add(1)
		}
		r.trigger(ctx, hooks.NewPostCheckpointEvent(hooks.CheckpointPayload{
			LastSafeSegmentIndex: lastSafe,
			Records:              count,
			Duration:             duration,
			Error:                err,
		}))
	}()

	if err := r.trigger(ctx, hooks.NewPreCheckpointEvent(hooks.CheckpointPayload{Records: r.Len()})); err != nil {
		return fmt.Errorf("checkpoint cancelled by pre-hook: %w", err)
	}

	lastSafe, err = r.wal.Rotate()
	if err != nil {
		return fmt.Errorf("failed to rotate WAL for checkpoint: %w", err)
	}

	r.mu.RLock()
	records := r.snapshotLocked()
	maxRecordID := r.maxRecordID
	r.mu.RUnlock()
	count = len(records)
	span.SetAttributes(
		attribute.Int64("checkpoint.last_safe_segment", int64(lastSafe)),
		attribute.Int("checkpoint.records", count),
	)

	cp := checkpoint.Checkpoint{LastSafeSegmentIndex: lastSafe, MaxRecordID: maxRecordID}
	if err := checkpoint.Write(r.opts.Dir, cp, r.codec, records, r.compressor); err != nil {
		var unrecoverable *core.UnrecoverableError
		if errors.As(err, &unrecoverable) {
			r.fail(unrecoverable)
			return unrecoverable
		}
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := r.wal.Purge(lastSafe); err != nil {
		// The snapshot is durable; the next recovery purges what is left.
		r.logger.Warn("Failed to purge WAL segments after checkpoint", "last_safe_segment", lastSafe, "error", err)
	}
	r.logger.Info("Checkpoint complete", "last_safe_segment", lastSafe, "records", count, "duration", time.Since(start))
	return nil
}
