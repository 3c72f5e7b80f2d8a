package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/flowwal/core"
	"github.com/INLOpen/flowwal/hooks"
	"github.com/INLOpen/flowwal/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Update logs one record mutation and then publishes it.
//
// The entry is appended (and synced under wal.SyncAlways) before any
// reader can observe the change. A nil State inherits the current state of
// the record; an empty QueueID inherits the current queue. An
// *core.UnrecoverableError raised while encoding is returned as is, and
// the repository stops accepting work until it is reopened.
func (r *Repository) Update(ctx context.Context, rec *core.Record) (err error) {
	if rec == nil {
		return &core.ValidationError{Message: "record is nil", Field: "record", Value: "<nil>"}
	}
	ctx, span := r.tracer.Start(ctx, "Repository.Update")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("record.id", int64(rec.ID)),
		attribute.String("record.update_kind", rec.Kind.String()),
	)
	start := time.Now()
	defer func() {
		observeLatency(r.metrics.UpdateLatencyHist, time.Since(start))
		if err != nil {
			r.metrics.UpdateErrorsTotal.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, "update_failed")
			return
		}
		r.metrics.UpdatesTotal.Add(1)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.checkWritable("Update"); err != nil {
		return err
	}

	r.mu.RLock()
	previous := r.records[rec.ID]
	r.mu.RUnlock()

	if err := validateTransition(previous, rec); err != nil {
		return err
	}
	next := r.normalize(previous, rec)

	if err := r.trigger(ctx, hooks.NewPreUpdateEvent(hooks.UpdatePayload{Record: next.Clone(), Previous: previous.Clone()})); err != nil {
		return fmt.Errorf("update of record %d cancelled by pre-hook: %w", next.ID, err)
	}

	entry, err := r.appendEdit(previous, next)
	if err != nil {
		r.trigger(ctx, hooks.NewPostUpdateEvent(hooks.PostUpdatePayload{Record: next.Clone(), Error: err}))
		return err
	}
	span.SetAttributes(attribute.Int64("wal.segment_index", int64(entry.SegmentIndex)))

	r.publish(previous, next)
	r.trigger(ctx, hooks.NewPostUpdateEvent(hooks.PostUpdatePayload{Record: next.Clone(), SegmentIndex: entry.SegmentIndex}))
	return nil
}

// appendEdit encodes the transition and appends it to the log.
func (r *Repository) appendEdit(previous, next *core.Record) (*wal.Entry, error) {
	var buf bytes.Buffer
	if err := r.codec.EncodeEdit(&buf, previous, next); err != nil {
		var unrecoverable *core.UnrecoverableError
		if errors.As(err, &unrecoverable) {
			r.fail(err)
			return nil, err
		}
		return nil, fmt.Errorf("failed to encode %s of record %d: %w", next.Kind, next.ID, err)
	}

	entry := &wal.Entry{
		Version:  uint32(r.codec.Version()),
		Kind:     r.factory.UpdateKind(next),
		RecordID: r.factory.RecordIdentifier(next),
		Payload:  buf.Bytes(),
	}
	if err := r.wal.Append(entry); err != nil {
		return nil, fmt.Errorf("failed to append %s of record %d to WAL: %w", next.Kind, next.ID, err)
	}
	return entry, nil
}

// normalize returns the record as it will be logged and stored.
func (r *Repository) normalize(previous, rec *core.Record) *core.Record {
	next := rec.Clone()
	if previous != nil {
		if next.QueueID == "" {
			next.QueueID = previous.QueueID
		}
		if next.Kind == core.UpdateDelete {
			if next.Location == "" {
				next.Location = previous.Location
			}
		} else if next.State == nil {
			next.State = previous.State.Clone()
		}
	}
	if next.Kind == core.UpdateDelete {
		next.State = nil
	}
	if next.Queue == nil {
		next.Queue = r.opts.Queues[next.QueueID]
	}
	return next
}

// publish makes a logged mutation visible and moves claims accordingly.
func (r *Repository) publish(previous, next *core.Record) {
	r.mu.Lock()
	if next.Kind == core.UpdateDelete {
		delete(r.records, next.ID)
	} else {
		r.records[next.ID] = next
	}
	if next.ID > r.maxRecordID {
		r.maxRecordID = next.ID
	}
	live := len(r.records)
	r.mu.Unlock()
	r.metrics.LiveRecords.Set(int64(live))

	if r.claims == nil {
		return
	}
	oldClaim, newClaim := claimOf(previous), claimOf(next)
	switch next.Kind {
	case core.UpdateCreate:
		r.claims.Retain(newClaim)
	case core.UpdateDelete:
		r.claims.Release(oldClaim)
	default:
		if !sameClaim(oldClaim, newClaim) {
			r.claims.Retain(newClaim)
			r.claims.Release(oldClaim)
		}
	}
}

// validateTransition enforces the record lifecycle
// ABSENT -> CREATED -> {UPDATED|SWAPPED_OUT|SWAPPED_IN}* -> DELETED.
// Inside the loop UPDATE and SWAP_OUT need a resident record and SWAP_IN a
// swapped-out one; DELETE is allowed either way.
func validateTransition(previous, next *core.Record) error {
	reject := func(reason string) error {
		return &core.TransitionError{ID: next.ID, Kind: next.Kind, Reason: reason}
	}
	switch next.Kind {
	case core.UpdateCreate:
		if previous != nil {
			return reject("record already exists")
		}
		if next.State == nil {
			return reject("create requires a state")
		}
		return nil
	case core.UpdateUpdate, core.UpdateSwapOut, core.UpdateSwapIn, core.UpdateDelete:
		if previous == nil {
			return reject("record does not exist")
		}
	default:
		return reject("unknown update kind")
	}

	switch next.Kind {
	case core.UpdateUpdate:
		if previous.SwappedOut() {
			return reject("record is swapped out")
		}
	case core.UpdateSwapOut:
		if previous.SwappedOut() {
			return reject("record is already swapped out")
		}
		if next.Location == "" {
			return reject("swap-out requires a location")
		}
	case core.UpdateSwapIn:
		if !previous.SwappedOut() {
			return reject("record is not swapped out")
		}
	}
	return nil
}

func claimOf(rec *core.Record) *core.ContentClaim {
	if rec == nil || rec.State == nil {
		return nil
	}
	return rec.State.Claim
}

func sameClaim(a, b *core.ContentClaim) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
