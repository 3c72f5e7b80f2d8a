package core

import (
	"fmt"
	"maps"
)

// UpdateKind describes the mutation a log entry records for a single record.
type UpdateKind byte

const (
	// UpdateCreate introduces a record that was not previously known.
	UpdateCreate UpdateKind = 'C'
	// UpdateUpdate changes the state of a known record.
	UpdateUpdate UpdateKind = 'U'
	// UpdateDelete removes a record. Its location is still recorded.
	UpdateDelete UpdateKind = 'D'
	// UpdateSwapOut marks a record as externalized to secondary storage.
	UpdateSwapOut UpdateKind = 'O'
	// UpdateSwapIn marks a record as restored from secondary storage.
	UpdateSwapIn UpdateKind = 'I'
)

// String returns the string representation of the UpdateKind.
func (k UpdateKind) String() string {
	switch k {
	case UpdateCreate:
		return "CREATE"
	case UpdateUpdate:
		return "UPDATE"
	case UpdateDelete:
		return "DELETE"
	case UpdateSwapOut:
		return "SWAP_OUT"
	case UpdateSwapIn:
		return "SWAP_IN"
	default:
		return fmt.Sprintf("UpdateKind(%d)", byte(k))
	}
}

// Valid reports whether k is one of the known update kinds.
func (k UpdateKind) Valid() bool {
	switch k {
	case UpdateCreate, UpdateUpdate, UpdateDelete, UpdateSwapOut, UpdateSwapIn:
		return true
	}
	return false
}

// ParseUpdateKind parses the String form of an UpdateKind.
func ParseUpdateKind(s string) (UpdateKind, error) {
	switch s {
	case "CREATE":
		return UpdateCreate, nil
	case "UPDATE":
		return UpdateUpdate, nil
	case "DELETE":
		return UpdateDelete, nil
	case "SWAP_OUT":
		return UpdateSwapOut, nil
	case "SWAP_IN":
		return UpdateSwapIn, nil
	}
	return 0, &ValidationError{Message: "unknown update kind", Field: "update_kind", Value: s}
}

// ContentClaim references large-object content that lives outside the log.
type ContentClaim struct {
	Container string
	Section   string
	ID        string
	Offset    int64
	Length    int64
}

// ResourceKey identifies the resource backing the claim. Several claims
// (different offsets) can share one resource.
func (c *ContentClaim) ResourceKey() string {
	return c.Container + "/" + c.Section + "/" + c.ID
}

// FlowState is the payload of a record. It is opaque to the repository
// beyond serialization.
type FlowState struct {
	Attributes        map[string]string
	Claim             *ContentClaim
	Size              int64
	EntryDate         int64 // UnixMilli
	LineageStartDate  int64 // UnixMilli
	PenaltyExpiration int64 // UnixMilli, 0 when not penalized
}

// Clone returns a deep copy of the state. An empty attribute map is
// cloned as nil so that clones compare equal to decoded states.
// A nil receiver returns nil.
func (s *FlowState) Clone() *FlowState {
	if s == nil {
		return nil
	}
	c := *s
	c.Attributes = nil
	if len(s.Attributes) > 0 {
		c.Attributes = maps.Clone(s.Attributes)
	}
	if s.Claim != nil {
		claim := *s.Claim
		c.Claim = &claim
	}
	return &c
}

// Queue is an opaque handle to the in-memory queue owning a record.
type Queue interface {
	Identifier() string
}

// Record is one tracked work-item together with the mutation being applied to it.
type Record struct {
	ID       uint64
	Kind     UpdateKind
	QueueID  string
	Location string // swap location, empty when the state lives in the log
	State    *FlowState

	// Queue is resolved from QueueID through the queue routing map. It is never serialized.
	Queue Queue
}

// Clone returns a deep copy of the record. The queue handle is shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.State = r.State.Clone()
	return &c
}

// SwappedOut reports whether the record's latest mutation externalized it.
func (r *Record) SwappedOut() bool {
	return r.Kind == UpdateSwapOut
}

// ClaimManager tracks claimants of externally stored content. The repository
// retains a claim for every live record that references it and releases it
// when the record is deleted or points elsewhere.
type ClaimManager interface {
	// Retain adds a claimant and returns the new claimant count.
	Retain(claim *ContentClaim) int
	// Release removes a claimant and returns the remaining claimant count.
	Release(claim *ContentClaim) int
}
