package core

import (
	"errors"
	"fmt"
)

var (
	// ErrRepositoryFailed is returned by every repository operation after an
	// unrecoverable failure. The repository must be reopened.
	ErrRepositoryFailed = errors.New("repository failed and must be reopened")
	// ErrRecordTooLarge is returned when a single entry can never fit in a segment.
	ErrRecordTooLarge = errors.New("record too large")
	// ErrClosed is returned when an operation runs against a closed component.
	ErrClosed = errors.New("closed")
)

// ValidationError is a custom error type for validation failures.
type ValidationError struct {
	Message string
	Field   string
	Value   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// CorruptEntryError reports a malformed or truncated entry that cannot be
// skipped safely.
type CorruptEntryError struct {
	Segment uint64 // 0 when not read from a segment
	Offset  int64
	Reason  string
	Err     error
}

func (e *CorruptEntryError) Error() string {
	msg := "corrupt entry"
	if e.Segment > 0 {
		msg = fmt.Sprintf("corrupt entry in segment %d at offset %d", e.Segment, e.Offset)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptEntryError) Unwrap() error { return e.Err }

// UnsupportedVersionError reports an entry written by a newer codec.
type UnsupportedVersionError struct {
	Version int
	Max     int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported encoding version %d (max supported %d)", e.Version, e.Max)
}

// UnknownEncodingError reports a codec name that no factory recognizes.
type UnknownEncodingError struct {
	Name string
}

func (e *UnknownEncodingError) Error() string {
	return fmt.Sprintf("unknown encoding %q", e.Name)
}

// NotInitializedError reports a decode attempted before queue routing was supplied.
type NotInitializedError struct {
	Op string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("%s called before queue routing was set", e.Op)
}

// UnrecoverableError models a process-fatal condition. It is never retried or
// swallowed; a repository that sees it stops accepting work.
type UnrecoverableError struct {
	Reason string
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable failure: " + e.Reason
}

// TransitionError reports an update that does not follow the record lifecycle.
type TransitionError struct {
	ID     uint64
	Kind   UpdateKind
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s for record %d: %s", e.Kind, e.ID, e.Reason)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsCorruptEntry(err error) bool {
	var target *CorruptEntryError
	return errors.As(err, &target)
}

func IsUnsupportedVersion(err error) bool {
	var target *UnsupportedVersionError
	return errors.As(err, &target)
}

func IsUnknownEncoding(err error) bool {
	var target *UnknownEncodingError
	return errors.As(err, &target)
}

func IsNotInitialized(err error) bool {
	var target *NotInitializedError
	return errors.As(err, &target)
}

func IsUnrecoverable(err error) bool {
	var target *UnrecoverableError
	return errors.As(err, &target)
}

func IsTransitionError(err error) bool {
	var target *TransitionError
	return errors.As(err, &target)
}
