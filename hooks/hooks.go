package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/flowwal/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Record lifecycle
	EventPreUpdate  EventType = "PreUpdate"
	EventPostUpdate EventType = "PostUpdate"

	// Repository lifecycle
	EventPostRecovery   EventType = "PostRecovery"
	EventPreCheckpoint  EventType = "PreCheckpoint"
	EventPostCheckpoint EventType = "PostCheckpoint"

	// Log internals
	EventPostWALRotate   EventType = "PostWALRotate"
	EventPostWALTruncate EventType = "PostWALTruncate"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// Pre-events run synchronously and the first listener error cancels the operation.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called when a registered event is triggered. Errors from
	// Pre-hooks cancel the operation; errors from Post-hooks are logged.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int
	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// UpdatePayload is carried by PreUpdate. Previous is nil for CREATE.
type UpdatePayload struct {
	Record   *core.Record
	Previous *core.Record
}

// PostUpdatePayload is carried by PostUpdate.
type PostUpdatePayload struct {
	Record       *core.Record
	SegmentIndex uint64
	Error        error
}

func NewPreUpdateEvent(payload UpdatePayload) HookEvent {
	return &BaseEvent{eventType: EventPreUpdate, payload: payload}
}

func NewPostUpdateEvent(payload PostUpdatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostUpdate, payload: payload}
}

// PostRecoveryPayload describes a completed recovery.
type PostRecoveryPayload struct {
	SnapshotRecords int
	ReplayedEntries int
	LiveRecords     int
	OrphanedRecords int
	TruncatedBytes  int64
	Duration        time.Duration
}

func NewPostRecoveryEvent(payload PostRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

// CheckpointPayload describes a checkpoint. Error is only set on PostCheckpoint.
type CheckpointPayload struct {
	LastSafeSegmentIndex uint64
	Records              int
	Duration             time.Duration
	Error                error
}

func NewPreCheckpointEvent(payload CheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCheckpoint, payload: payload}
}

func NewPostCheckpointEvent(payload CheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// PostWALRotatePayload contains information about a WAL rotation.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	// OldSegmentEntries counts entries appended to the old segment by this process.
	OldSegmentEntries int
	NewSegmentIndex   uint64
	NewSegmentPath    string
}

func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// PostWALTruncatePayload reports a torn tail removed during recovery.
type PostWALTruncatePayload struct {
	SegmentIndex   uint64
	Path           string
	ValidSize      int64
	TruncatedBytes int64
}

func NewPostWALTruncateEvent(payload PostWALTruncatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALTruncate, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// ListenerFunc adapts a function to a synchronous HookListener with priority 0.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                      { return 0 }
func (f ListenerFunc) IsAsync() bool                                      { return false }
