package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/flowwal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	name      string
	priority  int
	isAsync   bool
	returnErr error
	workDelay time.Duration

	mu        *sync.Mutex
	callOrder *[]string
	calls     atomic.Int32
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	m.calls.Add(1)
	if m.callOrder != nil {
		m.mu.Lock()
		*m.callOrder = append(*m.callOrder, m.name)
		m.mu.Unlock()
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestHookManager_PriorityOrder(t *testing.T) {
	manager := NewHookManager(nil)
	var mu sync.Mutex
	var order []string

	for _, l := range []*mockListener{
		{name: "late", priority: 10},
		{name: "early", priority: -5},
		{name: "middle-a", priority: 0},
		{name: "middle-b", priority: 0},
	} {
		l.mu, l.callOrder = &mu, &order
		manager.Register(EventPostUpdate, l)
	}

	require.NoError(t, manager.Trigger(context.Background(), NewPostUpdateEvent(PostUpdatePayload{})))
	assert.Equal(t, []string{"early", "middle-a", "middle-b", "late"}, order)
}

func TestHookManager_PreHookErrorCancels(t *testing.T) {
	manager := NewHookManager(nil)
	sentinel := errors.New("rejected by policy")
	first := &mockListener{name: "first", priority: 1, returnErr: sentinel}
	second := &mockListener{name: "second", priority: 2}
	manager.Register(EventPreUpdate, first)
	manager.Register(EventPreUpdate, second)

	err := manager.Trigger(context.Background(), NewPreUpdateEvent(UpdatePayload{Record: &core.Record{ID: 1, Kind: core.UpdateCreate}}))
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, int32(0), second.calls.Load(), "listeners after a failing pre-hook must not run")
}

func TestHookManager_PostHookErrorIsNotReturned(t *testing.T) {
	manager := NewHookManager(nil)
	failing := &mockListener{name: "failing", returnErr: errors.New("boom")}
	after := &mockListener{name: "after", priority: 1}
	manager.Register(EventPostCheckpoint, failing)
	manager.Register(EventPostCheckpoint, after)

	err := manager.Trigger(context.Background(), NewPostCheckpointEvent(CheckpointPayload{}))
	require.NoError(t, err)
	assert.Equal(t, int32(1), after.calls.Load())
}

func TestHookManager_AsyncPostHookAndStop(t *testing.T) {
	manager := NewHookManager(nil)
	async := &mockListener{name: "async", isAsync: true, workDelay: 20 * time.Millisecond}
	manager.Register(EventPostRecovery, async)

	require.NoError(t, manager.Trigger(context.Background(), NewPostRecoveryEvent(PostRecoveryPayload{})))
	manager.Stop()
	assert.Equal(t, int32(1), async.calls.Load(), "Stop must wait for async listeners")
}

func TestHookManager_PreHooksIgnoreAsyncPreference(t *testing.T) {
	manager := NewHookManager(nil)
	async := &mockListener{name: "async", isAsync: true, returnErr: errors.New("veto")}
	manager.Register(EventPreCheckpoint, async)

	err := manager.Trigger(context.Background(), NewPreCheckpointEvent(CheckpointPayload{}))
	require.Error(t, err, "pre-hooks always run synchronously so their error is observed")
}

func TestListenerFunc(t *testing.T) {
	manager := NewHookManager(nil)
	var seen EventType
	manager.Register(EventPostWALRotate, ListenerFunc(func(ctx context.Context, event HookEvent) error {
		seen = event.Type()
		payload := event.Payload().(PostWALRotatePayload)
		assert.Equal(t, uint64(2), payload.NewSegmentIndex)
		return nil
	}))

	require.NoError(t, manager.Trigger(context.Background(), NewPostWALRotateEvent(PostWALRotatePayload{OldSegmentIndex: 1, NewSegmentIndex: 2})))
	assert.Equal(t, EventPostWALRotate, seen)
}
