package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal synchronous StateManager exercising the same
// "increment"/"fail" vocabulary the end-to-end scenarios need, without
// pulling in the internal/store package (which would make core depend on
// its own consumer).
type fakeStore struct {
	mu        sync.Mutex
	value     int
	listeners []func(any)
	block     chan struct{} // if set, "block" actions wait on this
}

func (s *fakeStore) ProcessAction(_ context.Context, action Action) (Result, error) {
	if action.Type == "block" {
		<-s.block
		return SyncResult(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch action.Type {
	case "increment":
		s.value++
	case "fail":
		return Result{}, assertErr("state manager refused")
	default:
		return Result{}, assertErr("unknown action " + action.Type)
	}
	return SyncResult(), nil
}

func (s *fakeStore) State(_ context.Context) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *fakeStore) Subscribe(listener func(newState any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
	return func() {}
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	cfg := Config{
		ActionCompletionTimeout: time.Second,
		MaxQueueSize:            100,
		MaxConcurrentTasks:      8,
		EnablePeriodicCleanup:   false,
	}
	rt := NewRuntime(store, cfg, nil)
	t.Cleanup(rt.Close)
	return rt, store
}

func TestRuntimeDispatchOrphanAction(t *testing.T) {
	rt, store := newTestRuntime(t)
	action := &Action{Type: "increment"}
	require.NoError(t, rt.Dispatch(context.Background(), action))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.value == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRuntimeThunkLifecycleEndToEnd(t *testing.T) {
	rt, store := newTestRuntime(t)

	first := &Action{Type: "increment", StartsThunk: true, Keys: []string{"value"}}
	require.NoError(t, rt.Dispatch(context.Background(), first))
	thunkID := first.ParentThunkID
	require.NotEmpty(t, thunkID)

	require.Eventually(t, func() bool {
		return rt.Lifecycle.LockHeld()
	}, time.Second, 5*time.Millisecond, "starting a root thunk claims the lock")

	second := &Action{Type: "increment", ParentThunkID: thunkID, EndsThunk: true}
	require.NoError(t, rt.Dispatch(context.Background(), second))

	ch, ok := rt.Lifecycle.WaitChan(thunkID)
	require.True(t, ok)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("thunk never fully completed")
	}

	require.False(t, rt.Lifecycle.LockHeld(), "completing the root thunk releases the lock")
	store.mu.Lock()
	require.Equal(t, 2, store.value)
	store.mu.Unlock()
}

func TestRuntimeSecondRootThunkWaitsForLock(t *testing.T) {
	rt, _ := newTestRuntime(t)

	firstStart := &Action{Type: "increment", StartsThunk: true}
	require.NoError(t, rt.Dispatch(context.Background(), firstStart))
	firstThunk := firstStart.ParentThunkID

	secondStart := &Action{Type: "increment", StartsThunk: true}
	require.NoError(t, rt.Dispatch(context.Background(), secondStart))
	secondThunk := secondStart.ParentThunkID

	require.Eventually(t, func() bool {
		return rt.Lifecycle.CurrentRoot() == firstThunk
	}, time.Second, 5*time.Millisecond)

	second, ok := rt.Lifecycle.GetThunk(secondThunk)
	require.True(t, ok)
	require.Equal(t, ThunkPending, second.StateOf(), "a second root thunk must wait behind the held lock")

	require.NoError(t, rt.Lifecycle.Complete(firstThunk, nil))
	require.Eventually(t, func() bool {
		return rt.Lifecycle.CurrentRoot() == secondThunk
	}, time.Second, 5*time.Millisecond, "releasing the lock must start the next queued root thunk")
}

func TestRuntimeBypassLockRunsImmediately(t *testing.T) {
	rt, store := newTestRuntime(t)

	blocker := &Action{Type: "increment", StartsThunk: true}
	require.NoError(t, rt.Dispatch(context.Background(), blocker))
	require.Eventually(t, func() bool { return rt.Lifecycle.LockHeld() }, time.Second, 5*time.Millisecond)

	bypass := &Action{Type: "increment", BypassThunkLock: true}
	require.NoError(t, rt.Dispatch(context.Background(), bypass))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.value == 2
	}, time.Second, 5*time.Millisecond, "a bypassThunkLock action must run while the lock is held by another thunk")
}

func TestRuntimeQueueOverflow(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	cfg := Config{MaxQueueSize: 1, MaxConcurrentTasks: 1, ActionCompletionTimeout: time.Second}
	rt := NewRuntime(store, cfg, nil)
	t.Cleanup(rt.Close)
	t.Cleanup(func() { close(store.block) })

	blockingThunk := &Action{Type: "block", StartsThunk: true}
	require.NoError(t, rt.Dispatch(context.Background(), blockingThunk))

	err := rt.Dispatch(context.Background(), &Action{Type: "block", BypassThunkLock: true})
	err2 := rt.Dispatch(context.Background(), &Action{Type: "block", BypassThunkLock: true})
	require.True(t, err != nil || err2 != nil, "exceeding maxQueueSize must surface a QueueOverflowError")
}

func TestRuntimeSubscriptionBroadcastTagging(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.Subscriptions.Subscribe("client-1", []string{"value"})
	require.ElementsMatch(t, []ClientID{"client-1"}, rt.Subscriptions.GetSubscribedClients([]string{"value"}))

	updateID := "manual-check"
	done := rt.BroadcastState(updateID, "", []ClientID{"client-1"})
	select {
	case <-done:
		t.Fatal("update must stay open until acknowledged")
	default:
	}

	rt.AcknowledgeStateUpdate(updateID, "client-1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast ack channel never closed")
	}
}
