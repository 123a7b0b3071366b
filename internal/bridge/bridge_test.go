package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goosewobbler/zubridge-sub002/internal/core"
	"github.com/goosewobbler/zubridge-sub002/internal/store"
)

// fakeChannel records every frame sent to it, standing in for a real
// transport (ws.channel) in these handler-level tests.
type fakeChannel struct {
	mu     sync.Mutex
	frames []Envelope
	closed bool
}

func (c *fakeChannel) Send(msg []byte) error {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) last() (Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return Envelope{}, false
	}
	return c.frames[len(c.frames)-1], true
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func newTestBridge(t *testing.T) (*Bridge, *core.Runtime) {
	t.Helper()
	rt := core.NewRuntime(store.NewCounterStore(), core.Config{
		ActionCompletionTimeout: time.Second,
		MaxQueueSize:            100,
		MaxConcurrentTasks:      8,
	}, nil)
	t.Cleanup(rt.Close)

	b, err := NewBridge(rt, 16, nil)
	require.NoError(t, err)
	return b, rt
}

func send(t *testing.T, b *Bridge, clientID core.ClientID, id, msgType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := Envelope{Type: msgType, ID: id, Payload: raw}
	out, err := json.Marshal(env)
	require.NoError(t, err)
	b.HandleMessage(context.Background(), clientID, out)
}

func TestBridgeGetClientId(t *testing.T) {
	b, _ := newTestBridge(t)
	ch := &fakeChannel{}
	clientID := b.Connect(ch)

	send(t, b, clientID, "1", TypeGetClientId, struct{}{})

	env, ok := ch.last()
	require.True(t, ok)
	require.Equal(t, TypeGetClientIdResult, env.Type)
	require.Equal(t, "1", env.ID)

	var result GetClientIdResult
	require.NoError(t, json.Unmarshal(env.Payload, &result))
	require.Equal(t, clientID, result.ClientID)
}

func TestBridgeDispatchAppliesActionAndAcks(t *testing.T) {
	b, rt := newTestBridge(t)
	ch := &fakeChannel{}
	clientID := b.Connect(ch)

	send(t, b, clientID, "d1", TypeDispatch, DispatchRequest{Action: core.Action{Type: "increment"}})

	env, ok := ch.last()
	require.True(t, ok)
	require.Equal(t, TypeDispatchAck, env.Type)
	var ack DispatchAck
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	require.Empty(t, ack.Error)

	state, err := rt.StateManager.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.CounterState{Value: 1}, state)
}

func TestBridgeDispatchBatchDisabledByDefault(t *testing.T) {
	b, _ := newTestBridge(t)
	ch := &fakeChannel{}
	clientID := b.Connect(ch)

	send(t, b, clientID, "b1", TypeDispatchBatch, DispatchBatchRequest{Actions: []core.Action{{Type: "increment"}}})

	env, ok := ch.last()
	require.True(t, ok)
	require.Equal(t, TypeError, env.Type)
}

func TestBridgeSubscribeReceivesBroadcastAndAck(t *testing.T) {
	b, rt := newTestBridge(t)
	ch := &fakeChannel{}
	clientID := b.Connect(ch)

	send(t, b, clientID, "s1", TypeSubscribe, SubscribeRequest{Keys: []string{"value"}})
	send(t, b, clientID, "d1", TypeDispatch, DispatchRequest{Action: core.Action{Type: "increment", Keys: []string{"value"}}})

	var update StateUpdate
	require.Eventually(t, func() bool {
		for i := 0; i < ch.count(); i++ {
			ch.mu.Lock()
			env := ch.frames[i]
			ch.mu.Unlock()
			if env.Type == TypeStateUpdate {
				require.NoError(t, json.Unmarshal(env.Payload, &update))
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "subscribed client must receive a StateUpdate push")

	require.Equal(t, 1, rt.StateUpdates.PendingCount(), "broadcast with no owning thunk is still tracked until acked")
	send(t, b, clientID, "", TypeStateUpdateAck, StateUpdateAckRequest{UpdateID: update.UpdateID})
	require.Eventually(t, func() bool { return rt.StateUpdates.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBridgeRegisterAndCompleteThunk(t *testing.T) {
	b, rt := newTestBridge(t)
	ch := &fakeChannel{}
	clientID := b.Connect(ch)

	send(t, b, clientID, "r1", TypeRegisterThunk, RegisterThunkRequest{ThunkID: "t1", Keys: []string{"value"}})
	env, ok := ch.last()
	require.True(t, ok)
	require.Equal(t, TypeRegisterThunkAck, env.Type)
	var regAck RegisterThunkAck
	require.NoError(t, json.Unmarshal(env.Payload, &regAck))
	require.Empty(t, regAck.Error)

	require.True(t, rt.Lifecycle.LockHeld(), "registering a root thunk must claim the lock")

	send(t, b, clientID, "c1", TypeCompleteThunk, CompleteThunkRequest{ThunkID: "t1"})
	env, ok = ch.last()
	require.True(t, ok)
	require.Equal(t, TypeCompleteThunkAck, env.Type)

	require.Eventually(t, func() bool { return !rt.Lifecycle.LockHeld() }, time.Second, 5*time.Millisecond)
}

func TestBridgeDisconnectDropsSubscriptions(t *testing.T) {
	b, rt := newTestBridge(t)
	ch := &fakeChannel{}
	clientID := b.Connect(ch)
	send(t, b, clientID, "s1", TypeSubscribe, SubscribeRequest{Keys: []string{"value"}})
	require.NotEmpty(t, rt.Subscriptions.SubscriptionsFor(clientID))

	b.Disconnect(clientID)
	require.Empty(t, rt.Subscriptions.SubscriptionsFor(clientID))
	require.True(t, ch.closed, "disconnect evicts the channel from the tracker, which must close it")
}

func TestBridgeUnknownMessageTypeRepliesError(t *testing.T) {
	b, _ := newTestBridge(t)
	ch := &fakeChannel{}
	clientID := b.Connect(ch)

	send(t, b, clientID, "z1", "not-a-real-type", struct{}{})

	env, ok := ch.last()
	require.True(t, ok)
	require.Equal(t, TypeError, env.Type)
}
