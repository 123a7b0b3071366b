package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goosewobbler/zubridge-sub002/internal/bridge"
	"github.com/goosewobbler/zubridge-sub002/internal/core"
	"github.com/goosewobbler/zubridge-sub002/internal/store"
	"github.com/goosewobbler/zubridge-sub002/internal/transport/ws"
)

// newTestServer spins up a real httptest.Server fronting a Bridge over a
// CounterStore runtime, matching the teacher's own httptest-based exercise
// of gorilla/websocket rather than faking the wire.
func newTestServer(t *testing.T) (*httptest.Server, *core.Runtime) {
	t.Helper()
	rt := core.NewRuntime(store.NewCounterStore(), core.Config{
		ActionCompletionTimeout: time.Second,
		MaxQueueSize:            100,
		MaxConcurrentTasks:      8,
	}, nil)
	t.Cleanup(rt.Close)

	b, err := bridge.NewBridge(rt, 16, nil)
	require.NoError(t, err)

	srv := ws.NewServer(b, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, rt
}

func dial(t *testing.T, ts *httptest.Server) *ClientThunkProcessor {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	c := NewClientThunkProcessor(conn, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientGetClientID(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dial(t, ts)

	id, err := c.GetClientID(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	cached, err := c.GetClientID(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, cached)
}

func TestClientDispatchAndGetState(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dial(t, ts)

	ack, err := c.Dispatch(context.Background(), core.Action{Type: "increment"})
	require.NoError(t, err)
	require.NotEmpty(t, ack.ActionID)

	raw, err := c.GetState(context.Background())
	require.NoError(t, err)
	var state store.CounterState
	require.NoError(t, json.Unmarshal(raw, &state))
	require.Equal(t, 1, state.Value)
}

func TestClientDispatchUnknownActionSurfacesError(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dial(t, ts)

	_, err := c.Dispatch(context.Background(), core.Action{Type: "not-a-real-action"})
	require.Error(t, err)
}

func TestClientRunThunkDeliversStateUpdates(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dial(t, ts)

	require.NoError(t, c.Subscribe(context.Background(), []string{"value"}))

	updates := make(chan bridge.StateUpdate, 8)
	unsub := c.OnStateUpdate(func(u bridge.StateUpdate) { updates <- u })
	defer unsub()

	err := c.RunThunk(context.Background(), "thunk-1", []string{"value"}, func(dispatch func(core.Action) (bridge.DispatchAck, error)) error {
		if _, err := dispatch(core.Action{Type: "increment", Keys: []string{"value"}}); err != nil {
			return err
		}
		if _, err := dispatch(core.Action{Type: "double", Keys: []string{"value"}}); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)

	var last store.CounterState
	for i := 0; i < 2; i++ {
		select {
		case u := <-updates:
			require.NoError(t, json.Unmarshal(u.State, &last))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for state update push")
		}
	}
	require.Equal(t, 2, last.Value)

	result, err := c.GetThunkState(context.Background(), "thunk-1")
	require.NoError(t, err)
	require.Len(t, result.Thunks, 1)
	require.Equal(t, core.ThunkCompleted, result.Thunks[0].State)
}

func TestClientCompleteThunkUnregisteredIsError(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dial(t, ts)

	_, err := c.CompleteThunk(context.Background(), "never-registered", nil)
	require.Error(t, err)
}
