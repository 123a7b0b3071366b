// Package client implements the client-side thunk processor described in
// spec.md §4.12: it turns local dispatch/thunk calls into wire requests
// against a host Bridge and demultiplexes the responses and pushed state
// updates coming back over the same connection.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/goosewobbler/zubridge-sub002/internal/async"
	"github.com/goosewobbler/zubridge-sub002/internal/bridge"
	"github.com/goosewobbler/zubridge-sub002/internal/core"
	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// ClientThunkProcessor is the client-side half of the bridge protocol.
type ClientThunkProcessor struct {
	conn   *websocket.Conn
	logger logging.Logger

	mu       sync.Mutex
	pending  map[string]chan bridge.Envelope
	nextID   uint64
	clientID core.ClientID

	listenersMu sync.Mutex
	listeners   []func(bridge.StateUpdate)
}

// NewClientThunkProcessor wraps an already-connected websocket and starts
// its read pump.
func NewClientThunkProcessor(conn *websocket.Conn, logger logging.Logger) *ClientThunkProcessor {
	c := &ClientThunkProcessor{
		conn:    conn,
		logger:  logging.OrNop(logger),
		pending: make(map[string]chan bridge.Envelope),
	}
	async.Go(c.logger, "client.readpump", c.readLoop)
	return c
}

func (c *ClientThunkProcessor) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Warn("client read loop ending: %v", err)
			c.failAllPending(err)
			return
		}
		var env bridge.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("malformed envelope from host: %v", err)
			continue
		}
		if env.Type == bridge.TypeStateUpdate {
			c.handlePush(env)
			continue
		}
		c.deliver(env)
	}
}

func (c *ClientThunkProcessor) handlePush(env bridge.Envelope) {
	var update bridge.StateUpdate
	if err := json.Unmarshal(env.Payload, &update); err != nil {
		c.logger.Warn("malformed stateUpdate: %v", err)
		return
	}
	c.listenersMu.Lock()
	snapshot := make([]func(bridge.StateUpdate), len(c.listeners))
	copy(snapshot, c.listeners)
	c.listenersMu.Unlock()
	for _, h := range snapshot {
		if h != nil {
			h(update)
		}
	}
	c.sendAsync(bridge.TypeStateUpdateAck, "", bridge.StateUpdateAckRequest{UpdateID: update.UpdateID})
}

func (c *ClientThunkProcessor) deliver(env bridge.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("no waiter for response id %q (type %s)", env.ID, env.Type)
		return
	}
	ch <- env
}

func (c *ClientThunkProcessor) failAllPending(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// OnStateUpdate registers a listener for every pushed state update and
// returns an unsubscribe func.
func (c *ClientThunkProcessor) OnStateUpdate(h func(bridge.StateUpdate)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, h)
	idx := len(c.listeners) - 1
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		c.listeners[idx] = nil
	}
}

func (c *ClientThunkProcessor) nextCorrelationID() string {
	return strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
}

func (c *ClientThunkProcessor) sendAsync(msgType, id string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to marshal %s: %v", msgType, err)
		return
	}
	env := bridge.Envelope{Type: msgType, ID: id, Payload: raw}
	out, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to marshal envelope: %v", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, out); err != nil {
		c.logger.Error("failed to send %s: %v", msgType, err)
	}
}

// request sends payload under msgType and blocks for its correlated reply.
func (c *ClientThunkProcessor) request(ctx context.Context, msgType string, payload any) (bridge.Envelope, error) {
	id := c.nextCorrelationID()
	replyCh := make(chan bridge.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = replyCh
	c.mu.Unlock()

	c.sendAsync(msgType, id, payload)

	select {
	case env, ok := <-replyCh:
		if !ok {
			return bridge.Envelope{}, fmt.Errorf("connection closed while awaiting %s response", msgType)
		}
		if env.Type == bridge.TypeError {
			var errPayload bridge.ErrorPayload
			_ = json.Unmarshal(env.Payload, &errPayload)
			return env, fmt.Errorf("%s: %s", errPayload.Kind, errPayload.Message)
		}
		return env, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return bridge.Envelope{}, ctx.Err()
	}
}

// GetClientID fetches (and caches) this connection's assigned client id.
func (c *ClientThunkProcessor) GetClientID(ctx context.Context) (core.ClientID, error) {
	c.mu.Lock()
	cached := c.clientID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	env, err := c.request(ctx, bridge.TypeGetClientId, struct{}{})
	if err != nil {
		return "", err
	}
	var res bridge.GetClientIdResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.clientID = res.ClientID
	c.mu.Unlock()
	return res.ClientID, nil
}

// Dispatch sends one action and awaits its ack.
func (c *ClientThunkProcessor) Dispatch(ctx context.Context, action core.Action) (bridge.DispatchAck, error) {
	env, err := c.request(ctx, bridge.TypeDispatch, bridge.DispatchRequest{Action: action})
	if err != nil {
		return bridge.DispatchAck{}, err
	}
	var ack bridge.DispatchAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return bridge.DispatchAck{}, err
	}
	if ack.Error != "" {
		return ack, fmt.Errorf("%s", ack.Error)
	}
	return ack, nil
}

// RegisterThunk asks the host to create (and, lock permitting, start) a
// thunk, without an accompanying first action.
func (c *ClientThunkProcessor) RegisterThunk(ctx context.Context, req bridge.RegisterThunkRequest) (bridge.RegisterThunkAck, error) {
	env, err := c.request(ctx, bridge.TypeRegisterThunk, req)
	if err != nil {
		return bridge.RegisterThunkAck{}, err
	}
	var ack bridge.RegisterThunkAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return bridge.RegisterThunkAck{}, err
	}
	if ack.Error != "" {
		return ack, fmt.Errorf("%s", ack.Error)
	}
	return ack, nil
}

// CompleteThunk requests completion of a thunk this client registered.
func (c *ClientThunkProcessor) CompleteThunk(ctx context.Context, thunkID core.ThunkID, result json.RawMessage) (bridge.CompleteThunkAck, error) {
	env, err := c.request(ctx, bridge.TypeCompleteThunk, bridge.CompleteThunkRequest{ThunkID: thunkID, Result: result})
	if err != nil {
		return bridge.CompleteThunkAck{}, err
	}
	var ack bridge.CompleteThunkAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return bridge.CompleteThunkAck{}, err
	}
	if ack.Error != "" {
		return ack, fmt.Errorf("%s", ack.Error)
	}
	return ack, nil
}

// Subscribe/Unsubscribe (un)watch state keys for this connection.
func (c *ClientThunkProcessor) Subscribe(ctx context.Context, keys []string) error {
	_, err := c.request(ctx, bridge.TypeSubscribe, bridge.SubscribeRequest{Keys: keys})
	return err
}
func (c *ClientThunkProcessor) Unsubscribe(ctx context.Context, keys []string) error {
	_, err := c.request(ctx, bridge.TypeUnsubscribe, bridge.UnsubscribeRequest{Keys: keys})
	return err
}

// GetState fetches the current store snapshot.
func (c *ClientThunkProcessor) GetState(ctx context.Context) (json.RawMessage, error) {
	env, err := c.request(ctx, bridge.TypeGetState, struct{}{})
	if err != nil {
		return nil, err
	}
	var res bridge.GetStateResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return nil, err
	}
	return res.State, nil
}

// GetThunkState fetches the host's thunk snapshot, optionally filtered to
// one thunk.
func (c *ClientThunkProcessor) GetThunkState(ctx context.Context, thunkID core.ThunkID) (bridge.ThunkStateResult, error) {
	env, err := c.request(ctx, bridge.TypeGetThunkState, bridge.GetThunkStateRequest{ThunkID: thunkID})
	if err != nil {
		return bridge.ThunkStateResult{}, err
	}
	var res bridge.ThunkStateResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return bridge.ThunkStateResult{}, err
	}
	return res, nil
}

// RunThunk registers a root thunk, runs body with a dispatch func that tags
// every action onto it, and completes the thunk whether body succeeds or
// fails. This is the idiomatic way a client runs a multi-action sequence
// under one lock-held thunk.
func (c *ClientThunkProcessor) RunThunk(ctx context.Context, thunkID core.ThunkID, keys []string, body func(dispatch func(core.Action) (bridge.DispatchAck, error)) error) error {
	if _, err := c.RegisterThunk(ctx, bridge.RegisterThunkRequest{ThunkID: thunkID, Keys: keys}); err != nil {
		return err
	}

	dispatch := func(a core.Action) (bridge.DispatchAck, error) {
		a.ParentThunkID = thunkID
		return c.Dispatch(ctx, a)
	}

	bodyErr := body(dispatch)
	if _, err := c.CompleteThunk(ctx, thunkID, nil); err != nil {
		if bodyErr != nil {
			return bodyErr
		}
		return err
	}
	return bodyErr
}

// Close closes the underlying connection.
func (c *ClientThunkProcessor) Close() error {
	return c.conn.Close()
}
