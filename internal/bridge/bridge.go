package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goosewobbler/zubridge-sub002/internal/core"
	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// Bridge is the process-boundary façade embedding applications talk to, per
// spec.md §4.11: it owns the client registry, decodes/encodes the wire
// envelope, and pushes StateUpdate broadcasts whenever an applied action's
// keys match a client's subscriptions.
type Bridge struct {
	rt      *core.Runtime
	clients *ClientTracker
	logger  logging.Logger

	updateSeq uint64
}

// NewBridge constructs a Bridge over rt, tracking at most maxClients
// connections.
func NewBridge(rt *core.Runtime, maxClients int, logger logging.Logger) (*Bridge, error) {
	logger = logging.OrNop(logger)
	b := &Bridge{rt: rt, logger: logger}

	tracker, err := NewClientTracker(maxClients, func(id core.ClientID) {
		rt.Subscriptions.RemoveClient(id)
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bridge: new client tracker: %w", err)
	}
	b.clients = tracker

	rt.OnActionApplied(b.broadcastStateUpdate)
	return b, nil
}

// Connect registers a new channel and returns the client id assigned to it.
func (b *Bridge) Connect(ch Channel) core.ClientID {
	id := core.ClientID(uuid.NewString())
	b.clients.Register(&ClientInfo{ID: id, Channel: ch, ConnectedAt: time.Now()})
	return id
}

// Disconnect removes a client and drops its subscriptions.
func (b *Bridge) Disconnect(id core.ClientID) {
	b.clients.Remove(id)
	b.rt.Subscriptions.RemoveClient(id)
}

// HandleMessage decodes one envelope from clientID and dispatches it,
// writing any synchronous reply back over that client's channel.
func (b *Bridge) HandleMessage(ctx context.Context, clientID core.ClientID, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Warn("client %s sent malformed envelope: %v", clientID, err)
		return
	}

	switch env.Type {
	case TypeDispatch:
		b.handleDispatch(ctx, clientID, env)
	case TypeDispatchBatch:
		b.handleDispatchBatch(ctx, clientID, env)
	case TypeRegisterThunk:
		b.handleRegisterThunk(clientID, env)
	case TypeCompleteThunk:
		b.handleCompleteThunk(clientID, env)
	case TypeStateUpdateAck:
		b.handleStateUpdateAck(clientID, env)
	case TypeGetState:
		b.handleGetState(ctx, clientID, env)
	case TypeGetClientId:
		b.reply(clientID, env.ID, TypeGetClientIdResult, GetClientIdResult{ClientID: clientID})
	case TypeGetThunkState:
		b.handleGetThunkState(clientID, env)
	case TypeGetClientSubscriptions:
		b.reply(clientID, env.ID, TypeSubscriptionsResult, SubscriptionsResult{Keys: b.rt.Subscriptions.SubscriptionsFor(clientID)})
	case TypeSubscribe:
		b.handleSubscribe(clientID, env)
	case TypeUnsubscribe:
		b.handleUnsubscribe(clientID, env)
	default:
		b.replyError(clientID, env.ID, fmt.Errorf("unknown message type %q", env.Type))
	}
}

func (b *Bridge) handleDispatch(ctx context.Context, clientID core.ClientID, env Envelope) {
	var req DispatchRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		b.replyError(clientID, env.ID, err)
		return
	}
	action := req.Action
	action.SourceClientID = clientID
	ack := b.dispatchOne(ctx, &action)
	b.reply(clientID, env.ID, TypeDispatchAck, ack)
}

func (b *Bridge) handleDispatchBatch(ctx context.Context, clientID core.ClientID, env Envelope) {
	if !b.rt.Config.EnableBatching {
		b.replyError(clientID, env.ID, fmt.Errorf("batching is disabled"))
		return
	}
	var req DispatchBatchRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		b.replyError(clientID, env.ID, err)
		return
	}
	acks := make([]DispatchAck, 0, len(req.Actions))
	for i := range req.Actions {
		req.Actions[i].SourceClientID = clientID
		acks = append(acks, b.dispatchOne(ctx, &req.Actions[i]))
	}
	b.reply(clientID, env.ID, TypeBatchAck, BatchAck{Acks: acks})
}

func (b *Bridge) dispatchOne(ctx context.Context, action *core.Action) DispatchAck {
	action.EnsureID()
	if !action.BypassAccessControl {
		for _, k := range action.Keys {
			if !b.rt.Subscriptions.IsSubscribedToKey(action.SourceClientID, k) {
				return DispatchAck{ActionID: action.ID, Error: fmt.Sprintf("access denied: not subscribed to %s", k)}
			}
		}
	}
	timeout := b.rt.Config.ActionCompletionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The ack waits for the action's task, so it carries its error.
	done := make(chan error, 1)
	unsub := b.rt.Scheduler.OnEvent(func(ev core.TaskEvent) {
		if ev.Task.TaskID == action.ID {
			select {
			case done <- ev.Err:
			default:
			}
		}
	})
	defer unsub()

	if err := b.rt.Dispatch(dctx, action); err != nil {
		return DispatchAck{ActionID: action.ID, Error: err.Error()}
	}
	select {
	case err := <-done:
		if err != nil {
			return DispatchAck{ActionID: action.ID, Error: err.Error()}
		}
	case <-dctx.Done():
		return DispatchAck{ActionID: action.ID, Error: dctx.Err().Error()}
	}
	return DispatchAck{ActionID: action.ID}
}

func (b *Bridge) handleRegisterThunk(clientID core.ClientID, env Envelope) {
	var req RegisterThunkRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		b.replyError(clientID, env.ID, err)
		return
	}
	thunk := core.NewThunk(req.ThunkID, req.ParentThunkID, clientID, core.SourceClient, req.Keys, req.BypassThunkLock, req.BypassAccessControl, time.Now())
	ack := RegisterThunkAck{ThunkID: thunk.ID}
	if err := b.rt.Registration.Register(thunk, nil); err != nil {
		ack.Error = err.Error()
	}
	b.reply(clientID, env.ID, TypeRegisterThunkAck, ack)
}

func (b *Bridge) handleCompleteThunk(clientID core.ClientID, env Envelope) {
	var req CompleteThunkRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		b.replyError(clientID, env.ID, err)
		return
	}
	ack := CompleteThunkAck{ThunkID: req.ThunkID}
	if err := b.rt.Lifecycle.Complete(req.ThunkID, req.Result); err != nil {
		ack.Error = err.Error()
	}
	b.reply(clientID, env.ID, TypeCompleteThunkAck, ack)
}

func (b *Bridge) handleStateUpdateAck(clientID core.ClientID, env Envelope) {
	var req StateUpdateAckRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		b.logger.Warn("client %s sent malformed stateUpdateAck: %v", clientID, err)
		return
	}
	b.rt.AcknowledgeStateUpdate(req.UpdateID, clientID)
}

func (b *Bridge) handleGetState(ctx context.Context, clientID core.ClientID, env Envelope) {
	state, err := b.rt.StateManager.State(ctx)
	if err != nil {
		b.replyError(clientID, env.ID, err)
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		b.replyError(clientID, env.ID, err)
		return
	}
	b.reply(clientID, env.ID, TypeGetStateResult, GetStateResult{State: raw})
}

func (b *Bridge) handleGetThunkState(clientID core.ClientID, env Envelope) {
	var req GetThunkStateRequest
	_ = json.Unmarshal(env.Payload, &req)

	all := b.rt.Lifecycle.Snapshot()
	if req.ThunkID == "" {
		b.reply(clientID, env.ID, TypeThunkStateResult, ThunkStateResult{Thunks: all})
		return
	}
	for _, snap := range all {
		if snap.ID == req.ThunkID {
			b.reply(clientID, env.ID, TypeThunkStateResult, ThunkStateResult{Thunks: []core.ThunkSnapshot{snap}})
			return
		}
	}
	b.reply(clientID, env.ID, TypeThunkStateResult, ThunkStateResult{})
}

func (b *Bridge) handleSubscribe(clientID core.ClientID, env Envelope) {
	var req SubscribeRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		b.replyError(clientID, env.ID, err)
		return
	}
	b.rt.Subscriptions.Subscribe(clientID, req.Keys)
	b.reply(clientID, env.ID, TypeSubscriptionsResult, SubscriptionsResult{Keys: b.rt.Subscriptions.SubscriptionsFor(clientID)})
}

func (b *Bridge) handleUnsubscribe(clientID core.ClientID, env Envelope) {
	var req UnsubscribeRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		b.replyError(clientID, env.ID, err)
		return
	}
	b.rt.Subscriptions.Unsubscribe(clientID, req.Keys)
	b.reply(clientID, env.ID, TypeSubscriptionsResult, SubscriptionsResult{Keys: b.rt.Subscriptions.SubscriptionsFor(clientID)})
}

// broadcastStateUpdate runs after every successfully applied action: it
// pushes the current state to every client whose subscriptions cover the
// action's declared keys, and opens a pending acknowledgment window on
// Runtime so the owning thunk (if any) cannot finalize until every
// recipient acks.
func (b *Bridge) broadcastStateUpdate(action *core.Action) {
	targets := b.rt.Subscriptions.GetSubscribedClients(action.Keys)
	if len(targets) == 0 {
		return
	}

	state, err := b.rt.StateManager.State(context.Background())
	if err != nil {
		b.logger.Error("broadcast: failed to read state after action %s: %v", action.ID, err)
		return
	}
	stateBytes, err := json.Marshal(state)
	if err != nil {
		b.logger.Error("broadcast: failed to marshal state: %v", err)
		return
	}

	updateID := fmt.Sprintf("upd-%d", atomic.AddUint64(&b.updateSeq, 1))
	b.rt.BroadcastState(updateID, action.ParentThunkID, targets)

	payload, err := json.Marshal(StateUpdate{UpdateID: updateID, ThunkID: action.ParentThunkID, State: stateBytes, Keys: action.Keys})
	if err != nil {
		b.logger.Error("broadcast: failed to marshal update: %v", err)
		return
	}
	for _, clientID := range targets {
		b.reply(clientID, "", TypeStateUpdate, json.RawMessage(payload))
	}
}

func (b *Bridge) reply(clientID core.ClientID, correlationID, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("reply: failed to marshal %s payload: %v", msgType, err)
		return
	}
	env := Envelope{Type: msgType, ID: correlationID, Payload: raw}
	out, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("reply: failed to marshal envelope: %v", err)
		return
	}
	b.send(clientID, out)
}

func (b *Bridge) replyError(clientID core.ClientID, correlationID string, err error) {
	b.logger.Warn("client %s request failed: %v", clientID, err)
	kind := "UnknownError"
	if ce, ok := err.(*core.CoreError); ok {
		kind = ce.Kind.String()
	}
	b.reply(clientID, correlationID, TypeError, ErrorPayload{Kind: kind, Message: err.Error()})
}

func (b *Bridge) send(clientID core.ClientID, raw []byte) {
	info, ok := b.clients.Get(clientID)
	if !ok {
		return
	}
	if err := info.Channel.Send(raw); err != nil {
		b.logger.Warn("failed to send to client %s: %v", clientID, err)
	}
}
