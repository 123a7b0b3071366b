// Package bridge implements the host-side IPC façade described in spec.md
// §4.11: the wire envelope clients exchange with Runtime, and the
// connection/subscription bookkeeping that routes between them.
package bridge

import (
	"encoding/json"

	"github.com/goosewobbler/zubridge-sub002/internal/core"
)

// Envelope is the one message shape crossing the wire in either direction;
// Type selects how Payload is decoded.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type tags, per spec.md §6.
const (
	TypeDispatch                = "dispatch"
	TypeDispatchBatch           = "dispatchBatch"
	TypeRegisterThunk           = "registerThunk"
	TypeCompleteThunk           = "completeThunk"
	TypeStateUpdateAck          = "stateUpdateAck"
	TypeGetState                = "getState"
	TypeGetClientId             = "getClientId"
	TypeGetThunkState           = "getThunkState"
	TypeGetClientSubscriptions  = "getClientSubscriptions"
	TypeSubscribe               = "subscribe"
	TypeUnsubscribe             = "unsubscribe"

	TypeStateUpdate       = "stateUpdate"
	TypeDispatchAck       = "dispatchAck"
	TypeBatchAck          = "batchAck"
	TypeRegisterThunkAck  = "registerThunkAck"
	TypeCompleteThunkAck  = "completeThunkAck"
	TypeGetStateResult    = "getStateResult"
	TypeGetClientIdResult = "getClientIdResult"
	TypeThunkStateResult  = "thunkStateResult"
	TypeSubscriptionsResult = "subscriptionsResult"
	TypeError             = "error"
)

// DispatchRequest carries one action to run.
type DispatchRequest struct {
	Action core.Action `json:"action"`
}

// DispatchBatchRequest carries several actions, acked together, gated by
// Config.EnableBatching.
type DispatchBatchRequest struct {
	Actions []core.Action `json:"actions"`
}

// RegisterThunkRequest asks the host to create and (if the lock allows)
// start a thunk without an accompanying first action.
type RegisterThunkRequest struct {
	ThunkID             core.ThunkID `json:"thunkId"`
	ParentThunkID       core.ThunkID `json:"parentThunkId,omitempty"`
	Keys                []string     `json:"keys,omitempty"`
	BypassThunkLock     bool         `json:"bypassThunkLock,omitempty"`
	BypassAccessControl bool         `json:"bypassAccessControl,omitempty"`
}

// CompleteThunkRequest requests completion of an already-registered thunk.
type CompleteThunkRequest struct {
	ThunkID core.ThunkID    `json:"thunkId"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// StateUpdateAckRequest acknowledges receipt of a StateUpdate.
type StateUpdateAckRequest struct {
	UpdateID string `json:"updateId"`
}

// GetThunkStateRequest optionally filters the snapshot to one thunk.
type GetThunkStateRequest struct {
	ThunkID core.ThunkID `json:"thunkId,omitempty"`
}

// SubscribeRequest/UnsubscribeRequest carry the state keys to (un)watch.
type SubscribeRequest struct {
	Keys []string `json:"keys"`
}
type UnsubscribeRequest struct {
	Keys []string `json:"keys"`
}

// StateUpdate is pushed to every client whose subscriptions cover Keys.
type StateUpdate struct {
	UpdateID string          `json:"updateId"`
	ThunkID  core.ThunkID    `json:"thunkId,omitempty"`
	State    json.RawMessage `json:"state"`
	Keys     []string        `json:"keys,omitempty"`
}

// DispatchAck acknowledges a single dispatched action.
type DispatchAck struct {
	ActionID string `json:"actionId"`
	Error    string `json:"error,omitempty"`
}

// BatchAck acknowledges a dispatchBatch, one entry per action.
type BatchAck struct {
	Acks []DispatchAck `json:"acks"`
}

// RegisterThunkAck/CompleteThunkAck acknowledge thunk lifecycle requests.
type RegisterThunkAck struct {
	ThunkID core.ThunkID `json:"thunkId"`
	Error   string       `json:"error,omitempty"`
}
type CompleteThunkAck struct {
	ThunkID core.ThunkID `json:"thunkId"`
	Error   string       `json:"error,omitempty"`
}

// GetStateResult answers getState.
type GetStateResult struct {
	State json.RawMessage `json:"state"`
}

// GetClientIdResult answers getClientId.
type GetClientIdResult struct {
	ClientID core.ClientID `json:"clientId"`
}

// ThunkStateResult answers getThunkState.
type ThunkStateResult struct {
	Thunks []core.ThunkSnapshot `json:"thunks"`
}

// SubscriptionsResult answers getClientSubscriptions.
type SubscriptionsResult struct {
	Keys []string `json:"keys"`
}

// ErrorPayload carries a CoreError's classification and message back to the
// client that triggered it.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
