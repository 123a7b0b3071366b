package core

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ClientID identifies a connected client channel handle.
type ClientID string

// ThunkID identifies a Thunk in the arena.
type ThunkID string

// Action is a named intent to mutate state, per spec.md §3. Payload is kept
// opaque (raw JSON) rather than an open map so the wire codec and the store
// adapter are the only places that need to know its shape.
type Action struct {
	ID                  string          `json:"id"`
	Type                string          `json:"type"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	SourceClientID      ClientID        `json:"sourceClientId,omitempty"`
	ParentThunkID       ThunkID         `json:"parentThunkId,omitempty"`
	StartsThunk         bool            `json:"startsThunk,omitempty"`
	EndsThunk           bool            `json:"endsThunk,omitempty"`
	IsFromHost          bool            `json:"isFromHost,omitempty"`
	BypassThunkLock     bool            `json:"bypassThunkLock,omitempty"`
	BypassAccessControl bool            `json:"bypassAccessControl,omitempty"`
	Keys                []string        `json:"keys,omitempty"`
}

// EnsureID assigns a.ID if the caller did not set one, per spec.md §3 ("the
// id is assigned at the boundary if absent").
func (a *Action) EnsureID() {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
}
