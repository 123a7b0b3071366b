// Package store provides a minimal in-memory core.StateManager adapter used
// by the demo binaries and as the reference implementation exercised by the
// end-to-end tests.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/goosewobbler/zubridge-sub002/internal/core"
)

// CounterState is the only state shape this adapter knows about.
type CounterState struct {
	Value int `json:"value"`
}

// payload is the expected shape of an increment/decrement action's Payload.
type payload struct {
	By int `json:"by"`
}

// CounterStore is a trivial synchronous StateManager: "increment" and
// "decrement" add/subtract payload.by (default 1), "double" multiplies the
// current value by two, "reset" zeroes it. Anything else is rejected with
// an error, which the core reports as a StateManagerError.
type CounterStore struct {
	mu        sync.Mutex
	value     int
	listeners []func(any)
}

// NewCounterStore constructs a store starting at zero.
func NewCounterStore() *CounterStore {
	return &CounterStore{}
}

// ProcessAction implements core.StateManager. Every mutation here is
// synchronous, so it always returns core.SyncResult().
func (s *CounterStore) ProcessAction(_ context.Context, action core.Action) (core.Result, error) {
	var p payload
	if len(action.Payload) > 0 {
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return core.Result{}, fmt.Errorf("counterstore: malformed payload for %s: %w", action.Type, err)
		}
	}

	s.mu.Lock()
	switch action.Type {
	case "increment":
		delta := p.By
		if delta == 0 {
			delta = 1
		}
		s.value += delta
	case "decrement":
		delta := p.By
		if delta == 0 {
			delta = 1
		}
		s.value -= delta
	case "double":
		s.value *= 2
	case "reset":
		s.value = 0
	default:
		s.mu.Unlock()
		return core.Result{}, fmt.Errorf("counterstore: unknown action type %q", action.Type)
	}
	newValue := s.value
	listeners := make([]func(any), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	state := CounterState{Value: newValue}
	for _, l := range listeners {
		l(state)
	}
	return core.SyncResult(), nil
}

// State implements core.StateManager.
func (s *CounterStore) State(_ context.Context) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CounterState{Value: s.value}, nil
}

// Subscribe implements core.StateManager.
func (s *CounterStore) Subscribe(listener func(newState any)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners[idx] = nil
	}
}
