package core

import "context"

// Result is returned by StateManager.ProcessAction, per spec.md §4.2. A
// synchronous result means the store mutation is already visible; an
// asynchronous result signals completion (or failure) on Done.
type Result struct {
	IsSync bool
	// Done is closed (or receives a single error) when an async action's
	// mutation has been applied. Unused when IsSync is true.
	Done <-chan error
}

// SyncResult is the Result returned by an adapter that mutates
// synchronously.
func SyncResult() Result { return Result{IsSync: true} }

// AsyncResult wraps a completion channel for an adapter that mutates
// asynchronously. The channel must be sent-to-and-closed, or closed with no
// value, exactly once.
func AsyncResult(done <-chan error) Result { return Result{IsSync: false, Done: done} }

// StateManager is the adapter boundary (spec.md §4.2): the one operation a
// store adapter must implement. It owns the store; after ProcessAction's
// synchronous portion (or after Done resolves) the store must reflect the
// action.
type StateManager interface {
	ProcessAction(ctx context.Context, action Action) (Result, error)
	// State returns the current store snapshot. The shape is adapter
	// specific; core only threads it through to clients.
	State(ctx context.Context) (any, error)
	// Subscribe registers a listener invoked with the new state on every
	// mutation; the returned func unsubscribes.
	Subscribe(listener func(newState any)) (unsubscribe func())
}
