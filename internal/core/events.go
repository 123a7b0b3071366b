package core

import "sync"

// LifecycleEventKind is one of the six events ThunkLifecycleManager emits,
// per spec.md §4.7.
type LifecycleEventKind string

const (
	EvThunkRegistered    LifecycleEventKind = "ThunkRegistered"
	EvThunkStarted       LifecycleEventKind = "ThunkStarted"
	EvThunkCompleted     LifecycleEventKind = "ThunkCompleted"
	EvThunkFailed        LifecycleEventKind = "ThunkFailed"
	EvRootThunkChanged   LifecycleEventKind = "RootThunkChanged"
	EvRootThunkCompleted LifecycleEventKind = "RootThunkCompleted"
)

// LifecycleEvent is delivered synchronously to every LifecycleEmitter
// listener.
type LifecycleEvent struct {
	Kind    LifecycleEventKind
	ThunkID ThunkID
	// RootID carries the new current root for EvRootThunkChanged (empty
	// means the lock was released).
	RootID ThunkID
	Err    error
}

// LifecycleEmitter is the in-process pub/sub primitive called for in
// spec.md §9 ("Event emitters"): typed event kinds, synchronous delivery.
// Listeners must not call back into the emitting component while it holds
// its own lock; emit() copies the listener slice before invoking anything
// so a listener is free to subscribe/unsubscribe from within its callback.
type LifecycleEmitter struct {
	mu        sync.Mutex
	listeners []func(LifecycleEvent)
}

// On registers a listener and returns an unsubscribe func.
func (e *LifecycleEmitter) On(h func(LifecycleEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, h)
	idx := len(e.listeners) - 1
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners[idx] = nil
	}
}

func (e *LifecycleEmitter) emit(ev LifecycleEvent) {
	e.mu.Lock()
	snapshot := make([]func(LifecycleEvent), len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()
	for _, h := range snapshot {
		if h != nil {
			h(ev)
		}
	}
}
