package core

import (
	"fmt"
	"sync"
	"time"
)

// ThunkState is one of the monotonic states a Thunk passes through, per
// spec.md §3 invariant 4: Pending -> Executing -> (Completed|Failed).
type ThunkState int

const (
	ThunkPending ThunkState = iota
	ThunkExecuting
	ThunkCompleted
	ThunkFailed
)

func (s ThunkState) String() string {
	switch s {
	case ThunkPending:
		return "pending"
	case ThunkExecuting:
		return "executing"
	case ThunkCompleted:
		return "completed"
	case ThunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ThunkSource identifies which side of the bridge created a thunk.
type ThunkSource int

const (
	SourceHost ThunkSource = iota
	SourceClient
)

func (s ThunkSource) String() string {
	if s == SourceHost {
		return "host"
	}
	return "client"
}

// Thunk is the value object described in spec.md §3/§4.1: id, parent,
// source client, keys, bypass flags, state. Transitions are monotonic and
// refuse to run backwards; a parent becoming Completed before its
// descendants are terminal is enforced by ThunkLifecycleManager, not here.
type Thunk struct {
	mu sync.Mutex

	ID                  ThunkID
	ParentID            ThunkID // empty for root thunks
	SourceClientID      ClientID
	Source              ThunkSource
	State               ThunkState
	Keys                []string
	BypassThunkLock     bool
	BypassAccessControl bool
	Children            map[ThunkID]struct{}
	CreatedAt           time.Time
	Result              any
	Err                 error
}

// NewThunk constructs a Pending thunk.
func NewThunk(id, parentID ThunkID, sourceClientID ClientID, source ThunkSource, keys []string, bypassLock, bypassAccess bool, createdAt time.Time) *Thunk {
	return &Thunk{
		ID:                  id,
		ParentID:            parentID,
		SourceClientID:      sourceClientID,
		Source:              source,
		State:               ThunkPending,
		Keys:                keys,
		BypassThunkLock:     bypassLock,
		BypassAccessControl: bypassAccess,
		Children:            make(map[ThunkID]struct{}),
		CreatedAt:           createdAt,
	}
}

// IsRoot reports whether the thunk has no parent.
func (t *Thunk) IsRoot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ParentID == ""
}

// Activate transitions Pending -> Executing. Refuses any other source state.
func (t *Thunk) Activate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State != ThunkPending {
		return fmt.Errorf("thunk %s: cannot activate from state %s", t.ID, t.State)
	}
	t.State = ThunkExecuting
	return nil
}

// Complete transitions Executing -> Completed. Idempotent: completing an
// already-Completed thunk is a no-op success, per spec.md §4.7 ("duplicate
// complete calls are idempotent").
func (t *Thunk) Complete(result any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == ThunkCompleted {
		return nil
	}
	if t.State != ThunkExecuting {
		return fmt.Errorf("thunk %s: cannot complete from state %s", t.ID, t.State)
	}
	t.State = ThunkCompleted
	t.Result = result
	return nil
}

// Fail transitions to Failed from any non-terminal state. Idempotent.
func (t *Thunk) Fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == ThunkFailed {
		return nil
	}
	if t.State == ThunkCompleted {
		return fmt.Errorf("thunk %s: cannot fail a completed thunk", t.ID)
	}
	t.State = ThunkFailed
	t.Err = err
	return nil
}

// IsTerminal reports whether the thunk is Completed or Failed.
func (t *Thunk) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State == ThunkCompleted || t.State == ThunkFailed
}

// StateOf returns the current state.
func (t *Thunk) StateOf() ThunkState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// AddChild records a child thunk id.
func (t *Thunk) AddChild(childID ThunkID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Children[childID] = struct{}{}
}

// ChildIDs returns a snapshot of the child thunk ids.
func (t *Thunk) ChildIDs() []ThunkID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ThunkID, 0, len(t.Children))
	for id := range t.Children {
		out = append(out, id)
	}
	return out
}
