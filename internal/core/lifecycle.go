package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// PendingActionsChecker reports whether a thunk still has in-flight
// actions, per spec.md §4.7 ("asked from ActionProcessor"). ActionQueueManager
// implements it.
type PendingActionsChecker interface {
	HasPendingActions(thunkID ThunkID) bool
}

// ThunkLifecycleManager owns the registry of all Thunks, the identity of the
// current root, and the six lifecycle events, per spec.md §4.7.
type ThunkLifecycleManager struct {
	mu sync.Mutex

	thunks              map[ThunkID]*Thunk
	currentRootID       ThunkID
	completionRequested map[ThunkID]bool
	storedResult        map[ThunkID]any
	finalized           map[ThunkID]bool
	doneCh              map[ThunkID]chan struct{}

	scheduler      *ThunkScheduler
	updateTracker  *StateUpdateTracker
	pendingActions PendingActionsChecker
	logger         logging.Logger

	Events LifecycleEmitter
}

// NewThunkLifecycleManager constructs a manager wired to scheduler and
// updateTracker. SetPendingActionsChecker must be called once the
// ActionQueueManager exists (the two have a natural two-way dependency).
func NewThunkLifecycleManager(scheduler *ThunkScheduler, updateTracker *StateUpdateTracker, logger logging.Logger) *ThunkLifecycleManager {
	return &ThunkLifecycleManager{
		thunks:              make(map[ThunkID]*Thunk),
		completionRequested: make(map[ThunkID]bool),
		storedResult:        make(map[ThunkID]any),
		finalized:           make(map[ThunkID]bool),
		doneCh:              make(map[ThunkID]chan struct{}),
		scheduler:           scheduler,
		updateTracker:       updateTracker,
		logger:              logging.OrNop(logger),
	}
}

// SetPendingActionsChecker wires the ActionQueueManager in after construction.
func (m *ThunkLifecycleManager) SetPendingActionsChecker(p PendingActionsChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingActions = p
}

// Register inserts thunk in Pending, links it to its parent's children set
// if any, and optionally enqueues its first task. Emits ThunkRegistered.
func (m *ThunkLifecycleManager) Register(thunk *Thunk, task *ThunkTask) error {
	m.mu.Lock()
	if thunk.ParentID != "" {
		parent, ok := m.thunks[thunk.ParentID]
		if !ok {
			m.mu.Unlock()
			return validationErr("register", fmt.Errorf("unknown parent thunk %s", thunk.ParentID))
		}
		parent.AddChild(thunk.ID)
	}
	m.thunks[thunk.ID] = thunk
	m.doneCh[thunk.ID] = make(chan struct{})
	m.mu.Unlock()

	if task != nil {
		m.scheduler.Enqueue(task)
	}
	m.Events.emit(LifecycleEvent{Kind: EvThunkRegistered, ThunkID: thunk.ID})
	return nil
}

// Execute transitions Pending -> Executing, claiming the lock as the current
// root if none is held and the thunk is a non-bypass root. Emits
// ThunkStarted and, if it became root, RootThunkChanged.
func (m *ThunkLifecycleManager) Execute(thunkID ThunkID) error {
	t, ok := m.GetThunk(thunkID)
	if !ok {
		return validationErr("execute", fmt.Errorf("unknown thunk %s", thunkID))
	}
	if err := t.Activate(); err != nil {
		return err
	}

	becameRoot := false
	m.mu.Lock()
	if t.ParentID == "" && !t.BypassThunkLock && m.currentRootID == "" {
		m.currentRootID = thunkID
		becameRoot = true
	}
	m.mu.Unlock()

	m.Events.emit(LifecycleEvent{Kind: EvThunkStarted, ThunkID: thunkID})
	if becameRoot {
		m.Events.emit(LifecycleEvent{Kind: EvRootThunkChanged, RootID: thunkID})
	}
	// Tasks queued for this thunk (or for orphans freed by a released lock)
	// may now be eligible; re-dispatch rather than waiting on the next
	// unrelated task completion.
	m.scheduler.ProcessQueue(context.Background())
	return nil
}

// Complete requests completion of thunkID. If pending actions, state
// updates or unfinished child thunks remain, the request is recorded but
// finalization is deferred until NotifyActionsDrained/NotifyStateAcknowledged
// or the last child's finalization re-evaluate it.
func (m *ThunkLifecycleManager) Complete(thunkID ThunkID, result any) error {
	if _, ok := m.GetThunk(thunkID); !ok {
		return validationErr("complete", fmt.Errorf("unknown thunk %s", thunkID))
	}
	m.mu.Lock()
	m.completionRequested[thunkID] = true
	m.storedResult[thunkID] = result
	m.mu.Unlock()
	return m.attemptFinalize(thunkID)
}

// Fail immediately transitions thunkID to Failed (it does not cascade to
// descendants, per spec.md's resolved open question) and attempts
// finalization; finalization, and with it release of the lock, still waits
// until every descendant has finalized.
func (m *ThunkLifecycleManager) Fail(thunkID ThunkID, cause error) error {
	t, ok := m.GetThunk(thunkID)
	if !ok {
		return validationErr("fail", fmt.Errorf("unknown thunk %s", thunkID))
	}
	if err := t.Fail(cause); err != nil {
		return err
	}
	return m.attemptFinalize(thunkID)
}

// NotifyActionsDrained re-evaluates finalization for thunkID after its
// pending-action set has emptied.
func (m *ThunkLifecycleManager) NotifyActionsDrained(thunkID ThunkID) {
	_ = m.attemptFinalize(thunkID)
}

// NotifyStateAcknowledged re-evaluates finalization for thunkID after a
// state update tagged with it has been fully acknowledged (or reaped).
func (m *ThunkLifecycleManager) NotifyStateAcknowledged(thunkID ThunkID) {
	_ = m.attemptFinalize(thunkID)
}

func (m *ThunkLifecycleManager) attemptFinalize(thunkID ThunkID) error {
	t, ok := m.GetThunk(thunkID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	for _, childID := range t.ChildIDs() {
		if _, live := m.thunks[childID]; live && !m.finalized[childID] {
			m.mu.Unlock()
			return nil // a descendant has not finalized yet
		}
	}
	m.mu.Unlock()

	if t.StateOf() == ThunkExecuting {
		m.mu.Lock()
		requested := m.completionRequested[thunkID]
		result := m.storedResult[thunkID]
		m.mu.Unlock()
		if !requested || m.hasOutstanding(thunkID) {
			return nil // still running, or completion not yet requested
		}
		if err := t.Complete(result); err != nil {
			return err
		}
	}

	if !t.IsTerminal() {
		return nil // Pending, nothing to finalize yet
	}
	if m.hasOutstanding(thunkID) {
		return nil // terminal but actions/updates still draining
	}

	m.mu.Lock()
	if m.finalized[thunkID] {
		m.mu.Unlock()
		return nil // idempotent
	}
	m.finalized[thunkID] = true
	wasRoot := m.currentRootID == thunkID
	if wasRoot {
		m.currentRootID = ""
	}
	done := m.doneCh[thunkID]
	m.mu.Unlock()

	m.scheduler.RemoveTasks(thunkID)

	kind := EvThunkCompleted
	if t.StateOf() == ThunkFailed {
		kind = EvThunkFailed
	}
	m.Events.emit(LifecycleEvent{Kind: kind, ThunkID: thunkID, Err: t.Err})

	if wasRoot {
		m.Events.emit(LifecycleEvent{Kind: EvRootThunkChanged, RootID: ""})
		m.Events.emit(LifecycleEvent{Kind: EvRootThunkCompleted, ThunkID: thunkID})
		m.scheduler.ProcessQueue(context.Background())
	}
	if done != nil {
		close(done)
	}
	if t.ParentID != "" {
		_ = m.attemptFinalize(t.ParentID) // the parent may have been waiting on this child
	}
	return nil
}

func (m *ThunkLifecycleManager) hasOutstanding(thunkID ThunkID) bool {
	m.mu.Lock()
	checker := m.pendingActions
	m.mu.Unlock()
	if checker != nil && checker.HasPendingActions(thunkID) {
		return true
	}
	return m.updateTracker.HasPendingFor(thunkID)
}

// IsFullyComplete reports spec.md §3 invariant 5.
func (m *ThunkLifecycleManager) IsFullyComplete(thunkID ThunkID) bool {
	t, ok := m.GetThunk(thunkID)
	if !ok {
		return true // evicted thunks are, by construction, already fully complete
	}
	return t.IsTerminal() && !m.hasOutstanding(thunkID)
}

// WaitChan returns the one-shot channel closed when thunkID becomes fully
// complete, per spec.md §9's preference for a signalled wait over polling.
func (m *ThunkLifecycleManager) WaitChan(thunkID ThunkID) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.doneCh[thunkID]
	return ch, ok
}

// GetThunk returns the thunk by id.
func (m *ThunkLifecycleManager) GetThunk(thunkID ThunkID) (*Thunk, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thunks[thunkID]
	return t, ok
}

// CurrentRoot returns the current root thunk id, or "" if the lock is free.
func (m *ThunkLifecycleManager) CurrentRoot() ThunkID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRootID
}

// LockHeld implements LockGate.
func (m *ThunkLifecycleManager) LockHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRootID != ""
}

// InCurrentRootTree implements LockGate: reports whether thunkID is the
// current root or a descendant of it, walking parent links.
func (m *ThunkLifecycleManager) InCurrentRootTree(thunkID ThunkID) bool {
	m.mu.Lock()
	root := m.currentRootID
	m.mu.Unlock()
	if root == "" || thunkID == "" {
		return false
	}
	cur := thunkID
	for {
		if cur == root {
			return true
		}
		t, ok := m.GetThunk(cur)
		if !ok || t.ParentID == "" {
			return false
		}
		cur = t.ParentID
	}
}

// CanProcessImmediately implements spec.md §4.7: bypass flag, or an idle
// scheduler.
func (m *ThunkLifecycleManager) CanProcessImmediately(a *Action) bool {
	return a.BypassThunkLock || m.scheduler.GetQueueStatus().IsIdle
}

// ThunkSnapshot is a introspectable view of one thunk, backing GetThunkState.
type ThunkSnapshot struct {
	ID       ThunkID
	ParentID ThunkID
	State    ThunkState
}

// Snapshot returns every known thunk, for the GetThunkState RPC (spec.md §6).
func (m *ThunkLifecycleManager) Snapshot() []ThunkSnapshot {
	m.mu.Lock()
	ids := make([]ThunkID, 0, len(m.thunks))
	for id := range m.thunks {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]ThunkSnapshot, 0, len(ids))
	for _, id := range ids {
		t, ok := m.GetThunk(id)
		if !ok {
			continue
		}
		out = append(out, ThunkSnapshot{ID: t.ID, ParentID: t.ParentID, State: t.StateOf()})
	}
	return out
}

// Evict removes a fully-complete thunk from the registry, per spec.md §3
// ("Lifecycle"): thunks are retained until isFullyComplete resolves the
// dispatcher's await, then evicted.
func (m *ThunkLifecycleManager) Evict(thunkID ThunkID) {
	if !m.IsFullyComplete(thunkID) {
		return
	}
	m.mu.Lock()
	delete(m.thunks, thunkID)
	delete(m.doneCh, thunkID)
	delete(m.completionRequested, thunkID)
	delete(m.storedResult, thunkID)
	delete(m.finalized, thunkID)
	m.mu.Unlock()
}
