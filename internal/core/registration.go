package core

import (
	"container/list"
	"sync"

	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// PendingRegistration is a root thunk waiting for the current root thunk's
// lock to release before it can start, per spec.md §4.9.
type PendingRegistration struct {
	Thunk *Thunk
	Task  *ThunkTask
}

// ThunkRegistrationQueue serializes root-thunk starts behind the thunk lock.
// Child thunks and lock-bypassing thunks never wait here: they register and
// start immediately, since they do not contend for the root lock.
type ThunkRegistrationQueue struct {
	mu    sync.Mutex
	queue *list.List // FIFO of *PendingRegistration

	lifecycle *ThunkLifecycleManager
	logger    logging.Logger
}

// NewThunkRegistrationQueue constructs an empty queue bound to lifecycle.
func NewThunkRegistrationQueue(lifecycle *ThunkLifecycleManager, logger logging.Logger) *ThunkRegistrationQueue {
	return &ThunkRegistrationQueue{
		queue:     list.New(),
		lifecycle: lifecycle,
		logger:    logging.OrNop(logger),
	}
}

// Register records thunk (and its optional first task) with the lifecycle
// manager, then either starts it immediately (children, bypass-lock thunks,
// or a root thunk arriving while no lock is held) or appends it to the FIFO
// to be started once the lock frees.
func (q *ThunkRegistrationQueue) Register(thunk *Thunk, task *ThunkTask) error {
	if err := q.lifecycle.Register(thunk, task); err != nil {
		return err
	}

	if thunk.ParentID != "" || thunk.BypassThunkLock {
		return q.lifecycle.Execute(thunk.ID)
	}

	if !q.lifecycle.LockHeld() {
		return q.lifecycle.Execute(thunk.ID)
	}

	q.mu.Lock()
	q.queue.PushBack(&PendingRegistration{Thunk: thunk, Task: task})
	q.mu.Unlock()
	q.logger.Debug("queued root thunk %s behind held lock", thunk.ID)
	return nil
}

// ProcessNext starts the next queued root thunk, if any. Callers invoke this
// whenever the lock frees (lifecycle's RootThunkChanged event with an empty
// RootID).
func (q *ThunkRegistrationQueue) ProcessNext() {
	q.mu.Lock()
	front := q.queue.Front()
	if front == nil {
		q.mu.Unlock()
		return
	}
	q.queue.Remove(front)
	q.mu.Unlock()

	reg := front.Value.(*PendingRegistration)
	if err := q.lifecycle.Execute(reg.Thunk.ID); err != nil {
		q.logger.Error("failed to start queued root thunk %s: %v", reg.Thunk.ID, err)
	}
}

// QueueDepth reports how many root thunks are waiting for the lock.
func (q *ThunkRegistrationQueue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// Pending returns a snapshot of queued thunk ids, in FIFO order.
func (q *ThunkRegistrationQueue) Pending() []ThunkID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ThunkID, 0, q.queue.Len())
	for e := q.queue.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*PendingRegistration).Thunk.ID)
	}
	return out
}
