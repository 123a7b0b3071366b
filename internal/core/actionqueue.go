package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// ActionQueueManager is the single entry point for dispatching an action: it
// enforces maxQueueSize, turns the action into a ThunkTask for the
// scheduler, and tracks per-thunk in-flight counts so ThunkLifecycleManager
// can ask whether a thunk still has outstanding actions (spec.md §4.8).
type ActionQueueManager struct {
	mu      sync.Mutex
	pending map[ThunkID]int

	maxQueueSize int

	executor  *ActionExecutor
	scheduler *ThunkScheduler
	lifecycle *ThunkLifecycleManager
	logger    logging.Logger

	onApplied func(*Action)
}

// SetOnApplied registers fn to run after an action has been successfully
// applied to the state manager, before its ack is sent. Used by the bridge
// layer to broadcast state updates to subscribed clients without core
// depending on the wire format.
func (q *ActionQueueManager) SetOnApplied(fn func(*Action)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onApplied = fn
}

// NewActionQueueManager constructs a manager. maxQueueSize <= 0 disables the
// overflow check.
func NewActionQueueManager(executor *ActionExecutor, scheduler *ThunkScheduler, lifecycle *ThunkLifecycleManager, maxQueueSize int, logger logging.Logger) *ActionQueueManager {
	return &ActionQueueManager{
		pending:      make(map[ThunkID]int),
		maxQueueSize: maxQueueSize,
		executor:     executor,
		scheduler:    scheduler,
		lifecycle:    lifecycle,
		logger:       logging.OrNop(logger),
	}
}

// Dispatch enqueues action for execution, assigning it a FIFO slot within
// its thunk (or the orphan bucket, for actions outside any thunk). It
// returns a QueueOverflowError synchronously; any StateManager/timeout error
// surfaces later via the scheduler's TaskFailed event and the action's ack.
func (q *ActionQueueManager) Dispatch(ctx context.Context, action *Action) error {
	action.EnsureID()

	q.mu.Lock()
	if q.maxQueueSize > 0 && q.totalPendingLocked() >= q.maxQueueSize {
		q.mu.Unlock()
		return overflowErr("dispatch", fmt.Errorf("queue size %d exceeded", q.maxQueueSize))
	}
	q.pending[action.ParentThunkID]++
	q.mu.Unlock()

	task := &ThunkTask{
		TaskID:             action.ID,
		ThunkID:            action.ParentThunkID,
		Priority:           PriorityNormal,
		CanRunConcurrently: action.BypassThunkLock,
		CreatedAt:          time.Now(),
		Handler: func(ctx context.Context) error {
			err := q.executor.Execute(ctx, action)
			if err == nil {
				q.mu.Lock()
				hook := q.onApplied
				q.mu.Unlock()
				if hook != nil {
					hook(action)
				}
			}
			q.release(action.ParentThunkID)
			return err
		},
	}
	q.scheduler.Enqueue(task)
	q.scheduler.ProcessQueue(ctx)
	return nil
}

func (q *ActionQueueManager) release(thunkID ThunkID) {
	q.mu.Lock()
	q.pending[thunkID]--
	if q.pending[thunkID] <= 0 {
		delete(q.pending, thunkID)
	}
	q.mu.Unlock()

	if thunkID != "" && q.lifecycle != nil {
		q.lifecycle.NotifyActionsDrained(thunkID)
	}
}

// HasPendingActions implements PendingActionsChecker.
func (q *ActionQueueManager) HasPendingActions(thunkID ThunkID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[thunkID] > 0
}

func (q *ActionQueueManager) totalPendingLocked() int {
	n := 0
	for _, c := range q.pending {
		n += c
	}
	return n
}

// QueueDepth reports the total number of in-flight actions, for metrics.
func (q *ActionQueueManager) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalPendingLocked()
}
