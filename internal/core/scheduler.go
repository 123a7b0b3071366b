package core

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/goosewobbler/zubridge-sub002/internal/async"
	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// Priority orders tasks across independent thunk trees. Within one thunk,
// enqueue order (FIFO) is preserved regardless of priority (spec.md §4.6).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ThunkTask is a unit of scheduled work bound to a thunk (or, for orphan
// actions awaiting lock release, to no thunk at all), per spec.md §3.
type ThunkTask struct {
	TaskID             string
	ThunkID            ThunkID // empty for orphan (non-thunk) actions
	Priority           Priority
	CanRunConcurrently bool
	Handler            func(ctx context.Context) error
	CreatedAt          time.Time

	seq int64 // insertion order tie-break
}

// TaskEventKind distinguishes the two ThunkScheduler events.
type TaskEventKind int

const (
	TaskCompleted TaskEventKind = iota
	TaskFailed
)

// TaskEvent is delivered to ThunkScheduler listeners.
type TaskEvent struct {
	Kind TaskEventKind
	Task *ThunkTask
	Err  error
}

// LockGate lets ThunkScheduler ask ThunkLifecycleManager whether the thunk
// lock is held and whether a given thunk belongs to the current root's tree,
// without the scheduler owning lifecycle state itself.
type LockGate interface {
	LockHeld() bool
	InCurrentRootTree(thunkID ThunkID) bool
}

// QueueStatus reports whether the scheduler has no pending or running work.
type QueueStatus struct {
	IsIdle bool
}

// ThunkScheduler is a priority queue of ThunkTask gated by the thunk lock,
// per spec.md §4.6.
type ThunkScheduler struct {
	mu sync.Mutex

	gate   LockGate
	logger logging.Logger
	sem    *semaphore.Weighted

	// perThunk preserves FIFO order within one thunk. The empty ThunkID
	// bucket holds orphan (non-thunk) tasks.
	perThunk map[ThunkID]*list.List
	running  map[string]*ThunkTask
	nextSeq  int64

	listenersMu sync.Mutex
	listeners   []func(TaskEvent)
}

// NewThunkScheduler constructs a scheduler gated by gate, running at most
// maxConcurrent task handlers at once.
func NewThunkScheduler(gate LockGate, maxConcurrent int64, logger logging.Logger) *ThunkScheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &ThunkScheduler{
		gate:     gate,
		logger:   logging.OrNop(logger),
		sem:      semaphore.NewWeighted(maxConcurrent),
		perThunk: make(map[ThunkID]*list.List),
		running:  make(map[string]*ThunkTask),
	}
}

// Enqueue adds a task to its thunk's FIFO bucket.
func (s *ThunkScheduler) Enqueue(task *ThunkTask) {
	s.mu.Lock()
	s.nextSeq++
	task.seq = s.nextSeq
	bucket, ok := s.perThunk[task.ThunkID]
	if !ok {
		bucket = list.New()
		s.perThunk[task.ThunkID] = bucket
	}
	bucket.PushBack(task)
	s.mu.Unlock()
}

// RemoveTasks drops all still-pending (not yet running) tasks for thunkID,
// for use when a thunk terminates. Returns the count removed.
func (s *ThunkScheduler) RemoveTasks(thunkID ThunkID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.perThunk[thunkID]
	if !ok {
		return 0
	}
	n := bucket.Len()
	delete(s.perThunk, thunkID)
	return n
}

// GetRunningTasks returns a snapshot of the currently running tasks.
func (s *ThunkScheduler) GetRunningTasks() []*ThunkTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ThunkTask, 0, len(s.running))
	for _, t := range s.running {
		out = append(out, t)
	}
	return out
}

// GetQueueStatus reports idleness: no running tasks and nothing queued.
func (s *ThunkScheduler) GetQueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.running) > 0 {
		return QueueStatus{IsIdle: false}
	}
	for _, bucket := range s.perThunk {
		if bucket.Len() > 0 {
			return QueueStatus{IsIdle: false}
		}
	}
	return QueueStatus{IsIdle: true}
}

// OnEvent registers a listener for taskCompleted/taskFailed and returns an
// unsubscribe func. Delivery is synchronous; listeners must not re-enter the
// scheduler while holding its lock (spec.md §9 "Event emitters").
func (s *ThunkScheduler) OnEvent(h func(TaskEvent)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, h)
	idx := len(s.listeners) - 1
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		s.listeners[idx] = nil
	}
}

func (s *ThunkScheduler) emit(ev TaskEvent) {
	s.listenersMu.Lock()
	snapshot := make([]func(TaskEvent), len(s.listeners))
	copy(snapshot, s.listeners)
	s.listenersMu.Unlock()
	for _, h := range snapshot {
		if h != nil {
			h(ev)
		}
	}
}

// eligibleHeads returns, for each thunk bucket with a non-empty queue, its
// front task if that task is currently eligible to run and no task from
// that thunk is already running (preserving per-thunk FIFO).
func (s *ThunkScheduler) eligibleHeads() []*ThunkTask {
	var heads []*ThunkTask
	for thunkID, bucket := range s.perThunk {
		if bucket.Len() == 0 {
			continue
		}
		if s.thunkHasRunningLocked(thunkID) {
			continue
		}
		front := bucket.Front().Value.(*ThunkTask)
		if s.canRun(front) {
			heads = append(heads, front)
		}
	}
	sort.SliceStable(heads, func(i, j int) bool {
		if heads[i].Priority != heads[j].Priority {
			return heads[i].Priority > heads[j].Priority
		}
		if !heads[i].CreatedAt.Equal(heads[j].CreatedAt) {
			return heads[i].CreatedAt.Before(heads[j].CreatedAt)
		}
		return heads[i].seq < heads[j].seq
	})
	return heads
}

func (s *ThunkScheduler) thunkHasRunningLocked(thunkID ThunkID) bool {
	if thunkID == "" {
		return false // orphan tasks don't serialize against each other
	}
	for _, t := range s.running {
		if t.ThunkID == thunkID {
			return true
		}
	}
	return false
}

func (s *ThunkScheduler) canRun(t *ThunkTask) bool {
	if t.CanRunConcurrently {
		return true
	}
	if !s.gate.LockHeld() {
		return true
	}
	if t.ThunkID == "" {
		return false
	}
	return s.gate.InCurrentRootTree(t.ThunkID)
}

// ProcessQueue dispatches every currently eligible task. It is idempotent
// and safe to call repeatedly (e.g. after every lifecycle transition); tasks
// already running or not yet eligible are left queued.
func (s *ThunkScheduler) ProcessQueue(ctx context.Context) {
	s.mu.Lock()
	heads := s.eligibleHeads()
	var toRun []*ThunkTask
	for _, task := range heads {
		if !s.sem.TryAcquire(1) {
			break
		}
		bucket := s.perThunk[task.ThunkID]
		bucket.Remove(bucket.Front())
		s.running[task.TaskID] = task
		toRun = append(toRun, task)
	}
	s.mu.Unlock()

	for _, task := range toRun {
		s.runTask(ctx, task)
	}
}

func (s *ThunkScheduler) runTask(ctx context.Context, task *ThunkTask) {
	async.Go(s.logger, "scheduler.task."+task.TaskID, func() {
		err := func() error {
			defer s.sem.Release(1)
			return task.Handler(ctx)
		}()

		s.mu.Lock()
		delete(s.running, task.TaskID)
		s.mu.Unlock()

		if err != nil {
			s.emit(TaskEvent{Kind: TaskFailed, Task: task, Err: err})
		} else {
			s.emit(TaskEvent{Kind: TaskCompleted, Task: task})
		}

		// A slot freed up and/or a thunk's FIFO head advanced; re-dispatch.
		s.ProcessQueue(ctx)
	})
}
