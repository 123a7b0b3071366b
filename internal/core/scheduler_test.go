package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	held bool
	root ThunkID
}

func (g *fakeGate) LockHeld() bool                         { return g.held }
func (g *fakeGate) InCurrentRootTree(id ThunkID) bool       { return g.held && id == g.root }

func TestSchedulerPerThunkFIFO(t *testing.T) {
	gate := &fakeGate{}
	s := NewThunkScheduler(gate, 4, nil)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(3)

	for i, id := range []string{"a", "b", "c"} {
		s.Enqueue(&ThunkTask{
			TaskID:    id,
			ThunkID:   "thunk-x",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
			Handler: func(ctx context.Context) error {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				wg.Done()
				return nil
			},
		})
	}

	s.ProcessQueue(context.Background())
	waitWithTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, order, "tasks within one thunk run in enqueue order")
}

func TestSchedulerPriorityAcrossThunks(t *testing.T) {
	gate := &fakeGate{}
	s := NewThunkScheduler(gate, 1, nil) // force serialization so priority order is observable

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)

	block := make(chan struct{})
	s.Enqueue(&ThunkTask{
		TaskID:    "blocker",
		ThunkID:   "thunk-blocker",
		Priority:  PriorityLow,
		CreatedAt: time.Now(),
		Handler: func(ctx context.Context) error {
			<-block
			return nil
		},
	})
	s.ProcessQueue(context.Background())

	s.Enqueue(&ThunkTask{
		TaskID:    "low",
		ThunkID:   "thunk-low",
		Priority:  PriorityLow,
		CreatedAt: time.Now(),
		Handler: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, "low")
			mu.Unlock()
			wg.Done()
			return nil
		},
	})
	s.Enqueue(&ThunkTask{
		TaskID:    "high",
		ThunkID:   "thunk-high",
		Priority:  PriorityHigh,
		CreatedAt: time.Now(),
		Handler: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, "high")
			mu.Unlock()
			wg.Done()
			return nil
		},
	})

	close(block)
	s.ProcessQueue(context.Background())
	waitWithTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low"}, order, "higher priority head runs first once a slot frees")
}

func TestSchedulerGatesOnLock(t *testing.T) {
	gate := &fakeGate{held: true, root: "root-thunk"}
	s := NewThunkScheduler(gate, 4, nil)

	var ran int32
	s.Enqueue(&ThunkTask{
		TaskID:  "outsider",
		ThunkID: "not-in-tree",
		Handler: func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})
	s.ProcessQueue(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&ran), "a task outside the current root tree must not run while the lock is held")

	gate.root = "not-in-tree"
	s.ProcessQueue(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, 5*time.Millisecond)
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for scheduled tasks")
	}
}
