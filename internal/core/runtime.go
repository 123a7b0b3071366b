package core

import (
	"context"
	"sync"
	"time"

	"github.com/goosewobbler/zubridge-sub002/internal/async"
	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// Config holds the runtime's tunables, per spec.md §6's option set.
type Config struct {
	ActionCompletionTimeout time.Duration
	MaxQueueSize            int
	MaxConcurrentTasks      int64
	EnableBatching          bool

	EnablePeriodicCleanup  bool
	CleanupInterval        time.Duration
	PendingUpdateMaxAge    time.Duration
	MaxSubscriptionClients int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ActionCompletionTimeout: 10 * time.Second,
		MaxQueueSize:            100,
		MaxConcurrentTasks:      16,
		EnablePeriodicCleanup:   true,
		CleanupInterval:         10 * time.Minute,
		PendingUpdateMaxAge:     5 * time.Minute,
		MaxSubscriptionClients:  1000,
	}
}

// gateHolder breaks the construction cycle between ThunkScheduler (which
// needs a LockGate) and ThunkLifecycleManager (which needs the scheduler):
// the scheduler is built first against a gateHolder, which is pointed at the
// lifecycle manager once it exists.
type gateHolder struct {
	mu        sync.RWMutex
	lifecycle *ThunkLifecycleManager
}

func (g *gateHolder) bind(l *ThunkLifecycleManager) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lifecycle = l
}

func (g *gateHolder) LockHeld() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lifecycle != nil && g.lifecycle.LockHeld()
}

func (g *gateHolder) InCurrentRootTree(thunkID ThunkID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lifecycle != nil && g.lifecycle.InCurrentRootTree(thunkID)
}

// Runtime wires every core component together over one StateManager
// adapter, per spec.md §9 ("explicit runtime instance, not package-level
// globals").
type Runtime struct {
	Lifecycle     *ThunkLifecycleManager
	Scheduler     *ThunkScheduler
	ActionQueue   *ActionQueueManager
	Registration  *ThunkRegistrationQueue
	MainThunk     *MainThunkProcessor
	Subscriptions *SubscriptionRegistry
	StateUpdates  *StateUpdateTracker
	Executor      *ActionExecutor
	StateManager  StateManager

	Config Config
	logger logging.Logger

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// NewRuntime constructs a fully wired Runtime over sm.
func NewRuntime(sm StateManager, cfg Config, logger logging.Logger) *Runtime {
	logger = logging.OrNop(logger)

	gate := &gateHolder{}
	scheduler := NewThunkScheduler(gate, cfg.MaxConcurrentTasks, logger)
	updateTracker := NewStateUpdateTracker()
	lifecycle := NewThunkLifecycleManager(scheduler, updateTracker, logger)
	gate.bind(lifecycle)

	executor := NewActionExecutor(sm, logger)
	actionQueue := NewActionQueueManager(executor, scheduler, lifecycle, cfg.MaxQueueSize, logger)
	lifecycle.SetPendingActionsChecker(actionQueue)

	registration := NewThunkRegistrationQueue(lifecycle, logger)
	lifecycle.Events.On(func(ev LifecycleEvent) {
		if ev.Kind == EvRootThunkChanged && ev.RootID == "" {
			registration.ProcessNext()
		}
	})

	mainThunk := NewMainThunkProcessor(registration, actionQueue, lifecycle, logger)
	subs := NewSubscriptionRegistry()

	rt := &Runtime{
		Lifecycle:     lifecycle,
		Scheduler:     scheduler,
		ActionQueue:   actionQueue,
		Registration:  registration,
		MainThunk:     mainThunk,
		Subscriptions: subs,
		StateUpdates:  updateTracker,
		Executor:      executor,
		StateManager:  sm,
		Config:        cfg,
		logger:        logger,
		stopCleanup:   make(chan struct{}),
	}

	if cfg.EnablePeriodicCleanup {
		rt.startCleanupLoop()
	}
	return rt
}

// OnActionApplied registers fn to run after every successfully applied
// action, for the bridge layer to hook state broadcasts onto.
func (rt *Runtime) OnActionApplied(fn func(*Action)) {
	rt.ActionQueue.SetOnApplied(fn)
}

// Dispatch routes action through MainThunkProcessor (spec.md §4.10).
func (rt *Runtime) Dispatch(ctx context.Context, action *Action) error {
	return rt.MainThunk.ProcessAction(ctx, action)
}

// BroadcastState registers a pending update addressed to the given clients,
// tagged with thunkID (empty if the update is not thunk-scoped), and returns
// a channel closed once every client acknowledges (or the update is
// reaped).
func (rt *Runtime) BroadcastState(updateID string, thunkID ThunkID, clientIDs []ClientID) <-chan struct{} {
	return rt.StateUpdates.RegisterUpdate(updateID, thunkID, clientIDs, time.Now())
}

// AcknowledgeStateUpdate records clientID's ack and, once the update is
// fully acknowledged, notifies the lifecycle manager so a thunk blocked on
// it can finalize.
func (rt *Runtime) AcknowledgeStateUpdate(updateID string, clientID ClientID) {
	thunkID, exists := rt.StateUpdates.ThunkIDFor(updateID)
	allAcked := rt.StateUpdates.Acknowledge(updateID, clientID)
	if allAcked && exists && thunkID != "" {
		rt.Lifecycle.NotifyStateAcknowledged(thunkID)
	}
}

func (rt *Runtime) startCleanupLoop() {
	interval := rt.Config.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxAge := rt.Config.PendingUpdateMaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}

	async.Go(rt.logger, "runtime.cleanup", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rt.stopCleanup:
				return
			case now := <-ticker.C:
				reaped := rt.StateUpdates.CleanupExpired(maxAge, now)
				for _, r := range reaped {
					if r.ThunkID != "" {
						rt.Lifecycle.NotifyStateAcknowledged(r.ThunkID)
					}
				}
				if len(reaped) > 0 {
					rt.logger.Warn("reaped %d expired pending state updates", len(reaped))
				}
			}
		}
	})
}

// Close stops the background cleanup loop. Safe to call more than once.
func (rt *Runtime) Close() {
	rt.closeOnce.Do(func() {
		close(rt.stopCleanup)
	})
}
