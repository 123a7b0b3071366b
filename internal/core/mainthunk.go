package core

import (
	"context"
	"time"

	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// MainThunkProcessor is the host-side entry point for every action, per
// spec.md §4.10: it turns startsThunk/endsThunk flags into thunk
// registration and completion requests, and routes every action (including
// a thunk's own first action) through ActionQueueManager uniformly.
type MainThunkProcessor struct {
	registration *ThunkRegistrationQueue
	actionQueue  *ActionQueueManager
	lifecycle    *ThunkLifecycleManager
	logger       logging.Logger
}

// NewMainThunkProcessor constructs a processor wired to the given
// components.
func NewMainThunkProcessor(registration *ThunkRegistrationQueue, actionQueue *ActionQueueManager, lifecycle *ThunkLifecycleManager, logger logging.Logger) *MainThunkProcessor {
	return &MainThunkProcessor{
		registration: registration,
		actionQueue:  actionQueue,
		lifecycle:    lifecycle,
		logger:       logging.OrNop(logger),
	}
}

// ProcessAction implements spec.md §4.10's receive path: on startsThunk,
// creates and registers the Thunk (reparenting the action onto it); the
// action is then always dispatched through ActionQueueManager; on
// endsThunk, requests completion of the owning thunk, which finalizes once
// its actions and any in-flight state updates have drained.
func (p *MainThunkProcessor) ProcessAction(ctx context.Context, action *Action) error {
	action.EnsureID()

	var owningThunk ThunkID
	if action.StartsThunk {
		source := SourceClient
		if action.IsFromHost {
			source = SourceHost
		}
		thunk := NewThunk(ThunkID(action.ID), action.ParentThunkID, action.SourceClientID, source, action.Keys, action.BypassThunkLock, action.BypassAccessControl, time.Now())
		if err := p.registration.Register(thunk, nil); err != nil {
			return err
		}
		action.ParentThunkID = thunk.ID
		owningThunk = thunk.ID
	} else {
		owningThunk = action.ParentThunkID
	}

	if err := p.actionQueue.Dispatch(ctx, action); err != nil {
		return err
	}

	if action.EndsThunk && owningThunk != "" {
		return p.lifecycle.Complete(owningThunk, nil)
	}
	return nil
}
