package core

import (
	"context"
	"fmt"

	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// ActionExecutor runs one action through the StateManager, per spec.md §4.5.
// It never lets a misbehaving adapter wedge the scheduler: panics and
// rejected completions are logged and returned as a *CoreError, not
// propagated as a Go panic.
type ActionExecutor struct {
	stateManager StateManager
	logger       logging.Logger
}

// NewActionExecutor constructs an executor over sm.
func NewActionExecutor(sm StateManager, logger logging.Logger) *ActionExecutor {
	return &ActionExecutor{stateManager: sm, logger: logging.OrNop(logger)}
}

// Execute auto-assigns action.ID if missing, calls ProcessAction, and
// (for async results) awaits completion or ctx's deadline. The returned
// error, if any, is suitable for the wire ack; it is never a panic.
func (e *ActionExecutor) Execute(ctx context.Context, action *Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("state manager panicked processing action %s (%s): %v", action.ID, action.Type, r)
			err = stateManagerErr("processAction", fmt.Errorf("panic: %v", r))
		}
	}()

	action.EnsureID()

	result, procErr := e.stateManager.ProcessAction(ctx, *action)
	if procErr != nil {
		e.logger.Error("state manager rejected action %s (%s): %v", action.ID, action.Type, procErr)
		return stateManagerErr("processAction", procErr)
	}

	if result.IsSync {
		return nil
	}

	select {
	case completionErr, ok := <-result.Done:
		if !ok {
			return nil
		}
		if completionErr != nil {
			e.logger.Error("async action %s (%s) completed with error: %v", action.ID, action.Type, completionErr)
			return stateManagerErr("processAction.completion", completionErr)
		}
		return nil
	case <-ctx.Done():
		return timeoutErr("processAction", ctx.Err())
	}
}
