package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThunkStateMachine(t *testing.T) {
	th := NewThunk("t1", "", "client-1", SourceClient, nil, false, false, time.Now())
	require.Equal(t, ThunkPending, th.StateOf())
	require.True(t, th.IsRoot())

	require.NoError(t, th.Activate())
	require.Equal(t, ThunkExecuting, th.StateOf())

	require.Error(t, th.Activate(), "activating twice must fail")

	require.NoError(t, th.Complete("ok"))
	require.Equal(t, ThunkCompleted, th.StateOf())
	require.True(t, th.IsTerminal())

	require.NoError(t, th.Complete("ok"), "completing twice is idempotent")
	require.Error(t, th.Fail(nil), "a completed thunk cannot fail")
}

func TestThunkFailIsIdempotentAndTerminal(t *testing.T) {
	th := NewThunk("t2", "", "client-1", SourceClient, nil, false, false, time.Now())
	require.NoError(t, th.Activate())

	cause := assertErr("boom")
	require.NoError(t, th.Fail(cause))
	require.Equal(t, ThunkFailed, th.StateOf())
	require.True(t, th.IsTerminal())

	require.NoError(t, th.Fail(assertErr("again")), "failing twice is idempotent, first cause sticks")
	require.Equal(t, cause, th.Err)
}

func TestThunkChildren(t *testing.T) {
	th := NewThunk("parent", "", "client-1", SourceClient, nil, false, false, time.Now())
	th.AddChild("child-a")
	th.AddChild("child-b")
	require.ElementsMatch(t, []ThunkID{"child-a", "child-b"}, th.ChildIDs())
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(s string) error { return testErr(s) }
