package buildstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSnapshot struct{ states []string }

func (r *recordingSnapshot) SetState(s string) { r.states = append(r.states, s) }

var allStates = []State{NotStarted, Running, Finalizing, Cancelling, Completed, Failed, Cancelled}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	legal := map[[2]State]bool{
		{NotStarted, Running}:    true,
		{Running, Finalizing}:    true,
		{Running, Failed}:        true,
		{Running, Cancelling}:    true,
		{Finalizing, Completed}:  true,
		{Finalizing, Failed}:     true,
		{Finalizing, Cancelling}: true,
		{Cancelling, Cancelled}:  true,
	}
	for _, from := range allStates {
		for _, to := range allStates {
			require.Equal(t, legal[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	t.Parallel()

	for _, s := range allStates {
		if !s.IsTerminal() {
			continue
		}
		for _, to := range allStates {
			require.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
}

func TestMachineMirrorsSnapshot(t *testing.T) {
	t.Parallel()

	snap := &recordingSnapshot{}
	m := New(snap)

	var observed [][2]State
	m.OnTransition(func(from, to State) { observed = append(observed, [2]State{from, to}) })

	require.NoError(t, m.Transition(Running))
	require.NoError(t, m.Transition(Finalizing))
	require.NoError(t, m.Transition(Completed))

	require.Equal(t, Completed, m.Current())
	require.Equal(t, []string{"NotStarted", "Running", "Finalizing", "Completed"}, snap.states)
	require.Equal(t, []State{NotStarted, Running, Finalizing, Completed}, m.History())
	require.Len(t, observed, 3)
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	m := New(nil)
	require.NoError(t, m.Transition(Running))
	require.NoError(t, m.Transition(Cancelling))

	err := m.Transition(Completed)
	var transitionErr *TransitionError
	require.True(t, errors.As(err, &transitionErr))
	require.Equal(t, Cancelling, transitionErr.From)
	require.Equal(t, Completed, transitionErr.To)
	require.Equal(t, Cancelling, m.Current())
}

func TestExitCodes(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, Completed.ExitCode())
	require.Equal(t, 1, Failed.ExitCode())
	require.Equal(t, 130, Cancelled.ExitCode())
}
