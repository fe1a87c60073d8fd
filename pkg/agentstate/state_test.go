package agentstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMachine_LegalTransitionSequence(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(PhasePlanning, EventPlanReady))
	require.NoError(t, m.Transition(PhaseActing, EventBeginActing))
	require.NoError(t, m.Transition(PhaseVerifying, EventActionsApplied))
	require.NoError(t, m.Transition(PhaseActing, EventVerifyFailed))
}

func TestMachine_RejectsWrongEventForEdge(t *testing.T) {
	m := New()
	err := m.Transition(PhasePlanning, EventBeginActing)
	require.Error(t, err)
	require.Equal(t, PhaseExploring, m.Phase())
}

func TestMachine_RejectsIllegalEdge(t *testing.T) {
	m := New()
	err := m.Transition(PhaseVerifying, EventActionsApplied)
	require.Error(t, err)
}

func TestMachine_ActingToExploringRequiresBacktrack(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(PhaseActing, EventBeginActing))
	require.Error(t, m.Transition(PhaseExploring, EventActionsApplied))
	require.NoError(t, m.Transition(PhaseExploring, EventBacktrack))
}

func TestMachine_SaturationDetectsStalledExploration(t *testing.T) {
	m := New()
	m.SaturationLimit = 2
	m.RecordExplorationRound(true)
	require.False(t, m.Saturated())
	m.RecordExplorationRound(false)
	require.False(t, m.Saturated())
	m.RecordExplorationRound(false)
	require.True(t, m.Saturated())
}

func TestMachine_DoomLoopFromBashFailures(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(PhaseActing, EventBeginActing))
	for i := 0; i < 5; i++ {
		m.RecordBashFailure()
	}
	require.True(t, m.DoomLooping())
	m.RecordBashSuccess()
	require.False(t, m.DoomLooping())
}

func TestMachine_DoomLoopFromTestFixCycle(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(PhaseActing, EventBeginActing))
	for i := 0; i < 3; i++ {
		m.RecordTestFailure()
	}
	require.True(t, m.DoomLooping())
	require.True(t, m.DoomLoop().InTestFixCycle)
}

func TestMachine_ActingToVerifyingResetsDoomLoop(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(PhaseActing, EventBeginActing))
	m.RecordBashFailure()
	require.NoError(t, m.Transition(PhaseVerifying, EventActionsApplied))
	require.Equal(t, 0, m.DoomLoop().ConsecutiveBashFailures)
}
