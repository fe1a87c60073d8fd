package economics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracker_SoftWarnFiresOnceThenRecoveryNeeded(t *testing.T) {
	tr := New(Budget{MaxTokens: 100, SoftLimitTokens: 50})

	tr.AddTokens(60)
	d := tr.Check()
	require.Equal(t, OutcomeSoftWarn, d.Outcome)
	require.NotEmpty(t, d.InjectedPrompt)

	// Still over soft limit but already warned once: stays OK, not a
	// repeated warning.
	d = tr.Check()
	require.Equal(t, OutcomeOK, d.Outcome)

	tr.AddTokens(50)
	d = tr.Check()
	require.Equal(t, OutcomeRecoveryNeeded, d.Outcome)
}

func TestTracker_MaxIterationsHardStops(t *testing.T) {
	tr := New(Budget{MaxTokens: 1_000_000, MaxIterations: 2})
	tr.AddIteration()
	tr.AddIteration()
	require.Equal(t, OutcomeHardStop, tr.Check().Outcome)
}

func TestTracker_AttemptRecoverySucceedsAboveThresholdAndLatches(t *testing.T) {
	tr := New(Budget{MaxTokens: 100})
	tr.AddTokens(100)
	require.Equal(t, OutcomeRecoveryNeeded, tr.Check().Outcome)

	d := tr.AttemptRecovery(1000, 700) // 30% reduction, above the 20% threshold
	require.Equal(t, OutcomeOK, d.Outcome)
	require.True(t, tr.Recovered())

	// A second token-budget violation after a successful recovery never
	// gets another attempt: it resolves straight to hard stop.
	tr.AddTokens(tr.budget.MaxTokens + tr.recoveryBonusTokens)
	require.Equal(t, OutcomeHardStop, tr.Check().Outcome)
}

func TestTracker_AttemptRecoveryFailsBelowThreshold(t *testing.T) {
	tr := New(Budget{MaxTokens: 100})
	tr.AddTokens(100)
	require.Equal(t, OutcomeRecoveryNeeded, tr.Check().Outcome)

	d := tr.AttemptRecovery(1000, 900) // 10% reduction, below the 20% threshold
	require.Equal(t, OutcomeHardStop, d.Outcome)
	require.False(t, tr.Recovered())

	// The attempt is one-shot regardless of outcome: calling again
	// always reports hard stop without re-evaluating the reduction.
	d = tr.AttemptRecovery(1000, 100)
	require.Equal(t, OutcomeHardStop, d.Outcome)
}

func TestFingerprint_StableAcrossArgumentOrder(t *testing.T) {
	a := Fingerprint("bash", map[string]any{"cmd": "ls", "cwd": "/tmp"})
	b := Fingerprint("bash", map[string]any{"cwd": "/tmp", "cmd": "ls"})
	require.Equal(t, a, b)
}

func TestFingerprint_DiffersByToolOrArgs(t *testing.T) {
	a := Fingerprint("bash", map[string]any{"cmd": "ls"})
	b := Fingerprint("bash", map[string]any{"cmd": "pwd"})
	require.NotEqual(t, a, b)
}

func TestDoomLoopDetector_FlagsAfterThresholdAcrossProducers(t *testing.T) {
	d := NewDoomLoopDetector(3)
	fp := Fingerprint("test", map[string]any{"target": "./..."})

	require.False(t, d.Observe(fp)) // producer A
	require.False(t, d.Observe(fp)) // producer B
	require.True(t, d.Observe(fp))  // producer C trips it

	d.Reset(fp)
	require.False(t, d.Observe(fp))
}
