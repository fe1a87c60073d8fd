package decompose

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssignWaves_IndependentSubtasksShareWaveZero(t *testing.T) {
	subtasks := []Subtask{
		{ID: "a", Capability: CapabilityCode},
		{ID: "b", Capability: CapabilityResearch},
	}
	waves, err := AssignWaves(subtasks)
	require.NoError(t, err)
	require.Len(t, waves, 1)
	require.Len(t, waves[0].Subtasks, 2)
}

func TestAssignWaves_PipelineOrdersSequentially(t *testing.T) {
	subtasks := []Subtask{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}
	waves, err := AssignWaves(subtasks)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	require.Equal(t, "a", waves[0].Subtasks[0].ID)
	require.Equal(t, "b", waves[1].Subtasks[0].ID)
	require.Equal(t, "c", waves[2].Subtasks[0].ID)
}

func TestAssignWaves_FanOutMergeShape(t *testing.T) {
	subtasks := []Subtask{
		{ID: "a"},
		{ID: "b"},
		{ID: "merge", DependsOn: []string{"a", "b"}},
	}
	waves, err := AssignWaves(subtasks)
	require.NoError(t, err)
	require.Len(t, waves, 2)
	require.Len(t, waves[0].Subtasks, 2)
	require.Equal(t, "merge", waves[1].Subtasks[0].ID)
}

func TestAssignWaves_DetectsCycle(t *testing.T) {
	subtasks := []Subtask{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	_, err := AssignWaves(subtasks)
	require.Error(t, err)
}

func TestValidate_RejectsUnknownDependency(t *testing.T) {
	err := validate([]Subtask{{ID: "a", DependsOn: []string{"ghost"}}})
	require.Error(t, err)
}

func TestResourceConflicts_FlagsSharedHints(t *testing.T) {
	wave := Wave{Subtasks: []Subtask{
		{ID: "a", ResourceHints: []string{"pkg/foo"}},
		{ID: "b", ResourceHints: []string{"pkg/foo"}},
		{ID: "c", ResourceHints: []string{"pkg/bar"}},
	}}
	conflicts := ResourceConflicts(wave)
	require.Len(t, conflicts, 1)
	require.Equal(t, [2]string{"a", "b"}, conflicts[0])
}
