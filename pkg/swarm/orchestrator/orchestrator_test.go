package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scaffoldai/agentcore/pkg/blackboard"
	"github.com/scaffoldai/agentcore/pkg/economics"
	"github.com/scaffoldai/agentcore/pkg/llm"
	"github.com/scaffoldai/agentcore/pkg/loop"
	"github.com/scaffoldai/agentcore/pkg/policy"
	swarmbudget "github.com/scaffoldai/agentcore/pkg/swarm/budget"
	"github.com/scaffoldai/agentcore/pkg/swarm/decompose"
	"github.com/scaffoldai/agentcore/pkg/swarm/worker"
	"github.com/scaffoldai/agentcore/pkg/thread"
	"github.com/scaffoldai/agentcore/pkg/tool"
)

type planProvider struct{}

func (planProvider) Chat(ctx context.Context, messages []thread.Message, opts llm.Options) (llm.Response, error) {
	plan := `{"subtasks":[{"id":"a","description":"research the topic","capability":"research"},{"id":"b","description":"write the code","capability":"code","depends_on":["a"]}],"strategy":"pipeline"}`
	return llm.Response{Message: thread.Message{Role: thread.RoleAssistant, Content: plan}}, nil
}
func (planProvider) ChatStream(ctx context.Context, messages []thread.Message, opts llm.Options) (<-chan llm.Chunk, error) {
	panic("unused")
}

type workerProvider struct{}

func (workerProvider) Chat(ctx context.Context, messages []thread.Message, opts llm.Options) (llm.Response, error) {
	return llm.Response{Message: thread.Message{Role: thread.RoleAssistant, Content: "subtask output"}, Stopped: "end_turn"}, nil
}
func (workerProvider) ChatStream(ctx context.Context, messages []thread.Message, opts llm.Options) (<-chan llm.Chunk, error) {
	panic("unused")
}

func TestOrchestrator_ExecuteRunsWavesInDependencyOrder(t *testing.T) {
	decomposer := decompose.New(planProvider{}, "")
	board := blackboard.New()
	tools := tool.NewRegistry()

	makeWorker := func(subtask decompose.Subtask) *worker.Worker {
		pol := policy.New(nil)
		l := loop.New(loop.Deps{
			Provider: workerProvider{},
			Tools:    tools,
			Policy:   pol,
			Budget:   economics.New(economics.Budget{MaxTokens: 10000}),
		}, llm.Options{}, 5)
		return worker.New(worker.Config{WorkerID: "w-" + subtask.ID}, tools, l, board)
	}

	pool := swarmbudget.New(100000, 0)
	orc := New(Config{TokensPerTask: 100}, decomposer, makeWorker, pool, board, nil, nil)

	result, err := orc.Execute(context.Background(), "build a feature", "", nil)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)
	for _, o := range result.Outcomes {
		require.True(t, o.Succeeded)
		require.Equal(t, "subtask output", o.Output)
	}
	require.Equal(t, 100000, pool.Available())
}

func TestOrchestrator_QualityGateTriggersRetry(t *testing.T) {
	decomposer := decompose.New(planProvider{}, "")
	board := blackboard.New()
	tools := tool.NewRegistry()

	attempts := map[string]int{}
	makeWorker := func(subtask decompose.Subtask) *worker.Worker {
		pol := policy.New(nil)
		l := loop.New(loop.Deps{
			Provider: workerProvider{},
			Tools:    tools,
			Policy:   pol,
			Budget:   economics.New(economics.Budget{MaxTokens: 10000}),
		}, llm.Options{}, 5)
		return worker.New(worker.Config{WorkerID: "w-" + subtask.ID}, tools, l, board)
	}

	gate := func(subtask decompose.Subtask, result worker.Result) (bool, int, string) {
		attempts[subtask.ID]++
		if attempts[subtask.ID] < 2 {
			return false, 2, "try again with more detail"
		}
		return true, NoScore, ""
	}

	pool := swarmbudget.New(100000, 0)
	orc := New(Config{MaxRetriesPerTask: 2, Gate: gate}, decomposer, makeWorker, pool, board, nil, nil)

	result, err := orc.Execute(context.Background(), "build a feature", "", nil)
	require.NoError(t, err)
	for _, o := range result.Outcomes {
		require.True(t, o.Succeeded)
		require.Equal(t, 2, o.Attempts)
	}
}

func TestOrchestrator_SynthesisRunsAfterAllWaves(t *testing.T) {
	decomposer := decompose.New(planProvider{}, "")
	board := blackboard.New()
	tools := tool.NewRegistry()

	makeWorker := func(subtask decompose.Subtask) *worker.Worker {
		pol := policy.New(nil)
		l := loop.New(loop.Deps{Provider: workerProvider{}, Tools: tools, Policy: pol, Budget: economics.New(economics.Budget{MaxTokens: 10000})}, llm.Options{}, 5)
		return worker.New(worker.Config{WorkerID: "w-" + subtask.ID}, tools, l, board)
	}

	synth := func(ctx context.Context, outcomes []TaskOutcome) (string, error) {
		return "combined result", nil
	}

	pool := swarmbudget.New(100000, 0)
	orc := New(Config{}, decomposer, makeWorker, pool, board, nil, synth)
	result, err := orc.Execute(context.Background(), "task", "", nil)
	require.NoError(t, err)
	require.Equal(t, "combined result", result.Synthesis)
}
