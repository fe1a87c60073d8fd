package worker

import (
	"context"
	"testing"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/require"

	"github.com/scaffoldai/agentcore/pkg/blackboard"
	"github.com/scaffoldai/agentcore/pkg/economics"
	"github.com/scaffoldai/agentcore/pkg/llm"
	"github.com/scaffoldai/agentcore/pkg/loop"
	"github.com/scaffoldai/agentcore/pkg/policy"
	"github.com/scaffoldai/agentcore/pkg/swarm/decompose"
	"github.com/scaffoldai/agentcore/pkg/thread"
	"github.com/scaffoldai/agentcore/pkg/tool"
)

type fixedProvider struct{ text string }

func (p fixedProvider) Chat(ctx context.Context, messages []thread.Message, opts llm.Options) (llm.Response, error) {
	return llm.Response{Message: thread.Message{Role: thread.RoleAssistant, Content: p.text}, Stopped: "end_turn"}, nil
}
func (p fixedProvider) ChatStream(ctx context.Context, messages []thread.Message, opts llm.Options) (<-chan llm.Chunk, error) {
	panic("unused")
}

type noopTool struct{ name string }

func (n noopTool) Name() string              { return n.name }
func (n noopTool) Description() string       { return "" }
func (n noopTool) Schema() *jsonschema.Schema { return &jsonschema.Schema{} }
func (n noopTool) Call(ctx context.Context, args map[string]any) (tool.Result, error) {
	return tool.Result{Content: "ok"}, nil
}

func TestBuildSystemPrompt_VariesByTier(t *testing.T) {
	subtask := decompose.Subtask{Description: "write the parser", Capability: decompose.CapabilityCode}

	full := BuildSystemPrompt(Config{}, subtask, nil, TierFull, nil)
	minimal := BuildSystemPrompt(Config{}, subtask, nil, TierMinimal, nil)

	require.Contains(t, full[0].Text, "larger swarm")
	require.NotContains(t, minimal[0].Text, "larger swarm")
	require.Contains(t, full[0].Text, "Run any available tests")
}

func TestTierForAttempts_MapsAttemptCountToTier(t *testing.T) {
	require.Equal(t, TierFull, TierForAttempts(0))
	require.Equal(t, TierReduced, TierForAttempts(1))
	require.Equal(t, TierMinimal, TierForAttempts(2))
	require.Equal(t, TierMinimal, TierForAttempts(5))
}

func TestBuildSystemPrompt_RendersRetryContextBlock(t *testing.T) {
	subtask := decompose.Subtask{Description: "write the parser", Capability: decompose.CapabilityCode}

	withScore := BuildSystemPrompt(Config{}, subtask, nil, TierReduced, &RetryContext{Attempt: 1, HasScore: true, Score: 3, Feedback: "missing edge case handling"})
	require.Contains(t, withScore[0].Text, "RETRY CONTEXT")
	require.Contains(t, withScore[0].Text, "scored 3/5")

	withErr := BuildSystemPrompt(Config{}, subtask, nil, TierMinimal, &RetryContext{Attempt: 2, Err: "panic: index out of range"})
	require.Contains(t, withErr[0].Text, "FAILED with error")
	require.Contains(t, withErr[0].Text, "panic: index out of range")
}

func TestBuildSystemPrompt_LengthStrictlyDecreasesAcrossTiers(t *testing.T) {
	subtask := decompose.Subtask{Description: "write the parser", Capability: decompose.CapabilityCode}
	findings := []blackboard.Finding{{Type: blackboard.TypeDiscovery, Producer: "w1", Payload: "found a bug"}}

	full := BuildSystemPrompt(Config{}, subtask, findings, TierFull, nil)
	reduced := BuildSystemPrompt(Config{}, subtask, nil, TierReduced, &RetryContext{Attempt: 1, Feedback: "try again"})
	minimal := BuildSystemPrompt(Config{}, subtask, nil, TierMinimal, &RetryContext{Attempt: 2, Feedback: "try again"})

	require.Greater(t, len(full[0].Text), len(reduced[0].Text))
	require.Greater(t, len(reduced[0].Text), len(minimal[0].Text))
}

func TestNew_WhitelistFiltersTools(t *testing.T) {
	all := tool.NewRegistry()
	all.Register(noopTool{name: "a"})
	all.Register(noopTool{name: "b"})

	pol := policy.New(nil)
	l := loop.New(loop.Deps{Provider: fixedProvider{text: "done"}, Tools: all, Policy: pol, Budget: economics.New(economics.Budget{MaxTokens: 1000})}, llm.Options{}, 5)

	w := New(Config{WorkerID: "w1", ToolAccessMode: ToolAccessWhitelist, Whitelist: []string{"a"}}, all, l, blackboard.New())
	require.Len(t, w.tools.List(), 1)
	_, ok := w.tools.Get("a")
	require.True(t, ok)
}

func TestWorker_DispatchPostsFindingOnSuccess(t *testing.T) {
	all := tool.NewRegistry()
	board := blackboard.New()
	pol := policy.New(nil)
	l := loop.New(loop.Deps{Provider: fixedProvider{text: "subtask complete"}, Tools: all, Policy: pol, Budget: economics.New(economics.Budget{MaxTokens: 1000})}, llm.Options{}, 5)

	w := New(Config{WorkerID: "w1"}, all, l, board)
	result := w.Dispatch(context.Background(), decompose.Subtask{ID: "s1", Description: "do it"}, nil, 0, nil)

	require.Equal(t, loop.StopEndTurn, result.Stopped)
	require.Equal(t, "subtask complete", result.Output)
	require.Len(t, board.Query(blackboard.Filter{}), 1)
}
