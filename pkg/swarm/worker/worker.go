// Package worker dispatches a single subtask to a model-backed worker,
// building a system prompt sized to the worker's tier and the rule
// block appropriate to the subtask's capability.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/scaffoldai/agentcore/pkg/blackboard"
	"github.com/scaffoldai/agentcore/pkg/cancel"
	"github.com/scaffoldai/agentcore/pkg/loop"
	"github.com/scaffoldai/agentcore/pkg/swarm/decompose"
	"github.com/scaffoldai/agentcore/pkg/thread"
	"github.com/scaffoldai/agentcore/pkg/tool"
)

// Tier controls how much context a worker's system prompt carries.
// Smaller tiers are used for retries (see TierForAttempts), trading
// situational awareness for lower per-call cost.
type Tier string

const (
	TierFull    Tier = "full"
	TierReduced Tier = "reduced"
	TierMinimal Tier = "minimal"
)

// ToolAccessMode controls which tools a dispatched worker may call.
type ToolAccessMode string

const (
	ToolAccessAll       ToolAccessMode = "all"
	ToolAccessWhitelist ToolAccessMode = "whitelist"
)

var ruleBlocks = map[decompose.Capability]string{
	decompose.CapabilityCode: "Make the smallest change that satisfies the subtask. Run any available tests before reporting done.",
	decompose.CapabilityResearch: "Cite where each finding came from. Do not modify files; post discoveries to the shared board instead of editing code.",
	decompose.CapabilityMerge: "Resolve conflicts by preferring the most recent wave's intent. Do not silently drop either side's change.",
	decompose.CapabilityDocument: "Match the surrounding documentation's tone and detail level. Do not invent capabilities that don't exist in the code.",
}

// Result is what one dispatched subtask produces.
type Result struct {
	SubtaskID string
	Output    string
	Stopped   loop.StopReason
	Err       error
}

// Config fixes one worker's static configuration. Tier is no longer
// part of it: the system prompt's tier is derived per dispatch from
// the attempt count, since retries must shed context to stay within
// the swarm budget pool.
type Config struct {
	WorkerID       string
	ToolAccessMode ToolAccessMode
	Whitelist      []string
}

// TierForAttempts maps a subtask's zero-based attempt count to a
// prompt tier: the first attempt gets the full prompt, the first
// retry gets the reduced prompt, and every attempt after that gets
// the minimal prompt.
func TierForAttempts(attempts int) Tier {
	switch {
	case attempts <= 0:
		return TierFull
	case attempts == 1:
		return TierReduced
	default:
		return TierMinimal
	}
}

// RetryContext describes a prior failed attempt at the same subtask,
// rendered into the retry's system prompt so the worker knows what
// went wrong without re-deriving it from scratch.
type RetryContext struct {
	Attempt  int
	Score    int  // 0 when not score-based
	HasScore bool
	Feedback string
	Err      string
}

// BuildSystemPrompt assembles the system content for a dispatched
// worker: tier-appropriate scaffolding plus the capability's rule
// block plus, at TierFull only, the recent findings from other
// workers. tier is derived by the caller via TierForAttempts so that
// Dispatch and tests can be driven off the same attempt count. When
// retry is non-nil, a RETRY CONTEXT block is rendered ahead of the
// subtask description; this block is the only thing that grows the
// prompt back up, so it is kept short enough that the overall prompt
// length still strictly decreases from Full to Reduced to Minimal.
func BuildSystemPrompt(cfg Config, subtask decompose.Subtask, recentFindings []blackboard.Finding, tier Tier, retry *RetryContext) []thread.ContentBlock {
	var sb strings.Builder

	switch tier {
	case TierFull:
		sb.WriteString("You are one worker in a larger swarm working toward a shared goal. ")
		sb.WriteString("You have access to the full toolset available to this swarm run.\n\n")
	case TierReduced:
		sb.WriteString("You are a swarm worker. Work efficiently; budget is limited.\n\n")
	default: // TierMinimal
		sb.WriteString("Complete the subtask below with minimal overhead.\n\n")
	}

	if retry != nil {
		sb.WriteString("RETRY CONTEXT\n")
		switch {
		case retry.Err != "":
			sb.WriteString(fmt.Sprintf("Previous attempt %d FAILED with error: %s\n", retry.Attempt, retry.Err))
		case retry.HasScore:
			sb.WriteString(fmt.Sprintf("Previous attempt %d scored %d/5: %s\n", retry.Attempt, retry.Score, retry.Feedback))
		default:
			sb.WriteString(fmt.Sprintf("Previous attempt %d was rejected: %s\n", retry.Attempt, retry.Feedback))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("Subtask: %s\n", subtask.Description))
	if rule, ok := ruleBlocks[subtask.Capability]; ok {
		sb.WriteString(rule + "\n")
	}

	if tier == TierFull && len(recentFindings) > 0 {
		sb.WriteString("\nRecent findings from other workers:\n")
		for _, f := range recentFindings {
			sb.WriteString(fmt.Sprintf("- [%s] %s: %v\n", f.Type, f.Producer, f.Payload))
		}
	}

	blocks := []thread.ContentBlock{{Type: "text", Text: sb.String()}}
	if tier == TierFull {
		blocks[0].CacheControl = map[string]any{"type": "ephemeral"}
	}
	return blocks
}

// Worker dispatches subtasks through an execution loop scoped to a
// tool registry filtered by the configured access mode.
type Worker struct {
	cfg   Config
	tools *tool.Registry
	loop  *loop.Loop
	board *blackboard.Board
}

// New creates a Worker. allTools is the swarm's full tool registry;
// New filters it down to cfg.Whitelist when ToolAccessMode is
// whitelist.
func New(cfg Config, allTools *tool.Registry, l *loop.Loop, board *blackboard.Board) *Worker {
	scoped := allTools
	if cfg.ToolAccessMode == ToolAccessWhitelist {
		scoped = tool.NewRegistry()
		allow := make(map[string]bool, len(cfg.Whitelist))
		for _, name := range cfg.Whitelist {
			allow[name] = true
		}
		for _, t := range allTools.List() {
			if allow[t.Name()] {
				scoped.Register(t)
			}
		}
	}
	return &Worker{cfg: cfg, tools: scoped, loop: l, board: board}
}

// Dispatch runs a single subtask to completion (or until the
// execution loop stops for any reason) and returns its result.
// attempts is the zero-based number of prior attempts at this
// subtask; it drives the prompt's tier. retry, when non-nil, describes
// the most recent prior failure and is rendered into the prompt.
func (w *Worker) Dispatch(ctx context.Context, subtask decompose.Subtask, tok cancel.Token, attempts int, retry *RetryContext) Result {
	findings := w.board.Query(blackboard.Filter{})
	if len(findings) > 8 {
		findings = findings[len(findings)-8:]
	}

	t := thread.New(w.cfg.WorkerID + ":" + subtask.ID)
	tier := TierForAttempts(attempts)
	sysBlocks := BuildSystemPrompt(w.cfg, subtask, findings, tier, retry)
	_ = t.Append(thread.Message{Role: thread.RoleSystem, Blocks: sysBlocks})
	_ = t.Append(thread.Message{Role: thread.RoleUser, Content: subtask.Description})

	final := w.loop.Run(ctx, t, tok)

	output := ""
	for i := len(final.Messages) - 1; i >= 0; i-- {
		if final.Messages[i].Role == thread.RoleAssistant && final.Messages[i].Content != "" {
			output = final.Messages[i].Content
			break
		}
	}

	if final.Stopped == loop.StopEndTurn {
		w.board.Post(blackboard.Finding{
			Type:     blackboard.TypeDiscovery,
			Producer: w.cfg.WorkerID,
			Payload:  output,
			Tags:     []string{string(subtask.Capability), subtask.ID},
		})
	}

	return Result{SubtaskID: subtask.ID, Output: output, Stopped: final.Stopped, Err: final.Err}
}
