// Package loop drives the per-turn execution cycle: budget check,
// tool-output compaction, a model call, policy-gated tool execution,
// and the stop-condition checks that decide whether another
// iteration runs.
package loop

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scaffoldai/agentcore/pkg/agentstate"
	"github.com/scaffoldai/agentcore/pkg/cancel"
	"github.com/scaffoldai/agentcore/pkg/economics"
	"github.com/scaffoldai/agentcore/pkg/llm"
	"github.com/scaffoldai/agentcore/pkg/policy"
	"github.com/scaffoldai/agentcore/pkg/resource"
	"github.com/scaffoldai/agentcore/pkg/thread"
	"github.com/scaffoldai/agentcore/pkg/tool"
)

var tracer = otel.Tracer("agentcore/loop")

// CompactionKeep is how many of the most recent tool-result messages
// are left untouched by compaction; everything older, except
// messages marked PreserveFromCompaction, is summarized in place.
const CompactionKeep = 6

// StopReason names why Run returned.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopBudget       StopReason = "budget_exhausted"
	StopCancelled    StopReason = "cancelled"
	StopResourceLimit StopReason = "resource_limit"
	StopDoomLoop     StopReason = "doom_loop"
	StopError        StopReason = "error"
)

// FinalResult is what Run returns once the loop stops.
type FinalResult struct {
	Messages []thread.Message
	Stopped  StopReason
	Err      error
}

// Deps bundles the collaborators a Loop needs. Provider and Tools are
// required; Policy, Budget, DoomLoop, State and Resource are optional,
// and the checks that use them are skipped when they are nil.
type Deps struct {
	Provider llm.Provider
	Tools    *tool.Registry
	Policy   *policy.Engine
	Budget   *economics.Tracker
	DoomLoop *economics.DoomLoopDetector
	State    *agentstate.Machine
	Resource *resource.Monitor
}

// Loop runs one execution turn over a thread.
type Loop struct {
	deps    Deps
	opts    llm.Options
	maxIter int
}

// New creates a Loop from its dependencies.
func New(deps Deps, opts llm.Options, maxIterations int) *Loop {
	if maxIterations <= 0 {
		maxIterations = 50
	}
	return &Loop{deps: deps, opts: opts, maxIter: maxIterations}
}

// Run drives the thread forward until a stop condition fires:
// cancellation, budget exhaustion, doom-loop detection, resource
// exceedance, a model turn with no further tool calls, or an error.
func (l *Loop) Run(ctx context.Context, t *thread.Thread, tok cancel.Token) FinalResult {
	for iter := 0; iter < l.maxIter; iter++ {
		iterCtx, span := tracer.Start(ctx, "loop.iteration", trace.WithAttributes(attribute.Int("iteration", iter)))
		result, done := l.step(iterCtx, t, tok)
		span.End()
		if done {
			return result
		}
	}
	return FinalResult{Messages: t.Messages, Stopped: StopBudget, Err: newError(KindBudgetExhausted, fmt.Errorf("exceeded %d iterations", l.maxIter))}
}

// step runs one iteration of the loop body. It returns done=true with
// a FinalResult when Run should stop, or done=false when Run should
// move on to the next iteration (after executing tool calls, after the
// incomplete-action nudge, or after the missing-artifact reminder).
func (l *Loop) step(ctx context.Context, t *thread.Thread, tok cancel.Token) (FinalResult, bool) {
	if tok != nil && tok.IsCancelled() {
		return FinalResult{Messages: t.Messages, Stopped: StopCancelled}, true
	}

	if l.deps.Budget != nil {
		l.deps.Budget.AddIteration()
		decision := l.deps.Budget.Check()
		switch decision.Outcome {
		case economics.OutcomeHardStop:
			return FinalResult{Messages: t.Messages, Stopped: StopBudget, Err: newError(KindBudgetExhausted, fmt.Errorf("token budget exhausted"))}, true
		case economics.OutcomeRecoveryNeeded:
			if !l.attemptTokenRecovery(t) {
				return FinalResult{Messages: t.Messages, Stopped: StopBudget, Err: newError(KindBudgetExhausted, fmt.Errorf("token budget exhausted and recovery failed"))}, true
			}
		case economics.OutcomeSoftWarn:
			_ = t.Append(thread.Message{Role: thread.RoleUser, Content: decision.InjectedPrompt})
		}
	}

	l.compact(t, CompactionKeep)

	runCtx := ctx
	if tok != nil {
		runCtx = tok.Context(ctx)
	}

	resp, err := l.callModel(runCtx, t)
	if err != nil {
		return FinalResult{Messages: t.Messages, Stopped: StopError, Err: newError(KindProvider, err)}, true
	}

	if l.deps.Budget != nil {
		l.deps.Budget.AddTokens(resp.Usage.PromptTokens + resp.Usage.CompletionTokens)
	}

	if err := t.Append(resp.Message); err != nil {
		return FinalResult{Messages: t.Messages, Stopped: StopError, Err: err}, true
	}

	if len(resp.Message.ToolCalls) == 0 {
		if l.incompleteActionResponse(resp.Message) {
			_ = t.Append(thread.Message{
				Role:    thread.RoleUser,
				Content: "It looks like you described an action without taking it. Use the available tools or provide a final answer.",
			})
			return FinalResult{}, false
		}
		if reminder, ok := l.missingArtifactReminder(t); ok {
			_ = t.Append(thread.Message{
				Role:     thread.RoleUser,
				Content:  reminder,
				Metadata: map[string]any{"artifactReminder": true},
			})
			return FinalResult{}, false
		}
		return FinalResult{Messages: t.Messages, Stopped: StopEndTurn}, true
	}

	stopped, res := l.executeToolCalls(runCtx, t, resp.Message.ToolCalls, tok)
	if stopped != "" {
		res.Messages = t.Messages
		return res, true
	}
	return FinalResult{}, false
}

func (l *Loop) callModel(ctx context.Context, t *thread.Thread) (llm.Response, error) {
	opts := l.opts
	for _, tl := range l.deps.Tools.List() {
		opts.Tools = append(opts.Tools, llm.ToolSpec{Name: tl.Name(), Description: tl.Description()})
	}
	return l.deps.Provider.Chat(ctx, t.Messages, opts)
}

func (l *Loop) executeToolCalls(ctx context.Context, t *thread.Thread, calls []thread.ToolCall, tok cancel.Token) (StopReason, FinalResult) {
	for _, call := range calls {
		if tok != nil && tok.IsCancelled() {
			return StopCancelled, FinalResult{Stopped: StopCancelled}
		}

		if l.deps.DoomLoop != nil {
			fp := economics.Fingerprint(call.Name, call.Arguments)
			if l.deps.DoomLoop.Observe(fp) {
				return StopDoomLoop, FinalResult{Stopped: StopDoomLoop, Err: newError(KindDoomLoop, fmt.Errorf("%q repeated with identical arguments", call.Name))}
			}
		}

		result, err := l.runOneTool(ctx, call)
		content := result.Content
		if err != nil {
			content = err.Error()
		}
		appendErr := t.Append(thread.Message{
			Role:       thread.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
		})
		if appendErr != nil {
			return StopError, FinalResult{Stopped: StopError, Err: newError(KindToolExecution, appendErr)}
		}

		if l.deps.State != nil {
			l.recordOutcome(call.Name, result.IsError || err != nil)
			if l.deps.State.DoomLooping() {
				return StopDoomLoop, FinalResult{Stopped: StopDoomLoop, Err: newError(KindDoomLoop, fmt.Errorf("agent state machine detected a doom loop"))}
			}
		}
	}
	return "", FinalResult{}
}

// recordOutcome feeds a tool call's pass/fail result into the agent
// state machine's doom-loop counters, classifying by tool name since
// the loop has no other signal for "this was a shell command" versus
// "this was a test run".
func (l *Loop) recordOutcome(toolName string, failed bool) {
	name := strings.ToLower(toolName)
	switch {
	case strings.Contains(name, "test"):
		if failed {
			l.deps.State.RecordTestFailure()
		} else {
			l.deps.State.RecordTestSuccess()
		}
	case strings.Contains(name, "bash") || strings.Contains(name, "shell") || strings.Contains(name, "exec"):
		if failed {
			l.deps.State.RecordBashFailure()
		} else {
			l.deps.State.RecordBashSuccess()
		}
	}
}

func (l *Loop) runOneTool(ctx context.Context, call thread.ToolCall) (tool.Result, error) {
	t, ok := l.deps.Tools.Get(call.Name)
	if !ok {
		return tool.Result{}, fmt.Errorf("loop: unknown tool %q", call.Name)
	}

	if l.deps.Policy != nil {
		d := l.deps.Policy.Evaluate(ctx, policy.Request{ToolName: call.Name, Args: call.Arguments}, economics.Fingerprint(call.Name, call.Arguments))
		switch d.Effect {
		case policy.EffectForbidden:
			return tool.Result{IsError: true, Content: "blocked by policy: " + d.Suggestion}, nil
		case policy.EffectPrompt:
			return tool.Result{IsError: true, Content: "this action requires user confirmation"}, nil
		}
	}

	run := func() (tool.Result, error) { return t.Call(ctx, call.Arguments) }
	if l.deps.Resource != nil {
		return resource.RunIfAvailable(l.deps.Resource, run, tool.Result{IsError: true, Content: "resource limit exceeded"})
	}
	return run()
}

// compact summarizes tool-result messages older than the most recent
// keep, leaving PreserveFromCompaction messages untouched and
// replacing the rest in place with a short marker so the thread keeps
// a record that something happened without paying for the full
// content on every subsequent model call.
func (l *Loop) compact(t *thread.Thread, keep int) {
	toolIdx := make([]int, 0, len(t.Messages))
	for i, m := range t.Messages {
		if m.Role == thread.RoleTool {
			toolIdx = append(toolIdx, i)
		}
	}
	if len(toolIdx) <= keep {
		return
	}

	cutoff := len(toolIdx) - keep
	for _, i := range toolIdx[:cutoff] {
		m := t.Messages[i]
		if m.PreserveFromCompaction() {
			continue
		}
		if m.Metadata != nil && m.Metadata["compacted"] == true {
			continue
		}
		t.Messages[i].Content = fmt.Sprintf("[compacted: %d bytes of earlier tool output omitted]", len(m.Content))
		if t.Messages[i].Metadata == nil {
			t.Messages[i].Metadata = map[string]any{}
		}
		t.Messages[i].Metadata["compacted"] = true
	}
}

// recoveryCompactionKeep is the aggressive compaction window used
// during token-budget recovery, much tighter than CompactionKeep.
const recoveryCompactionKeep = 1

// contextTokens estimates the total token size of a thread's current
// messages using the budget tracker's own estimator, so the before
// and after measurements in a recovery attempt are directly
// comparable to the MaxTokens the tracker is enforcing.
func (l *Loop) contextTokens(t *thread.Thread) int {
	total := 0
	for _, m := range t.Messages {
		total += l.deps.Budget.EstimateTokens(m.Content)
	}
	return total
}

// dropOldestNonSystemMessages removes up to max of the oldest
// non-system messages from the thread to shrink context size. System
// messages and the thread's first user message (the original task,
// needed to keep the worker oriented once everything else is gone)
// are never dropped. It preserves the tool_call_id referential
// invariant: dropping an assistant message that issued tool calls
// also drops any tool messages that reference those now-gone call
// IDs, even past the oldest max messages actually selected.
func dropOldestNonSystemMessages(t *thread.Thread, max int) {
	if max <= 0 {
		return
	}
	anchor := -1
	for i, m := range t.Messages {
		if m.Role == thread.RoleUser {
			anchor = i
			break
		}
	}

	droppable := make([]int, 0, len(t.Messages))
	for i, m := range t.Messages {
		if i == anchor || m.Role == thread.RoleSystem || m.PreserveFromCompaction() {
			continue
		}
		droppable = append(droppable, i)
	}
	if len(droppable) > max {
		droppable = droppable[:max]
	}
	if len(droppable) == 0 {
		return
	}

	drop := make(map[int]bool, len(droppable))
	droppedCallIDs := map[string]bool{}
	for _, i := range droppable {
		drop[i] = true
		for _, tc := range t.Messages[i].ToolCalls {
			droppedCallIDs[tc.ID] = true
		}
	}

	kept := make([]thread.Message, 0, len(t.Messages))
	for i, m := range t.Messages {
		if drop[i] {
			continue
		}
		if m.Role == thread.RoleTool && droppedCallIDs[m.ToolCallID] {
			continue
		}
		kept = append(kept, m)
	}
	t.Truncate(kept)
}

// attemptTokenRecovery runs the one-shot token-budget recovery: an
// aggressive compaction pass plus dropping a bounded number of the
// oldest non-system messages, measured against the budget tracker's
// reduction threshold. It returns whether the loop may continue.
func (l *Loop) attemptTokenRecovery(t *thread.Thread) bool {
	before := l.contextTokens(t)
	l.compact(t, recoveryCompactionKeep)
	dropOldestNonSystemMessages(t, recoveryDropMessageCount)
	after := l.contextTokens(t)

	decision := l.deps.Budget.AttemptRecovery(before, after)
	return decision.Outcome == economics.OutcomeOK
}

// recoveryDropMessageCount bounds how many of the oldest non-system
// messages a single recovery attempt discards.
const recoveryDropMessageCount = 8

// incompleteActionResponse flags an assistant message that talks
// about performing an action ("I'll run the tests now") but issued no
// tool calls, a common failure mode that should be nudged rather than
// accepted as a final answer. A message is exempt if it also carries a
// completion signal ("done", "wrote the file", ...): "I'll refactor —
// done, wrote the file" describes a completed action, not a
// still-pending one, even though it starts with a future-intent
// phrase.
func (l *Loop) incompleteActionResponse(m thread.Message) bool {
	if len(m.ToolCalls) > 0 {
		return false
	}
	if hasCompletionSignal(m.Content) {
		return false
	}
	markers := []string{"I'll ", "I will ", "Let me ", "Now I'll ", "Next, I'll "}
	for _, marker := range markers {
		if len(m.Content) >= len(marker) && m.Content[:len(marker)] == marker {
			return true
		}
	}
	return false
}

// completionSignalWords are phrases that indicate an action already
// happened rather than being merely announced.
var completionSignalWords = []string{"done", "created", "wrote", "written", "completed", "finished", "saved"}

func hasCompletionSignal(content string) bool {
	lower := strings.ToLower(content)
	for _, w := range completionSignalWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// requestedArtifactPattern picks out "write/save/create <file.ext>"
// phrasing in a user turn, the shape of an explicit artifact request.
var requestedArtifactPattern = regexp.MustCompile(`(?i)\b(?:write|save|create)\b[^.\n]{0,60}?([A-Za-z0-9_\-./]+\.[A-Za-z0-9]{1,8})`)

func requestedArtifacts(content string) []string {
	matches := requestedArtifactPattern.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// writeCapableToolRan reports whether any tool call issued so far in
// the thread looks like it could have produced a file artifact.
func writeCapableToolRan(t *thread.Thread) bool {
	for _, m := range t.Messages {
		if m.Role != thread.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			name := strings.ToLower(tc.Name)
			if strings.Contains(name, "write") || strings.Contains(name, "save") || strings.Contains(name, "create") {
				return true
			}
		}
	}
	return false
}

func firstUserMessage(t *thread.Thread) (thread.Message, bool) {
	for _, m := range t.Messages {
		if m.Role == thread.RoleUser {
			return m, true
		}
	}
	return thread.Message{}, false
}

func artifactReminderSent(t *thread.Thread) bool {
	for _, m := range t.Messages {
		if v, _ := m.Metadata["artifactReminder"].(bool); v {
			return true
		}
	}
	return false
}

// missingArtifactReminder checks whether the first user turn asked for
// a specific file to be written, saved, or created, and no
// write-capable tool has run yet. If so it returns a one-shot reminder
// message to inject before the loop is allowed to declare the turn
// done; it never fires twice for the same thread.
func (l *Loop) missingArtifactReminder(t *thread.Thread) (string, bool) {
	first, ok := firstUserMessage(t)
	if !ok {
		return "", false
	}
	artifacts := requestedArtifacts(first.Content)
	if len(artifacts) == 0 {
		return "", false
	}
	if writeCapableToolRan(t) {
		return "", false
	}
	if artifactReminderSent(t) {
		return "", false
	}
	return fmt.Sprintf("You were asked to produce %s but no write-capable tool has run yet. Use the available tools to create it before declaring the task done.", strings.Join(artifacts, ", ")), true
}
