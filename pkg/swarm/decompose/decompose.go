// Package decompose turns a root task description into a dependency
// graph of subtasks, assigns them to execution waves, and flags
// subtasks whose resource hints are likely to conflict if they ran
// concurrently.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scaffoldai/agentcore/pkg/llm"
	"github.com/scaffoldai/agentcore/pkg/thread"
)

// Capability names a skill a worker needs to carry out a subtask.
type Capability string

const (
	CapabilityCode     Capability = "code"
	CapabilityResearch Capability = "research"
	CapabilityMerge    Capability = "merge"
	CapabilityDocument Capability = "document"
)

// Subtask is one node in the decomposition's dependency graph.
type Subtask struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Capability    Capability `json:"capability"`
	DependsOn     []string   `json:"depends_on,omitempty"`
	ResourceHints []string   `json:"resource_hints,omitempty"` // e.g. file paths or module names this subtask will touch
}

// Strategy names the high-level shape the decomposer chose.
type Strategy string

const (
	StrategyParallelIndependent Strategy = "parallel_independent"
	StrategyPipeline            Strategy = "pipeline"
	StrategyFanOutMerge         Strategy = "fan_out_merge"
)

// Plan is the full decomposition result.
type Plan struct {
	Subtasks []Subtask `json:"subtasks"`
	Strategy Strategy  `json:"strategy"`
}

// rawPlan is what the model is asked to emit; Decompose validates and
// converts it into Plan plus wave assignment.
type rawPlan struct {
	Subtasks []Subtask `json:"subtasks"`
	Strategy Strategy  `json:"strategy"`
}

// Decomposer asks a model to break a task into a dependency graph,
// then computes wave assignment and resource-conflict hints locally
// so that scheduling stays deterministic even though the graph itself
// came from the model.
type Decomposer struct {
	provider llm.Provider
	model    string
}

// New creates a Decomposer backed by provider.
func New(provider llm.Provider, model string) *Decomposer {
	return &Decomposer{provider: provider, model: model}
}

const decomposePrompt = `Break the following task into an ordered set of subtasks suitable for independent workers.
Respond ONLY with JSON of the shape {"subtasks":[{"id":"","description":"","capability":"code|research|merge|document","depends_on":[],"resource_hints":[]}],"strategy":"parallel_independent|pipeline|fan_out_merge"}.

Task: %s`

// Decompose calls the model once to produce a dependency graph, then
// validates the graph (no missing dependency IDs, no cycles) and
// computes wave assignment from it.
func (d *Decomposer) Decompose(ctx context.Context, taskDescription string, contextNotes string) (Plan, []Wave, error) {
	prompt := fmt.Sprintf(decomposePrompt, taskDescription)
	if contextNotes != "" {
		prompt += "\n\nAdditional context:\n" + contextNotes
	}

	resp, err := d.provider.Chat(ctx, []thread.Message{
		{Role: thread.RoleUser, Content: prompt},
	}, llm.Options{Model: d.model})
	if err != nil {
		return Plan{}, nil, fmt.Errorf("decompose: model call failed: %w", err)
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(resp.Message.Content), &raw); err != nil {
		return Plan{}, nil, fmt.Errorf("decompose: invalid plan JSON: %w", err)
	}

	plan := Plan{Subtasks: raw.Subtasks, Strategy: raw.Strategy}
	if err := validate(plan.Subtasks); err != nil {
		return Plan{}, nil, err
	}

	waves, err := AssignWaves(plan.Subtasks)
	if err != nil {
		return Plan{}, nil, err
	}
	return plan, waves, nil
}

func validate(subtasks []Subtask) error {
	ids := make(map[string]bool, len(subtasks))
	for _, s := range subtasks {
		if s.ID == "" {
			return fmt.Errorf("decompose: subtask with empty id")
		}
		ids[s.ID] = true
	}
	for _, s := range subtasks {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("decompose: subtask %q depends on unknown id %q", s.ID, dep)
			}
		}
	}
	return nil
}

// Wave is one batch of subtasks that may run concurrently because
// none of them depends on another in the same batch.
type Wave struct {
	Index    int
	Subtasks []Subtask
}

// AssignWaves computes a Kahn's-algorithm wave assignment over the
// dependency graph: wave 0 is every subtask with no dependencies,
// wave N is every remaining subtask whose dependencies all finished
// by wave N-1.
func AssignWaves(subtasks []Subtask) ([]Wave, error) {
	byID := make(map[string]Subtask, len(subtasks))
	remaining := make(map[string][]string, len(subtasks))
	for _, s := range subtasks {
		byID[s.ID] = s
		remaining[s.ID] = append([]string(nil), s.DependsOn...)
	}

	var waves []Wave
	done := make(map[string]bool, len(subtasks))
	for len(done) < len(subtasks) {
		var batch []Subtask
		for id, deps := range remaining {
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range deps {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, byID[id])
			}
		}
		if len(batch) == 0 {
			return nil, fmt.Errorf("decompose: dependency cycle detected among remaining subtasks")
		}
		for _, s := range batch {
			done[s.ID] = true
		}
		waves = append(waves, Wave{Index: len(waves), Subtasks: batch})
	}
	return waves, nil
}

// ResourceConflicts reports pairs of subtask IDs within the same wave
// that share a resource hint, meaning the orchestrator should claim
// the blackboard resource before dispatching either one.
func ResourceConflicts(wave Wave) [][2]string {
	var conflicts [][2]string
	for i := 0; i < len(wave.Subtasks); i++ {
		for j := i + 1; j < len(wave.Subtasks); j++ {
			if shareHint(wave.Subtasks[i], wave.Subtasks[j]) {
				conflicts = append(conflicts, [2]string{wave.Subtasks[i].ID, wave.Subtasks[j].ID})
			}
		}
	}
	return conflicts
}

func shareHint(a, b Subtask) bool {
	hints := make(map[string]bool, len(a.ResourceHints))
	for _, h := range a.ResourceHints {
		hints[h] = true
	}
	for _, h := range b.ResourceHints {
		if hints[h] {
			return true
		}
	}
	return false
}
