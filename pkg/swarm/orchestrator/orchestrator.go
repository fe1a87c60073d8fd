// Package orchestrator runs a decomposed task graph wave by wave,
// dispatching each wave's subtasks to workers concurrently, gating
// their output through a quality check with retry-with-feedback, and
// synthesizing a final answer once every wave has completed.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/scaffoldai/agentcore/pkg/blackboard"
	"github.com/scaffoldai/agentcore/pkg/cancel"
	swarmbudget "github.com/scaffoldai/agentcore/pkg/swarm/budget"
	"github.com/scaffoldai/agentcore/pkg/swarm/decompose"
	"github.com/scaffoldai/agentcore/pkg/swarm/worker"
	"github.com/scaffoldai/agentcore/pkg/telemetry"
)

// QualityGate judges a worker's output and, if it fails, supplies a
// score (use NoScore when the gate doesn't score numerically) and
// feedback text to include in a retry attempt.
type QualityGate func(subtask decompose.Subtask, result worker.Result) (pass bool, score int, feedback string)

// NoScore marks a QualityGate verdict as not score-based.
const NoScore = -1

// AlwaysPass is the default QualityGate when the caller doesn't need
// one: every completed subtask is accepted as-is.
func AlwaysPass(decompose.Subtask, worker.Result) (bool, int, string) { return true, NoScore, "" }

// Config fixes one orchestrator run's tunables.
type Config struct {
	MaxConcurrentWorkers int64
	MaxRetriesPerTask    int
	TokensPerTask        int
	Gate                 QualityGate
}

// TaskOutcome is the recorded result of one subtask after retries.
type TaskOutcome struct {
	SubtaskID string
	Output    string
	Attempts  int
	Succeeded bool
}

// Result is what Execute returns once every wave (and the synthesis
// step) has run.
type Result struct {
	Outcomes  []TaskOutcome
	Synthesis string
}

// WorkerFactory builds a worker for one subtask, allowing the caller
// to vary tier or tool access per capability.
type WorkerFactory func(subtask decompose.Subtask) *worker.Worker

// Synthesizer combines every subtask's accepted output into one final
// answer.
type Synthesizer func(ctx context.Context, outcomes []TaskOutcome) (string, error)

// Orchestrator coordinates a decomposer, a pool of workers, a shared
// budget pool, and a blackboard across one swarm run.
type Orchestrator struct {
	cfg         Config
	decomposer  *decompose.Decomposer
	makeWorker  WorkerFactory
	pool        *swarmbudget.Pool
	board       *blackboard.Board
	telemetry   *telemetry.Writer
	synthesize  Synthesizer
}

// New creates an Orchestrator. telemetryWriter and synthesize may be
// nil; Execute no-ops telemetry emission and skips synthesis if so.
func New(cfg Config, decomposer *decompose.Decomposer, makeWorker WorkerFactory, pool *swarmbudget.Pool, board *blackboard.Board, telemetryWriter *telemetry.Writer, synthesize Synthesizer) *Orchestrator {
	if cfg.Gate == nil {
		cfg.Gate = AlwaysPass
	}
	if cfg.MaxConcurrentWorkers <= 0 {
		cfg.MaxConcurrentWorkers = 4
	}
	if cfg.MaxRetriesPerTask <= 0 {
		cfg.MaxRetriesPerTask = 1
	}
	return &Orchestrator{cfg: cfg, decomposer: decomposer, makeWorker: makeWorker, pool: pool, board: board, telemetry: telemetryWriter, synthesize: synthesize}
}

func (o *Orchestrator) emit(eventType string, payload map[string]any) {
	if o.telemetry == nil {
		return
	}
	_, _ = o.telemetry.Emit(eventType, payload)
}

// Execute decomposes rootTask, runs every wave to completion, and
// returns the synthesized result. Cancelling tok propagates to every
// in-flight worker via a linked per-wave token, so a single
// cancellation stops the whole swarm rather than just the current
// wave's remaining slots.
func (o *Orchestrator) Execute(ctx context.Context, rootTask string, contextNotes string, tok cancel.Token) (Result, error) {
	plan, waves, err := o.decomposer.Decompose(ctx, rootTask, contextNotes)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: decompose: %w", err)
	}
	o.emit(telemetry.EventTasksLoaded, map[string]any{"count": len(plan.Subtasks), "strategy": string(plan.Strategy)})

	var outcomes []TaskOutcome
	outcomeByID := make(map[string]TaskOutcome)

	for _, wave := range waves {
		if tok != nil && tok.IsCancelled() {
			break
		}
		o.emit(telemetry.EventWaveStarted, map[string]any{"wave": wave.Index, "size": len(wave.Subtasks)})

		for _, conflict := range decompose.ResourceConflicts(wave) {
			o.board.Post(blackboard.Finding{
				Type:    blackboard.TypeWarning,
				Payload: fmt.Sprintf("subtasks %s and %s in wave %d share a resource hint", conflict[0], conflict[1], wave.Index),
				Tags:    []string{"resource-conflict"},
			})
		}

		waveTok := tok
		if tok != nil {
			waveTok = cancel.Linked(tok)
		}

		results := o.runWave(ctx, wave, waveTok)
		for _, outcome := range results {
			outcomes = append(outcomes, outcome)
			outcomeByID[outcome.SubtaskID] = outcome
		}
		o.emit(telemetry.EventWaveCompleted, map[string]any{"wave": wave.Index})
	}

	res := Result{Outcomes: outcomes}
	if o.synthesize != nil {
		synthesis, err := o.synthesize(ctx, outcomes)
		if err != nil {
			return res, fmt.Errorf("orchestrator: synthesis: %w", err)
		}
		res.Synthesis = synthesis
	}
	o.emit(telemetry.EventSwarmFinished, map[string]any{"completed": len(outcomes)})
	return res, nil
}

func (o *Orchestrator) runWave(ctx context.Context, wave decompose.Wave, tok cancel.Token) []TaskOutcome {
	sem := semaphore.NewWeighted(o.cfg.MaxConcurrentWorkers)
	var mu sync.Mutex
	var wg sync.WaitGroup
	outcomes := make([]TaskOutcome, 0, len(wave.Subtasks))

	for _, subtask := range wave.Subtasks {
		subtask := subtask
		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			outcome := o.runSubtaskWithRetries(ctx, subtask, tok)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) runSubtaskWithRetries(ctx context.Context, subtask decompose.Subtask, tok cancel.Token) TaskOutcome {
	w := o.makeWorker(subtask)

	var retry *worker.RetryContext
	for attempt := 1; attempt <= o.cfg.MaxRetriesPerTask+1; attempt++ {
		if o.pool != nil && o.cfg.TokensPerTask > 0 {
			if err := o.pool.Reserve(subtask.ID, o.cfg.TokensPerTask); err != nil {
				return TaskOutcome{SubtaskID: subtask.ID, Attempts: attempt - 1, Succeeded: false, Output: "budget exhausted before dispatch"}
			}
		}

		o.emit(telemetry.EventTaskStarted, map[string]any{"id": subtask.ID, "attempt": attempt})
		result := w.Dispatch(ctx, subtask, tok, attempt-1, retry)

		if o.pool != nil && o.cfg.TokensPerTask > 0 {
			o.pool.Release(subtask.ID, o.cfg.TokensPerTask)
		}

		pass, score, nextFeedback := o.cfg.Gate(subtask, result)
		if o.telemetry != nil {
			_ = o.telemetry.WriteTaskDetail(subtask.ID, map[string]any{
				"attempt": attempt, "output": result.Output, "stopped": string(result.Stopped), "pass": pass,
			})
		}
		if pass {
			o.emit(telemetry.EventTaskCompleted, map[string]any{"id": subtask.ID, "attempt": attempt})
			return TaskOutcome{SubtaskID: subtask.ID, Output: result.Output, Attempts: attempt, Succeeded: true}
		}

		retry = &worker.RetryContext{Attempt: attempt, Feedback: nextFeedback}
		if score != NoScore {
			retry.HasScore = true
			retry.Score = score
		}
		if result.Err != nil {
			retry.Err = result.Err.Error()
		}
		if attempt <= o.cfg.MaxRetriesPerTask {
			o.emit(telemetry.EventTaskRetried, map[string]any{"id": subtask.ID, "attempt": attempt, "feedback": nextFeedback})
		}
	}

	feedback := ""
	if retry != nil {
		feedback = retry.Feedback
	}
	return TaskOutcome{SubtaskID: subtask.ID, Output: feedback, Attempts: o.cfg.MaxRetriesPerTask + 1, Succeeded: false}
}
