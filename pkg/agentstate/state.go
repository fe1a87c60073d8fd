// Package agentstate tracks the execution loop's current phase
// (exploring, planning, acting, verifying), enforces the legal
// transition table between phases, and detects stalls: saturation
// while exploring and doom loops while acting.
package agentstate

import "fmt"

// Phase is one state of the agent's work cycle.
type Phase string

const (
	PhaseExploring Phase = "exploring"
	PhasePlanning  Phase = "planning"
	PhaseActing    Phase = "acting"
	PhaseVerifying Phase = "verifying"
)

// Event names the trigger behind a requested transition. Backtrack is
// the only event allowed to move acting back to exploring.
type Event string

const (
	EventPlanReady      Event = "plan_ready"
	EventBeginActing    Event = "begin_acting"
	EventActionsApplied Event = "actions_applied"
	EventVerifyFailed   Event = "verify_failed"
	EventVerifyPassed   Event = "verify_passed"
	EventBacktrack      Event = "backtrack"
)

// legalTransitions maps each phase to the phases it may move to, and
// the event that must accompany the move. acting->exploring is only
// legal as an explicit backtrack, never an implicit fallback.
var legalTransitions = map[Phase]map[Phase]Event{
	PhaseExploring: {
		PhasePlanning: EventPlanReady,
		PhaseActing:   EventBeginActing,
	},
	PhasePlanning: {
		PhaseActing: EventBeginActing,
	},
	PhaseActing: {
		PhaseVerifying: EventActionsApplied,
		PhaseExploring: EventBacktrack,
	},
	PhaseVerifying: {
		PhaseActing:    EventVerifyFailed,
		PhaseExploring: EventBacktrack,
	},
}

// ErrIllegalTransition is returned when a requested move is not in
// the legal transition table, or the wrong event is supplied for it.
type ErrIllegalTransition struct {
	From, To Phase
	Event    Event
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("agentstate: %s -> %s via %s is not a legal transition", e.From, e.To, e.Event)
}

// DoomLoopCounters tracks repeated-failure signals accumulated while
// in PhaseActing.
type DoomLoopCounters struct {
	ConsecutiveBashFailures int
	ConsecutiveTestFailures int
	InTestFixCycle          bool
}

// Machine is a single agent's phase state plus its stall detectors.
// A Machine processes exactly one event per Transition call; a call
// either performs one legal transition or returns an error, never
// more than one transition as a side effect of another.
type Machine struct {
	phase             Phase
	explorationRounds int
	lastNewFindingAt  int
	doomLoop          DoomLoopCounters

	// SaturationLimit is how many consecutive exploring rounds without
	// a new finding are tolerated before Saturated reports true.
	SaturationLimit int
}

// New creates a Machine starting in PhaseExploring.
func New() *Machine {
	return &Machine{phase: PhaseExploring, SaturationLimit: 3}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// Transition attempts to move the machine to `to` via `event`. It
// validates both that the edge exists in the legal transition table
// and that the caller supplied the event that edge requires.
func (m *Machine) Transition(to Phase, event Event) error {
	edges, ok := legalTransitions[m.phase]
	if !ok {
		return &ErrIllegalTransition{From: m.phase, To: to, Event: event}
	}
	want, ok := edges[to]
	if !ok || want != event {
		return &ErrIllegalTransition{From: m.phase, To: to, Event: event}
	}

	if to == PhaseExploring {
		m.explorationRounds = 0
		m.lastNewFindingAt = 0
	}
	if m.phase == PhaseActing && to == PhaseVerifying {
		m.doomLoop = DoomLoopCounters{}
	}
	m.phase = to
	return nil
}

// RecordExplorationRound advances the exploring-saturation counter.
// foundSomethingNew resets it; callers invoke this once per
// exploration tool call while PhaseExploring.
func (m *Machine) RecordExplorationRound(foundSomethingNew bool) {
	m.explorationRounds++
	if foundSomethingNew {
		m.lastNewFindingAt = m.explorationRounds
	}
}

// Saturated reports whether exploring has gone SaturationLimit rounds
// without turning up anything new, signalling the loop should move
// on to planning or acting rather than keep exploring.
func (m *Machine) Saturated() bool {
	if m.phase != PhaseExploring {
		return false
	}
	return m.explorationRounds-m.lastNewFindingAt >= m.SaturationLimit
}

// RecordBashFailure and RecordBashSuccess update the acting-phase
// doom-loop counters.
func (m *Machine) RecordBashFailure() { m.doomLoop.ConsecutiveBashFailures++ }
func (m *Machine) RecordBashSuccess() { m.doomLoop.ConsecutiveBashFailures = 0 }

// RecordTestFailure and RecordTestSuccess track consecutive test
// outcomes and whether the agent has settled into a fix-and-rerun
// cycle (three or more consecutive test failures).
func (m *Machine) RecordTestFailure() {
	m.doomLoop.ConsecutiveTestFailures++
	if m.doomLoop.ConsecutiveTestFailures >= 3 {
		m.doomLoop.InTestFixCycle = true
	}
}

func (m *Machine) RecordTestSuccess() {
	m.doomLoop.ConsecutiveTestFailures = 0
	m.doomLoop.InTestFixCycle = false
}

// DoomLoop returns a snapshot of the acting-phase stall counters.
func (m *Machine) DoomLoop() DoomLoopCounters { return m.doomLoop }

// DoomLooping reports whether the agent is stuck: either five
// straight failing bash invocations or the sustained test-fix cycle.
func (m *Machine) DoomLooping() bool {
	return m.doomLoop.ConsecutiveBashFailures >= 5 || m.doomLoop.InTestFixCycle
}
