// Package economics tracks token and wall-clock spend against a
// budget, decides when to warn the model with an injected prompt
// versus stop the loop outright, and fingerprints tool calls across
// producers to catch repeated, unproductive action loops.
package economics

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Budget bounds one execution's spend.
type Budget struct {
	MaxTokens       int
	SoftLimitTokens int // below MaxTokens; crossing it injects a warning instead of stopping
	MaxIterations   int
}

// Outcome is the verdict check returns for the current spend.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeSoftWarn       Outcome = "soft_warn"
	OutcomeHardStop       Outcome = "hard_stop"
	OutcomeRecoveryNeeded Outcome = "recovery_needed"
)

// Decision is the result of a budget check.
type Decision struct {
	Outcome         Outcome
	TokensUsed      int
	TokensRemaining int
	InjectedPrompt  string
}

// Tracker accumulates spend against a Budget and implements the
// one-shot recovery latch: once a soft-limit warning has been issued
// and the model responds by finishing within budget, the latch does
// not fire again for the same overage band. Token-budget violations
// additionally get a one-shot compaction-based recovery attempt
// (AttemptRecovery); iteration and cost violations are terminal on
// first crossing and never go through this recovery path.
type Tracker struct {
	mu                  sync.Mutex
	budget              Budget
	tokensUsed          int
	iterations          int
	softWarnIssued      bool
	recoveryAttempted   bool
	recovered           bool
	recoveryBonusTokens int
	enc                 *tiktoken.Tiktoken
}

// New creates a Tracker for budget. Token counting falls back to a
// whitespace-based estimate if the tiktoken encoding cannot be
// loaded (no network access in restricted environments).
func New(budget Budget) *Tracker {
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &Tracker{budget: budget, enc: enc}
}

// EstimateTokens counts tokens in s using the loaded encoding, or a
// rough word-count heuristic if no encoding is available.
func (t *Tracker) EstimateTokens(s string) int {
	if t.enc != nil {
		return len(t.enc.Encode(s, nil, nil))
	}
	words := 0
	inWord := false
	for _, r := range s {
		isSpace := r == ' ' || r == '\n' || r == '\t'
		if !isSpace && !inWord {
			words++
		}
		inWord = !isSpace
	}
	return words
}

// AddTokens records spend and AddIteration records one loop turn.
func (t *Tracker) AddTokens(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokensUsed += n
}

func (t *Tracker) AddIteration() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iterations++
}

// Check evaluates current spend against the budget. Crossing
// SoftLimitTokens the first time returns OutcomeSoftWarn with an
// injected prompt telling the model to wrap up. Crossing
// MaxIterations is always terminal (OutcomeHardStop): iteration
// budgets have nothing to compact. Crossing MaxTokens the first time
// returns OutcomeRecoveryNeeded instead of stopping outright — the
// caller must then call AttemptRecovery once it has compacted the
// thread, reporting the before/after context size. A second token
// violation in the same budget window, after a recovery attempt has
// already been made, resolves straight to OutcomeHardStop. The
// soft-warn prompt fires at most once per budget lifetime: if spend
// later drops in relative terms (a new, lower-cost phase begins) the
// latch does not re-arm, since tokens spent are never refunded.
func (t *Tracker) Check() Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	effectiveMax := t.budget.MaxTokens + t.recoveryBonusTokens
	remaining := effectiveMax - t.tokensUsed

	if t.budget.MaxIterations > 0 && t.iterations >= t.budget.MaxIterations {
		return Decision{Outcome: OutcomeHardStop, TokensUsed: t.tokensUsed, TokensRemaining: remaining}
	}
	if t.tokensUsed >= effectiveMax {
		if t.recoveryAttempted {
			return Decision{Outcome: OutcomeHardStop, TokensUsed: t.tokensUsed, TokensRemaining: remaining}
		}
		return Decision{Outcome: OutcomeRecoveryNeeded, TokensUsed: t.tokensUsed, TokensRemaining: remaining}
	}
	if t.budget.SoftLimitTokens > 0 && t.tokensUsed >= t.budget.SoftLimitTokens && !t.softWarnIssued {
		t.softWarnIssued = true
		return Decision{
			Outcome:         OutcomeSoftWarn,
			TokensUsed:      t.tokensUsed,
			TokensRemaining: remaining,
			InjectedPrompt:  fmt.Sprintf("You have used %d of %d tokens. Wrap up the current task and produce a final answer soon.", t.tokensUsed, t.budget.MaxTokens),
		}
	}
	return Decision{Outcome: OutcomeOK, TokensUsed: t.tokensUsed, TokensRemaining: remaining}
}

// recoveryReductionFraction is the minimum fractional drop in context
// size a compaction pass must achieve for AttemptRecovery to report
// success.
const recoveryReductionFraction = 0.20

// AttemptRecovery latches the one-shot token-budget recovery attempt
// and judges it by how much the caller's compaction pass shrank the
// thread's context size. beforeContextTokens and afterContextTokens
// are the caller's own token estimates of the thread before and after
// compacting. A reduction of more than recoveryReductionFraction
// counts as success: the tokens freed become a one-shot bonus added to
// the effective ceiling Check compares against, giving the loop room
// to keep going without refunding tokens already spent. Otherwise the
// budget is terminally exhausted (OutcomeHardStop). Calling this a
// second time after a prior attempt always reports OutcomeHardStop:
// the recovery attempt never retries within the same budget window.
func (t *Tracker) AttemptRecovery(beforeContextTokens, afterContextTokens int) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.recoveryAttempted {
		remaining := t.budget.MaxTokens + t.recoveryBonusTokens - t.tokensUsed
		return Decision{Outcome: OutcomeHardStop, TokensUsed: t.tokensUsed, TokensRemaining: remaining}
	}
	t.recoveryAttempted = true

	if beforeContextTokens <= 0 {
		remaining := t.budget.MaxTokens - t.tokensUsed
		return Decision{Outcome: OutcomeHardStop, TokensUsed: t.tokensUsed, TokensRemaining: remaining}
	}
	reduction := float64(beforeContextTokens-afterContextTokens) / float64(beforeContextTokens)
	if reduction > recoveryReductionFraction {
		t.recovered = true
		if freed := beforeContextTokens - afterContextTokens; freed > 0 {
			t.recoveryBonusTokens = freed
		}
		remaining := t.budget.MaxTokens + t.recoveryBonusTokens - t.tokensUsed
		return Decision{
			Outcome:         OutcomeOK,
			TokensUsed:      t.tokensUsed,
			TokensRemaining: remaining,
			InjectedPrompt:  fmt.Sprintf("Context was compacted to recover budget (%.0f%% smaller). Continue working within the reduced context.", reduction*100),
		}
	}
	remaining := t.budget.MaxTokens - t.tokensUsed
	return Decision{Outcome: OutcomeHardStop, TokensUsed: t.tokensUsed, TokensRemaining: remaining}
}

// Recovered reports whether the one-shot token recovery attempt
// succeeded.
func (t *Tracker) Recovered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recovered
}

// Fingerprint derives a stable key for a tool invocation from its
// name and arguments, used by the doom-loop detector to notice the
// same call being retried across different producers (workers,
// retries, fixup tasks).
func Fingerprint(toolName string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	payload, _ := json.Marshal(ordered)
	sum := sha256.Sum256(append([]byte(toolName+":"), payload...))
	return hex.EncodeToString(sum[:])
}

// DoomLoopDetector counts repeated tool-call fingerprints across any
// number of producers and flags one once it has been seen enough
// times without a change in outcome.
type DoomLoopDetector struct {
	mu        sync.Mutex
	counts    map[string]int
	threshold int
}

// NewDoomLoopDetector creates a detector that flags a fingerprint
// after it recurs `threshold` times.
func NewDoomLoopDetector(threshold int) *DoomLoopDetector {
	if threshold <= 0 {
		threshold = 3
	}
	return &DoomLoopDetector{counts: make(map[string]int), threshold: threshold}
}

// Observe records one occurrence of fingerprint and reports whether
// the threshold has now been reached.
func (d *DoomLoopDetector) Observe(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts[fingerprint]++
	return d.counts[fingerprint] >= d.threshold
}

// Reset clears the count for a fingerprint, used once its cycle is
// broken by a genuinely different outcome.
func (d *DoomLoopDetector) Reset(fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.counts, fingerprint)
}
