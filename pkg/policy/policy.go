// Package policy decides whether a requested tool call may proceed,
// must be blocked outright, or must be put to the user, by running a
// fixed-order procedure over remembered grants, base rules, and
// per-call conditions.
package policy

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Effect is the outcome a rule or condition assigns.
type Effect string

const (
	EffectAllow     Effect = "allow"
	EffectForbidden Effect = "forbidden"
	EffectPrompt    Effect = "prompt"
)

// ArgPattern matches one argument of a tool call. Match selects the
// comparison kind by prefix; an empty Match matches any value as long
// as the key is present. Supported forms:
//
//	""                  any value (key present)
//	"=literal"          exact string equality
//	"/regexp/flags"     regexp.MatchString; flags is empty or "i" (case-insensitive)
//	"prefix:X"          strings.HasPrefix
//	"suffix:X"          strings.HasSuffix
//	"contains:X"        strings.Contains
//	"in:a,b,c"          set membership
//	"range:min:max"     inclusive numeric range (value parsed as float64)
//	anything else       path.Match-style glob (including "/etc/*"), kept for backward compatibility
type ArgPattern struct {
	Key   string
	Match string
}

func (p ArgPattern) matches(args map[string]any) bool {
	v, ok := args[p.Key]
	if !ok {
		return false
	}
	if p.Match == "" {
		return true
	}
	s := fmt.Sprintf("%v", v)

	switch {
	case strings.HasPrefix(p.Match, "=") && len(p.Match) > 1:
		return s == p.Match[1:]
	case strings.HasPrefix(p.Match, "/") && strings.LastIndex(p.Match, "/") > 0 &&
		strings.Trim(p.Match[strings.LastIndex(p.Match, "/")+1:], "i") == "":
		return matchRegex(p.Match, s)
	case strings.HasPrefix(p.Match, "prefix:"):
		return strings.HasPrefix(s, strings.TrimPrefix(p.Match, "prefix:"))
	case strings.HasPrefix(p.Match, "suffix:"):
		return strings.HasSuffix(s, strings.TrimPrefix(p.Match, "suffix:"))
	case strings.HasPrefix(p.Match, "contains:"):
		return strings.Contains(s, strings.TrimPrefix(p.Match, "contains:"))
	case strings.HasPrefix(p.Match, "in:"):
		for _, item := range strings.Split(strings.TrimPrefix(p.Match, "in:"), ",") {
			if s == item {
				return true
			}
		}
		return false
	case strings.HasPrefix(p.Match, "range:"):
		return matchRange(strings.TrimPrefix(p.Match, "range:"), s)
	default:
		ok2, _ := path.Match(p.Match, s)
		return ok2
	}
}

// matchRegex parses a "/pattern/flags" spec and reports whether s
// matches. Recognized flags: "i" for case-insensitive. An unparseable
// pattern never matches.
func matchRegex(spec, s string) bool {
	last := strings.LastIndex(spec, "/")
	pattern := spec[1:last]
	flags := spec[last+1:]
	if strings.Contains(flags, "i") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// matchRange parses a "min:max" spec and reports whether s, parsed as
// a float64, falls within [min, max] inclusive. A non-numeric value or
// an unparseable spec never matches.
func matchRange(spec, s string) bool {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return false
	}
	min, err1 := strconv.ParseFloat(parts[0], 64)
	max, err2 := strconv.ParseFloat(parts[1], 64)
	val, err3 := strconv.ParseFloat(s, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	return val >= min && val <= max
}

// ContextPattern matches one key of the call's ambient context map
// (working directory, session tags, swarm role, etc).
type ContextPattern struct {
	Key    string
	Equals string
}

func (p ContextPattern) matches(ctxVals map[string]string) bool {
	v, ok := ctxVals[p.Key]
	return ok && v == p.Equals
}

// Condition is one branch of a PolicyRule: if all of Args and Context
// match, and the classified intent is at least MinIntent, Effect
// applies.
type Condition struct {
	Args      []ArgPattern
	Context   []ContextPattern
	MinIntent Intent
	Effect    Effect
	Suggestion string
}

var intentRank = map[Intent]int{
	IntentUnknown:    0,
	IntentAccidental: 1,
	IntentInferred:   2,
	IntentDeliberate: 3,
}

func (c Condition) matches(args map[string]any, ctxVals map[string]string, intent Intent) bool {
	for _, a := range c.Args {
		if !a.matches(args) {
			return false
		}
	}
	for _, cp := range c.Context {
		if !cp.matches(ctxVals) {
			return false
		}
	}
	if c.MinIntent != "" && intentRank[intent] < intentRank[c.MinIntent] {
		return false
	}
	return true
}

// PolicyRule is the base policy for one tool (or a glob over tool
// names). Conditions are scanned in order; the first match wins. If
// no condition matches, Default applies.
type PolicyRule struct {
	ToolNameMatch string
	Default       Effect
	Conditions    []Condition
	Suggestion    string
}

func (r PolicyRule) appliesTo(toolName string) bool {
	ok, _ := path.Match(r.ToolNameMatch, toolName)
	return ok
}

// PermissionGrant is a remembered "always allow" decision scoped to a
// tool and an argument shape, with an optional expiry and an optional
// bounded use count. RemainingUses <= 0 means unlimited; a positive
// count is decremented on every match and the grant is reaped once it
// reaches zero, so a grant for "k uses" goes inert after its kth
// consumption.
type PermissionGrant struct {
	ToolName      string
	ArgsKey       string // caller-computed stable fingerprint of the relevant argument shape
	ExpiresAt     time.Time
	RemainingUses int
}

func (g PermissionGrant) expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// bounded reports whether the grant has a finite use count.
func (g PermissionGrant) bounded() bool {
	return g.RemainingUses > 0
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Effect     Effect
	Reason     string
	Suggestion string
	Intent     Intent
	Score      float64
	UsedGrant  bool
}

// AuditEntry is one recorded decision, kept for the engine's bounded
// audit log.
type AuditEntry struct {
	ToolName string
	Decision Decision
	At       time.Time
}

// Request is everything Evaluate needs about a single tool call.
type Request struct {
	ToolName string
	Args     map[string]any
	Context  map[string]string
	Evidence []Evidence
}

// Engine evaluates requests against base rules and remembered grants.
type Engine struct {
	mu         sync.Mutex
	rules      []PolicyRule
	grants     []PermissionGrant
	thresholds Thresholds
	audit      []AuditEntry
	auditCap   int
	now        func() time.Time
	tracer     trace.Tracer
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithThresholds overrides the default intent-band thresholds.
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) { e.thresholds = t }
}

// WithAuditCapacity bounds the in-memory audit log (oldest entries
// are dropped once full).
func WithAuditCapacity(n int) Option {
	return func(e *Engine) { e.auditCap = n }
}

// New creates an Engine from an ordered list of base rules, most
// specific first.
func New(rules []PolicyRule, opts ...Option) *Engine {
	e := &Engine{
		rules:      rules,
		thresholds: DefaultThresholds(),
		auditCap:   512,
		now:        time.Now,
		tracer:     otel.Tracer("agentcore/policy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Grant remembers a standing allow decision for future calls whose
// ArgsKey matches.
func (e *Engine) Grant(g PermissionGrant) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grants = append(e.grants, g)
}

// Revoke removes all grants for a tool name.
func (e *Engine) Revoke(toolName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.grants[:0:0]
	for _, g := range e.grants {
		if g.ToolName != toolName {
			kept = append(kept, g)
		}
	}
	e.grants = kept
}

// matchGrant finds a live grant for toolName/argsKey, decrements its
// remaining-use count if it is bounded, and reaps it once exhausted.
// Must be called with e.mu held.
func (e *Engine) matchGrant(toolName, argsKey string) bool {
	now := e.now()
	for i := range e.grants {
		g := &e.grants[i]
		if g.ToolName != toolName || g.ArgsKey != argsKey || g.expired(now) {
			continue
		}
		wasBounded := g.bounded()
		if wasBounded {
			g.RemainingUses--
		}
		if wasBounded && g.RemainingUses <= 0 {
			e.grants = append(e.grants[:i:i], e.grants[i+1:]...)
		}
		return true
	}
	return false
}

// Evaluate runs the fixed-order decision procedure:
//  1. Check remembered grants; a live match short-circuits to allow.
//  2. Look up the most specific matching base PolicyRule.
//  3. Scan that rule's Conditions in order for the first match.
//  4. Fall back to the rule's Default effect, or EffectPrompt if no
//     rule matched at all.
// A Prompt outcome is then sharpened by the classified intent: a
// strongly deliberate score auto-allows, a strongly accidental score
// auto-blocks, everything in between is left as Prompt for the
// caller to put to the user.
func (e *Engine) Evaluate(ctx context.Context, req Request, argsKey string) Decision {
	_, span := e.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(attribute.String("tool.name", req.ToolName)))
	defer span.End()

	score, intent := ClassifyEvidence(req.Evidence, e.thresholds)

	e.mu.Lock()
	grantMatch := e.matchGrant(req.ToolName, argsKey)
	rule, cond := e.lookup(req.ToolName, req.Args, req.Context, intent)
	e.mu.Unlock()

	var d Decision
	switch {
	case grantMatch:
		d = Decision{Effect: EffectAllow, Reason: "remembered grant", Intent: intent, Score: score, UsedGrant: true}
	case cond != nil:
		d = Decision{Effect: cond.Effect, Reason: "condition match", Suggestion: cond.Suggestion, Intent: intent, Score: score}
	case rule != nil:
		d = Decision{Effect: rule.Default, Reason: "base policy default", Suggestion: rule.Suggestion, Intent: intent, Score: score}
	default:
		d = Decision{Effect: EffectPrompt, Reason: "no matching rule", Intent: intent, Score: score}
	}

	if d.Effect == EffectPrompt {
		switch intent {
		case IntentDeliberate:
			d.Effect = EffectAllow
			d.Reason = "auto-allow: deliberate intent"
		case IntentAccidental, IntentUnknown:
			if intent == IntentAccidental {
				d.Effect = EffectForbidden
				d.Reason = "auto-block: accidental intent"
			}
		}
	}

	span.SetAttributes(
		attribute.String("policy.effect", string(d.Effect)),
		attribute.String("policy.intent", string(d.Intent)),
		attribute.Float64("policy.score", d.Score),
	)

	e.record(req.ToolName, d)
	return d
}

func (e *Engine) lookup(toolName string, args map[string]any, ctxVals map[string]string, intent Intent) (*PolicyRule, *Condition) {
	for i := range e.rules {
		r := &e.rules[i]
		if !r.appliesTo(toolName) {
			continue
		}
		for j := range r.Conditions {
			c := &r.Conditions[j]
			if c.matches(args, ctxVals, intent) {
				return r, c
			}
		}
		return r, nil
	}
	return nil, nil
}

func (e *Engine) record(toolName string, d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audit = append(e.audit, AuditEntry{ToolName: toolName, Decision: d, At: e.now()})
	if len(e.audit) > e.auditCap {
		e.audit = e.audit[len(e.audit)-e.auditCap:]
	}
}

// AuditLog returns a snapshot of recorded decisions, oldest first.
func (e *Engine) AuditLog() []AuditEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AuditEntry, len(e.audit))
	copy(out, e.audit)
	return out
}
