// Package blackboard implements the shared, append-only findings
// board that swarm workers use to publish discoveries and claims and
// to observe each other's progress without touching one another's
// conversation state.
package blackboard

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies a Finding.
type Type string

const (
	TypeDiscovery Type = "discovery"
	TypeClaim     Type = "claim"
	TypeWarning   Type = "warning"
	TypeQuestion  Type = "question"
	TypeAnswer    Type = "answer"
	TypeHandoff   Type = "handoff"
)

// ClaimKind distinguishes resource-claim findings, a reserved
// sub-category of TypeClaim that marks a resource as owned until its
// producer releases it.
type ClaimKind string

const (
	ClaimEdit       ClaimKind = "edit"
	ClaimOwnModule  ClaimKind = "own-module"
)

// Finding is one append-only record on the blackboard.
type Finding struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Producer   string         `json:"producer_worker"`
	Payload    any            `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
	Tags       []string       `json:"tags,omitempty"`
	ClaimKind  ClaimKind      `json:"claim_kind,omitempty"`
	Released   bool           `json:"released,omitempty"`
}

// Filter selects findings for Query and Subscribe.
type Filter struct {
	Type     Type
	Producer string
	Tags     []string
	Since    time.Time
}

func (f Filter) matches(find Finding) bool {
	if f.Type != "" && find.Type != f.Type {
		return false
	}
	if f.Producer != "" && find.Producer != f.Producer {
		return false
	}
	if !f.Since.IsZero() && find.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Tags) > 0 {
		want := make(map[string]bool, len(f.Tags))
		for _, tg := range f.Tags {
			want[tg] = true
		}
		found := false
		for _, tg := range find.Tags {
			if want[tg] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// subscription is a live, filtered delivery channel.
type subscription struct {
	filter Filter
	ch     chan Finding
}

// Board is the monotonically growing, single-writer findings store.
// Post is append-only; concurrent Post/Query/Subscribe calls are
// safe. Subscriptions receive matching findings in post order; a
// finding posted while a subscriber's buffer is full is not delivered
// to that subscriber and is not redelivered later.
type Board struct {
	mu       sync.RWMutex
	findings []Finding
	byID     map[string]int // id -> index into findings
	subs     map[string]*subscription
	newID    func() string
}

// New creates an empty Board.
func New() *Board {
	return &Board{
		byID:  make(map[string]int),
		subs:  make(map[string]*subscription),
		newID: uuid.NewString,
	}
}

// Post appends a finding, assigning an ID and timestamp if unset, and
// delivers it to every subscription whose filter matches. Delivery to
// a subscriber whose buffer is full is dropped rather than blocking
// the writer — the subscriber has fallen behind and should Query to
// catch up instead of relying on the stream alone.
func (b *Board) Post(f Finding) Finding {
	if f.ID == "" {
		f.ID = b.newID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	b.mu.Lock()
	b.byID[f.ID] = len(b.findings)
	b.findings = append(b.findings, f)
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.filter.matches(f) {
			continue
		}
		select {
		case s.ch <- f:
		default:
		}
	}
	return f
}

// Query returns all findings matching filter, in post order.
func (b *Board) Query(filter Filter) []Finding {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Finding, 0, len(b.findings))
	for _, f := range b.findings {
		if filter.matches(f) {
			out = append(out, f)
		}
	}
	return out
}

// Get retrieves a single finding by ID.
func (b *Board) Get(id string) (Finding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.byID[id]
	if !ok {
		return Finding{}, false
	}
	return b.findings[idx], true
}

// Subscribe registers a filtered delivery channel. The returned
// function unsubscribes and closes the channel.
func (b *Board) Subscribe(filter Filter, bufferSize int) (<-chan Finding, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	id := b.newID()
	sub := &subscription{filter: filter, ch: make(chan Finding, bufferSize)}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Release marks a resource-claim finding as released. Competing
// workers querying TypeClaim findings should treat a released claim
// as no longer blocking.
func (b *Board) Release(claimID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.byID[claimID]
	if !ok || b.findings[idx].Type != TypeClaim {
		return false
	}
	b.findings[idx].Released = true
	return true
}

// ActiveClaims returns unresolved (not-released) resource claims,
// optionally narrowed by kind.
func (b *Board) ActiveClaims(kind ClaimKind) []Finding {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Finding
	for _, f := range b.findings {
		if f.Type != TypeClaim || f.Released {
			continue
		}
		if kind != "" && f.ClaimKind != kind {
			continue
		}
		out = append(out, f)
	}
	return out
}
