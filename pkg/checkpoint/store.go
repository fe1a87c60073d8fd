// Package checkpoint provides named, time-ordered snapshots of thread
// state with in-place or fork restore.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scaffoldai/agentcore/pkg/thread"
)

// SerializedState is the immutable payload a Checkpoint pins: the
// thread's messages up to the snapshot point, plus opaque blobs the
// caller wants preserved (memory, plan, tool state).
type SerializedState struct {
	Messages []thread.Message `json:"messages"`
	Blobs    map[string]json.RawMessage `json:"blobs,omitempty"`
}

// Checkpoint is a pinned (threadID, messageIndex) snapshot.
type Checkpoint struct {
	ID           string          `json:"id"`
	Label        string          `json:"label,omitempty"`
	ThreadID     string          `json:"thread_id"`
	MessageIndex int             `json:"message_index"`
	State        SerializedState `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// RestoreMode selects how Restore applies a checkpoint.
type RestoreMode string

const (
	// ModeInPlace truncates the target thread to the checkpoint and
	// copies the snapshot's messages back in.
	ModeInPlace RestoreMode = "in_place"

	// ModeFork creates a new child thread seeded with the snapshot,
	// recording lineage via Thread.ParentID.
	ModeFork RestoreMode = "fork"
)

// Store holds checkpoints keyed by ID, deep-copying on both create
// and restore so that subsequent mutation of a thread's live message
// slice never reaches back into a stored snapshot.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]*Checkpoint
	byThread    map[string][]string // threadID -> checkpoint IDs, creation order
	newID       func() string
	now         func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID:     make(map[string]*Checkpoint),
		byThread: make(map[string][]string),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Create pins t's tail (or a specific message index, if upTo >= 0)
// into a new Checkpoint. The store deep-copies messages so later
// mutation of t.Messages never changes the snapshot.
func (s *Store) Create(t *thread.Thread, upTo int, label string, blobs map[string]json.RawMessage) (*Checkpoint, error) {
	if t == nil {
		return nil, fmt.Errorf("checkpoint: nil thread")
	}

	idx := len(t.Messages)
	if upTo >= 0 {
		if upTo > len(t.Messages) {
			return nil, fmt.Errorf("checkpoint: message index %d out of range (thread has %d messages)", upTo, len(t.Messages))
		}
		idx = upTo
	}

	cp := &Checkpoint{
		ID:           s.newID(),
		Label:        label,
		ThreadID:     t.ID,
		MessageIndex: idx,
		State: SerializedState{
			Messages: t.CloneMessages(idx),
			Blobs:    blobs,
		},
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.byID[cp.ID] = cp
	s.byThread[t.ID] = append(s.byThread[t.ID], cp.ID)
	s.mu.Unlock()

	return cp, nil
}

// Get retrieves a checkpoint by ID. The returned Checkpoint must be
// treated as read-only by the caller; Restore always makes its own
// copy before mutating a thread.
func (s *Store) Get(id string) (*Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	return cp, ok
}

// Restore applies a checkpoint to target (ModeInPlace) or returns a
// freshly forked thread (ModeFork). target is ignored in fork mode
// except to supply the parent thread for lineage.
func (s *Store) Restore(id string, target *thread.Thread, mode RestoreMode) (*thread.Thread, error) {
	cp, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("checkpoint: %q not found", id)
	}
	if target == nil {
		return nil, fmt.Errorf("checkpoint: nil target thread")
	}

	switch mode {
	case ModeInPlace:
		target.Truncate(cp.State.Messages)
		return target, nil
	case ModeFork:
		childID := s.newID()
		return thread.Fork(childID, target, cp.State.Messages), nil
	default:
		return nil, fmt.Errorf("checkpoint: unknown restore mode %q", mode)
	}
}

// PruneKeepLastNPerThread drops all but the n most recently created
// checkpoints for each thread.
func (s *Store) PruneKeepLastNPerThread(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for threadID, ids := range s.byThread {
		if len(ids) <= n {
			continue
		}
		// ids is already in creation order (append-only).
		drop := ids[:len(ids)-n]
		keep := ids[len(ids)-n:]
		for _, id := range drop {
			delete(s.byID, id)
			removed++
		}
		s.byThread[threadID] = keep
	}
	return removed
}

// PruneOlderThan drops checkpoints created before time.Now().Add(-age).
func (s *Store) PruneOlderThan(age time.Duration) int {
	cutoff := s.now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for threadID, ids := range s.byThread {
		kept := ids[:0:0]
		for _, id := range ids {
			cp := s.byID[id]
			if cp != nil && cp.CreatedAt.Before(cutoff) {
				delete(s.byID, id)
				removed++
				continue
			}
			kept = append(kept, id)
		}
		s.byThread[threadID] = kept
	}
	return removed
}

// ListForThread returns all checkpoint IDs for a thread, oldest
// first.
func (s *Store) ListForThread(threadID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.byThread[threadID]))
	copy(out, s.byThread[threadID])
	return out
}

// ExportJSON serializes the entire store (all checkpoints) to JSON,
// preserving IDs and timestamps for round-trip import.
func (s *Store) ExportJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return json.Marshal(out)
}

// ImportJSON loads checkpoints exported by ExportJSON, preserving
// their original IDs, message sequences, and timestamps.
func (s *Store) ImportJSON(data []byte) error {
	var cps []*Checkpoint
	if err := json.Unmarshal(data, &cps); err != nil {
		return fmt.Errorf("checkpoint: import: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range cps {
		s.byID[cp.ID] = cp
		s.byThread[cp.ThreadID] = append(s.byThread[cp.ThreadID], cp.ID)
	}
	return nil
}
