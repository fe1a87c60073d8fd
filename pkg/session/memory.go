package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scaffoldai/agentcore/pkg/policy"
)

// MemoryStore is an in-process Service, used by tests and short-lived
// CLI invocations that don't need durability.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) AppendUsage(_ context.Context, id string, entry UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}
	s.Usage = append(s.Usage, entry)
	return nil
}

func (m *MemoryStore) RememberGrant(_ context.Context, id string, grant policy.PermissionGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}
	s.Grants = append(s.Grants, grant)
	return nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type pair struct {
		id string
		at time.Time
	}
	pairs := make([]pair, 0, len(m.sessions))
	for id, s := range m.sessions {
		pairs = append(pairs, pair{id, s.UpdatedAt})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].at.After(pairs[j].at) })

	if limit > 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out, nil
}

var _ Service = (*MemoryStore)(nil)
