// Package session persists conversation threads, remembered
// permission grants, and usage logs across process restarts.
package session

import (
	"context"
	"time"

	"github.com/scaffoldai/agentcore/pkg/policy"
	"github.com/scaffoldai/agentcore/pkg/thread"
)

// UsageEntry records one billable unit of work against a session.
type UsageEntry struct {
	At           time.Time
	ToolName     string
	PromptTokens int
	CompletionTokens int
}

// Session bundles a thread with the longer-lived state that outlives
// any single turn: remembered permission grants and usage history.
type Session struct {
	ID        string
	Thread    *thread.Thread
	Grants    []policy.PermissionGrant
	Usage     []UsageEntry
	UpdatedAt time.Time
}

// Service is the persistence boundary the execution loop and CLI
// depend on. Implementations may be in-memory (tests, short-lived
// CLI runs) or durable (the sqlite-backed Store).
type Service interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	AppendUsage(ctx context.Context, id string, entry UsageEntry) error
	RememberGrant(ctx context.Context, id string, grant policy.PermissionGrant) error
	ListRecent(ctx context.Context, limit int) ([]string, error)
}

// ErrNotFound is returned by Load when no session exists for an ID.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return "session: " + e.ID + " not found" }
