package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scaffoldai/agentcore/pkg/policy"
	"github.com/scaffoldai/agentcore/pkg/thread"
)

func TestMemoryStore_SaveLoadRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, &Session{ID: "s1", Thread: thread.New("s1")}))
	got, err := m.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
}

func TestMemoryStore_LoadMissingReturnsNotFound(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Load(context.Background(), "missing")
	require.Error(t, err)
	var nf *ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestMemoryStore_AppendUsageAndRememberGrant(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, &Session{ID: "s1", Thread: thread.New("s1")}))

	require.NoError(t, m.AppendUsage(ctx, "s1", UsageEntry{ToolName: "bash", PromptTokens: 10}))
	require.NoError(t, m.RememberGrant(ctx, "s1", policy.PermissionGrant{ToolName: "bash"}))

	got, err := m.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Usage, 1)
	require.Len(t, got.Grants, 1)
}

func TestMemoryStore_ListRecentOrdersByUpdatedAt(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, &Session{ID: "older", Thread: thread.New("older")}))
	require.NoError(t, m.Save(ctx, &Session{ID: "newer", Thread: thread.New("newer")}))

	ids, err := m.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, "newer", ids[0])
}
