package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scaffoldai/agentcore/pkg/thread"
)

func seedThread(t *testing.T) *thread.Thread {
	t.Helper()
	tr := thread.New("t1")
	require.NoError(t, tr.Append(thread.Message{Role: thread.RoleUser, Content: "hi"}))
	require.NoError(t, tr.Append(thread.Message{Role: thread.RoleAssistant, Content: "hello"}))
	return tr
}

func TestStore_CreateIsImmutableToLaterMutation(t *testing.T) {
	store := New()
	tr := seedThread(t)

	cp, err := store.Create(tr, -1, "before-edit", nil)
	require.NoError(t, err)

	tr.Messages[0].Content = "mutated after checkpoint"
	tr.Messages = append(tr.Messages, thread.Message{Role: thread.RoleUser, Content: "new"})

	got, ok := store.Get(cp.ID)
	require.True(t, ok)
	require.Len(t, got.State.Messages, 2)
	require.Equal(t, "hi", got.State.Messages[0].Content)
}

func TestStore_RestoreInPlaceTruncates(t *testing.T) {
	store := New()
	tr := seedThread(t)
	cp, err := store.Create(tr, 1, "after-first-message", nil)
	require.NoError(t, err)

	require.NoError(t, tr.Append(thread.Message{Role: thread.RoleUser, Content: "extra"}))
	require.Len(t, tr.Messages, 3)

	restored, err := store.Restore(cp.ID, tr, ModeInPlace)
	require.NoError(t, err)
	require.Len(t, restored.Messages, 1)
	require.Equal(t, "hi", restored.Messages[0].Content)
}

func TestStore_RestoreForkPreservesLineage(t *testing.T) {
	store := New()
	tr := seedThread(t)
	cp, err := store.Create(tr, -1, "", nil)
	require.NoError(t, err)

	child, err := store.Restore(cp.ID, tr, ModeFork)
	require.NoError(t, err)
	require.Equal(t, "t1", child.ParentID)
	require.NotEqual(t, tr.ID, child.ID)
	require.Len(t, child.Messages, 2)
}

func TestStore_PruneKeepLastN(t *testing.T) {
	store := New()
	tr := seedThread(t)

	var ids []string
	for i := 0; i < 5; i++ {
		cp, err := store.Create(tr, -1, "", nil)
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}

	removed := store.PruneKeepLastNPerThread(2)
	require.Equal(t, 3, removed)
	require.Len(t, store.ListForThread(tr.ID), 2)

	for _, id := range ids[len(ids)-2:] {
		_, ok := store.Get(id)
		require.True(t, ok)
	}
}

func TestStore_PruneOlderThan(t *testing.T) {
	store := New()
	fixed := time.Now()
	store.now = func() time.Time { return fixed }

	tr := seedThread(t)
	old, err := store.Create(tr, -1, "old", nil)
	require.NoError(t, err)

	store.now = func() time.Time { return fixed.Add(time.Hour) }
	recent, err := store.Create(tr, -1, "recent", nil)
	require.NoError(t, err)

	removed := store.PruneOlderThan(30 * time.Minute)
	require.Equal(t, 1, removed)
	_, ok := store.Get(old.ID)
	require.False(t, ok)
	_, ok = store.Get(recent.ID)
	require.True(t, ok)
}

func TestStore_ExportImportRoundTrip(t *testing.T) {
	store := New()
	tr := seedThread(t)
	cp, err := store.Create(tr, -1, "label", nil)
	require.NoError(t, err)

	data, err := store.ExportJSON()
	require.NoError(t, err)

	fresh := New()
	require.NoError(t, fresh.ImportJSON(data))

	got, ok := fresh.Get(cp.ID)
	require.True(t, ok)
	require.Equal(t, cp.ID, got.ID)
	require.Equal(t, cp.CreatedAt.Unix(), got.CreatedAt.Unix())
	require.Equal(t, cp.State.Messages, got.State.Messages)
}
