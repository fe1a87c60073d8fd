package blackboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBoard_PostAssignsIDAndTimestamp(t *testing.T) {
	b := New()
	f := b.Post(Finding{Type: TypeDiscovery, Producer: "w1", Payload: "found x"})
	require.NotEmpty(t, f.ID)
	require.False(t, f.CreatedAt.IsZero())

	got, ok := b.Get(f.ID)
	require.True(t, ok)
	require.Equal(t, f.Payload, got.Payload)
}

func TestBoard_QueryFiltersByTypeProducerAndTags(t *testing.T) {
	b := New()
	b.Post(Finding{Type: TypeDiscovery, Producer: "w1", Tags: []string{"auth"}})
	b.Post(Finding{Type: TypeWarning, Producer: "w2", Tags: []string{"auth"}})
	b.Post(Finding{Type: TypeDiscovery, Producer: "w2", Tags: []string{"db"}})

	got := b.Query(Filter{Type: TypeDiscovery})
	require.Len(t, got, 2)

	got = b.Query(Filter{Producer: "w2"})
	require.Len(t, got, 2)

	got = b.Query(Filter{Tags: []string{"db"}})
	require.Len(t, got, 1)
}

func TestBoard_SubscribeDeliversMatchingFindingsInPostOrder(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(Filter{Type: TypeDiscovery}, 8)
	defer unsubscribe()

	b.Post(Finding{Type: TypeWarning})
	b.Post(Finding{Type: TypeDiscovery, Payload: "first"})
	b.Post(Finding{Type: TypeDiscovery, Payload: "second"})

	select {
	case f := <-ch:
		require.Equal(t, "first", f.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first discovery")
	}
	select {
	case f := <-ch:
		require.Equal(t, "second", f.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second discovery")
	}
}

func TestBoard_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(Filter{}, 1)
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
}

func TestBoard_ClaimReleaseLifecycle(t *testing.T) {
	b := New()
	claim := b.Post(Finding{Type: TypeClaim, ClaimKind: ClaimEdit, Producer: "w1", Payload: "file.go"})

	active := b.ActiveClaims(ClaimEdit)
	require.Len(t, active, 1)

	require.True(t, b.Release(claim.ID))
	require.Empty(t, b.ActiveClaims(ClaimEdit))

	require.False(t, b.Release("missing"))
}
