package projection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/eventlog"
	"github.com/zerotrust/overlay/internal/model"
)

func TestRebuild_ReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()

	_, err := store.Commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateNode, AggregateID: "n1", ExpectedVersion: 0,
		EventType: eventlog.NodeRegistered,
		Payload: map[string]string{
			"hostname": "db-01", "role": "db", "public_key": "K1", "overlay_ip": "10.10.0.2",
		},
	})
	require.NoError(t, err)

	_, err = store.Commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateNode, AggregateID: "n1", ExpectedVersion: 1,
		EventType: eventlog.NodeApproved,
		Payload:   map[string]string{"approved_by": "admin"},
	})
	require.NoError(t, err)

	p1 := New()
	require.NoError(t, p1.Rebuild(ctx, store))
	p2 := New()
	require.NoError(t, p2.Rebuild(ctx, store))

	n1, ok := p1.Node("n1")
	require.True(t, ok)
	n2, ok := p2.Node("n1")
	require.True(t, ok)
	require.Equal(t, n1.Status, n2.Status)
	require.Equal(t, model.NodeActive, n1.Status)
	require.Equal(t, n1.OverlayIP, n2.OverlayIP)
}

func TestPoliciesBySubject_GroupResolution(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()

	_, err := store.Commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateGroup, AggregateID: "g1", ExpectedVersion: 0,
		EventType: eventlog.GroupCreated, Payload: map[string]string{"name": "eng"},
	})
	require.NoError(t, err)
	_, err = store.Commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateGroup, AggregateID: "g1", ExpectedVersion: 1,
		EventType: eventlog.GroupMemberAdded, Payload: map[string]string{"user_id": "u1"},
	})
	require.NoError(t, err)
	_, err = store.Commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateAccessPolicy, AggregateID: "p1", ExpectedVersion: 0,
		EventType: eventlog.AccessPolicyPut,
		Payload: model.AccessPolicy{
			Name: "eng-internal", SubjectType: model.SubjectGroup, SubjectID: "g1",
			ResourceType: model.ResourceDomain, ResourceValue: "*.internal.example.com",
			Action: model.ActionAllow, Priority: 100, Enabled: true,
		},
	})
	require.NoError(t, err)

	p := New()
	require.NoError(t, p.Rebuild(ctx, store))

	policies := p.PoliciesBySubject("u1")
	require.Len(t, policies, 1)
	require.Equal(t, "eng-internal", policies[0].Name)

	require.Empty(t, p.PoliciesBySubject("unknown-user"))
}

// TestAllNodes_StableOrderRegardlessOfCommitOrder guards plan-hash
// determinism: two stores fed the same node set in opposite commit order
// must still produce the same AllNodes ordering, since downstream peer and
// firewall-rule compilation hashes whatever order this returns.
func TestAllNodes_StableOrderRegardlessOfCommitOrder(t *testing.T) {
	ctx := context.Background()

	register := func(store eventlog.Store, id, hostname string) {
		_, err := store.Commit(ctx, eventlog.Append{
			AggregateType: eventlog.AggregateNode, AggregateID: id, ExpectedVersion: 0,
			EventType: eventlog.NodeRegistered,
			Payload: map[string]string{
				"hostname": hostname, "role": "app", "public_key": "K-" + id, "overlay_ip": "10.10.0.9",
			},
		})
		require.NoError(t, err)
	}

	storeA := eventlog.NewMemoryStore()
	register(storeA, "n-c", "c")
	register(storeA, "n-a", "a")
	register(storeA, "n-b", "b")

	storeB := eventlog.NewMemoryStore()
	register(storeB, "n-a", "a")
	register(storeB, "n-b", "b")
	register(storeB, "n-c", "c")

	pA := New()
	require.NoError(t, pA.Rebuild(ctx, storeA))
	pB := New()
	require.NoError(t, pB.Rebuild(ctx, storeB))

	idsA := make([]string, 0, 3)
	for _, n := range pA.AllNodes() {
		idsA = append(idsA, n.ID)
	}
	idsB := make([]string, 0, 3)
	for _, n := range pB.AllNodes() {
		idsB = append(idsB, n.ID)
	}

	require.Equal(t, []string{"n-a", "n-b", "n-c"}, idsA)
	require.Equal(t, idsA, idsB)
}
