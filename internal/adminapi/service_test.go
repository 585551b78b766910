package adminapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/eventbus"
	"github.com/zerotrust/overlay/internal/eventlog"
	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/projection"
	"github.com/zerotrust/overlay/internal/tokens"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := eventlog.NewMemoryStore()
	proj := projection.New()
	return &Service{
		Store:    store,
		Proj:     proj,
		Sessions: tokens.NewSessionBroker(tokens.SessionBrokerConfig{HMACSecret: "test-secret"}),
		Bus:      eventbus.NewLocalBus(),
	}
}

func registerNode(t *testing.T, svc *Service, hostname string, role model.Role) string {
	t.Helper()
	ctx := context.Background()
	nodeID := "node-" + hostname
	_, err := svc.Store.Commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateNode, AggregateID: nodeID, ExpectedVersion: 0,
		EventType: eventlog.NodeRegistered,
		Payload: map[string]any{
			"hostname": hostname, "role": string(role), "public_key": "KEY-" + hostname,
			"overlay_ip": "10.10.0.9",
		},
	})
	require.NoError(t, err)
	ev, err := svc.Store.Replay(ctx, eventlog.AggregateNode, nodeID)
	require.NoError(t, err)
	for _, e := range ev {
		require.NoError(t, svc.Proj.Apply(e))
	}
	return nodeID
}

func TestApproveNode_TransitionsPendingToActive(t *testing.T) {
	svc := newTestService(t)
	nodeID := registerNode(t, svc, "app-01", model.RoleApp)

	require.NoError(t, svc.ApproveNode(context.Background(), nodeID, "root"))

	node, ok := svc.Proj.Node(nodeID)
	require.True(t, ok)
	require.Equal(t, model.NodeActive, node.Status)
}

func TestApproveNode_RejectsAlreadyActive(t *testing.T) {
	svc := newTestService(t)
	nodeID := registerNode(t, svc, "app-02", model.RoleApp)
	require.NoError(t, svc.ApproveNode(context.Background(), nodeID, "root"))

	err := svc.ApproveNode(context.Background(), nodeID, "root")
	require.Error(t, err)
}

func TestSuspendNode_RevokesSessions(t *testing.T) {
	svc := newTestService(t)
	nodeID := registerNode(t, svc, "db-01", model.RoleDB)
	require.NoError(t, svc.ApproveNode(context.Background(), nodeID, "root"))

	tok, err := svc.Sessions.Issue(nodeID)
	require.NoError(t, err)

	require.NoError(t, svc.SuspendNode(context.Background(), nodeID, "root", "manual review"))

	node, ok := svc.Proj.Node(nodeID)
	require.True(t, ok)
	require.Equal(t, model.NodeSuspended, node.Status)

	_, err = svc.Sessions.Verify(tok.Token)
	require.Error(t, err)
}

func TestCreateGroupAndAddMember(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.PutUser(ctx, model.User{ID: "user-1", Email: "a@example.com"}, "root")
	require.NoError(t, err)

	g, err := svc.CreateGroup(ctx, "eng", "engineering", "root")
	require.NoError(t, err)

	require.NoError(t, svc.AddGroupMember(ctx, g.ID, "user-1", "root"))

	refreshed, ok := svc.Proj.Group(g.ID)
	require.True(t, ok)
	_, isMember := refreshed.Members["user-1"]
	require.True(t, isMember)
}

func TestPutNetworkPolicy_AssignsIDWhenEmpty(t *testing.T) {
	svc := newTestService(t)
	p, err := svc.PutNetworkPolicy(context.Background(), model.NetworkPolicy{
		SrcRole: model.RoleApp, DstRole: model.RoleDB, Protocol: model.ProtoTCP,
		PortFrom: 5432, PortTo: 5432, Action: model.FirewallAccept, Priority: 100,
	}, "root")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
}
