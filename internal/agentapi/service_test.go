package agentapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/apierr"
	"github.com/zerotrust/overlay/internal/eventlog"
	"github.com/zerotrust/overlay/internal/eventbus"
	"github.com/zerotrust/overlay/internal/ipam"
	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/projection"
	"github.com/zerotrust/overlay/internal/tokens"
	"github.com/zerotrust/overlay/internal/trust"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := eventlog.NewMemoryStore()
	proj := projection.New()
	mgr, err := ipam.NewManager("10.10.0.0/24", ipam.Bounds{Start: 2, End: 99}, ipam.Bounds{Start: 100, End: 250},
		ipam.NewMemoryCooldown(), 24*time.Hour)
	require.NoError(t, err)

	return &Service{
		Store:       store,
		Proj:        proj,
		IPAM:        mgr,
		Trust:       trust.NewEngine(trust.DefaultWeights, trust.DefaultThresholds),
		Sessions:    tokens.NewSessionBroker(tokens.SessionBrokerConfig{HMACSecret: "test-secret"}),
		Bus:         eventbus.NewLocalBus(),
		OverlayCIDR: "10.10.0.0/24",
		HubEndpoint: "hub.example.com:51820",
	}
}

func TestRegister_IdempotentOnSameHostnameAndKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req := RegisterRequest{Hostname: "App-01", Role: model.RoleApp, PublicKey: "KEY1", AgentVersion: "1.0"}
	first, err := svc.Register(ctx, req)
	require.NoError(t, err)
	require.Equal(t, model.NodePending, first.Status)
	require.Equal(t, "10.10.0.2", first.OverlayIP)

	second, err := svc.Register(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.NodeID, second.NodeID)
	require.Equal(t, first.OverlayIP, second.OverlayIP)
}

func TestRegister_RejectsKeyChangeForExistingHostname(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Hostname: "app-01", Role: model.RoleApp, PublicKey: "KEY1"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterRequest{Hostname: "app-01", Role: model.RoleApp, PublicKey: "KEY2"})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindConflict, apiErr.Kind)
}

func TestSync_PendingNodeGetsEmptyPlan(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{Hostname: "db-01", Role: model.RoleDB, PublicKey: "KEYDB"})
	require.NoError(t, err)

	sync, err := svc.Sync(ctx, res.NodeID, "")
	require.NoError(t, err)
	require.False(t, sync.NotModified)
	require.Empty(t, sync.Plan.Peers)
}

func TestSync_NotModifiedOnMatchingHash(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	hub, err := svc.Register(ctx, RegisterRequest{Hostname: "hub", Role: model.RoleHub, PublicKey: "HUBKEY"})
	require.NoError(t, err)
	approveNode(t, svc, hub.NodeID)

	first, err := svc.Sync(ctx, hub.NodeID, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.PlanHash)

	second, err := svc.Sync(ctx, hub.NodeID, first.PlanHash)
	require.NoError(t, err)
	require.True(t, second.NotModified)
}

func TestHeartbeat_CriticalScoreAutoSuspends(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{Hostname: "risky", Role: model.RoleClient, PublicKey: "RISKKEY"})
	require.NoError(t, err)
	approveNode(t, svc, res.NodeID)

	_, err = svc.Heartbeat(ctx, res.NodeID, HeartbeatMetrics{
		DeviceHealth: 0, HeartbeatRegularity: 0, TrafficAnomalyScore: 0, HandshakeLatency: 0,
		SSHFailures: 50, FirewallViolations: 50, RevocationRequests: 5,
	})
	require.NoError(t, err)

	node, ok := svc.Proj.Node(res.NodeID)
	require.True(t, ok)
	require.Equal(t, model.NodeSuspended, node.Status)
}

func TestEvaluate_DefaultDenyWithNoPolicies(t *testing.T) {
	svc := newTestService(t)
	decision := svc.Evaluate("user-1", model.ResourceDomain, "anything.example.com")
	require.False(t, decision.Allowed)
}

func approveNode(t *testing.T, svc *Service, nodeID string) {
	t.Helper()
	v, err := svc.Store.CurrentVersion(context.Background(), eventlog.AggregateNode, nodeID)
	require.NoError(t, err)
	ev, err := svc.Store.Commit(context.Background(), eventlog.Append{
		AggregateType: eventlog.AggregateNode, AggregateID: nodeID, ExpectedVersion: v,
		EventType: eventlog.NodeApproved, Payload: map[string]any{"approved_by": "test-admin"}, Actor: "test-admin",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Proj.Apply(ev))
}
