package peersynth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/policy"
)

func TestSynthesize_RoleToRoleFirewall(t *testing.T) {
	hub := &model.Node{ID: "hub", Role: model.RoleHub, OverlayIP: "10.10.0.1", Status: model.NodeActive, PublicKey: "HUB"}
	app := &model.Node{ID: "app-01", Role: model.RoleApp, OverlayIP: "10.10.0.3", Status: model.NodeActive, PublicKey: "APP"}
	db := &model.Node{ID: "db-01", Role: model.RoleDB, OverlayIP: "10.10.0.2", Status: model.NodeActive, PublicKey: "DB"}

	rules := policy.CompileNetworkPlane([]*model.NetworkPolicy{
		{ID: "app-to-db", SrcRole: model.RoleApp, DstRole: model.RoleDB, Protocol: model.ProtoTCP,
			PortFrom: 5432, PortTo: 5432, Action: model.FirewallAccept, Priority: 100},
	})

	plan := Synthesize(Input{
		Node: db, Hub: hub, AllNodes: []*model.Node{hub, app, db},
		NetworkRules: rules, OverlayCIDR: "10.10.0.0/24",
	})

	require.Equal(t, "10.10.0.2/32", plan.Interface.Address)
	require.Len(t, plan.Peers, 2) // hub + app

	acceptRules := 0
	for _, r := range plan.FirewallRules {
		if r.Action == model.FirewallAccept {
			acceptRules++
			require.Equal(t, "10.10.0.3/32", r.Src, "src must resolve to app-01's concrete overlay IP, not the role name")
			require.Equal(t, "10.10.0.2/32", r.Dst, "dst must resolve to db-01's own overlay IP")
			require.Equal(t, 5432, r.Port)
		}
	}
	require.Equal(t, 1, acceptRules)
}

func TestSynthesize_MultipleSrcPeersRenderAsNftSet(t *testing.T) {
	hub := &model.Node{ID: "hub", Role: model.RoleHub, OverlayIP: "10.10.0.1", Status: model.NodeActive, PublicKey: "HUB"}
	app1 := &model.Node{ID: "app-01", Role: model.RoleApp, OverlayIP: "10.10.0.3", Status: model.NodeActive, PublicKey: "APP1"}
	app2 := &model.Node{ID: "app-02", Role: model.RoleApp, OverlayIP: "10.10.0.5", Status: model.NodeActive, PublicKey: "APP2"}
	appSuspended := &model.Node{ID: "app-03", Role: model.RoleApp, OverlayIP: "10.10.0.9", Status: model.NodeSuspended, PublicKey: "APP3"}
	db := &model.Node{ID: "db-01", Role: model.RoleDB, OverlayIP: "10.10.0.2", Status: model.NodeActive, PublicKey: "DB"}

	rules := policy.CompileNetworkPlane([]*model.NetworkPolicy{
		{ID: "app-to-db", SrcRole: model.RoleApp, DstRole: model.RoleDB, Protocol: model.ProtoTCP,
			PortFrom: 5432, PortTo: 5432, Action: model.FirewallAccept, Priority: 100},
	})

	plan := Synthesize(Input{
		Node: db, Hub: hub, AllNodes: []*model.Node{hub, app1, app2, appSuspended, db},
		NetworkRules: rules, OverlayCIDR: "10.10.0.0/24",
	})

	var accept *policy.FirewallRule
	for i := range plan.FirewallRules {
		if plan.FirewallRules[i].Action == model.FirewallAccept {
			accept = &plan.FirewallRules[i]
		}
	}
	require.NotNil(t, accept)
	require.Equal(t, "{ 10.10.0.3/32, 10.10.0.5/32 }", accept.Src, "suspended peer excluded, remaining peers rendered as an nft set")
}

func TestSynthesize_NoActiveSrcPeerSkipsRule(t *testing.T) {
	hub := &model.Node{ID: "hub", Role: model.RoleHub, OverlayIP: "10.10.0.1", Status: model.NodeActive, PublicKey: "HUB"}
	db := &model.Node{ID: "db-01", Role: model.RoleDB, OverlayIP: "10.10.0.2", Status: model.NodeActive, PublicKey: "DB"}

	rules := policy.CompileNetworkPlane([]*model.NetworkPolicy{
		{ID: "app-to-db", SrcRole: model.RoleApp, DstRole: model.RoleDB, Protocol: model.ProtoTCP,
			PortFrom: 5432, PortTo: 5432, Action: model.FirewallAccept, Priority: 100},
	})

	plan := Synthesize(Input{
		Node: db, Hub: hub, AllNodes: []*model.Node{hub, db},
		NetworkRules: rules, OverlayCIDR: "10.10.0.0/24",
	})

	for _, r := range plan.FirewallRules {
		require.NotEqual(t, model.FirewallAccept, r.Action, "no active app peer exists, so the accept rule must not be emitted")
	}
}

func TestSynthesize_HubPeersEveryActiveNode(t *testing.T) {
	hub := &model.Node{ID: "hub", Role: model.RoleHub, OverlayIP: "10.10.0.1", Status: model.NodeActive}
	n1 := &model.Node{ID: "n1", Role: model.RoleApp, OverlayIP: "10.10.0.3", Status: model.NodeActive}
	n2 := &model.Node{ID: "n2", Role: model.RoleDB, OverlayIP: "10.10.0.4", Status: model.NodeSuspended}

	plan := Synthesize(Input{
		Node: hub, Hub: hub, AllNodes: []*model.Node{hub, n1, n2},
		OverlayCIDR: "10.10.0.0/24",
	})
	require.Len(t, plan.Peers, 1, "suspended nodes are excluded from every peer list")
}
