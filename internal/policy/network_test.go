package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/model"
)

func TestCompileNetworkPlane_ImplicitTrailingDrop(t *testing.T) {
	rules := CompileNetworkPlane(nil)
	require.Len(t, rules, 1)
	require.Equal(t, model.FirewallDrop, rules[0].Action)
	require.Equal(t, model.RoleAny, rules[0].SrcRole)
}

func TestCompileNetworkPlane_SpecificityOrdering(t *testing.T) {
	policies := []*model.NetworkPolicy{
		{ID: "any-port", SrcRole: model.RoleApp, DstRole: model.RoleDB, Protocol: model.ProtoTCP,
			Action: model.FirewallAccept, Priority: 50},
		{ID: "exact-port", SrcRole: model.RoleApp, DstRole: model.RoleDB, Protocol: model.ProtoTCP,
			PortFrom: 5432, PortTo: 5432, Action: model.FirewallAccept, Priority: 50},
	}
	rules := CompileNetworkPlane(policies)
	require.Equal(t, "exact-port", rules[0].ID)
	require.Equal(t, "any-port", rules[1].ID)
}

func TestCompileNetworkPlane_PriorityBeatsSpecificity(t *testing.T) {
	policies := []*model.NetworkPolicy{
		{ID: "low-priority-exact", SrcRole: model.RoleApp, DstRole: model.RoleDB, Protocol: model.ProtoTCP,
			PortFrom: 5432, PortTo: 5432, Action: model.FirewallAccept, Priority: 10},
		{ID: "high-priority-any", SrcRole: model.RoleApp, DstRole: model.RoleDB, Protocol: model.ProtoTCP,
			Action: model.FirewallDrop, Priority: 100},
	}
	rules := CompileNetworkPlane(policies)
	require.Equal(t, "high-priority-any", rules[0].ID)
}

func TestReachable(t *testing.T) {
	policies := []*model.NetworkPolicy{
		{ID: "p1", SrcRole: model.RoleApp, DstRole: model.RoleDB, Protocol: model.ProtoTCP,
			PortFrom: 5432, PortTo: 5432, Action: model.FirewallAccept, Priority: 100},
	}
	rules := CompileNetworkPlane(policies)
	require.True(t, Reachable(rules, model.RoleApp, model.RoleDB))
	require.False(t, Reachable(rules, model.RoleDB, model.RoleApp))
}
