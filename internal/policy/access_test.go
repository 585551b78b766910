package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/model"
)

func TestEvaluateAccess_WildcardDomain(t *testing.T) {
	policies := []*model.AccessPolicy{
		{ID: "p1", ResourceType: model.ResourceDomain, ResourceValue: "*.internal.example.com",
			Action: model.ActionAllow, Priority: 100, Enabled: true},
	}

	d := EvaluateAccess(policies, model.ResourceDomain, "api.internal.example.com")
	require.True(t, d.Allowed)
	require.Equal(t, "p1", d.MatchedPolicyID)

	d = EvaluateAccess(policies, model.ResourceDomain, "api.external.example.com")
	require.False(t, d.Allowed)

	d = EvaluateAccess(policies, model.ResourceDomain, "a.b.internal.example.com")
	require.False(t, d.Allowed, "single-star pattern must not match two extra labels")
}

func TestEvaluateAccess_DoubleStarMatchesMultipleLabels(t *testing.T) {
	policies := []*model.AccessPolicy{
		{ID: "p1", ResourceType: model.ResourceDomain, ResourceValue: "**.example.com",
			Action: model.ActionAllow, Priority: 100, Enabled: true},
	}
	d := EvaluateAccess(policies, model.ResourceDomain, "a.b.c.example.com")
	require.True(t, d.Allowed)
}

func TestEvaluateAccess_DefaultDeny(t *testing.T) {
	d := EvaluateAccess(nil, model.ResourceDomain, "anything.example.com")
	require.False(t, d.Allowed)
	require.Equal(t, model.ActionDeny, d.Action)
}

func TestEvaluateAccess_HighestPriorityWins(t *testing.T) {
	policies := []*model.AccessPolicy{
		{ID: "deny-low", ResourceType: model.ResourceDomain, ResourceValue: "*.example.com",
			Action: model.ActionDeny, Priority: 10, Enabled: true},
		{ID: "allow-high", ResourceType: model.ResourceDomain, ResourceValue: "*.example.com",
			Action: model.ActionAllow, Priority: 100, Enabled: true},
	}
	d := EvaluateAccess(policies, model.ResourceDomain, "api.example.com")
	require.True(t, d.Allowed)
	require.Equal(t, "allow-high", d.MatchedPolicyID)
}

func TestEvaluateAccess_DisabledPolicyIgnored(t *testing.T) {
	policies := []*model.AccessPolicy{
		{ID: "p1", ResourceType: model.ResourceDomain, ResourceValue: "*.example.com",
			Action: model.ActionAllow, Priority: 100, Enabled: false},
	}
	d := EvaluateAccess(policies, model.ResourceDomain, "api.example.com")
	require.False(t, d.Allowed)
}
