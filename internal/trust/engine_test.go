package trust

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/model"
)

func TestScore_WeightedFormula(t *testing.T) {
	e := NewEngine(DefaultWeights, DefaultThresholds)
	score := e.Score(model.TrustInputs{
		RoleWeight: 100, DeviceHealth: 100, Behavior: 100, SecurityEvents: 100,
	})
	require.InDelta(t, 100, score, 0.001)

	score = e.Score(model.TrustInputs{
		RoleWeight: 0, DeviceHealth: 0, Behavior: 0, SecurityEvents: 0,
	})
	require.InDelta(t, 0, score, 0.001)
}

func TestRiskLevel_Buckets(t *testing.T) {
	e := NewEngine(DefaultWeights, DefaultThresholds)
	require.Equal(t, model.RiskLow, e.RiskLevel(85))
	require.Equal(t, model.RiskMedium, e.RiskLevel(65))
	require.Equal(t, model.RiskHigh, e.RiskLevel(45))
	require.Equal(t, model.RiskCritical, e.RiskLevel(30))
}

func TestAction_Mapping(t *testing.T) {
	e := NewEngine(DefaultWeights, DefaultThresholds)
	require.Equal(t, model.TrustActionAllow, e.Action(model.RiskLow))
	require.Equal(t, model.TrustActionAllow, e.Action(model.RiskMedium))
	require.Equal(t, model.TrustActionRestrict, e.Action(model.RiskHigh))
	require.Equal(t, model.TrustActionIsolate, e.Action(model.RiskCritical))
}

func TestRoleWeight_Ordering(t *testing.T) {
	require.Greater(t, RoleWeight(model.RoleOps), RoleWeight(model.RoleHub))
	require.Greater(t, RoleWeight(model.RoleHub), RoleWeight(model.RoleDB))
	require.Greater(t, RoleWeight(model.RoleDB), RoleWeight(model.RoleApp))
	require.Greater(t, RoleWeight(model.RoleApp), RoleWeight(model.RoleMonitor))
	require.Greater(t, RoleWeight(model.RoleMonitor), RoleWeight(model.RoleClient))
}

func TestSecurityEventsScore_PenalizesViolations(t *testing.T) {
	clean := SecurityEventsScore(0, 0, 0)
	require.Equal(t, 100.0, clean)

	bad := SecurityEventsScore(50, 20, 0)
	require.Less(t, bad, 40.0)
}
