// Package trust implements the Trust Engine (C5): the weighted scoring
// formula from §4.5, its risk-level buckets, and the action mapping that
// feeds automatic suspension.
package trust

import (
	"github.com/zerotrust/overlay/internal/model"
)

// roleWeights is the static role_weight table: ops > hub > db > app >
// gateway > monitor > client, each normalized to [0,100].
var roleWeights = map[model.Role]float64{
	model.RoleOps:     100,
	model.RoleHub:     95,
	model.RoleDB:      85,
	model.RoleApp:     75,
	model.RoleGateway: 70,
	model.RoleMonitor: 65,
	model.RoleClient:  50,
}

func RoleWeight(role model.Role) float64 {
	if w, ok := roleWeights[role]; ok {
		return w
	}
	return 50
}

// Weights is the configurable weighting of the four sub-scores; must sum
// to 1.0 to keep the composite score in [0,100].
type Weights struct {
	RoleWeight     float64
	DeviceHealth   float64
	Behavior       float64
	SecurityEvents float64
}

// DefaultWeights mirrors the formula in §4.5 verbatim.
var DefaultWeights = Weights{
	RoleWeight:     0.30,
	DeviceHealth:   0.25,
	Behavior:       0.25,
	SecurityEvents: 0.20,
}

type Thresholds struct {
	Low      float64
	Medium   float64
	High     float64
}

var DefaultThresholds = Thresholds{Low: 80, Medium: 60, High: 40}

// Engine computes composite trust scores and the risk/action they imply.
type Engine struct {
	weights    Weights
	thresholds Thresholds
}

func NewEngine(w Weights, t Thresholds) *Engine {
	return &Engine{weights: w, thresholds: t}
}

// Score computes the weighted composite from §4.5's formula. Each input is
// expected already normalized to [0,100].
func (e *Engine) Score(inputs model.TrustInputs) float64 {
	score := e.weights.RoleWeight*inputs.RoleWeight +
		e.weights.DeviceHealth*inputs.DeviceHealth +
		e.weights.Behavior*inputs.Behavior +
		e.weights.SecurityEvents*inputs.SecurityEvents
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RiskLevel buckets a composite score per §4.5: low≥80, medium≥60, high≥40,
// critical<40.
func (e *Engine) RiskLevel(score float64) model.RiskLevel {
	switch {
	case score >= e.thresholds.Low:
		return model.RiskLow
	case score >= e.thresholds.Medium:
		return model.RiskMedium
	case score >= e.thresholds.High:
		return model.RiskHigh
	default:
		return model.RiskCritical
	}
}

// Action maps a risk level to the action the rest of the system must take:
// low/medium allow as-is, high narrows to the minimum policy set, critical
// forces isolation.
func (e *Engine) Action(risk model.RiskLevel) model.TrustAction {
	switch risk {
	case model.RiskLow, model.RiskMedium:
		return model.TrustActionAllow
	case model.RiskHigh:
		return model.TrustActionRestrict
	default:
		return model.TrustActionIsolate
	}
}

// Evaluate is the full pipeline: inputs -> score -> risk -> action.
func (e *Engine) Evaluate(inputs model.TrustInputs) (score float64, risk model.RiskLevel, action model.TrustAction) {
	score = e.Score(inputs)
	risk = e.RiskLevel(score)
	action = e.Action(risk)
	return
}

// BehaviorScore derives the "behavior" sub-score from heartbeat regularity,
// traffic anomaly reports and handshake latency, each already normalized
// to [0,100] contributions that are averaged here.
func BehaviorScore(heartbeatRegularity, trafficAnomalyScore, handshakeLatencyScore float64) float64 {
	return clamp((heartbeatRegularity + trafficAnomalyScore + handshakeLatencyScore) / 3)
}

// SecurityEventsScore penalizes SSH failures, firewall violations, and
// revocation requests observed in the last evaluation window; higher
// counts push the score down from a perfect 100.
func SecurityEventsScore(sshFailures, firewallViolations, revocationRequests int) float64 {
	penalty := float64(sshFailures)*2 + float64(firewallViolations)*3 + float64(revocationRequests)*10
	return clamp(100 - penalty)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
