// Package monitoring holds the Control Plane's Prometheus metrics, exposed
// on /metrics alongside the admin and agent HTTP surfaces.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the Control Plane records.
type Metrics struct {
	TrustScore      *prometheus.GaugeVec
	TrustEvaluation *prometheus.HistogramVec
	NodeStatus      *prometheus.GaugeVec
	AutoSuspensions *prometheus.CounterVec

	SyncRequests  *prometheus.CounterVec
	SyncDuration  *prometheus.HistogramVec
	PlanNotModified prometheus.Counter

	AccessDecisions *prometheus.CounterVec

	SessionsIssued *prometheus.CounterVec
	SessionsRevoked *prometheus.CounterVec

	EnforcementApplyDuration *prometheus.HistogramVec
	EnforcementApplyFailures *prometheus.CounterVec
}

// NewMetrics creates and registers every metric against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		TrustScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "overlay_node_trust_score",
				Help: "Current trust score for each node",
			},
			[]string{"node_id", "role"},
		),
		TrustEvaluation: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overlay_trust_evaluation_duration_seconds",
				Help:    "Duration of a single trust score evaluation",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
			},
			[]string{"risk_level"},
		),
		NodeStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "overlay_node_status",
				Help: "1 if the node is currently in the given status, 0 otherwise",
			},
			[]string{"node_id", "status"},
		),
		AutoSuspensions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_auto_suspensions_total",
				Help: "Total automatic suspensions triggered by critical trust scores",
			},
			[]string{"node_id"},
		),
		SyncRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_sync_requests_total",
				Help: "Total agent sync requests handled",
			},
			[]string{"node_id", "result"}, // result: modified, not_modified, error
		),
		SyncDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overlay_sync_duration_seconds",
				Help:    "Duration of compiling a node's plan on sync",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role"},
		),
		PlanNotModified: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "overlay_sync_not_modified_total",
				Help: "Total sync requests answered 304 Not Modified",
			},
		),
		AccessDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_access_decisions_total",
				Help: "Total access evaluation decisions",
			},
			[]string{"allowed", "resource_type"},
		),
		SessionsIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_sessions_issued_total",
				Help: "Total node session tokens issued",
			},
			[]string{"node_id"},
		),
		SessionsRevoked: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_sessions_revoked_total",
				Help: "Total node session tokens revoked",
			},
			[]string{"node_id", "reason"},
		),
		EnforcementApplyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overlay_enforcement_apply_duration_seconds",
				Help:    "Duration of applying a compiled plan to the kernel (WireGuard + nft)",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node_id"},
		),
		EnforcementApplyFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlay_enforcement_apply_failures_total",
				Help: "Total failures applying a compiled plan to the kernel",
			},
			[]string{"node_id", "stage"}, // stage: wireguard, firewall
		),
	}
}

// RecordTrustEvaluation records a single trust score evaluation and updates
// the node's current score gauge.
func (m *Metrics) RecordTrustEvaluation(nodeID, role, riskLevel string, score, durationSeconds float64) {
	m.TrustScore.WithLabelValues(nodeID, role).Set(score)
	m.TrustEvaluation.WithLabelValues(riskLevel).Observe(durationSeconds)
}

// RecordNodeStatus sets the gauge for a node's current status and clears
// the gauges for every other status it could have held.
func (m *Metrics) RecordNodeStatus(nodeID string, allStatuses []string, current string) {
	for _, status := range allStatuses {
		value := 0.0
		if status == current {
			value = 1.0
		}
		m.NodeStatus.WithLabelValues(nodeID, status).Set(value)
	}
}

// RecordAutoSuspension increments the automatic-suspension counter for a node.
func (m *Metrics) RecordAutoSuspension(nodeID string) {
	m.AutoSuspensions.WithLabelValues(nodeID).Inc()
}

// RecordSync records a sync request's outcome and the time it took to
// compile the plan.
func (m *Metrics) RecordSync(nodeID, role, result string, durationSeconds float64) {
	m.SyncRequests.WithLabelValues(nodeID, result).Inc()
	m.SyncDuration.WithLabelValues(role).Observe(durationSeconds)
	if result == "not_modified" {
		m.PlanNotModified.Inc()
	}
}

// RecordAccessDecision records an access evaluation outcome.
func (m *Metrics) RecordAccessDecision(allowed bool, resourceType string) {
	m.AccessDecisions.WithLabelValues(boolLabel(allowed), resourceType).Inc()
}

// RecordEnforcementApply records one stage (wireguard or firewall) of an
// enforcement loop apply pass, satisfying enforcement.Recorder.
func (m *Metrics) RecordEnforcementApply(nodeID, stage string, durationSeconds float64, err error) {
	m.EnforcementApplyDuration.WithLabelValues(nodeID).Observe(durationSeconds)
	if err != nil {
		m.EnforcementApplyFailures.WithLabelValues(nodeID, stage).Inc()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
