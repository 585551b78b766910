// Package agentapi implements the Agent Protocol (C8): register, sync,
// heartbeat, evaluate, and the live event stream Node Agents poll or hold
// open against the Control Plane.
package agentapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zerotrust/overlay/internal/apierr"
	"github.com/zerotrust/overlay/internal/eventbus"
	"github.com/zerotrust/overlay/internal/eventlog"
	"github.com/zerotrust/overlay/internal/ipam"
	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/monitoring"
	"github.com/zerotrust/overlay/internal/policy"
	"github.com/zerotrust/overlay/internal/peersynth"
	"github.com/zerotrust/overlay/internal/projection"
	"github.com/zerotrust/overlay/internal/tokens"
	"github.com/zerotrust/overlay/internal/trust"
)

// Service wires the event-sourced write path and the projection/peer
// compilation read path behind the five protocol operations §4.8 names.
type Service struct {
	Store      eventlog.Store
	Proj       *projection.Store
	IPAM       *ipam.Manager
	Trust      *trust.Engine
	Sessions   *tokens.SessionBroker
	Bus        eventbus.Bus
	OverlayCIDR string
	HubEndpoint string
	Metrics    *monitoring.Metrics // optional
}

// RegisterRequest is the decoded body of POST /api/v1/agent/register.
type RegisterRequest struct {
	Hostname        string
	Role            model.Role
	PublicKey       string
	RealIP          string
	AgentVersion    string
	OSInfo          string
	ClientRequestID string
}

// RegisterResult is returned to a newly (or previously) registered node.
type RegisterResult struct {
	NodeID        string
	Status        model.NodeStatus
	OverlayIP     string
	HubPublicKey  string
	HubEndpoint   string
	ServerTime    time.Time
	SessionToken  string
}

func normalizeHostname(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, "_", "-")
	if len(h) > 63 {
		h = h[:63]
	}
	return h
}

// Register implements the idempotent register operation. Re-registering the
// same (hostname, public_key) pair returns the existing record; a different
// public key for an existing hostname is a Conflict. A hostname whose node
// is revoked cannot be registered again with any key: that is a Conflict too.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	hostname := normalizeHostname(req.Hostname)
	if hostname == "" {
		return nil, apierr.Invalid("agentapi: hostname is required")
	}
	if req.PublicKey == "" {
		return nil, apierr.Invalid("agentapi: public_key is required")
	}

	if existing, ok := s.Proj.NodeByHostname(hostname); ok {
		if existing.Status == model.NodeRevoked {
			return nil, apierr.Conflict("agentapi: hostname belongs to a revoked node; re-provision under a new hostname")
		}
		if existing.PublicKey != req.PublicKey {
			return nil, apierr.Conflict("agentapi: hostname already registered with a different public key")
		}
		return s.registerResult(existing, "")
	}

	nodeID := fmt.Sprintf("node-%s", hostname)

	pool := ipam.PoolNode
	var overlayIP string
	var err error
	if req.Role == model.RoleHub {
		overlayIP, err = s.allocateHubAddress()
	} else {
		overlayIP, err = s.IPAM.Allocate(ctx, pool, time.Now())
	}
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"hostname":      hostname,
		"role":          string(req.Role),
		"public_key":    req.PublicKey,
		"real_ip":       req.RealIP,
		"overlay_ip":    overlayIP,
		"agent_version": req.AgentVersion,
		"os_info":       req.OSInfo,
	}

	ev, err := s.Store.Commit(ctx, eventlog.Append{
		AggregateType:   eventlog.AggregateNode,
		AggregateID:     nodeID,
		ExpectedVersion: 0,
		EventType:       eventlog.NodeRegistered,
		Payload:         payload,
		Actor:           "agent:" + nodeID,
		ClientRequestID: req.ClientRequestID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Proj.Apply(ev); err != nil {
		return nil, apierr.Wrap(apierr.KindInvariantViolation, "agentapi: apply register event", err)
	}
	s.publish(eventbus.TypeNodeRegistered, nodeID, payload)

	node, _ := s.Proj.Node(nodeID)
	return s.registerResult(node, "")
}

func (s *Service) allocateHubAddress() (string, error) {
	// The hub always holds the pool's reserved first address; it is seeded
	// once and never reallocated by the ascending scan used for nodes and
	// clients.
	parts := strings.SplitN(s.OverlayCIDR, "/", 2)
	if len(parts) != 2 {
		return "", apierr.Invariant("agentapi: malformed overlay cidr")
	}
	octets := strings.Split(parts[0], ".")
	if len(octets) != 4 {
		return "", apierr.Invariant("agentapi: malformed overlay cidr")
	}
	return fmt.Sprintf("%s.%s.%s.1", octets[0], octets[1], octets[2]), nil
}

func (s *Service) registerResult(n *model.Node, sessionToken string) (*RegisterResult, error) {
	hub, _, err := s.hubInfo()
	if err != nil {
		return nil, err
	}
	if sessionToken == "" {
		tok, err := s.Sessions.Issue(n.ID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, "agentapi: issue session token", err)
		}
		sessionToken = tok.Token
	}
	return &RegisterResult{
		NodeID:       n.ID,
		Status:       n.Status,
		OverlayIP:    n.OverlayIP,
		HubPublicKey: hub,
		HubEndpoint:  s.HubEndpoint,
		ServerTime:   time.Now(),
		SessionToken: sessionToken,
	}, nil
}

func (s *Service) hubInfo() (publicKey, endpoint string, err error) {
	hubs := s.Proj.NodesByRole(model.RoleHub)
	if len(hubs) == 0 {
		return "", "", nil
	}
	return hubs[0].PublicKey, s.HubEndpoint, nil
}

// SyncResult is the decoded response of POST /api/v1/agent/sync.
type SyncResult struct {
	NotModified   bool
	PlanHash      string
	Plan          policy.Plan
	Directives    []string
}

// Sync compiles the current plan for a node and compares it against the
// If-None-Match hash the agent already applied.
func (s *Service) Sync(ctx context.Context, nodeID, ifNoneMatch string) (*SyncResult, error) {
	start := time.Now()
	node, ok := s.Proj.Node(nodeID)
	if !ok {
		return nil, apierr.NotFound("agentapi: unknown node " + nodeID)
	}
	if node.Status == model.NodeRevoked {
		return &SyncResult{Directives: []string{"shutdown"}}, nil
	}
	if node.Status != model.NodeActive {
		// Pending or suspended nodes get an empty plan; they keep polling
		// until an admin approves or resumes them.
		return &SyncResult{Plan: policy.Plan{Interface: policy.Interface{Address: node.OverlayIP + "/32"}}}, nil
	}

	hub, hubOK := s.hubNode()
	rules := policy.CompileNetworkPlane(s.Proj.AllNetworkPolicies())

	var devices []*model.ClientDevice
	if hubOK && node.ID == hub.ID {
		now := time.Now()
		for _, d := range s.Proj.AllDevices() {
			if projection.EffectiveStatus(d, now) == model.DeviceActive {
				devices = append(devices, d)
			}
		}
	}

	var hubPtr *model.Node
	if hubOK {
		hubPtr = hub
	}

	plan := peersynth.Synthesize(peersynth.Input{
		Node:          node,
		Hub:           hubPtr,
		AllNodes:      s.Proj.AllNodes(),
		ClientDevices: devices,
		NetworkRules:  rules,
		OverlayCIDR:   s.OverlayCIDR,
	})

	hash, err := policy.Hash(plan)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvariantViolation, "agentapi: hash plan", err)
	}

	if ifNoneMatch != "" && ifNoneMatch == hash {
		s.recordSync(nodeID, node.Role, "not_modified", start)
		return &SyncResult{NotModified: true, PlanHash: hash}, nil
	}

	var directives []string
	if node.PublicKeyBlacklistedAt != nil {
		directives = append(directives, "reenroll")
	}

	s.recordSync(nodeID, node.Role, "modified", start)
	return &SyncResult{PlanHash: hash, Plan: plan, Directives: directives}, nil
}

func (s *Service) recordSync(nodeID string, role model.Role, result string, start time.Time) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.RecordSync(nodeID, string(role), result, time.Since(start).Seconds())
}

func (s *Service) currentVersion(ctx context.Context, nodeID string) int64 {
	v, err := s.Store.CurrentVersion(ctx, eventlog.AggregateNode, nodeID)
	if err != nil {
		return 0
	}
	return v
}

func (s *Service) hubNode() (*model.Node, bool) {
	hubs := s.Proj.NodesByRole(model.RoleHub)
	if len(hubs) == 0 {
		return nil, false
	}
	return hubs[0], true
}

// HeartbeatMetrics is the agent-reported input to the Trust Engine.
type HeartbeatMetrics struct {
	DeviceHealth        float64
	HeartbeatRegularity float64
	TrafficAnomalyScore float64
	HandshakeLatency    float64
	SSHFailures         int
	FirewallViolations  int
	RevocationRequests  int
}

// HeartbeatResult is returned to the agent.
type HeartbeatResult struct {
	Ack          bool
	NextInterval int
}

const defaultHeartbeatIntervalSec = 60

// Heartbeat records liveness, recomputes the node's trust score, and
// auto-suspends it if the score has fallen into the critical bucket.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, metrics HeartbeatMetrics) (*HeartbeatResult, error) {
	node, ok := s.Proj.Node(nodeID)
	if !ok {
		return nil, apierr.NotFound("agentapi: unknown node " + nodeID)
	}

	hbEvent, err := s.Store.Commit(ctx, eventlog.Append{
		AggregateType:   eventlog.AggregateNode,
		AggregateID:     nodeID,
		ExpectedVersion: s.currentVersion(ctx, nodeID),
		EventType:       eventlog.NodeHeartbeat,
		Payload:         map[string]any{},
		Actor:           "agent:" + nodeID,
	})
	if err == nil {
		_ = s.Proj.Apply(hbEvent)
	}

	inputs := model.TrustInputs{
		RoleWeight:     trust.RoleWeight(node.Role),
		DeviceHealth:   metrics.DeviceHealth,
		Behavior:       trust.BehaviorScore(metrics.HeartbeatRegularity, metrics.TrafficAnomalyScore, metrics.HandshakeLatency),
		SecurityEvents: trust.SecurityEventsScore(metrics.SSHFailures, metrics.FirewallViolations, metrics.RevocationRequests),
	}
	start := time.Now()
	score, risk, action := s.Trust.Evaluate(inputs)
	if s.Metrics != nil {
		s.Metrics.RecordTrustEvaluation(nodeID, string(node.Role), string(risk), score, time.Since(start).Seconds())
	}

	if score != node.TrustScore {
		payload := map[string]any{
			"score":          score,
			"previous_score": node.TrustScore,
			"risk_level":     string(risk),
			"action_taken":   string(action),
			"inputs":         inputs,
		}
		tsEvent, err := s.Store.Commit(ctx, eventlog.Append{
			AggregateType:   eventlog.AggregateNode,
			AggregateID:     nodeID,
			ExpectedVersion: s.currentVersion(ctx, nodeID),
			EventType:       eventlog.TrustScoreChanged,
			Payload:         payload,
			Actor:           "trust-engine",
		})
		if err == nil {
			_ = s.Proj.Apply(tsEvent)
			s.publish(eventbus.TypeTrustScoreChanged, nodeID, payload)
		}
	}

	if risk == model.RiskCritical && node.Status == model.NodeActive {
		if err := s.autoSuspend(ctx, nodeID, "trust score fell into the critical bucket"); err != nil {
			return nil, err
		}
	}

	return &HeartbeatResult{Ack: true, NextInterval: defaultHeartbeatIntervalSec}, nil
}

// AutoSuspend implements trust.NodeSuspender so the background sweeper can
// force a suspension outside the heartbeat request path too.
func (s *Service) AutoSuspend(ctx context.Context, nodeID string, reason string) error {
	return s.autoSuspend(ctx, nodeID, reason)
}

func (s *Service) autoSuspend(ctx context.Context, nodeID, reason string) error {
	ev, err := s.Store.Commit(ctx, eventlog.Append{
		AggregateType:   eventlog.AggregateNode,
		AggregateID:     nodeID,
		ExpectedVersion: s.currentVersion(ctx, nodeID),
		EventType:       eventlog.NodeSuspended,
		Payload:         map[string]any{"reason": reason, "automatic": true},
		Actor:           "trust-engine",
	})
	if err != nil {
		return err
	}
	if err := s.Proj.Apply(ev); err != nil {
		return apierr.Wrap(apierr.KindInvariantViolation, "agentapi: apply auto-suspend", err)
	}
	s.Sessions.RevokeAllForNode(nodeID)
	s.publish(eventbus.TypeNodeSuspended, nodeID, map[string]any{"reason": reason})
	return nil
}

// Evaluate is the pure access-evaluation RPC: a subject/resource pair against
// the current projection, with no side effects.
func (s *Service) Evaluate(userID string, resourceType model.ResourceType, resourceValue string) policy.AccessDecision {
	policies := s.Proj.PoliciesBySubject(userID)
	decision := policy.EvaluateAccess(policies, resourceType, resourceValue)
	if s.Metrics != nil {
		s.Metrics.RecordAccessDecision(decision.Allowed, string(resourceType))
	}
	return decision
}

func (s *Service) publish(t eventbus.Type, subject string, data any) {
	if s.Bus == nil {
		return
	}
	_ = s.Bus.Publish(eventbus.NewEvent(t, "agentapi", subject, data))
}

var _ trust.NodeSuspender = (*Service)(nil)
