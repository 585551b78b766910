// Package enforcement implements the node-agent side Agent Enforcement
// Loop (C10): poll the Control Plane for the current plan, diff it against
// kernel state, and converge the local WireGuard interface and ZT_ACL
// firewall chain.
package enforcement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zerotrust/overlay/internal/policy"
)

// ControlPlaneClient talks to the Control Plane's Agent Protocol (C8) over
// HTTPS JSON: a bearer-token-authenticated *http.Client with a JSON body.
type ControlPlaneClient struct {
	baseURL      string
	sessionToken string
	httpClient   *http.Client
}

// ClientConfig configures a ControlPlaneClient.
type ClientConfig struct {
	BaseURL      string
	SessionToken string
	Timeout      time.Duration
}

func NewControlPlaneClient(cfg ClientConfig) *ControlPlaneClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ControlPlaneClient{
		baseURL:      cfg.BaseURL,
		sessionToken: cfg.SessionToken,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
	}
}

// RegisterRequest is the decoded body of POST /api/v1/agent/register.
type RegisterRequest struct {
	Hostname        string `json:"hostname"`
	Role            string `json:"role"`
	PublicKey       string `json:"public_key"`
	RealIP          string `json:"real_ip,omitempty"`
	AgentVersion    string `json:"agent_version,omitempty"`
	OSInfo          string `json:"os_info,omitempty"`
	ClientRequestID string `json:"client_request_id,omitempty"`
}

// RegisterResponse mirrors agentapi's handleRegister JSON body.
type RegisterResponse struct {
	NodeID       string `json:"node_id"`
	Status       string `json:"status"`
	OverlayIP    string `json:"overlay_ip"`
	HubPublicKey string `json:"hub_public_key"`
	HubEndpoint  string `json:"hub_endpoint"`
	SessionToken string `json:"session_token"`
}

// Register calls the unauthenticated POST /api/v1/agent/register; the
// returned session token becomes every subsequent call's bearer credential.
func Register(ctx context.Context, baseURL string, req RegisterRequest, timeout time.Duration) (*RegisterResponse, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("enforcement: marshal register request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/agent/register", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("enforcement: build register request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("enforcement: register request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("enforcement: register returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("enforcement: decode register response: %w", err)
	}
	return &out, nil
}

// SyncResponse mirrors agentapi's handleSync JSON body.
type SyncResponse struct {
	NotModified   bool
	PlanHash      string               `json:"plan_hash"`
	Interface     policy.Interface     `json:"interface"`
	Peers         []policy.Peer        `json:"peers"`
	FirewallRules []policy.FirewallRule `json:"firewall_rules"`
	Directives    []string             `json:"directives"`
}

// Sync calls POST /api/v1/agent/sync with If-None-Match set to the last
// applied plan hash, so an unchanged plan costs a 304 round trip instead of
// a full body.
func (c *ControlPlaneClient) Sync(ctx context.Context, lastPlanHash string) (*SyncResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/agent/sync", nil)
	if err != nil {
		return nil, fmt.Errorf("enforcement: build sync request: %w", err)
	}
	c.authorize(req)
	if lastPlanHash != "" {
		req.Header.Set("If-None-Match", lastPlanHash)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enforcement: sync request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &SyncResponse{NotModified: true, PlanHash: lastPlanHash}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("enforcement: sync returned %d: %s", resp.StatusCode, string(body))
	}

	var out SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("enforcement: decode sync response: %w", err)
	}
	return &out, nil
}

// HeartbeatMetrics is the agent-local view of §4.5's trust inputs.
type HeartbeatMetrics struct {
	DeviceHealth        float64 `json:"device_health"`
	HeartbeatRegularity float64 `json:"heartbeat_regularity"`
	TrafficAnomalyScore float64 `json:"traffic_anomaly_score"`
	HandshakeLatency    float64 `json:"handshake_latency_score"`
	SSHFailures         int     `json:"ssh_failures"`
	FirewallViolations  int     `json:"firewall_violations"`
	RevocationRequests  int     `json:"revocation_requests"`
}

// Heartbeat calls POST /api/v1/agent/heartbeat with the agent's locally
// observed metrics.
func (c *ControlPlaneClient) Heartbeat(ctx context.Context, metrics HeartbeatMetrics) error {
	body, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("enforcement: marshal heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/agent/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("enforcement: build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("enforcement: heartbeat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("enforcement: heartbeat returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *ControlPlaneClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.sessionToken)
}
