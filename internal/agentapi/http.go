package agentapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/zerotrust/overlay/internal/apierr"
	"github.com/zerotrust/overlay/internal/middleware"
	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/tokens"
)

// Server exposes Service over HTTPS JSON, following the CORS-enabled
// gorilla/mux router shape the teacher uses for its own API gateway.
type Server struct {
	svc     *Service
	Admin   *tokens.AdminToken      // optional; lets an admin caller also reach evaluate/events
	Limiter *middleware.RateLimiter // optional; nil disables rate limiting
}

func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

// Router builds the mux.Router with every agent-facing route: register,
// sync and heartbeat under the /api/v1/agent prefix, evaluate at
// /api/v1/access/evaluate and events at /api/v1/events. Register is the only
// unauthenticated route; sync and heartbeat require a session token bound
// to the calling node (resolved from the token itself, never from the URL);
// evaluate and events accept either a node's session token or the shared
// admin token, since both a node agent compiling its own plan and an admin
// dashboard inspecting policy outcomes are legitimate callers.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/agent/register", s.handleRegister).Methods(http.MethodPost)

	nodeAuthed := r.NewRoute().Subrouter()
	nodeAuthed.Use(s.authMiddleware)
	if s.Limiter != nil {
		nodeAuthed.Use(s.Limiter.Middleware(func(r *http.Request) string {
			return r.Context().Value(ctxKeyNodeID).(string)
		}))
	}
	nodeAuthed.HandleFunc("/api/v1/agent/sync", s.handleSync).Methods(http.MethodPost)
	nodeAuthed.HandleFunc("/api/v1/agent/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)

	shared := r.NewRoute().Subrouter()
	shared.Use(s.nodeOrAdminMiddleware)
	if s.Limiter != nil {
		shared.Use(s.Limiter.Middleware(func(r *http.Request) string {
			if nodeID, ok := r.Context().Value(ctxKeyNodeID).(string); ok && nodeID != "" {
				return nodeID
			}
			return "admin"
		}))
	}
	shared.HandleFunc("/api/v1/access/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	shared.HandleFunc("/api/v1/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey string

const ctxKeyNodeID ctxKey = "node_id"

// authMiddleware validates the caller's node session token and binds the
// node id it carries onto the request context — sync and heartbeat act on
// whichever node the token was issued to, never a node id taken from the
// URL, so one node's token can never be replayed against another's state.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeID, err := s.verifyNodeToken(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyNodeID, nodeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) verifyNodeToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", apierr.Unauthorized("agentapi: missing bearer token")
	}
	claims, err := s.svc.Sessions.Verify(auth[len(prefix):])
	if err != nil {
		return "", apierr.Unauthorized("agentapi: " + err.Error())
	}
	return claims.NodeID, nil
}

// nodeOrAdminMiddleware accepts either a node's own session token or the
// shared admin token, for the handful of routes both callers legitimately
// reach. The node id is bound to the context when a node token was used, so
// downstream handlers can still scope behavior to the calling node.
func (s *Server) nodeOrAdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if nodeID, err := s.verifyNodeToken(r); err == nil {
			ctx := context.WithValue(r.Context(), ctxKeyNodeID, nodeID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if s.Admin != nil && len(auth) > len(prefix) && auth[:len(prefix)] == prefix && s.Admin.Verify(auth[len(prefix):]) {
			next.ServeHTTP(w, r)
			return
		}

		writeError(w, apierr.Unauthorized("agentapi: requires a valid node or admin token"))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		if apiErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
		}
		writeJSON(w, apierr.HTTPStatus(apiErr.Kind), map[string]string{
			"error": string(apiErr.Kind), "message": apiErr.Message,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal", "message": err.Error()})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hostname        string `json:"hostname"`
		Role            string `json:"role"`
		PublicKey       string `json:"public_key"`
		RealIP          string `json:"real_ip"`
		AgentVersion    string `json:"agent_version"`
		OSInfo          string `json:"os_info"`
		ClientRequestID string `json:"client_request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Invalid("agentapi: malformed request body"))
		return
	}

	res, err := s.svc.Register(r.Context(), RegisterRequest{
		Hostname: body.Hostname, Role: model.Role(body.Role), PublicKey: body.PublicKey,
		RealIP: body.RealIP, AgentVersion: body.AgentVersion, OSInfo: body.OSInfo,
		ClientRequestID: body.ClientRequestID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        res.NodeID,
		"status":         res.Status,
		"overlay_ip":     res.OverlayIP,
		"hub_public_key": res.HubPublicKey,
		"hub_endpoint":   res.HubEndpoint,
		"server_time":    res.ServerTime,
		"session_token":  res.SessionToken,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	nodeID, _ := r.Context().Value(ctxKeyNodeID).(string)
	ifNoneMatch := r.Header.Get("If-None-Match")

	res, err := s.svc.Sync(r.Context(), nodeID, ifNoneMatch)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.NotModified {
		w.Header().Set("ETag", res.PlanHash)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", res.PlanHash)
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_hash":      res.PlanHash,
		"interface":      res.Plan.Interface,
		"peers":          res.Plan.Peers,
		"firewall_rules": res.Plan.FirewallRules,
		"directives":     res.Directives,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID, _ := r.Context().Value(ctxKeyNodeID).(string)
	var body struct {
		DeviceHealth        float64 `json:"device_health"`
		HeartbeatRegularity float64 `json:"heartbeat_regularity"`
		TrafficAnomalyScore float64 `json:"traffic_anomaly_score"`
		HandshakeLatency    float64 `json:"handshake_latency_score"`
		SSHFailures         int     `json:"ssh_failures"`
		FirewallViolations  int     `json:"firewall_violations"`
		RevocationRequests  int     `json:"revocation_requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Invalid("agentapi: malformed request body"))
		return
	}

	res, err := s.svc.Heartbeat(r.Context(), nodeID, HeartbeatMetrics{
		DeviceHealth: body.DeviceHealth, HeartbeatRegularity: body.HeartbeatRegularity,
		TrafficAnomalyScore: body.TrafficAnomalyScore, HandshakeLatency: body.HandshakeLatency,
		SSHFailures: body.SSHFailures, FirewallViolations: body.FirewallViolations,
		RevocationRequests: body.RevocationRequests,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ack": res.Ack, "next_interval": res.NextInterval})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject       string `json:"subject"`
		ResourceType  string `json:"resource_type"`
		ResourceValue string `json:"resource_value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Invalid("agentapi: malformed request body"))
		return
	}

	decision := s.svc.Evaluate(body.Subject, model.ResourceType(body.ResourceType), body.ResourceValue)
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":           decision.Allowed,
		"action":            decision.Action,
		"matched_policy_id": decision.MatchedPolicyID,
		"reason":            decision.Reason,
	})
}
