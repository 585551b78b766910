package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zerotrust/overlay/internal/apierr"
	"github.com/zerotrust/overlay/internal/clientdevice"
	"github.com/zerotrust/overlay/internal/middleware"
	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/tokens"
)

// Server exposes Service, plus node/user/group/policy/device CRUD, over
// HTTPS JSON gated by a single shared admin token.
type Server struct {
	svc          *Service
	devices      *clientdevice.Service
	admin        *tokens.AdminToken
	audit        *AuditHub
	hubPublicKey string
	Limiter      *middleware.RateLimiter // optional; nil disables rate limiting
}

func NewServer(svc *Service, devices *clientdevice.Service, admin *tokens.AdminToken, audit *AuditHub, hubPublicKey string) *Server {
	return &Server{svc: svc, devices: devices, admin: admin, audit: audit, hubPublicKey: hubPublicKey}
}

// Router builds the mux.Router for the stable /api/v1 admin surface:
// node lifecycle under /api/v1/admin, user/group/policy CRUD under
// /api/v1/access, and device issuance under /api/v1/client. Token-gated
// client config retrieval is mounted unauthenticated (the config token
// itself is the credential) rather than under the admin-token subrouter.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/client/config/{token}", s.handleClientConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/client/config/{token}/raw", s.handleClientConfigRaw).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/client/config/{token}/qr", s.handleClientConfigQR).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	if s.Limiter != nil {
		authed.Use(s.Limiter.Middleware(func(r *http.Request) string { return actorOf(r) }))
	}

	authed.HandleFunc("/api/v1/admin/nodes", s.handleListNodes).Methods(http.MethodGet)
	authed.HandleFunc("/api/v1/admin/nodes/{id}/approve", s.handleApproveNode).Methods(http.MethodPost)
	authed.HandleFunc("/api/v1/admin/nodes/{id}/suspend", s.handleSuspendNode).Methods(http.MethodPost)
	authed.HandleFunc("/api/v1/admin/nodes/{id}/resume", s.handleResumeNode).Methods(http.MethodPost)
	authed.HandleFunc("/api/v1/admin/nodes/{id}/revoke", s.handleRevokeNode).Methods(http.MethodPost)
	authed.HandleFunc("/api/v1/admin/audit/stream", s.handleAuditStream).Methods(http.MethodGet)

	authed.HandleFunc("/api/v1/access/users", s.handlePutUser).Methods(http.MethodPost, http.MethodPut)

	authed.HandleFunc("/api/v1/access/groups", s.handleCreateGroup).Methods(http.MethodPost)
	authed.HandleFunc("/api/v1/access/groups/{group_id}/members", s.handleAddGroupMember).Methods(http.MethodPost)
	authed.HandleFunc("/api/v1/access/groups/{group_id}/members/{user_id}", s.handleRemoveGroupMember).Methods(http.MethodDelete)

	authed.HandleFunc("/api/v1/access/policies", s.handlePutAccessPolicy).Methods(http.MethodPost, http.MethodPut)
	authed.HandleFunc("/api/v1/access/policies/{id}", s.handleDeleteAccessPolicy).Methods(http.MethodDelete)

	// NetworkPolicy is a distinct aggregate from AccessPolicy (see model.NetworkPolicy);
	// the stable table's terse "policies" entry is read as covering both under /access.
	authed.HandleFunc("/api/v1/access/network-policies", s.handlePutNetworkPolicy).Methods(http.MethodPost, http.MethodPut)
	authed.HandleFunc("/api/v1/access/network-policies/{id}", s.handleDeleteNetworkPolicy).Methods(http.MethodDelete)

	authed.HandleFunc("/api/v1/client/devices", s.handleCreateDevice).Methods(http.MethodPost)
	authed.HandleFunc("/api/v1/client/devices/{device_id}/revoke", s.handleRevokeDevice).Methods(http.MethodPost)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ctxKey string

const ctxKeyActor ctxKey = "actor"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || !s.admin.Verify(auth[len(prefix):]) {
			writeError(w, apierr.Unauthorized("adminapi: invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		writeJSON(w, apierr.HTTPStatus(apiErr.Kind), map[string]string{
			"error": string(apiErr.Kind), "message": apiErr.Message,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal", "message": err.Error()})
}

func actorOf(r *http.Request) string {
	if a := r.Header.Get("X-Admin-Actor"); a != "" {
		return a
	}
	return "admin"
}

func (s *Server) record(r *http.Request, verb, target string, status int) {
	if s.audit == nil {
		return
	}
	s.audit.Publish(newAuditRecord(actorOf(r), verb, target, status))
}

// --- Node lifecycle ----------------------------------------------------

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Proj.AllNodes())
}

func (s *Server) handleApproveNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	actor := actorOf(r)
	if err := s.svc.ApproveNode(r.Context(), nodeID, actor); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "approve_node", nodeID, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleSuspendNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.svc.SuspendNode(r.Context(), nodeID, actorOf(r), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "suspend_node", nodeID, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) handleResumeNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if err := s.svc.ResumeNode(r.Context(), nodeID, actorOf(r)); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "resume_node", nodeID, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleRevokeNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if err := s.svc.RevokeNode(r.Context(), nodeID, actorOf(r)); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "revoke_node", nodeID, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- Users & groups ------------------------------------------------------

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request) {
	var u model.User
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, apierr.Invalid("adminapi: malformed request body"))
		return
	}
	result, err := s.svc.PutUser(r.Context(), u, actorOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "put_user", result.ID, http.StatusOK)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Invalid("adminapi: malformed request body"))
		return
	}
	g, err := s.svc.CreateGroup(r.Context(), body.Name, body.Description, actorOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "create_group", g.ID, http.StatusOK)
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["group_id"]
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Invalid("adminapi: malformed request body"))
		return
	}
	if err := s.svc.AddGroupMember(r.Context(), groupID, body.UserID, actorOf(r)); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "add_group_member", groupID, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.svc.RemoveGroupMember(r.Context(), vars["group_id"], vars["user_id"], actorOf(r)); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "remove_group_member", vars["group_id"], http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// --- Policies ------------------------------------------------------------

func (s *Server) handlePutAccessPolicy(w http.ResponseWriter, r *http.Request) {
	var p model.AccessPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, apierr.Invalid("adminapi: malformed request body"))
		return
	}
	result, err := s.svc.PutAccessPolicy(r.Context(), p, actorOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "put_access_policy", result.ID, http.StatusOK)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteAccessPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.DeleteAccessPolicy(r.Context(), id, actorOf(r)); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "delete_access_policy", id, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePutNetworkPolicy(w http.ResponseWriter, r *http.Request) {
	var p model.NetworkPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, apierr.Invalid("adminapi: malformed request body"))
		return
	}
	result, err := s.svc.PutNetworkPolicy(r.Context(), p, actorOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "put_network_policy", result.ID, http.StatusOK)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteNetworkPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.DeleteNetworkPolicy(r.Context(), id, actorOf(r)); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "delete_network_policy", id, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Client devices --------------------------------------------------------

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID     string `json:"user_id"`
		DeviceName string `json:"device_name"`
		DeviceType string `json:"device_type"`
		TunnelMode string `json:"tunnel_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Invalid("adminapi: malformed request body"))
		return
	}
	actor := actorOf(r)
	res, err := s.devices.Create(r.Context(), clientdevice.CreateRequest{
		UserID: body.UserID, DeviceName: body.DeviceName, DeviceType: body.DeviceType,
		TunnelMode: model.TunnelMode(body.TunnelMode), Actor: actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "create_client_device", res.Device.ID, http.StatusOK)

	profile := clientdevice.RenderText(clientdevice.ProfileInput{
		Device: res.Device, PrivateKey: res.PrivateKey, HubPublicKey: s.hubPublicKey,
		HubEndpoint: s.devices.HubEndpoint, OverlayCIDR: s.devices.OverlayCIDR,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":    res.Device.ID,
		"overlay_ip":   res.Device.OverlayIP,
		"config_token": res.ConfigToken,
		"profile_text": profile,
	})
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	if err := s.devices.Revoke(r.Context(), deviceID, actorOf(r)); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "revoke_client_device", deviceID, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- Client config retrieval (token-gated, no admin auth) -----------------
//
// The config token itself is the credential for these three routes — a
// one-shot delivery of a ClientDevice's profile. The token is consumed on
// first successful retrieval regardless of which of the three variants was
// used, so a client should fetch exactly one.

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	profile, err := s.devices.RetrieveProfile(mux.Vars(r)["token"], s.hubPublicKey, s.devices.HubEndpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"profile_text": profile})
}

func (s *Server) handleClientConfigRaw(w http.ResponseWriter, r *http.Request) {
	profile, err := s.devices.RetrieveProfile(mux.Vars(r)["token"], s.hubPublicKey, s.devices.HubEndpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(profile))
}

func (s *Server) handleClientConfigQR(w http.ResponseWriter, r *http.Request) {
	profile, err := s.devices.RetrieveProfile(mux.Vars(r)["token"], s.hubPublicKey, s.devices.HubEndpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	png, err := clientdevice.RenderQR(profile, 256)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindTransient, "adminapi: render qr", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, apierr.NotFound("adminapi: audit stream is not enabled"))
		return
	}
	s.audit.HandleWebSocket(w, r)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
