package enforcement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/policy"
)

func TestControlPlaneClient_SyncReturnsDecodedPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agent/sync", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(SyncResponse{
			PlanHash: "h1",
			Peers:    []policy.Peer{{PublicKey: "abc"}},
		})
	}))
	defer srv.Close()

	c := NewControlPlaneClient(ClientConfig{BaseURL: srv.URL, SessionToken: "test-token"})
	resp, err := c.Sync(context.Background(), "")
	require.NoError(t, err)
	require.False(t, resp.NotModified)
	require.Equal(t, "h1", resp.PlanHash)
	require.Len(t, resp.Peers, 1)
}

func TestControlPlaneClient_SyncHandlesNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "h1", r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := NewControlPlaneClient(ClientConfig{BaseURL: srv.URL, SessionToken: "test-token"})
	resp, err := c.Sync(context.Background(), "h1")
	require.NoError(t, err)
	require.True(t, resp.NotModified)
	require.Equal(t, "h1", resp.PlanHash)
}

func TestControlPlaneClient_HeartbeatSendsMetrics(t *testing.T) {
	var received HeartbeatMetrics
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agent/heartbeat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewControlPlaneClient(ClientConfig{BaseURL: srv.URL, SessionToken: "test-token"})
	err := c.Heartbeat(context.Background(), HeartbeatMetrics{SSHFailures: 2})
	require.NoError(t, err)
	require.Equal(t, 2, received.SSHFailures)
}

func TestControlPlaneClient_HeartbeatReturnsErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewControlPlaneClient(ClientConfig{BaseURL: srv.URL, SessionToken: "bad-token"})
	err := c.Heartbeat(context.Background(), HeartbeatMetrics{})
	require.Error(t, err)
}
