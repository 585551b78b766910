// Package identity provides an optional mTLS identity layer for Node Agents
// using SPIFFE/SPIRE, layered underneath the bearer-token auth in
// internal/agentapi — a stronger binding than the public key stored
// verbatim on the Node aggregate, for deployments that run a SPIRE agent.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// NodeVerifier checks a presented SPIFFE ID against the X.509 SVID it
// fetches from the local SPIRE agent; it does not look at node ids.
type NodeVerifier struct {
	source *workloadapi.X509Source
	ctx    context.Context
}

// NewNodeVerifier connects to the local SPIRE agent socket. A short timeout
// keeps the control plane's startup from blocking when no SPIRE agent is
// present — mTLS identity is additive, not required.
func NewNodeVerifier(socketPath string) (*NodeVerifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}

	slog.Info("connected to SPIRE agent", "socket_path", socketPath)
	return &NodeVerifier{source: source, ctx: context.Background()}, nil
}

// VerifySVID checks that the presented SPIFFE ID matches the verifier's own
// SVID and returns a short fingerprint of the certificate for audit logging.
func (v *NodeVerifier) VerifySVID(spiffeID string) (uint64, error) {
	id, err := spiffeid.FromString(spiffeID)
	if err != nil {
		return 0, fmt.Errorf("invalid SPIFFE ID: %w", err)
	}

	svid, err := v.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("get SVID: %w", err)
	}

	if svid.ID.String() != id.String() {
		return 0, fmt.Errorf("SPIFFE ID mismatch: expected %s, got %s", id, svid.ID)
	}

	fingerprint := fingerprintSVID(svid.Certificates[0].Raw)
	slog.Info("verified node SPIFFE identity", "spiffe_id", spiffeID, "fingerprint", fingerprint)
	return fingerprint, nil
}

func fingerprintSVID(certDER []byte) uint64 {
	hash := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(hash[i])
	}
	return result
}

// TLSConfig returns an mTLS config that authenticates the peer's SVID
// against the workload API source, for use on the agent-facing HTTPS
// listener when SPIFFE is enabled.
func (v *NodeVerifier) TLSConfig() (*tls.Config, error) {
	return tlsconfig.MTLSServerConfig(v.source, v.source, tlsconfig.AuthorizeAny()), nil
}

func (v *NodeVerifier) Close() error {
	return v.source.Close()
}

// NodeSPIFFEID builds the SPIFFE ID a Node Agent authenticates as within the
// given trust domain.
func NodeSPIFFEID(trustDomain, nodeID string) string {
	return fmt.Sprintf("spiffe://%s/node/%s", trustDomain, nodeID)
}
