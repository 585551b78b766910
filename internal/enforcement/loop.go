package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/zerotrust/overlay/internal/firewall"
	"github.com/zerotrust/overlay/internal/policy"
	"github.com/zerotrust/overlay/internal/wireguard"
)

const (
	defaultTickInterval = 60 * time.Second
	isolateTeardownBudget = 5 * time.Second
)

// ErrShutdown is returned by Run when the Control Plane issues a shutdown
// directive (the node was revoked); the caller should not restart the loop.
var ErrShutdown = errors.New("enforcement: node revoked, shutting down")

// AppliedStateStore persists the last-applied plan hash across restarts, so
// the loop doesn't needlessly reprogram an already-correct interface. A
// plain local file is sufficient — there is nothing here an ecosystem
// key/value library would do better than os.ReadFile/os.WriteFile.
type AppliedStateStore interface {
	LoadHash() (string, error)
	SaveHash(hash string) error
}

// FileAppliedStateStore stores the applied plan hash in a single local file.
type FileAppliedStateStore struct {
	Path string
}

func (f FileAppliedStateStore) LoadHash() (string, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (f FileAppliedStateStore) SaveHash(hash string) error {
	return os.WriteFile(f.Path, []byte(hash), 0o600)
}

// Loop is the single-writer enforcement loop for one node: it owns the
// local WireGuard interface and the dedicated ZT_ACL chain exclusively, per
// §5's "shared resources" rule.
type Loop struct {
	Client   *ControlPlaneClient
	Device   *wireguard.Device
	Firewall *firewall.Applier
	State    AppliedStateStore
	Iface    string

	TickInterval time.Duration // default 60s
	Trigger      chan struct{} // optional; push-triggered sync from C9

	Metrics Recorder // optional
}

// Recorder is the subset of monitoring.Metrics the loop reports to; an
// interface so tests don't need a real Prometheus registry.
type Recorder interface {
	RecordEnforcementApply(nodeID, stage string, durationSeconds float64, err error)
}

// Run drives the loop until ctx is cancelled or the Control Plane issues a
// shutdown directive.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.TickInterval
	if interval == 0 {
		interval = defaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := l.tick(ctx); err != nil {
			if errors.Is(err, ErrShutdown) {
				return err
			}
			slog.Error("enforcement tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-l.Trigger:
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	lastHash, err := l.State.LoadHash()
	if err != nil {
		return fmt.Errorf("enforcement: load applied hash: %w", err)
	}

	resp, err := l.Client.Sync(ctx, lastHash)
	if err != nil {
		return err
	}

	for _, directive := range resp.Directives {
		switch directive {
		case "shutdown":
			return l.teardown(ctx, ErrShutdown)
		case "isolate":
			tctx, cancel := context.WithTimeout(ctx, isolateTeardownBudget)
			err := l.teardown(tctx, nil)
			cancel()
			return err
		case "reenroll":
			slog.Warn("control plane requested re-enrollment; public key may be blacklisted")
		case "rotate_key_by":
			slog.Warn("control plane requested a key rotation ahead of its deadline")
		}
	}

	if resp.NotModified {
		return l.Client.Heartbeat(ctx, HeartbeatMetrics{})
	}

	if err := l.apply(ctx, resp); err != nil {
		return err
	}
	if err := l.State.SaveHash(resp.PlanHash); err != nil {
		return fmt.Errorf("enforcement: persist applied hash: %w", err)
	}
	return l.Client.Heartbeat(ctx, HeartbeatMetrics{})
}

// apply computes the three-way diff against kernel state and converges
// peers (in place) and the firewall chain (atomic rebuild), per §4.10
// steps 3-5.
func (l *Loop) apply(ctx context.Context, resp *SyncResponse) error {
	start := time.Now()
	current, err := l.Device.CurrentPeers()
	if err != nil {
		l.record("wireguard", start, err)
		return fmt.Errorf("enforcement: read current peers: %w", err)
	}

	currentKeys := make(map[string]struct{}, len(current))
	for pubKey := range current {
		currentKeys[pubKey] = struct{}{}
	}
	specs, toRemove := diffPeers(currentKeys, resp.Peers)

	if err := l.Device.ReconcilePeers(specs, toRemove); err != nil {
		l.record("wireguard", start, err)
		return fmt.Errorf("enforcement: reconcile peers: %w", err)
	}
	l.record("wireguard", start, nil)

	fwStart := time.Now()
	if err := l.Firewall.Apply(ctx, l.Iface, resp.FirewallRules); err != nil {
		l.record("firewall", fwStart, err)
		return fmt.Errorf("enforcement: apply firewall chain: %w", err)
	}
	l.record("firewall", fwStart, nil)
	return nil
}

// diffPeers computes the WireGuard reconciliation inputs from the kernel's
// current peer set and the desired peer list, pure so it can be tested
// without a real *wireguard.Device.
func diffPeers(current map[string]struct{}, desired []policy.Peer) (specs []wireguard.PeerSpec, toRemove []string) {
	seen := make(map[string]struct{}, len(desired))
	for _, p := range desired {
		seen[p.PublicKey] = struct{}{}
		specs = append(specs, wireguard.PeerSpec{
			PublicKey:           p.PublicKey,
			Endpoint:            p.Endpoint,
			AllowedIPs:          p.AllowedIPs,
			PersistentKeepalive: time.Duration(p.Keepalive) * time.Second,
		})
	}
	for pubKey := range current {
		if _, ok := seen[pubKey]; !ok {
			toRemove = append(toRemove, pubKey)
		}
	}
	return specs, toRemove
}

func (l *Loop) teardown(ctx context.Context, resultErr error) error {
	if err := l.Device.Teardown(); err != nil {
		slog.Error("enforcement: wireguard teardown failed", "error", err)
	}
	if err := l.Firewall.Teardown(ctx); err != nil {
		slog.Error("enforcement: firewall teardown failed", "error", err)
	}
	_ = l.State.SaveHash("")
	return resultErr
}

func (l *Loop) record(stage string, start time.Time, err error) {
	if l.Metrics == nil {
		return
	}
	l.Metrics.RecordEnforcementApply(l.Iface, stage, time.Since(start).Seconds(), err)
}
