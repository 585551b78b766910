// Command agentd runs the Node Agent side of the overlay: it registers
// with the Control Plane, then drives the Agent Enforcement Loop (C10)
// that keeps the local WireGuard interface and ZT_ACL firewall chain
// converged on the Hub's compiled plan.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zerotrust/overlay/internal/enforcement"
	"github.com/zerotrust/overlay/internal/firewall"
	"github.com/zerotrust/overlay/internal/wireguard"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on process environment")
	}

	hubURL := requireEnv("HUB_URL")
	hostname := getEnv("ZT_HOSTNAME", mustHostname())
	role := getEnv("ZT_ROLE", "app")
	iface := getEnv("ZT_INTERFACE", "wg0")
	stateDir := getEnv("ZT_STATE_DIR", "/var/lib/zt-agent")

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		log.Fatalf("agentd: create state dir: %v", err)
	}

	keys, err := loadOrGenerateKeyPair(filepath.Join(stateDir, "node.key"))
	if err != nil {
		log.Fatalf("agentd: load keypair: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	regResp, err := enforcement.Register(ctx, hubURL, enforcement.RegisterRequest{
		Hostname:     hostname,
		Role:         role,
		PublicKey:    keys.PublicKey,
		AgentVersion: "agentd/1",
	}, 30*time.Second)
	if err != nil {
		log.Fatalf("agentd: register with control plane: %v", err)
	}
	slog.Info("registered with control plane", "node_id", regResp.NodeID, "status", regResp.Status, "overlay_ip", regResp.OverlayIP)

	device, err := wireguard.OpenDevice(iface)
	if err != nil {
		log.Fatalf("agentd: open wireguard device %s: %v", iface, err)
	}
	defer device.Close()

	if err := device.ConfigureInterface(keys.PrivateKey, 0); err != nil {
		log.Fatalf("agentd: configure interface private key: %v", err)
	}

	client := enforcement.NewControlPlaneClient(enforcement.ClientConfig{
		BaseURL:      hubURL,
		SessionToken: regResp.SessionToken,
	})

	loop := &enforcement.Loop{
		Client:       client,
		Device:       device,
		Firewall:     firewall.NewApplier(),
		State:        enforcement.FileAppliedStateStore{Path: filepath.Join(stateDir, "applied-hash")},
		Iface:        iface,
		TickInterval: 60 * time.Second,
		Trigger:      make(chan struct{}, 1),
	}

	slog.Info("agentd starting enforcement loop", "node_id", regResp.NodeID, "interface", iface)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, enforcement.ErrShutdown) {
			slog.Warn("node was revoked by the control plane, exiting")
			os.Exit(0)
		}
		log.Fatalf("agentd: enforcement loop failed: %v", err)
	}
	slog.Info("agentd stopped")
}

func loadOrGenerateKeyPair(path string) (wireguard.KeyPair, error) {
	if b, err := os.ReadFile(path); err == nil {
		var kp wireguard.KeyPair
		if err := json.Unmarshal(b, &kp); err == nil && kp.PrivateKey != "" {
			return kp, nil
		}
	}

	kp, err := wireguard.GenerateKeyPair()
	if err != nil {
		return wireguard.KeyPair{}, err
	}
	b, err := json.Marshal(kp)
	if err != nil {
		return wireguard.KeyPair{}, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return wireguard.KeyPair{}, err
	}
	return kp, nil
}

func mustHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "zt-node"
	}
	return h
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("agentd: required environment variable %s is not set", key)
	}
	return v
}
