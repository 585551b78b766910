// Command hubd runs the Zero Trust overlay Control Plane: the Event Store,
// projection, Agent Protocol, and Admin API behind a single HTTP front
// door on HUB_API_PORT.
package main

import (
	"context"
	"crypto/sha256"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zerotrust/overlay/internal/adminapi"
	"github.com/zerotrust/overlay/internal/agentapi"
	"github.com/zerotrust/overlay/internal/clientdevice"
	"github.com/zerotrust/overlay/internal/config"
	"github.com/zerotrust/overlay/internal/eventbus"
	"github.com/zerotrust/overlay/internal/eventlog"
	"github.com/zerotrust/overlay/internal/identity"
	"github.com/zerotrust/overlay/internal/infra"
	"github.com/zerotrust/overlay/internal/ipam"
	"github.com/zerotrust/overlay/internal/middleware"
	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/monitoring"
	"github.com/zerotrust/overlay/internal/projection"
	"github.com/zerotrust/overlay/internal/tokens"
	"github.com/zerotrust/overlay/internal/trust"
	"github.com/zerotrust/overlay/internal/wireguard"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on process environment")
	}

	cfg := config.Get()
	metrics := monitoring.NewMetrics()

	// --- Event Store ------------------------------------------------------
	var store eventlog.Store
	if cfg.Database.DSN != "" {
		pg, err := eventlog.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("hubd: connect event store: %v", err)
		}
		store = pg
	} else {
		slog.Warn("DATABASE_DSN not set, using in-memory event store (state is lost on restart)")
		store = eventlog.NewMemoryStore()
	}

	proj := projection.New()
	if err := proj.Rebuild(context.Background(), store); err != nil {
		log.Fatalf("hubd: rebuild projection: %v", err)
	}

	// --- Redis-backed cross-instance infrastructure (optional) -------------
	var redisAdapter *infra.GoRedisAdapter
	var bus eventbus.Bus = eventbus.NewLocalBus()
	var cooldown ipam.Cooldown = ipam.NewMemoryCooldown()
	if cfg.EventBus.Enabled {
		adapter, err := infra.NewGoRedisAdapter(cfg.EventBus.RedisAddr, "", 0)
		if err != nil {
			slog.Warn("redis connection failed, falling back to in-memory bus and cool-down", "error", err)
		} else {
			redisAdapter = adapter
			bus = eventbus.NewRedisBus(adapter, "zt:events:")
			cooldown = ipam.NewRedisCooldown(adapter, "zt:ipam:cooldown:")
			slog.Info("wired redis-backed event bus and ipam cool-down")
		}
	}
	if redisAdapter != nil {
		defer redisAdapter.Close()
	}

	ipamMgr, err := ipam.NewManager(
		cfg.Overlay.CIDR,
		ipam.Bounds{Start: cfg.IPAM.NodePoolStart, End: cfg.IPAM.NodePoolEnd},
		ipam.Bounds{Start: cfg.IPAM.ClientPoolStart, End: cfg.IPAM.ClientPoolEnd},
		cooldown,
		time.Duration(cfg.IPAM.CooldownHours)*time.Hour,
	)
	if err != nil {
		log.Fatalf("hubd: init ipam manager: %v", err)
	}
	// Seed IPAM from the rebuilt projection so a restart against a persistent
	// store does not hand out addresses still held by nodes or active devices.
	seedNow := time.Now()
	for _, n := range proj.AllNodes() {
		if ip := net.ParseIP(n.OverlayIP).To4(); ip != nil {
			ipamMgr.SeedAllocated(int(ip[3]))
		}
	}
	for _, d := range proj.AllDevices() {
		if ip := net.ParseIP(d.OverlayIP).To4(); ip != nil && projection.EffectiveStatus(d, seedNow) == model.DeviceActive {
			ipamMgr.SeedAllocated(int(ip[3]))
		}
	}

	// --- Security: tokens ---------------------------------------------------
	admin := tokens.NewAdminToken(cfg.Security.AdminToken)
	sessions := tokens.NewSessionBroker(tokens.SessionBrokerConfig{
		HMACSecret: cfg.Security.HMACSecret,
		DefaultTTL: time.Duration(cfg.Security.SessionTokenTTLSec) * time.Second,
		Issuer:     cfg.Instance.HubID,
	})

	// --- Trust Engine + sweeper ----------------------------------------------
	trustEngine := trust.NewEngine(
		trust.Weights{
			RoleWeight:     cfg.Trust.Weights.RoleWeight,
			DeviceHealth:   cfg.Trust.Weights.DeviceHealth,
			Behavior:       cfg.Trust.Weights.Behavior,
			SecurityEvents: cfg.Trust.Weights.SecurityEvents,
		},
		trust.Thresholds{
			Low:    cfg.Trust.Thresholds.Low,
			Medium: cfg.Trust.Thresholds.Medium,
			High:   cfg.Trust.Thresholds.High,
		},
	)

	agentSvc := &agentapi.Service{
		Store:       store,
		Proj:        proj,
		IPAM:        ipamMgr,
		Trust:       trustEngine,
		Sessions:    sessions,
		Bus:         bus,
		OverlayCIDR: cfg.Overlay.CIDR,
		HubEndpoint: cfg.Overlay.HubEndpoint,
		Metrics:     metrics,
	}

	sweeper := trust.NewSweeper(trustEngine, proj, agentSvc, trust.SweepConfig{
		Interval: time.Duration(cfg.Security.CAESweepIntervalSec) * time.Second,
	})
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper.Start(sweepCtx)
	defer stopSweeper()

	// --- Bootstrap the Hub's own overlay identity ---------------------------
	hubKeys, err := wireguard.GenerateKeyPair()
	if err != nil {
		log.Fatalf("hubd: generate hub keypair: %v", err)
	}
	hubResult, err := agentSvc.Register(context.Background(), agentapi.RegisterRequest{
		Hostname:  cfg.Instance.HubID,
		Role:      model.RoleHub,
		PublicKey: hubKeys.PublicKey,
		RealIP:    "127.0.0.1",
	})
	if err != nil {
		log.Fatalf("hubd: register hub node: %v", err)
	}

	adminSvc := &adminapi.Service{Store: store, Proj: proj, Sessions: sessions, Bus: bus}
	if hubResult.Status == model.NodePending {
		if err := adminSvc.ApproveNode(context.Background(), hubResult.NodeID, "system"); err != nil {
			log.Fatalf("hubd: approve hub node: %v", err)
		}
	}
	slog.Info("hub overlay identity ready", "node_id", hubResult.NodeID, "overlay_ip", hubResult.OverlayIP)

	devices := &clientdevice.Service{
		Store:              store,
		Proj:               proj,
		IPAM:               ipamMgr,
		Bus:                bus,
		MasterSecret:       masterKey(cfg.Security.MasterSecret),
		OverlayCIDR:        cfg.Overlay.CIDR,
		HubEndpoint:        cfg.Overlay.HubEndpoint,
		DefaultExpiresDays: cfg.Client.DefaultExpiresDays,
		MaxDevicesPerUser:  cfg.Client.MaxDevicesPerUser,
	}

	audit := adminapi.NewAuditHub()
	go audit.Run()

	// --- Optional SPIFFE/SPIRE node identity layer --------------------------
	var nodeVerifier *identity.NodeVerifier
	if socket := os.Getenv("SPIFFE_ENDPOINT_SOCKET"); socket != "" {
		v, err := identity.NewNodeVerifier(socket)
		if err != nil {
			slog.Warn("spiffe workload api unavailable, continuing without mTLS identity", "error", err)
		} else {
			nodeVerifier = v
			defer v.Close()
			slog.Info("spiffe node identity layer active", "socket", socket)
		}
	}
	_ = nodeVerifier // wired into a future TLS listener; bearer-token auth remains mandatory either way

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: 120,
	})

	agentServer := agentapi.NewServer(agentSvc)
	agentServer.Admin = admin
	agentServer.Limiter = limiter

	adminServer := adminapi.NewServer(adminSvc, devices, admin, audit, hubKeys.PublicKey)
	adminServer.Limiter = limiter

	handler := combineRouters(agentServer.Router(), adminServer.Router())

	srv := &http.Server{
		Addr:         ":" + cfg.GetPort(),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.Monitoring.PrometheusBind, metricsMux); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		stopSweeper()
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("hubd starting", "port", cfg.GetPort(), "env", cfg.Server.Env)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("hubd: server failed: %v", err)
	}
	slog.Info("hubd stopped")
}

// combineRouters dispatches between the Agent Protocol router and the
// Admin API router by path: the two surfaces' namespaces are disjoint
// except for the shared /health route, which either can answer.
func combineRouters(agent, admin http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/v1/agent/"),
			r.URL.Path == "/api/v1/access/evaluate",
			r.URL.Path == "/api/v1/events":
			agent.ServeHTTP(w, r)
		case strings.HasPrefix(r.URL.Path, "/api/v1/admin/"),
			strings.HasPrefix(r.URL.Path, "/api/v1/client/"),
			strings.HasPrefix(r.URL.Path, "/api/v1/access/"):
			admin.ServeHTTP(w, r)
		default:
			agent.ServeHTTP(w, r)
		}
	})
}

// masterKey derives a 32-byte AES-256 key from the configured master
// secret, whatever its length.
func masterKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}
