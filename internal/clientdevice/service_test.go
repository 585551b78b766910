package clientdevice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/eventlog"
	"github.com/zerotrust/overlay/internal/ipam"
	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/projection"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := eventlog.NewMemoryStore()
	proj := projection.New()
	mgr, err := ipam.NewManager("10.10.0.0/24", ipam.Bounds{Start: 2, End: 99}, ipam.Bounds{Start: 100, End: 250},
		ipam.NewMemoryCooldown(), 24*time.Hour)
	require.NoError(t, err)

	return &Service{
		Store: store, Proj: proj, IPAM: mgr,
		MasterSecret: []byte("01234567890123456789012345678901"),
		OverlayCIDR:  "10.10.0.0/24", HubEndpoint: "hub.example.com:51820",
		DefaultExpiresDays: 1, MaxDevicesPerUser: 2,
	}
}

func TestCreate_AllocatesFromClientPool(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.Create(context.Background(), CreateRequest{UserID: "u1", DeviceName: "laptop", TunnelMode: model.TunnelSplit})
	require.NoError(t, err)
	require.Equal(t, "10.10.0.100", res.Device.OverlayIP)
	require.NotEmpty(t, res.PrivateKey)
	require.NotEmpty(t, res.ConfigToken)
}

func TestCreate_EnforcesMaxDevicesPerUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{UserID: "u1"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateRequest{UserID: "u1"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateRequest{UserID: "u1"})
	require.Error(t, err)
}

func TestRevoke_ReleasesOverlayIP(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, res.Device.ID, "admin"))

	device, ok := svc.Proj.Device(res.Device.ID)
	require.True(t, ok)
	require.Equal(t, model.DeviceRevoked, device.Status)

	// once the cool-down window has passed the released address is handed out again
	reused, err := svc.IPAM.Allocate(ctx, ipam.PoolClient, time.Now().Add(25*time.Hour))
	require.NoError(t, err)
	require.Equal(t, res.Device.OverlayIP, reused)
}

func TestRenderText_FullTunnelUsesDefaultRoute(t *testing.T) {
	device := &model.ClientDevice{OverlayIP: "10.10.0.100", TunnelMode: model.TunnelFull}
	text := RenderText(ProfileInput{
		Device: device, PrivateKey: "PRIV", HubPublicKey: "PUB",
		HubEndpoint: "hub:51820", OverlayCIDR: "10.10.0.0/24",
	})
	require.True(t, strings.Contains(text, "AllowedIPs = 0.0.0.0/0"))
}

func TestRenderText_SplitTunnelUsesOverlayCIDR(t *testing.T) {
	device := &model.ClientDevice{OverlayIP: "10.10.0.100", TunnelMode: model.TunnelSplit}
	text := RenderText(ProfileInput{
		Device: device, PrivateKey: "PRIV", HubPublicKey: "PUB",
		HubEndpoint: "hub:51820", OverlayCIDR: "10.10.0.0/24",
	})
	require.True(t, strings.Contains(text, "AllowedIPs = 10.10.0.0/24"))
}
