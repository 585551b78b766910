package clientdevice

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/zerotrust/overlay/internal/model"
)

// ProfileInput bundles the material needed to render a ready-to-use
// WireGuard profile for a just-created or re-fetched ClientDevice.
type ProfileInput struct {
	Device        *model.ClientDevice
	PrivateKey    string
	HubPublicKey  string
	HubEndpoint   string
	OverlayCIDR   string
}

// RenderText synthesizes the plain WireGuard configuration text per §4.11:
// an interface plus a single Hub peer whose allowed_ips depend on tunnel
// mode — the full overlay+default route for `full`, or just the overlay
// CIDR for `split`.
func RenderText(in ProfileInput) string {
	allowedIPs := in.OverlayCIDR
	if in.Device.TunnelMode == model.TunnelFull {
		allowedIPs = "0.0.0.0/0"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", in.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", in.Device.OverlayIP)
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", in.HubPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", in.HubEndpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", allowedIPs)
	fmt.Fprintf(&b, "PersistentKeepalive = 25\n")
	return b.String()
}

// RenderQR encodes the profile text as a PNG QR code at the given pixel
// size, for display in the admin dashboard or a CLI's terminal renderer.
func RenderQR(profileText string, size int) ([]byte, error) {
	return qrcode.Encode(profileText, qrcode.Medium, size)
}
