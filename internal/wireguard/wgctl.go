package wireguard

import (
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerSpec is the agent-local view of one compiled peer entry.
type PeerSpec struct {
	PublicKey           string
	Endpoint            string // host:port, empty if peer has no known endpoint
	AllowedIPs          []string
	PersistentKeepalive time.Duration // 0 disables keepalive
}

// Device controls one local WireGuard interface via the kernel/userspace
// implementation the host provides (wireguard-tools' `wg` semantics,
// reached through wgctrl rather than shelling out).
type Device struct {
	client *wgctrl.Client
	iface  string
}

func OpenDevice(iface string) (*Device, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wireguard: open wgctrl client: %w", err)
	}
	return &Device{client: c, iface: iface}, nil
}

func (d *Device) Close() error {
	return d.client.Close()
}

// CurrentPeers returns the kernel's current peer set, the "current kernel
// state" arm of the enforcement loop's three-way diff.
func (d *Device) CurrentPeers() (map[string]wgtypes.Peer, error) {
	dev, err := d.client.Device(d.iface)
	if err != nil {
		return nil, fmt.Errorf("wireguard: read device %s: %w", d.iface, err)
	}
	out := make(map[string]wgtypes.Peer, len(dev.Peers))
	for _, p := range dev.Peers {
		out[p.PublicKey.String()] = p
	}
	return out, nil
}

// ConfigureInterface sets the interface's private key and listen port if
// they differ from the desired values; the caller only invokes this when
// interface parameters themselves changed, per §4.10 step 4.
func (d *Device) ConfigureInterface(privateKey string, listenPort int) error {
	key, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return fmt.Errorf("wireguard: parse private key: %w", err)
	}
	cfg := wgtypes.Config{PrivateKey: &key}
	if listenPort > 0 {
		cfg.ListenPort = &listenPort
	}
	return d.client.ConfigureDevice(d.iface, cfg)
}

// ReconcilePeers adds/updates/removes peers in place without tearing down
// the interface, the core of §4.10 step 4. toRemove holds public keys no
// longer desired.
func (d *Device) ReconcilePeers(desired []PeerSpec, toRemove []string) error {
	cfg := wgtypes.Config{ReplacePeers: false}

	for _, pk := range toRemove {
		key, err := wgtypes.ParseKey(pk)
		if err != nil {
			continue
		}
		cfg.Peers = append(cfg.Peers, wgtypes.PeerConfig{
			PublicKey: key,
			Remove:    true,
		})
	}

	for _, p := range desired {
		key, err := wgtypes.ParseKey(p.PublicKey)
		if err != nil {
			return fmt.Errorf("wireguard: parse peer public key: %w", err)
		}

		var allowed []net.IPNet
		for _, cidr := range p.AllowedIPs {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return fmt.Errorf("wireguard: parse allowed ip %q: %w", cidr, err)
			}
			allowed = append(allowed, *ipnet)
		}

		pc := wgtypes.PeerConfig{
			PublicKey:                   key,
			AllowedIPs:                  allowed,
			ReplaceAllowedIPs:           true,
			UpdateOnly:                  false,
		}
		if p.Endpoint != "" {
			addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err == nil {
				pc.Endpoint = addr
			}
		}
		if p.PersistentKeepalive > 0 {
			ka := p.PersistentKeepalive
			pc.PersistentKeepaliveInterval = &ka
		}
		cfg.Peers = append(cfg.Peers, pc)
	}

	if err := d.client.ConfigureDevice(d.iface, cfg); err != nil {
		return fmt.Errorf("wireguard: reconcile peers on %s: %w", d.iface, err)
	}
	return nil
}

// Teardown removes every peer and leaves the interface itself to the host
// tool that created it (the kernel module is an assumed host capability,
// per §1's scope carve-out); used on the `isolate` directive's 5s budget.
func (d *Device) Teardown() error {
	dev, err := d.client.Device(d.iface)
	if err != nil {
		return fmt.Errorf("wireguard: read device %s: %w", d.iface, err)
	}
	cfg := wgtypes.Config{ReplacePeers: true}
	_ = dev
	return d.client.ConfigureDevice(d.iface, cfg)
}
