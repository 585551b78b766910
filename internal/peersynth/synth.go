// Package peersynth implements the Peer Synthesizer (C7): the per-node
// view of the compiled network plane.
package peersynth

import (
	"sort"
	"strings"

	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/policy"
)

const defaultKeepaliveSec = 25

// Input bundles everything Synthesize needs for one node.
type Input struct {
	Node          *model.Node
	Hub           *model.Node // nil only in the degenerate single-node bootstrap case
	AllNodes      []*model.Node
	ClientDevices []*model.ClientDevice // only consulted when Node is the hub
	NetworkRules  []policy.CompiledNetworkRule
	OverlayCIDR   string
}

// Synthesize builds the {interface, peers[], firewall_rules[]} plan for one
// node per §4.7.
func Synthesize(in Input) policy.Plan {
	plan := policy.Plan{
		Interface: policy.Interface{
			Address: in.Node.OverlayIP + "/32",
		},
	}

	isHub := in.Hub != nil && in.Node.ID == in.Hub.ID

	if !isHub && in.Hub != nil {
		plan.Peers = append(plan.Peers, policy.Peer{
			PublicKey:  in.Hub.PublicKey,
			Endpoint:   in.Hub.RealIP,
			AllowedIPs: []string{in.OverlayCIDR},
			Keepalive:  defaultKeepaliveSec,
		})
	}

	for _, other := range in.AllNodes {
		if other.ID == in.Node.ID || other.Status != model.NodeActive {
			continue
		}
		if isHub {
			// Hub peers every active node with /32 allowed_ips.
			plan.Peers = append(plan.Peers, policy.Peer{
				PublicKey:  other.PublicKey,
				Endpoint:   other.RealIP,
				AllowedIPs: []string{other.OverlayIP + "/32"},
				Keepalive:  defaultKeepaliveSec,
			})
			continue
		}
		if other.Role == model.RoleHub {
			continue // already added above
		}
		if policy.Reachable(in.NetworkRules, in.Node.Role, other.Role) ||
			policy.Reachable(in.NetworkRules, other.Role, in.Node.Role) {
			plan.Peers = append(plan.Peers, policy.Peer{
				PublicKey:  other.PublicKey,
				Endpoint:   other.RealIP,
				AllowedIPs: []string{other.OverlayIP + "/32"},
				Keepalive:  defaultKeepaliveSec,
			})
		}
	}

	if isHub {
		for _, d := range in.ClientDevices {
			if d.Status != model.DeviceActive {
				continue
			}
			allowed := []string{d.OverlayIP + "/32"}
			plan.Peers = append(plan.Peers, policy.Peer{
				PublicKey:  d.PublicKey,
				AllowedIPs: allowed,
			})
		}
	}

	for _, r := range policy.RulesForDestination(in.NetworkRules, in.Node.Role) {
		dst := ""
		if r.DstRole != model.RoleAny {
			dst = in.Node.OverlayIP + "/32"
		}

		if r.SrcRole == model.RoleAny {
			plan.FirewallRules = append(plan.FirewallRules, policy.FirewallRule{
				Src: "0.0.0.0/0", Dst: dst, Proto: r.Protocol, Port: r.PortFrom,
				Action: r.Action, Priority: r.Priority,
			})
			continue
		}

		srcIPs := activeOverlayIPs(in.AllNodes, r.SrcRole)
		if len(srcIPs) == 0 {
			// No active peer currently holds this role, so there is nothing
			// concrete to allow; emitting an unrestricted saddr would widen
			// the rule instead of narrowing it, so skip it entirely.
			continue
		}
		plan.FirewallRules = append(plan.FirewallRules, policy.FirewallRule{
			Src: srcSetLiteral(srcIPs), Dst: dst, Proto: r.Protocol, Port: r.PortFrom,
			Action: r.Action, Priority: r.Priority,
		})
	}

	return plan
}

// activeOverlayIPs returns the sorted /32 overlay addresses of every active
// node holding role, the concrete peer set a role-to-role rule resolves to.
func activeOverlayIPs(nodes []*model.Node, role model.Role) []string {
	ips := make([]string, 0)
	for _, n := range nodes {
		if n.Status == model.NodeActive && n.Role == role {
			ips = append(ips, n.OverlayIP+"/32")
		}
	}
	sort.Strings(ips)
	return ips
}

// srcSetLiteral renders one or more overlay addresses as an nft match
// operand: a bare literal for a single IP, an anonymous set for several.
func srcSetLiteral(ips []string) string {
	if len(ips) == 1 {
		return ips[0]
	}
	return "{ " + strings.Join(ips, ", ") + " }"
}
