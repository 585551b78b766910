// Package policy implements the Policy Compiler (C6): the network plane
// (role-to-role firewall) and the access plane (user/group-to-resource),
// plus the plan-hash determinism helper used to short-circuit unchanged
// agent syncs.
package policy

import "github.com/zerotrust/overlay/internal/model"

// Interface is the desired WireGuard interface configuration for one node.
type Interface struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key,omitempty"`
	ListenPort int    `json:"listen_port,omitempty"`
	DNS        string `json:"dns,omitempty"`
}

// Peer is one compiled WireGuard peer entry.
type Peer struct {
	PublicKey  string   `json:"public_key"`
	Endpoint   string   `json:"endpoint,omitempty"`
	AllowedIPs []string `json:"allowed_ips"`
	Keepalive  int      `json:"keepalive,omitempty"`
}

// FirewallRule is one compiled ZT_ACL chain entry.
type FirewallRule struct {
	Src      string             `json:"src"`
	Dst      string             `json:"dst,omitempty"`
	Proto    model.Protocol     `json:"proto"`
	Port     int                `json:"port,omitempty"`
	Action   model.FirewallAction `json:"action"`
	Priority int                `json:"priority"`
}

// Plan is the per-node compiled bundle described in §4.6.
type Plan struct {
	Interface     Interface      `json:"interface"`
	Peers         []Peer         `json:"peers"`
	FirewallRules []FirewallRule `json:"firewall_rules"`
}
