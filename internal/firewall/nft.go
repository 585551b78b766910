// Package firewall builds and atomically applies the node agent's dedicated
// ZT_ACL nftables chain (§4.10, §6 "Host packet filter"): hooked from
// INPUT on the overlay interface, containing at most one ESTABLISHED,RELATED
// acceptor and one explicit allow per compiled rule, always falling through
// to DROP.
package firewall

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/policy"
)

const (
	tableFamily = "inet"
	tableName   = "zt_overlay"
	chainName   = "ZT_ACL"
)

// Builder accumulates nftables script lines and renders them once, mirroring
// the accumulate-then-render shape of a conventional nft script generator:
// nothing is applied to the kernel until Render's output is fed to Apply.
type Builder struct {
	iface string
	lines []string
}

// NewBuilder starts a script that drops any existing copy of the table,
// recreates the table and chain, hooks the chain from INPUT on iface, and
// sets the default policy to DROP.
func NewBuilder(iface string) *Builder {
	b := &Builder{iface: iface}
	b.lines = append(b.lines,
		// "add" first so the delete succeeds when the table does not exist yet.
		fmt.Sprintf("add table %s %s", tableFamily, tableName),
		fmt.Sprintf("delete table %s %s", tableFamily, tableName),
		fmt.Sprintf("table %s %s {", tableFamily, tableName),
		fmt.Sprintf("  chain %s {", chainName),
		"    type filter hook input priority 0; policy drop;",
		fmt.Sprintf("    iifname != %q return;", iface),
		"    ct state established,related accept",
	)
	return b
}

// AddRule appends one explicit allow/drop entry for a compiled firewall
// rule. Priority is carried as a comment only; nft evaluates rules in the
// order they were added, so the caller must already have sorted by
// priority before calling AddRule.
func (b *Builder) AddRule(r policy.FirewallRule) {
	match := matchExpr(r)
	verdict := "accept"
	if r.Action == model.FirewallDrop {
		verdict = "drop"
	}
	line := fmt.Sprintf("    %s %s comment \"priority=%d\"", match, verdict, r.Priority)
	b.lines = append(b.lines, line)
}

func matchExpr(r policy.FirewallRule) string {
	var parts []string
	if r.Src != "" && r.Src != "0.0.0.0/0" {
		parts = append(parts, fmt.Sprintf("ip saddr %s", r.Src))
	}
	if r.Dst != "" && r.Dst != "0.0.0.0/0" {
		parts = append(parts, fmt.Sprintf("ip daddr %s", r.Dst))
	}
	switch r.Proto {
	case model.ProtoTCP:
		if r.Port > 0 {
			parts = append(parts, fmt.Sprintf("tcp dport %d", r.Port))
		} else {
			parts = append(parts, "meta l4proto tcp")
		}
	case model.ProtoUDP:
		if r.Port > 0 {
			parts = append(parts, fmt.Sprintf("udp dport %d", r.Port))
		} else {
			parts = append(parts, "meta l4proto udp")
		}
	case model.ProtoICMP:
		parts = append(parts, "meta l4proto icmp")
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ")
}

// Render closes the chain/table blocks and returns the full script, ready
// for Apply. The chain always ends in an implicit drop via `policy drop;`
// on the base chain, so no trailing explicit drop rule is required.
func (b *Builder) Render() string {
	lines := append(append([]string{}, b.lines...), "  }", "}")
	return strings.Join(lines, "\n") + "\n"
}

// Applier runs `nft -f -`, feeding the rendered script on stdin. Replacing
// the whole table in one invocation is how nft achieves an atomic swap —
// there is never an observable moment with the chain half-built or absent.
type Applier struct {
	// Run executes `nft -f -`, feeding script on stdin.
	// Overridable in tests to avoid depending on a real nft binary.
	Run func(ctx context.Context, script string) error
}

// NewApplier returns an Applier that shells out to the real nft binary.
func NewApplier() *Applier {
	return &Applier{Run: runNft}
}

func runNft(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "nft", "-f", "-")
	cmd.Stdin = bytes.NewBufferString(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("firewall: nft -f -: %w: %s", err, stderr.String())
	}
	return nil
}

// Apply atomically (re)installs the ZT_ACL chain for iface with the given
// compiled rules, replacing any previous table of the same name in one
// invocation.
func (a *Applier) Apply(ctx context.Context, iface string, rules []policy.FirewallRule) error {
	b := NewBuilder(iface)
	for _, r := range rules {
		b.AddRule(r)
	}
	return a.Run(ctx, b.Render())
}

// Teardown deletes the dedicated table, removing the chain and its INPUT
// hook entirely; used on shutdown and on the `isolate`/`revoke` directives'
// teardown path.
func (a *Applier) Teardown(ctx context.Context) error {
	script := fmt.Sprintf("delete table %s %s\n", tableFamily, tableName)
	if err := a.Run(ctx, script); err != nil {
		return fmt.Errorf("firewall: teardown: %w", err)
	}
	return nil
}
