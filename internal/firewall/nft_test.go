package firewall

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/policy"
)

func TestBuilder_RendersDropPolicyAndEstablishedAcceptor(t *testing.T) {
	b := NewBuilder("wg0")
	script := b.Render()

	require.Contains(t, script, "policy drop;")
	require.Contains(t, script, "ct state established,related accept")
	require.Contains(t, script, "ZT_ACL")
}

func TestBuilder_AddRuleRendersAllowAndDrop(t *testing.T) {
	b := NewBuilder("wg0")
	b.AddRule(policy.FirewallRule{Src: "10.10.0.5/32", Proto: model.ProtoTCP, Port: 443, Action: model.FirewallAccept, Priority: 1})
	b.AddRule(policy.FirewallRule{Src: "10.10.0.6/32", Proto: model.ProtoAny, Action: model.FirewallDrop, Priority: 2})
	script := b.Render()

	require.Contains(t, script, "tcp dport 443 accept")
	require.Contains(t, script, "10.10.0.6/32")
	require.Contains(t, script, "drop")
}

func TestApplier_ApplyFeedsRenderedScriptToRun(t *testing.T) {
	var captured string
	a := &Applier{Run: func(ctx context.Context, script string) error {
		captured = script
		return nil
	}}

	err := a.Apply(context.Background(), "wg0", []policy.FirewallRule{
		{Src: "10.10.0.5/32", Proto: model.ProtoUDP, Port: 51820, Action: model.FirewallAccept, Priority: 1},
	})
	require.NoError(t, err)
	require.True(t, strings.Contains(captured, "udp dport 51820 accept"))
}

func TestApplier_TeardownDeletesTable(t *testing.T) {
	var captured string
	a := &Applier{Run: func(ctx context.Context, script string) error {
		captured = script
		return nil
	}}

	require.NoError(t, a.Teardown(context.Background()))
	require.Contains(t, captured, "delete table")
}
