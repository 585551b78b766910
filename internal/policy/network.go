package policy

import (
	"sort"

	"github.com/zerotrust/overlay/internal/model"
)

// CompiledNetworkRule is one ordered row of the role×role firewall table,
// including the implicit trailing deny-all.
type CompiledNetworkRule struct {
	model.NetworkPolicy
	insertionOrder int
}

// CompileNetworkPlane orders the role×role product by explicit priority,
// then specificity (exact port > port-range > any-port), then insertion
// order, and appends the implicit `DROP any→any` row that closes the
// table per §4.6.
func CompileNetworkPlane(policies []*model.NetworkPolicy) []CompiledNetworkRule {
	rules := make([]CompiledNetworkRule, 0, len(policies)+1)
	for i, p := range policies {
		rules = append(rules, CompiledNetworkRule{NetworkPolicy: *p, insertionOrder: i})
	}

	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if sa, sb := specificity(a.NetworkPolicy), specificity(b.NetworkPolicy); sa != sb {
			return sa > sb
		}
		return a.insertionOrder < b.insertionOrder
	})

	rules = append(rules, CompiledNetworkRule{
		NetworkPolicy: model.NetworkPolicy{
			ID: "implicit-deny-all", SrcRole: model.RoleAny, DstRole: model.RoleAny,
			Protocol: model.ProtoAny, Action: model.FirewallDrop, Priority: -1,
		},
		insertionOrder: len(policies),
	})

	return rules
}

// specificity ranks a rule's port clause: exact port (2) beats a range (1)
// beats "any port" (0).
func specificity(p model.NetworkPolicy) int {
	switch {
	case p.HasExactPort():
		return 2
	case p.HasPortRange():
		return 1
	default:
		return 0
	}
}

// Reachable reports whether role src may reach role dst under the compiled
// table — used by the Peer Synthesizer to decide whether a non-hub peer
// belongs in another non-hub node's peer list.
func Reachable(rules []CompiledNetworkRule, src, dst model.Role) bool {
	for _, r := range rules {
		if roleMatches(r.SrcRole, src) && roleMatches(r.DstRole, dst) {
			return r.Action == model.FirewallAccept
		}
	}
	return false
}

func roleMatches(ruleRole, actual model.Role) bool {
	return ruleRole == model.RoleAny || ruleRole == actual
}

// RulesForDestination returns the subset of compiled rules whose dst role
// is the given role, for synthesizing a node's own firewall_rules list
// (§4.7: "the subset whose dst is this node, plus an explicit
// default-deny row").
func RulesForDestination(rules []CompiledNetworkRule, dst model.Role) []CompiledNetworkRule {
	out := make([]CompiledNetworkRule, 0)
	for _, r := range rules {
		if r.DstRole == dst || r.DstRole == model.RoleAny {
			out = append(out, r)
		}
	}
	return out
}
