package policy

import (
	"net"
	"sort"
	"strings"

	"github.com/zerotrust/overlay/internal/model"
)

// AccessDecision is the result of evaluating a (subject, resource) pair.
type AccessDecision struct {
	Allowed         bool
	Action          model.PolicyAction
	MatchedPolicyID string
	Reason          string
}

// EvaluateAccess implements §4.6's access plane: given the policies already
// resolved for a subject (directly or via group membership, see
// projection.Store.PoliciesBySubject), pick the highest-priority rule whose
// resource matches; fall through to deny if none match.
func EvaluateAccess(policies []*model.AccessPolicy, resourceType model.ResourceType, resourceValue string) AccessDecision {
	candidates := make([]*model.AccessPolicy, 0)
	for _, p := range policies {
		if !p.Enabled || p.ResourceType != resourceType {
			continue
		}
		if resourceMatches(p.ResourceType, p.ResourceValue, resourceValue) {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return AccessDecision{Allowed: false, Action: model.ActionDeny, Reason: "no enabled policy matched; default deny"}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	winner := candidates[0]
	return AccessDecision{
		Allowed:         winner.Action == model.ActionAllow,
		Action:          winner.Action,
		MatchedPolicyID: winner.ID,
		Reason:          "matched policy " + winner.ID,
	}
}

func resourceMatches(resourceType model.ResourceType, pattern, value string) bool {
	switch resourceType {
	case model.ResourceDomain:
		return matchDomain(pattern, value)
	case model.ResourceOverlayIP:
		return matchOverlayIP(pattern, value)
	case model.ResourceRole, model.ResourcePort:
		return pattern == value
	default:
		return false
	}
}

// matchDomain implements §4.6's wildcard rule: `*.X` matches any hostname
// ending in `.X` with exactly one extra label; `**.X` matches any number
// of extra labels.
func matchDomain(pattern, hostname string) bool {
	if pattern == hostname {
		return true
	}
	switch {
	case strings.HasPrefix(pattern, "**."):
		suffix := pattern[2:] // ".X"
		if !strings.HasSuffix(hostname, suffix) {
			return false
		}
		prefix := strings.TrimSuffix(hostname, suffix)
		return prefix != ""
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:] // ".X"
		if !strings.HasSuffix(hostname, suffix) {
			return false
		}
		prefix := strings.TrimSuffix(hostname, suffix)
		if prefix == "" {
			return false
		}
		return !strings.Contains(prefix, ".")
	default:
		return false
	}
}

func matchOverlayIP(pattern, value string) bool {
	if pattern == value {
		return true
	}
	_, ipnet, err := net.ParseCIDR(pattern)
	if err != nil {
		return false
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	return ipnet.Contains(ip)
}
