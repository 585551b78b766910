// Package projection rebuilds read models deterministically from the
// Event Store (C2): normalized in-memory maps with the secondary indices
// the rest of the system needs (nodes by role, devices by user, policies
// by subject).
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zerotrust/overlay/internal/eventlog"
	"github.com/zerotrust/overlay/internal/model"
)

// Store holds the current projected state and is safe for concurrent
// read-mostly access; writes happen only while applying new events.
type Store struct {
	mu sync.RWMutex

	nodes           map[string]*model.Node
	users           map[string]*model.User
	groups          map[string]*model.Group
	accessPolicies  map[string]*model.AccessPolicy
	networkPolicies map[string]*model.NetworkPolicy
	devices         map[string]*model.ClientDevice
	trustHistory    map[string][]model.TrustHistory // nodeID -> history, newest last

	hostnames map[string]string // hostname -> node id, for uniqueness checks
	lastID    int64
}

func New() *Store {
	return &Store{
		nodes:           make(map[string]*model.Node),
		users:           make(map[string]*model.User),
		groups:          make(map[string]*model.Group),
		accessPolicies:  make(map[string]*model.AccessPolicy),
		networkPolicies: make(map[string]*model.NetworkPolicy),
		devices:         make(map[string]*model.ClientDevice),
		trustHistory:    make(map[string][]model.TrustHistory),
		hostnames:       make(map[string]string),
	}
}

// Rebuild replays the entire log from empty state. Bounded by O(N) in the
// number of events, per the replay-determinism property.
func (s *Store) Rebuild(ctx context.Context, store eventlog.Store) error {
	events, err := store.ReplayAll(ctx, 0)
	if err != nil {
		return fmt.Errorf("projection: replay all: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*model.Node)
	s.users = make(map[string]*model.User)
	s.groups = make(map[string]*model.Group)
	s.accessPolicies = make(map[string]*model.AccessPolicy)
	s.networkPolicies = make(map[string]*model.NetworkPolicy)
	s.devices = make(map[string]*model.ClientDevice)
	s.trustHistory = make(map[string][]model.TrustHistory)
	s.hostnames = make(map[string]string)
	s.lastID = 0

	for _, ev := range events {
		if err := s.apply(ev); err != nil {
			return fmt.Errorf("projection: apply event %d: %w", ev.ID, err)
		}
	}
	return nil
}

// Apply applies a single newly committed event to the live projection,
// used by the event-bus consumer so the projection stays current without a
// full rebuild on every write.
func (s *Store) Apply(ev eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID <= s.lastID {
		return nil // already applied; tolerate at-least-once redelivery
	}
	return s.apply(ev)
}

func (s *Store) apply(ev eventlog.Event) error {
	switch ev.EventType {
	case eventlog.NodeRegistered:
		var p struct {
			Hostname     string `json:"hostname"`
			Role         string `json:"role"`
			PublicKey    string `json:"public_key"`
			RealIP       string `json:"real_ip"`
			OverlayIP    string `json:"overlay_ip"`
			AgentVersion string `json:"agent_version"`
			OSInfo       string `json:"os_info"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		n := &model.Node{
			ID:           ev.AggregateID,
			Hostname:     p.Hostname,
			Role:         model.Role(p.Role),
			PublicKey:    p.PublicKey,
			RealIP:       p.RealIP,
			OverlayIP:    p.OverlayIP,
			Status:       model.NodePending,
			TrustScore:   100,
			AgentVersion: p.AgentVersion,
			OSInfo:       p.OSInfo,
			CreatedAt:    ev.CreatedAt,
		}
		s.nodes[n.ID] = n
		s.hostnames[p.Hostname] = n.ID

	case eventlog.NodeApproved:
		if n, ok := s.nodes[ev.AggregateID]; ok {
			var p struct {
				ApprovedBy string `json:"approved_by"`
			}
			_ = json.Unmarshal(ev.Payload, &p)
			n.Status = model.NodeActive
			n.ApprovedBy = p.ApprovedBy
		}

	case eventlog.NodeSuspended:
		if n, ok := s.nodes[ev.AggregateID]; ok {
			n.Status = model.NodeSuspended
		}

	case eventlog.NodeResumed:
		if n, ok := s.nodes[ev.AggregateID]; ok {
			n.Status = model.NodeActive
		}

	case eventlog.NodeRevoked:
		if n, ok := s.nodes[ev.AggregateID]; ok {
			n.Status = model.NodeRevoked
			now := ev.CreatedAt
			n.PublicKeyBlacklistedAt = &now
		}

	case eventlog.NodeHeartbeat:
		if n, ok := s.nodes[ev.AggregateID]; ok {
			n.LastHeartbeatAt = ev.CreatedAt
		}

	case eventlog.TrustScoreChanged:
		var p struct {
			Score     float64             `json:"score"`
			Previous  float64             `json:"previous_score"`
			RiskLevel string              `json:"risk_level"`
			Action    string              `json:"action_taken"`
			Inputs    model.TrustInputs   `json:"inputs"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if n, ok := s.nodes[ev.AggregateID]; ok {
			n.TrustScore = p.Score
		}
		s.trustHistory[ev.AggregateID] = append(s.trustHistory[ev.AggregateID], model.TrustHistory{
			ID:            fmt.Sprintf("th-%d", ev.ID),
			NodeID:        ev.AggregateID,
			Score:         p.Score,
			PreviousScore: p.Previous,
			RiskLevel:     model.RiskLevel(p.RiskLevel),
			ActionTaken:   model.TrustAction(p.Action),
			CalculatedAt:  ev.CreatedAt,
			Inputs:        p.Inputs,
		})

	case eventlog.UserCreated, eventlog.UserUpdated:
		var u model.User
		if err := json.Unmarshal(ev.Payload, &u); err != nil {
			return err
		}
		u.ID = ev.AggregateID
		s.users[u.ID] = &u

	case eventlog.GroupCreated:
		var p struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		s.groups[ev.AggregateID] = &model.Group{
			ID: ev.AggregateID, Name: p.Name, Description: p.Description,
			Members: make(map[string]struct{}),
		}

	case eventlog.GroupMemberAdded:
		var p struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if g, ok := s.groups[ev.AggregateID]; ok {
			g.Members[p.UserID] = struct{}{}
		}

	case eventlog.GroupMemberRemoved:
		var p struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if g, ok := s.groups[ev.AggregateID]; ok {
			delete(g.Members, p.UserID)
		}

	case eventlog.AccessPolicyPut:
		var ap model.AccessPolicy
		if err := json.Unmarshal(ev.Payload, &ap); err != nil {
			return err
		}
		ap.ID = ev.AggregateID
		s.accessPolicies[ap.ID] = &ap

	case eventlog.AccessPolicyDeleted:
		delete(s.accessPolicies, ev.AggregateID)

	case eventlog.NetworkPolicyPut:
		var np model.NetworkPolicy
		if err := json.Unmarshal(ev.Payload, &np); err != nil {
			return err
		}
		np.ID = ev.AggregateID
		s.networkPolicies[np.ID] = &np

	case eventlog.NetworkPolicyDeleted:
		delete(s.networkPolicies, ev.AggregateID)

	case eventlog.ClientDeviceCreated:
		var d model.ClientDevice
		if err := json.Unmarshal(ev.Payload, &d); err != nil {
			return err
		}
		d.ID = ev.AggregateID
		s.devices[d.ID] = &d

	case eventlog.ClientDeviceRevoked:
		if d, ok := s.devices[ev.AggregateID]; ok {
			d.Status = model.DeviceRevoked
		}

	case eventlog.IPAllocated, eventlog.IPReleased, eventlog.IPAMExhausted:
		// IPAM bookkeeping lives in internal/ipam's own cooldown map; the
		// projection doesn't need a read model for these.
	}

	s.lastID = ev.ID
	return nil
}

// --- read accessors -------------------------------------------------------

func (s *Store) Node(id string) (*model.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

func (s *Store) NodeByHostname(hostname string) (*model.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.hostnames[hostname]
	if !ok {
		return nil, false
	}
	n, ok := s.nodes[id]
	return n, ok
}

// NodesByRole returns active and non-active nodes of a given role; callers
// filter by status themselves when the invariant (only active nodes are
// peer-eligible) matters.
func (s *Store) NodesByRole(role model.Role) []*model.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Node, 0)
	for _, n := range s.nodes {
		if n.Role == role {
			out = append(out, n)
		}
	}
	return out
}

// AllNodes returns every node sorted by ID, so that two calls against
// byte-identical projection state always iterate in the same order —
// downstream peer/firewall-rule compilation depends on that stability to
// keep the compiled plan hash reproducible (map iteration order is not).
func (s *Store) AllNodes() []*model.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) User(id string) (*model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *Store) Group(id string) (*model.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	return g, ok
}

// GroupsContaining returns every group the user belongs to, for subject
// resolution in the access plane.
func (s *Store) GroupsContaining(userID string) []*model.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Group, 0)
	for _, g := range s.groups {
		if _, ok := g.Members[userID]; ok {
			out = append(out, g)
		}
	}
	return out
}

// PoliciesBySubject returns enabled access policies directly naming the
// user or any group the user is a member of.
func (s *Store) PoliciesBySubject(userID string) []*model.AccessPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groupIDs := make(map[string]struct{})
	for _, g := range s.groups {
		if _, ok := g.Members[userID]; ok {
			groupIDs[g.ID] = struct{}{}
		}
	}

	out := make([]*model.AccessPolicy, 0)
	for _, p := range s.accessPolicies {
		if !p.Enabled {
			continue
		}
		if p.SubjectType == model.SubjectUser && p.SubjectID == userID {
			out = append(out, p)
			continue
		}
		if p.SubjectType == model.SubjectGroup {
			if _, ok := groupIDs[p.SubjectID]; ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// AllNetworkPolicies returns every network policy sorted by ID; see AllNodes
// for why compilation depends on a stable iteration order.
func (s *Store) AllNetworkPolicies() []*model.NetworkPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.NetworkPolicy, 0, len(s.networkPolicies))
	for _, p := range s.networkPolicies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Device(id string) (*model.ClientDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

// DevicesByUser returns every device for a user, revoked and expired ones
// included; callers apply the expiry-on-read invariant via EffectiveStatus.
func (s *Store) DevicesByUser(userID string) []*model.ClientDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ClientDevice, 0)
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out
}

// AllDevices returns every client device sorted by ID; see AllNodes for why
// a stable order matters here.
func (s *Store) AllDevices() []*model.ClientDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ClientDevice, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EffectiveStatus applies invariant 6: an expired device reads as revoked
// even if no ClientDeviceRevoked event has been committed yet.
func EffectiveStatus(d *model.ClientDevice, now time.Time) model.DeviceStatus {
	if d.Status == model.DeviceRevoked || d.Expired(now) {
		return model.DeviceRevoked
	}
	return model.DeviceActive
}

func (s *Store) LastEventID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID
}

func (s *Store) HostnameTaken(hostname string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hostnames[hostname]
	return ok
}
