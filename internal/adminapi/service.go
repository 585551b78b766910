// Package adminapi implements the Admin API (C12): CRUD on Users, Groups,
// AccessPolicies, NetworkPolicies, ClientDevices, plus node lifecycle verbs,
// all gated by the admin token and each mutation emitting exactly one
// domain event.
package adminapi

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zerotrust/overlay/internal/apierr"
	"github.com/zerotrust/overlay/internal/eventbus"
	"github.com/zerotrust/overlay/internal/eventlog"
	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/projection"
	"github.com/zerotrust/overlay/internal/tokens"
)

// Service performs every admin mutation against the event log, keeping the
// projection current the same way agentapi.Service does.
type Service struct {
	Store    eventlog.Store
	Proj     *projection.Store
	Sessions *tokens.SessionBroker
	Bus      eventbus.Bus
}

func (s *Service) commit(ctx context.Context, a eventlog.Append) (eventlog.Event, error) {
	v, _ := s.Store.CurrentVersion(ctx, a.AggregateType, a.AggregateID)
	a.ExpectedVersion = v
	ev, err := s.Store.Commit(ctx, a)
	if err != nil {
		return eventlog.Event{}, err
	}
	if err := s.Proj.Apply(ev); err != nil {
		return eventlog.Event{}, apierr.Wrap(apierr.KindInvariantViolation, "adminapi: apply event", err)
	}
	return ev, nil
}

// --- Node lifecycle --------------------------------------------------------

func (s *Service) ApproveNode(ctx context.Context, nodeID, approvedBy string) error {
	node, ok := s.Proj.Node(nodeID)
	if !ok {
		return apierr.NotFound("adminapi: unknown node " + nodeID)
	}
	if node.Status != model.NodePending {
		return apierr.Conflict("adminapi: node is not pending")
	}
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateNode, AggregateID: nodeID,
		EventType: eventlog.NodeApproved, Payload: map[string]any{"approved_by": approvedBy}, Actor: approvedBy,
	})
	if err != nil {
		return err
	}
	s.publish(eventbus.TypeNodeApproved, nodeID, nil)
	return nil
}

func (s *Service) SuspendNode(ctx context.Context, nodeID, actor, reason string) error {
	node, ok := s.Proj.Node(nodeID)
	if !ok {
		return apierr.NotFound("adminapi: unknown node " + nodeID)
	}
	if node.Status != model.NodeActive {
		return apierr.Conflict("adminapi: node is not active")
	}
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateNode, AggregateID: nodeID,
		EventType: eventlog.NodeSuspended, Payload: map[string]any{"reason": reason, "automatic": false}, Actor: actor,
	})
	if err != nil {
		return err
	}
	s.Sessions.RevokeAllForNode(nodeID)
	s.publish(eventbus.TypeNodeSuspended, nodeID, map[string]string{"reason": reason})
	return nil
}

func (s *Service) ResumeNode(ctx context.Context, nodeID, actor string) error {
	node, ok := s.Proj.Node(nodeID)
	if !ok {
		return apierr.NotFound("adminapi: unknown node " + nodeID)
	}
	if node.Status != model.NodeSuspended {
		return apierr.Conflict("adminapi: node is not suspended")
	}
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateNode, AggregateID: nodeID,
		EventType: eventlog.NodeResumed, Payload: map[string]any{}, Actor: actor,
	})
	if err != nil {
		return err
	}
	s.publish(eventbus.TypeNodeResumed, nodeID, nil)
	return nil
}

// RevokeNode is terminal: it emits the NodeRevoked event (on which the
// projection blacklists the public key) and invalidates the node's sessions.
// The node's overlay address is not released: this package holds no IPAM
// reference and no caller releases it, so the address stays allocated.
func (s *Service) RevokeNode(ctx context.Context, nodeID, actor string) error {
	node, ok := s.Proj.Node(nodeID)
	if !ok {
		return apierr.NotFound("adminapi: unknown node " + nodeID)
	}
	if node.Status == model.NodeRevoked {
		return apierr.Conflict("adminapi: node already revoked")
	}
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateNode, AggregateID: nodeID,
		EventType: eventlog.NodeRevoked, Payload: map[string]any{}, Actor: actor,
	})
	if err != nil {
		return err
	}
	s.Sessions.RevokeAllForNode(nodeID)
	s.publish(eventbus.TypeNodeRevoked, nodeID, nil)
	return nil
}

// --- Users -----------------------------------------------------------------

func (s *Service) PutUser(ctx context.Context, u model.User, actor string) (*model.User, error) {
	if u.ID == "" {
		u.ID = "user-" + uuid.NewString()
	}
	if u.Status == "" {
		u.Status = model.UserActive
	}
	evType := eventlog.UserCreated
	if _, exists := s.Proj.User(u.ID); exists {
		evType = eventlog.UserUpdated
	}
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateUser, AggregateID: u.ID,
		EventType: evType, Payload: u, Actor: actor,
	})
	if err != nil {
		return nil, err
	}
	result, _ := s.Proj.User(u.ID)
	return result, nil
}

// --- Groups ------------------------------------------------------------

func (s *Service) CreateGroup(ctx context.Context, name, description, actor string) (*model.Group, error) {
	groupID := "group-" + uuid.NewString()
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateGroup, AggregateID: groupID,
		EventType: eventlog.GroupCreated,
		Payload:   map[string]string{"name": name, "description": description}, Actor: actor,
	})
	if err != nil {
		return nil, err
	}
	g, _ := s.Proj.Group(groupID)
	return g, nil
}

func (s *Service) AddGroupMember(ctx context.Context, groupID, userID, actor string) error {
	if _, ok := s.Proj.Group(groupID); !ok {
		return apierr.NotFound("adminapi: unknown group " + groupID)
	}
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateGroup, AggregateID: groupID,
		EventType: eventlog.GroupMemberAdded, Payload: map[string]string{"user_id": userID}, Actor: actor,
	})
	return err
}

func (s *Service) RemoveGroupMember(ctx context.Context, groupID, userID, actor string) error {
	if _, ok := s.Proj.Group(groupID); !ok {
		return apierr.NotFound("adminapi: unknown group " + groupID)
	}
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateGroup, AggregateID: groupID,
		EventType: eventlog.GroupMemberRemoved, Payload: map[string]string{"user_id": userID}, Actor: actor,
	})
	return err
}

// --- Access & network policies ----------------------------------------

func (s *Service) PutAccessPolicy(ctx context.Context, p model.AccessPolicy, actor string) (*model.AccessPolicy, error) {
	if p.ID == "" {
		p.ID = "accesspolicy-" + uuid.NewString()
	}
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateAccessPolicy, AggregateID: p.ID,
		EventType: eventlog.AccessPolicyPut, Payload: p, Actor: actor,
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Service) DeleteAccessPolicy(ctx context.Context, id, actor string) error {
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateAccessPolicy, AggregateID: id,
		EventType: eventlog.AccessPolicyDeleted, Payload: map[string]any{}, Actor: actor,
	})
	return err
}

func (s *Service) PutNetworkPolicy(ctx context.Context, p model.NetworkPolicy, actor string) (*model.NetworkPolicy, error) {
	if p.ID == "" {
		p.ID = "networkpolicy-" + uuid.NewString()
	}
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateNetworkPolicy, AggregateID: p.ID,
		EventType: eventlog.NetworkPolicyPut, Payload: p, Actor: actor,
	})
	if err != nil {
		return nil, err
	}
	s.publish(eventbus.TypePolicyChanged, p.ID, nil)
	return &p, nil
}

func (s *Service) DeleteNetworkPolicy(ctx context.Context, id, actor string) error {
	_, err := s.commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateNetworkPolicy, AggregateID: id,
		EventType: eventlog.NetworkPolicyDeleted, Payload: map[string]any{}, Actor: actor,
	})
	if err != nil {
		return err
	}
	s.publish(eventbus.TypePolicyChanged, id, nil)
	return nil
}

func (s *Service) publish(t eventbus.Type, subject string, data any) {
	if s.Bus == nil {
		return
	}
	_ = s.Bus.Publish(eventbus.NewEvent(t, "adminapi", subject, data))
}

// newAuditRecord turns one HTTP mutation into an AuditEvent for the live
// websocket feed; the HTTP layer calls this after every handled request.
func newAuditRecord(actor, verb, target string, status int) model.AuditEvent {
	return model.AuditEvent{
		ID: uuid.NewString(), Actor: actor, Verb: verb, Target: target,
		Timestamp: time.Now(), HTTPStatus: status,
	}
}
