// Package eventlog implements the append-only Event Store (C1): the single
// source of truth every other component derives its state from.
package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

type AggregateType string

const (
	AggregateNode          AggregateType = "node"
	AggregateUser          AggregateType = "user"
	AggregateGroup         AggregateType = "group"
	AggregateAccessPolicy  AggregateType = "access_policy"
	AggregateNetworkPolicy AggregateType = "network_policy"
	AggregateClientDevice  AggregateType = "client_device"
	AggregateIPAM          AggregateType = "ipam"
)

type EventType string

const (
	NodeRegistered     EventType = "NodeRegistered"
	NodeApproved       EventType = "NodeApproved"
	NodeSuspended      EventType = "NodeSuspended"
	NodeResumed        EventType = "NodeResumed"
	NodeRevoked        EventType = "NodeRevoked"
	NodeHeartbeat      EventType = "NodeHeartbeat"
	TrustScoreChanged  EventType = "TrustScoreChanged"
	IPAllocated        EventType = "IpAllocated"
	IPReleased         EventType = "IpReleased"
	IPAMExhausted      EventType = "IpamExhausted"
	UserCreated        EventType = "UserCreated"
	UserUpdated        EventType = "UserUpdated"
	GroupCreated       EventType = "GroupCreated"
	GroupMemberAdded   EventType = "GroupMemberAdded"
	GroupMemberRemoved EventType = "GroupMemberRemoved"
	AccessPolicyPut    EventType = "AccessPolicyPut"
	AccessPolicyDeleted EventType = "AccessPolicyDeleted"
	NetworkPolicyPut   EventType = "NetworkPolicyPut"
	NetworkPolicyDeleted EventType = "NetworkPolicyDeleted"
	ClientDeviceCreated EventType = "ClientDeviceCreated"
	ClientDeviceRevoked EventType = "ClientDeviceRevoked"
)

// Event is one committed record in the append-only log. ID is assigned at
// commit and is strictly monotonic across the whole log; Version is
// per-aggregate and increases by exactly 1 per accepted event.
type Event struct {
	ID              int64           `json:"id"`
	AggregateType   AggregateType   `json:"aggregate_type"`
	AggregateID     string          `json:"aggregate_id"`
	AggregateVersion int64          `json:"aggregate_version"`
	EventType       EventType       `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Actor           string          `json:"actor"`
	ClientRequestID string          `json:"client_request_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Append is the write request: the caller asserts the version it believes
// the aggregate is at; a mismatch is a Conflict (optimistic concurrency).
type Append struct {
	AggregateType   AggregateType
	AggregateID     string
	ExpectedVersion int64 // 0 for "does not exist yet"
	EventType       EventType
	Payload         any
	Actor           string
	ClientRequestID string
}

// Store is the append-only ordered log. Implementations must serialize
// writes per aggregate and honor the idempotency and optimistic-concurrency
// rules from §4.1.
type Store interface {
	// Commit appends the event, assigning ID and Version. If
	// ClientRequestID was already committed for this AggregateID, the
	// previously committed Event is returned unchanged and no new event
	// is appended (idempotency). If ExpectedVersion doesn't match the
	// aggregate's current version, returns an apierr Conflict.
	Commit(ctx context.Context, a Append) (Event, error)

	// Replay streams every event for one aggregate, in version order,
	// from the beginning.
	Replay(ctx context.Context, aggregateType AggregateType, aggregateID string) ([]Event, error)

	// ReplayAll streams every committed event from fromID (exclusive),
	// in global id order, for full-projection rebuild and tail-follow.
	ReplayAll(ctx context.Context, fromID int64) ([]Event, error)

	// CurrentVersion returns the aggregate's current version, or 0 if it
	// has no events yet.
	CurrentVersion(ctx context.Context, aggregateType AggregateType, aggregateID string) (int64, error)
}
