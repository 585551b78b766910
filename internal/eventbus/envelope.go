// Package eventbus implements the Event Bus (C9): at-least-once
// per-subscriber delivery of domain events in id order, with a local
// in-process backend and a Redis-backed backend for multi-instance
// deployments.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type classifies the event categories the bus fans out.
type Type string

const (
	TypeNodeRegistered     Type = "node.registered"
	TypeNodeApproved       Type = "node.approved"
	TypeNodeSuspended      Type = "node.suspended"
	TypeNodeResumed        Type = "node.resumed"
	TypeNodeRevoked        Type = "node.revoked"
	TypeTrustScoreChanged  Type = "trust.score.changed"
	TypePolicyChanged      Type = "policy.changed"
	TypeClientDeviceEvent  Type = "client_device.changed"
	TypeIPAMExhausted      Type = "ipam.pool_exhausted"
	TypeSecurityEvent      Type = "security.event"
)

// Event is the CloudEvents 1.0 shaped envelope carried on the bus.
type Event struct {
	SpecVersion string          `json:"specversion"`
	Type        Type            `json:"type"`
	Source      string          `json:"source"`
	ID          string          `json:"id"`
	Time        time.Time       `json:"time"`
	Subject     string          `json:"subject,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// NewEvent builds a CloudEvents-shaped envelope around data, marshaling it
// to json.RawMessage. A marshal failure produces an envelope with a "null"
// data payload rather than failing the whole publish path.
func NewEvent(t Type, source, subject string, data any) *Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("null")
	}
	return &Event{
		SpecVersion: "1.0",
		Type:        t,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now(),
		Subject:     subject,
		Data:        raw,
	}
}

// Handler processes one event. It has no error result: it is the
// subscriber's job to decide what "failure" means for its own consumption
// (e.g. NDJSON stream drop).
type Handler func(event *Event)

// Bus is the interface both backends satisfy.
type Bus interface {
	Publish(event *Event) error
	Subscribe(types ...Type) Subscription
	Close() error
}

// Subscription is a live handle to a subscriber's event stream.
type Subscription interface {
	// Events returns the channel events arrive on.
	Events() <-chan *Event
	// Lagging reports whether this subscriber has ever had an event
	// dropped because its queue was full.
	Lagging() bool
	// Unsubscribe stops delivery and releases the channel.
	Unsubscribe()
}
