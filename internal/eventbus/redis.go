package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// RedisPubSub is the minimal surface RedisBus needs from a Redis client.
// Kept as an interface (rather than importing go-redis's concrete *Client
// into the bus logic) so tests can fake it and so the bus does not care
// which client wraps the connection.
type RedisPubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers handler for messages on channel and returns an
	// unsubscribe function. handler is invoked for every message received
	// until unsubscribe is called.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes events across control-plane instances via Redis
// Pub/Sub. Each instance also keeps a LocalBus for subscriber bookkeeping
// (bounded queues, lagging flags) so the delivery semantics seen by a
// subscriber are identical regardless of backend.
type RedisBus struct {
	client RedisPubSub
	prefix string
	local  *LocalBus

	mu      sync.Mutex
	subbed  map[Type]func() // per-type Redis unsubscribe funcs, lazily created
	closed  bool
}

// NewRedisBus creates a Redis-backed event bus. channelPrefix namespaces the
// Redis channels used (e.g. "zt:events:"); it defaults to "zt:events:" when
// empty.
func NewRedisBus(client RedisPubSub, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "zt:events:"
	}
	return &RedisBus{
		client: client,
		prefix: channelPrefix,
		local:  NewLocalBus(),
		subbed: make(map[Type]func()),
	}
}

func (b *RedisBus) channel(t Type) string {
	return b.prefix + string(t)
}

// Publish marshals event and publishes it to Redis; every instance
// (including this one, via its own Redis subscription) fans it out to
// local subscribers. If the Redis publish fails, the event is still
// delivered to this instance's local subscribers so an outage degrades to
// single-instance behavior rather than silent loss.
func (b *RedisBus) Publish(event *Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("eventbus: bus is closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}

	if pubErr := b.client.Publish(context.Background(), b.channel(event.Type), payload); pubErr != nil {
		_ = b.local.Publish(event)
		return fmt.Errorf("eventbus: redis publish: %w", pubErr)
	}
	return nil
}

// Subscribe registers a subscriber for the given types (all types if none
// given) and, the first time any subscriber wants a given type, opens a
// Redis subscription that feeds every future instance of that type into the
// local bus. With no types given no Redis subscription is opened, so such a
// subscriber sees only events published on this instance.
func (b *RedisBus) Subscribe(types ...Type) Subscription {
	b.mu.Lock()
	for _, t := range types {
		if _, ok := b.subbed[t]; ok {
			continue
		}
		unsub, err := b.client.Subscribe(context.Background(), b.channel(t), b.onMessage)
		if err == nil {
			b.subbed[t] = unsub
		}
	}
	b.mu.Unlock()

	return b.local.Subscribe(types...)
}

func (b *RedisBus) onMessage(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return
	}
	_ = b.local.Publish(&event)
}

// Close tears down all Redis subscriptions and the local bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, unsub := range b.subbed {
		unsub()
	}
	b.subbed = nil
	b.mu.Unlock()

	return b.local.Close()
}

var _ Bus = (*RedisBus)(nil)
