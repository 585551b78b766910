package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRedisPubSub emulates Redis Pub/Sub entirely in memory for tests.
type fakeRedisPubSub struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
}

func newFakeRedisPubSub() *fakeRedisPubSub {
	return &fakeRedisPubSub{handlers: make(map[string][]func([]byte))}
}

func (f *fakeRedisPubSub) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	hs := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (f *fakeRedisPubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		hs := f.handlers[channel]
		for i, h := range hs {
			if &h == &handler {
				f.handlers[channel] = append(hs[:i], hs[i+1:]...)
				break
			}
		}
	}, nil
}

func TestRedisBus_FanOutAcrossSubscribers(t *testing.T) {
	client := newFakeRedisPubSub()
	bus := NewRedisBus(client, "test:")
	defer bus.Close()

	sub := bus.Subscribe(TypeIPAMExhausted)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(NewEvent(TypeIPAMExhausted, "ipam", "node-pool", nil)))

	select {
	case ev := <-sub.Events():
		require.Equal(t, TypeIPAMExhausted, ev.Type)
		require.Equal(t, "node-pool", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redis-relayed event")
	}
}

func TestRedisBus_FallsBackToLocalOnPublishError(t *testing.T) {
	client := &erroringPubSub{}
	bus := NewRedisBus(client, "test:")
	defer bus.Close()

	sub := bus.Subscribe(TypeSecurityEvent)
	defer sub.Unsubscribe()

	err := bus.Publish(NewEvent(TypeSecurityEvent, "trust", "n1", nil))
	require.Error(t, err)

	select {
	case ev := <-sub.Events():
		require.Equal(t, TypeSecurityEvent, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected local fallback delivery despite redis publish failure")
	}
}

type erroringPubSub struct{}

func (e *erroringPubSub) Publish(context.Context, string, []byte) error {
	return context.DeadlineExceeded
}

func (e *erroringPubSub) Subscribe(context.Context, string, func([]byte)) (func(), error) {
	return func() {}, nil
}
