package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalBus_DeliversToMatchingType(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	sub := bus.Subscribe(TypeNodeApproved)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(NewEvent(TypeNodeRegistered, "test", "n1", nil)))
	require.NoError(t, bus.Publish(NewEvent(TypeNodeApproved, "test", "n1", map[string]string{"by": "admin"})))

	select {
	case ev := <-sub.Events():
		require.Equal(t, TypeNodeApproved, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected second delivery: %+v", ev)
	default:
	}
}

func TestLocalBus_SubscribeAllTypes(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(NewEvent(TypeNodeRevoked, "test", "n1", nil)))

	select {
	case ev := <-sub.Events():
		require.Equal(t, TypeNodeRevoked, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestLocalBus_DropOldestSetsLagging(t *testing.T) {
	bus := NewLocalBus()
	bus.queueSize = 2
	defer bus.Close()

	sub := bus.Subscribe(TypeTrustScoreChanged)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(NewEvent(TypeTrustScoreChanged, "test", "n1", nil)))
	}

	require.True(t, sub.Lagging())
	require.Len(t, sub.Events(), 2)
}

func TestLocalBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	sub := bus.Subscribe(TypeNodeApproved)
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	require.False(t, ok)
}
