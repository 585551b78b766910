package eventlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_MonotonicIDsAndVersions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ev1, err := s.Commit(ctx, Append{
		AggregateType: AggregateNode, AggregateID: "n1", ExpectedVersion: 0,
		EventType: NodeRegistered, Payload: map[string]string{"hostname": "db-01"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), ev1.ID)
	require.Equal(t, int64(1), ev1.AggregateVersion)

	ev2, err := s.Commit(ctx, Append{
		AggregateType: AggregateNode, AggregateID: "n1", ExpectedVersion: 1,
		EventType: NodeApproved, Payload: map[string]string{"by": "admin"},
	})
	require.NoError(t, err)
	require.Greater(t, ev2.ID, ev1.ID)
	require.Equal(t, int64(2), ev2.AggregateVersion)
}

func TestMemoryStore_ConflictOnStaleVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Commit(ctx, Append{
		AggregateType: AggregateNode, AggregateID: "n1", ExpectedVersion: 0,
		EventType: NodeRegistered, Payload: map[string]string{},
	})
	require.NoError(t, err)

	_, err = s.Commit(ctx, Append{
		AggregateType: AggregateNode, AggregateID: "n1", ExpectedVersion: 0,
		EventType: NodeApproved, Payload: map[string]string{},
	})
	require.Error(t, err)
}

func TestMemoryStore_IdempotentClientRequestID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := Append{
		AggregateType: AggregateNode, AggregateID: "n1", ExpectedVersion: 0,
		EventType: NodeRegistered, Payload: map[string]string{"hostname": "db-01"},
		ClientRequestID: "req-1",
	}
	ev1, err := s.Commit(ctx, a)
	require.NoError(t, err)

	ev2, err := s.Commit(ctx, a)
	require.NoError(t, err)
	require.Equal(t, ev1.ID, ev2.ID)

	v, err := s.CurrentVersion(ctx, AggregateNode, "n1")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestMemoryStore_ReplayOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Commit(ctx, Append{
			AggregateType: AggregateNode, AggregateID: "n1", ExpectedVersion: int64(i),
			EventType: NodeHeartbeat, Payload: map[string]int{"tick": i},
		})
		require.NoError(t, err)
	}

	events, err := s.Replay(ctx, AggregateNode, "n1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.AggregateVersion)
	}
}
