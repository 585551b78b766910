package ipam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/apierr"
)

func newTestManager(t *testing.T) *Manager {
	m, err := NewManager("10.10.0.0/24", Bounds{Start: 2, End: 4}, Bounds{Start: 100, End: 101},
		NewMemoryCooldown(), 24*time.Hour)
	require.NoError(t, err)
	return m
}

func TestAllocate_LowestFree(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	ip1, err := m.Allocate(ctx, PoolNode, now)
	require.NoError(t, err)
	require.Equal(t, "10.10.0.2", ip1)

	ip2, err := m.Allocate(ctx, PoolNode, now)
	require.NoError(t, err)
	require.Equal(t, "10.10.0.3", ip2)
}

func TestAllocate_PoolExhausted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, err := m.Allocate(ctx, PoolNode, now)
		require.NoError(t, err)
	}

	_, err := m.Allocate(ctx, PoolNode, now)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindPoolExhausted, apiErr.Kind)
}

func TestRelease_RespectsCooldown(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	ip, err := m.Allocate(ctx, PoolNode, now)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, ip, now))

	// the just-released address must not be reallocated immediately
	next, err := m.Allocate(ctx, PoolNode, now)
	require.NoError(t, err)
	require.NotEqual(t, ip, next)

	// after the cooldown window it becomes reusable again
	later := now.Add(25 * time.Hour)
	reused, err := m.Allocate(ctx, PoolNode, later)
	require.NoError(t, err)
	require.Equal(t, ip, reused)
}
