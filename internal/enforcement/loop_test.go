package enforcement

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerotrust/overlay/internal/policy"
)

func TestDiffPeers_AddsNewAndRemovesStale(t *testing.T) {
	current := map[string]struct{}{
		"stale-key": {},
		"kept-key":  {},
	}
	desired := []policy.Peer{
		{PublicKey: "kept-key", Endpoint: "10.0.0.1:51820", AllowedIPs: []string{"10.10.0.1/32"}, Keepalive: 25},
		{PublicKey: "new-key", AllowedIPs: []string{"10.10.0.2/32"}},
	}

	specs, toRemove := diffPeers(current, desired)

	require.Len(t, specs, 2)
	require.Equal(t, []string{"stale-key"}, toRemove)

	byKey := make(map[string]policy.Peer)
	for _, p := range desired {
		byKey[p.PublicKey] = p
	}
	for _, s := range specs {
		_, ok := byKey[s.PublicKey]
		require.True(t, ok)
	}
}

func TestDiffPeers_NoCurrentPeersOnlyAdds(t *testing.T) {
	desired := []policy.Peer{{PublicKey: "a"}, {PublicKey: "b"}}
	specs, toRemove := diffPeers(nil, desired)

	require.Len(t, specs, 2)
	require.Empty(t, toRemove)
}

func TestDiffPeers_EmptyDesiredRemovesEverything(t *testing.T) {
	current := map[string]struct{}{"a": {}, "b": {}}
	specs, toRemove := diffPeers(current, nil)

	require.Empty(t, specs)
	require.Len(t, toRemove, 2)
}

type fakeRecorder struct {
	calls []string
}

func (f *fakeRecorder) RecordEnforcementApply(nodeID, stage string, durationSeconds float64, err error) {
	f.calls = append(f.calls, stage)
}

func TestFileAppliedStateStore_RoundTrips(t *testing.T) {
	store := FileAppliedStateStore{Path: t.TempDir() + "/applied-hash"}

	hash, err := store.LoadHash()
	require.NoError(t, err)
	require.Empty(t, hash)

	require.NoError(t, store.SaveHash("abc123"))

	hash, err = store.LoadHash()
	require.NoError(t, err)
	require.Equal(t, "abc123", hash)
}
