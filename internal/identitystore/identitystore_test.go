package identitystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadOrCreateNodeID_FirstRunPersistsNewID(t *testing.T) {
	s := openTestStore(t)
	got, err := s.LoadOrCreateNodeID("node-123")
	require.NoError(t, err)
	assert.Equal(t, "node-123", got)
}

func TestLoadOrCreateNodeID_SecondRunReturnsPersistedID(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadOrCreateNodeID("node-123")
	require.NoError(t, err)

	got, err := s.LoadOrCreateNodeID("node-should-be-ignored")
	require.NoError(t, err)
	assert.Equal(t, "node-123", got)
}

func TestSaveAndLoadBootstrapPeers_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	peers := []Peer{{NodeID: "n1", Address: "10.0.0.1:9000"}, {NodeID: "n2", Address: "10.0.0.2:9000"}}
	require.NoError(t, s.SaveBootstrapPeers(peers))

	got, err := s.LoadBootstrapPeers()
	require.NoError(t, err)
	assert.ElementsMatch(t, peers, got)
}

func TestSaveBootstrapPeers_ReplacesPreviousList(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveBootstrapPeers([]Peer{{NodeID: "n1", Address: "a"}}))
	require.NoError(t, s.SaveBootstrapPeers([]Peer{{NodeID: "n2", Address: "b"}}))

	got, err := s.LoadBootstrapPeers()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "n2", got[0].NodeID)
}
