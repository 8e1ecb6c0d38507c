package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/sokovan/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionCreateGetListByStatus(t *testing.T) {
	store := newTestStore(t)

	s1 := &types.Session{ID: types.SessionID(uuid.New()), Status: types.SessionPending}
	s2 := &types.Session{ID: types.SessionID(uuid.New()), Status: types.SessionRunning}
	require.NoError(t, store.CreateSession(s1))
	require.NoError(t, store.CreateSession(s2))

	got, err := store.GetSession(s1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, got.Status)

	all, err := store.ListSessions()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := store.ListSessionsByStatus(types.SessionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, s1.ID, pending[0].ID)
}

func TestSessionUpdateIsUpsert(t *testing.T) {
	store := newTestStore(t)
	s := &types.Session{ID: types.SessionID(uuid.New()), Status: types.SessionPending}
	require.NoError(t, store.CreateSession(s))

	s.Status = types.SessionScheduled
	require.NoError(t, store.UpdateSession(s))

	got, err := store.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionScheduled, got.Status)
}

func TestSessionDelete(t *testing.T) {
	store := newTestStore(t)
	s := &types.Session{ID: types.SessionID(uuid.New())}
	require.NoError(t, store.CreateSession(s))
	require.NoError(t, store.DeleteSession(s.ID))
	_, err := store.GetSession(s.ID)
	assert.Error(t, err)
}

func TestKernelListBySessionAndAgent(t *testing.T) {
	store := newTestStore(t)
	sessionID := types.SessionID(uuid.New())
	agentA := types.AgentID("agent-a")

	k1 := &types.Kernel{ID: types.KernelID(uuid.New()), SessionID: sessionID, Agent: &agentA}
	k2 := &types.Kernel{ID: types.KernelID(uuid.New()), SessionID: sessionID}
	k3 := &types.Kernel{ID: types.KernelID(uuid.New()), SessionID: types.SessionID(uuid.New())}
	require.NoError(t, store.CreateKernel(k1))
	require.NoError(t, store.CreateKernel(k2))
	require.NoError(t, store.CreateKernel(k3))

	bySession, err := store.ListKernelsBySession(sessionID)
	require.NoError(t, err)
	assert.Len(t, bySession, 2)

	byAgent, err := store.ListKernelsByAgent(agentA)
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, k1.ID, byAgent[0].ID)
}

func TestAgentCreateGetUpdateDelete(t *testing.T) {
	store := newTestStore(t)
	a := &types.Agent{ID: types.AgentID("agent-1"), Status: types.AgentAlive}
	require.NoError(t, store.CreateAgent(a))

	got, err := store.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentAlive, got.Status)

	a.Status = types.AgentLost
	require.NoError(t, store.UpdateAgent(a))
	got, err = store.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentLost, got.Status)

	require.NoError(t, store.DeleteAgent(a.ID))
	_, err = store.GetAgent(a.ID)
	assert.Error(t, err)
}

func TestImageDigestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ref := types.ImageRef{Registry: "cr.example.com", Name: "python", Tag: "3.11"}

	_, found, err := store.GetImageDigest(ref)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.PutImage(ref, "sha256:abc"))
	digest, found, err := store.GetImageDigest(ref)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sha256:abc", digest)
}
