package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/sokovan/pkg/events"
	"github.com/nimbusforge/sokovan/pkg/manager"
	"github.com/nimbusforge/sokovan/pkg/resource"
	"github.com/nimbusforge/sokovan/pkg/rpc"
	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping raft-backed integration test in short mode")
	}

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "test-manager",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	require.NoError(t, mgr.Bootstrap())
	for i := 0; i < 50; i++ {
		if mgr.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.True(t, mgr.IsLeader(), "manager failed to become leader")
	return mgr
}

func newTestCache(mgr *manager.Manager) *rpc.AgentRPCCache {
	dial := func(ctx context.Context, addr string, identity *rpc.CurveIdentity, keepalive rpc.KeepaliveConfig) (rpc.Transport, error) {
		return nil, assert.AnError
	}
	directory := directoryFunc(func(agentID types.AgentID) (string, *[32]byte, error) {
		agent, err := mgr.GetAgent(agentID)
		if err != nil || agent == nil {
			return "", nil, err
		}
		return agent.Addr, nil, nil
	})
	return rpc.NewAgentRPCCache(dial, directory, rpc.KeepaliveConfig{Idle: 30 * time.Second}, [32]byte{}, [32]byte{})
}

type directoryFunc func(agentID types.AgentID) (string, *[32]byte, error)

func (f directoryFunc) Lookup(agentID types.AgentID) (string, *[32]byte, error) { return f(agentID) }

func newSessionAndKernel(t *testing.T, mgr *manager.Manager, agentID types.AgentID) (*types.Session, *types.Kernel) {
	t.Helper()
	sessionID := types.SessionID(uuid.New())
	session := &types.Session{
		ID:        sessionID,
		Status:    types.SessionPending,
		AccessKey: "ak-test",
		CreatedAt: time.Now(),
	}
	require.NoError(t, mgr.CreateSession(session))

	kernel := &types.Kernel{
		ID:        types.KernelID(uuid.New()),
		SessionID: sessionID,
		Status:    types.KernelPending,
	}
	if agentID != "" {
		kernel.Agent = &agentID
		kernel.Status = types.KernelScheduled
	}
	require.NoError(t, mgr.CreateKernel(kernel))
	return session, kernel
}

func TestApplyKernelStartedReplaysStageHistory(t *testing.T) {
	mgr := newTestManager(t)
	agent := &types.Agent{ID: "agent-1", Schedulable: true, Status: types.AgentAlive}
	require.NoError(t, mgr.CreateAgent(agent))
	session, kernel := newSessionAndKernel(t, mgr, agent.ID)

	h := New(mgr, newTestCache(mgr))

	base := time.Now().Add(-time.Minute)
	ev, err := NewKernelStartedEvent("agent-1", kernel.ID, []StageEntry{
		{Status: types.KernelPreparing, At: base},
		{Status: types.KernelPulling, At: base.Add(1 * time.Second)},
		{Status: types.KernelPrepared, At: base.Add(2 * time.Second)},
		{Status: types.KernelCreating, At: base.Add(3 * time.Second)},
		{Status: types.KernelRunning, At: base.Add(4 * time.Second)},
	})
	require.NoError(t, err)

	require.NoError(t, h.applyKernelStarted(context.Background(), ev))

	updated, err := mgr.GetKernel(kernel.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KernelRunning, updated.Status)
	statuses := []types.KernelStatus{types.KernelPreparing, types.KernelPulling, types.KernelPrepared, types.KernelCreating, types.KernelRunning}
	for _, status := range statuses {
		_, ok := updated.StatusHistory[status]
		assert.True(t, ok, "status_history should contain %s", status)
	}
	for i := 1; i < len(statuses); i++ {
		assert.True(t, updated.StatusHistory[statuses[i]].After(updated.StatusHistory[statuses[i-1]]))
	}

	updatedSession, err := mgr.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, updatedSession.Status)
}

func TestApplyKernelTerminalWithError(t *testing.T) {
	mgr := newTestManager(t)
	agent := &types.Agent{ID: "agent-1", Schedulable: true, Status: types.AgentAlive}
	require.NoError(t, mgr.CreateAgent(agent))
	_, kernel := newSessionAndKernel(t, mgr, agent.ID)

	// Move the kernel into a running state first so TERMINATED is a
	// legal transition.
	kernel.Status = types.KernelRunning
	require.NoError(t, mgr.UpdateKernel(kernel))

	h := New(mgr, newTestCache(mgr))
	ev, err := NewKernelTerminalEvent(string(events.KernelTerminatedAnycastEvent), "agent-1", kernel.ID, TerminalReport{
		StatusInfo: "user-requested",
		Error:      &types.ErrorInfo{Src: "agent", Name: "ExitedNormally", Repr: "exit 0"},
	})
	require.NoError(t, err)

	require.NoError(t, h.applyKernelTerminal(ev, types.KernelTerminated))

	updated, err := mgr.GetKernel(kernel.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KernelTerminated, updated.Status)
	assert.Equal(t, "user-requested", updated.StatusInfo)
	require.NotNil(t, updated.StatusData.Error)
	assert.Equal(t, "ExitedNormally", updated.StatusData.Error.Name)
	assert.NotNil(t, updated.TerminatedAt)
}

func TestApplyAgentHeartbeatCreatesRowAndUpdatesCache(t *testing.T) {
	mgr := newTestManager(t)
	h := New(mgr, newTestCache(mgr))

	ev := wire.Event{
		Domain:   wire.DomainAgent,
		DomainID: "agent-new",
		Payload: map[string]any{
			"addr":            "agent://new",
			"architecture":    "x86_64",
			"scaling_group":   "default",
			"available_slots": map[string]float64{"cpu": 4, "mem": 8},
		},
	}

	require.NoError(t, h.applyAgentHeartbeat(context.Background(), ev))

	agent, err := mgr.GetAgent("agent-new")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "agent://new", agent.Addr)
	assert.Equal(t, types.AgentAlive, agent.Status)
	assert.True(t, agent.AvailableSlots.Get("cpu").Equal(resource.New(map[string]float64{"cpu": 4}).Get("cpu")))
}

func TestApplyAgentTerminatedFailsAssignedKernels(t *testing.T) {
	mgr := newTestManager(t)
	agent := &types.Agent{ID: "agent-1", Schedulable: true, Status: types.AgentAlive}
	require.NoError(t, mgr.CreateAgent(agent))
	session, kernel := newSessionAndKernel(t, mgr, agent.ID)
	kernel.Status = types.KernelRunning
	require.NoError(t, mgr.UpdateKernel(kernel))

	h := New(mgr, newTestCache(mgr))
	ev := wire.Event{Domain: wire.DomainAgent, DomainID: string(agent.ID)}

	require.NoError(t, h.applyAgentTerminated(context.Background(), ev))

	updatedAgent, err := mgr.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentTerminated, updatedAgent.Status)
	assert.False(t, updatedAgent.Schedulable)

	updatedKernel, err := mgr.GetKernel(kernel.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KernelError, updatedKernel.Status)
	require.NotNil(t, updatedKernel.StatusData.Error)
	assert.Equal(t, "AgentLost", updatedKernel.StatusData.Error.Name)

	updatedSession, err := mgr.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionError, updatedSession.Status)
}
