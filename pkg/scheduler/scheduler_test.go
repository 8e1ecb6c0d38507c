package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/sokovan/pkg/manager"
	"github.com/nimbusforge/sokovan/pkg/resource"
	"github.com/nimbusforge/sokovan/pkg/rpc"
	"github.com/nimbusforge/sokovan/pkg/selector"
	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

// newTestManager bootstraps a single-node raft cluster against a temp
// data dir, the same pattern used across this package's integration
// tests: Raft needs a real on-disk log even for a one-node cluster.
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

// fakeTransport is an in-memory rpc.Transport driven by a scriptable
// handler, mirroring pkg/rpc's own cache_test.go fixture.
type fakeTransport struct {
	mu     sync.Mutex
	handle func(method string) (wire.Reply, error)
}

func (t *fakeTransport) Call(ctx context.Context, frame []byte) ([]byte, error) {
	var call wire.Call
	if err := wire.Unmarshal(frame, &call); err != nil {
		return nil, err
	}
	t.mu.Lock()
	handle := t.handle
	t.mu.Unlock()
	reply, err := handle(call.Method)
	if err != nil {
		return nil, err
	}
	return wire.Marshal(reply)
}

func (t *fakeTransport) Close() error { return nil }

type fakeDirectory struct {
	mgr *manager.Manager
}

func (d fakeDirectory) Lookup(agentID types.AgentID) (string, *[32]byte, error) {
	agent, err := d.mgr.GetAgent(agentID)
	if err != nil || agent == nil {
		return "", nil, err
	}
	return agent.Addr, nil, nil
}

func newTestRPCCache(mgr *manager.Manager, transport *fakeTransport) *rpc.AgentRPCCache {
	dial := func(ctx context.Context, addr string, identity *rpc.CurveIdentity, keepalive rpc.KeepaliveConfig) (rpc.Transport, error) {
		return transport, nil
	}
	return rpc.NewAgentRPCCache(dial, fakeDirectory{mgr: mgr}, rpc.KeepaliveConfig{Idle: 30 * time.Second}, [32]byte{}, [32]byte{})
}

func newTestAgent(id types.AgentID, slots resource.Slot) *types.Agent {
	return &types.Agent{
		ID:             id,
		Addr:           "agent://" + string(id),
		Architecture:   "x86_64",
		AvailableSlots: slots,
		Schedulable:    true,
		Status:         types.AgentAlive,
		LastHeartbeat:  time.Now(),
	}
}

func newPendingSessionWithKernels(mode types.ClusterMode, kernelSlots ...resource.Slot) (*types.Session, []*types.Kernel) {
	sessionID := types.SessionID(uuid.New())
	session := &types.Session{
		ID:          sessionID,
		Status:      types.SessionPending,
		ClusterMode: mode,
		ClusterSize: len(kernelSlots),
		AccessKey:   "ak-test",
		CreatedAt:   time.Now(),
	}
	kernels := make([]*types.Kernel, len(kernelSlots))
	for i, slots := range kernelSlots {
		role := "main"
		if i > 0 {
			role = "sub"
		}
		kernels[i] = &types.Kernel{
			ID:            types.KernelID(uuid.New()),
			SessionID:     sessionID,
			ClusterRole:   role,
			ClusterIdx:    i,
			Image:         types.ImageRef{Registry: "registry", Name: "python", Tag: "3.11", Architecture: "x86_64"},
			OccupiedSlots: slots,
			Status:        types.KernelPending,
		}
	}
	return session, kernels
}

// TestTickSchedulesHappyPathSingleKernel is the single-kernel,
// single-agent happy path: one tick moves the kernel to SCHEDULED,
// assigns it to the only agent, and debits that agent's occupied
// slots.
func TestTickSchedulesHappyPathSingleKernel(t *testing.T) {
	mgr := newTestManager(t)

	agent := newTestAgent("agent-1", resource.New(map[string]float64{"cpu": 4, "mem": 8}))
	require.NoError(t, mgr.CreateAgent(agent))

	session, kernels := newPendingSessionWithKernels(types.ClusterModeSingleNode, resource.New(map[string]float64{"cpu": 1, "mem": 2}))
	require.NoError(t, mgr.CreateSession(session))
	require.NoError(t, mgr.CreateKernel(kernels[0]))

	cache := newTestRPCCache(mgr, &fakeTransport{})
	sched := NewScheduler(mgr, cache, selector.Concentrated{})

	require.NoError(t, sched.Tick(context.Background()))

	updated, err := mgr.GetKernel(kernels[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.KernelScheduled, updated.Status)
	require.NotNil(t, updated.Agent)
	assert.Equal(t, agent.ID, *updated.Agent)

	updatedAgent, err := mgr.GetAgent(agent.ID)
	require.NoError(t, err)
	assert.True(t, updatedAgent.OccupiedSlots.Get("cpu").Equal(kernels[0].OccupiedSlots.Get("cpu")))

	updatedSession, err := mgr.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionScheduled, updatedSession.Status)
	assert.Equal(t, 1, updatedSession.StatusData.Scheduler.Retries)
}

// TestTickRetriesIncrementOnEveryConsideredTick drives a
// concurrency-limited access key through a failing tick followed by a
// succeeding one, and checks retries increments on both -- the final,
// successful tick still counts.
func TestTickRetriesIncrementOnEveryConsideredTick(t *testing.T) {
	mgr := newTestManager(t)

	blocker := &types.Session{
		ID:        types.SessionID(uuid.New()),
		Status:    types.SessionRunning,
		AccessKey: "ak-test",
		CreatedAt: time.Now(),
	}
	require.NoError(t, mgr.CreateSession(blocker))

	session, kernels := newPendingSessionWithKernels(types.ClusterModeSingleNode, resource.New(map[string]float64{"cpu": 1}))
	require.NoError(t, mgr.CreateSession(session))
	require.NoError(t, mgr.CreateKernel(kernels[0]))

	cache := newTestRPCCache(mgr, &fakeTransport{})
	sched := NewScheduler(mgr, cache, selector.Concentrated{}, WithPredicates([]Predicate{ConcurrencyPredicate{Limit: 1}}))

	require.NoError(t, sched.Tick(context.Background()))
	afterFirst, err := mgr.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, afterFirst.Status)
	assert.Equal(t, 1, afterFirst.StatusData.Scheduler.Retries)
	require.Len(t, afterFirst.StatusData.Scheduler.FailedPredicates, 1)
	assert.Equal(t, "concurrency", afterFirst.StatusData.Scheduler.FailedPredicates[0].Name)

	blocker.Status = types.SessionTerminated
	require.NoError(t, mgr.UpdateSession(blocker))

	agent := newTestAgent("agent-1", resource.New(map[string]float64{"cpu": 4}))
	require.NoError(t, mgr.CreateAgent(agent))

	require.NoError(t, sched.Tick(context.Background()))
	afterSecond, err := mgr.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionScheduled, afterSecond.Status)
	assert.Equal(t, 2, afterSecond.StatusData.Scheduler.Retries)
	assert.Empty(t, afterSecond.StatusData.Scheduler.FailedPredicates)
}

// TestTickNoAgentFitsThenAgentAdded covers the no-available-instances
// failure mode and its recovery once capacity shows up.
func TestTickNoAgentFitsThenAgentAdded(t *testing.T) {
	mgr := newTestManager(t)

	session, kernels := newPendingSessionWithKernels(types.ClusterModeSingleNode, resource.New(map[string]float64{"cpu": 8}))
	require.NoError(t, mgr.CreateSession(session))
	require.NoError(t, mgr.CreateKernel(kernels[0]))

	cache := newTestRPCCache(mgr, &fakeTransport{})
	sched := NewScheduler(mgr, cache, selector.Concentrated{})

	require.NoError(t, sched.Tick(context.Background()))
	afterFirst, err := mgr.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, afterFirst.Status)
	assert.Equal(t, noAvailableInstances, afterFirst.StatusInfo)

	agent := newTestAgent("agent-1", resource.New(map[string]float64{"cpu": 16}))
	require.NoError(t, mgr.CreateAgent(agent))

	require.NoError(t, sched.Tick(context.Background()))
	afterSecond, err := mgr.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionScheduled, afterSecond.Status)
}

// TestSelectAgentsMultiNodePlacesEachKernelIndependently checks that a
// MULTI_NODE session with kernels too large to share one agent still
// schedules, spreading across agents and debiting each one
// independently within a single tick.
func TestSelectAgentsMultiNodePlacesEachKernelIndependently(t *testing.T) {
	mgr := newTestManager(t)

	agentA := newTestAgent("agent-a", resource.New(map[string]float64{"cpu": 2}))
	agentB := newTestAgent("agent-b", resource.New(map[string]float64{"cpu": 2}))
	require.NoError(t, mgr.CreateAgent(agentA))
	require.NoError(t, mgr.CreateAgent(agentB))

	session, kernels := newPendingSessionWithKernels(
		types.ClusterModeMultiNode,
		resource.New(map[string]float64{"cpu": 2}),
		resource.New(map[string]float64{"cpu": 2}),
	)
	require.NoError(t, mgr.CreateSession(session))
	for _, k := range kernels {
		require.NoError(t, mgr.CreateKernel(k))
	}

	cache := newTestRPCCache(mgr, &fakeTransport{})
	sched := NewScheduler(mgr, cache, selector.Concentrated{})
	require.NoError(t, sched.Tick(context.Background()))

	agentIDs := map[types.AgentID]bool{}
	for _, k := range kernels {
		updated, err := mgr.GetKernel(k.ID)
		require.NoError(t, err)
		assert.Equal(t, types.KernelScheduled, updated.Status)
		require.NotNil(t, updated.Agent)
		agentIDs[*updated.Agent] = true
	}
	assert.Len(t, agentIDs, 2, "each kernel should land on a distinct agent")
}

// TestDispatchSessionCreatesKernelOverRPC exercises the create_kernel
// dispatch path once a kernel is already SCHEDULED: a successful RPC
// leaves status untouched at the scheduler layer (CREATING is driven
// by the agent's own lifecycle events). The failing-RPC path is
// covered by TestDispatchSessionFailsKernelOnAgentError.
func TestDispatchSessionCreatesKernelOverRPC(t *testing.T) {
	mgr := newTestManager(t)

	agent := newTestAgent("agent-1", resource.New(map[string]float64{"cpu": 4}))
	require.NoError(t, mgr.CreateAgent(agent))

	session, kernels := newPendingSessionWithKernels(types.ClusterModeSingleNode, resource.New(map[string]float64{"cpu": 1}))
	require.NoError(t, mgr.CreateSession(session))
	require.NoError(t, mgr.CreateKernel(kernels[0]))

	transport := &fakeTransport{handle: func(method string) (wire.Reply, error) {
		assert.Equal(t, "create_kernel", method)
		return wire.Reply{Result: "ok"}, nil
	}}
	cache := newTestRPCCache(mgr, transport)
	sched := NewScheduler(mgr, cache, selector.Concentrated{})

	require.NoError(t, sched.Tick(context.Background()))
	require.NoError(t, sched.dispatchSession(context.Background(), session.ID))

	updated, err := mgr.GetKernel(kernels[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.KernelScheduled, updated.Status)
	assert.Nil(t, updated.StatusData.Error)
}

func TestDispatchSessionFailsKernelOnAgentError(t *testing.T) {
	mgr := newTestManager(t)

	agent := newTestAgent("agent-1", resource.New(map[string]float64{"cpu": 4}))
	require.NoError(t, mgr.CreateAgent(agent))

	session, kernels := newPendingSessionWithKernels(types.ClusterModeSingleNode, resource.New(map[string]float64{"cpu": 1}))
	require.NoError(t, mgr.CreateSession(session))
	require.NoError(t, mgr.CreateKernel(kernels[0]))

	transport := &fakeTransport{handle: func(method string) (wire.Reply, error) {
		return wire.Reply{Error: &wire.ErrorRecord{ExcName: "ResourceError", ExcRepr: "out of memory"}}, nil
	}}
	cache := newTestRPCCache(mgr, transport)
	sched := NewScheduler(mgr, cache, selector.Concentrated{})

	require.NoError(t, sched.Tick(context.Background()))
	require.NoError(t, sched.dispatchSession(context.Background(), session.ID))

	updated, err := mgr.GetKernel(kernels[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.KernelError, updated.Status)
	require.NotNil(t, updated.StatusData.Error)
	assert.Equal(t, "ResourceError", updated.StatusData.Error.Name)
	assert.Equal(t, "out of memory", updated.StatusData.Error.Repr)

	updatedSession, err := mgr.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionError, updatedSession.Status)
}
