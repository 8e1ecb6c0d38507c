package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/sokovan/pkg/resource"
	"github.com/nimbusforge/sokovan/pkg/selector"
	"github.com/nimbusforge/sokovan/pkg/types"
)

func newKernelID() types.KernelID { return types.KernelID(uuid.New()) }

func TestAgentAddrLooksUpByID(t *testing.T) {
	agents := []types.Agent{
		{ID: "agent-1", Addr: "agent://1"},
		{ID: "agent-2", Addr: "agent://2"},
	}
	assert.Equal(t, "agent://2", agentAddr(agents, "agent-2"))
	assert.Equal(t, "", agentAddr(agents, "agent-missing"))
}

func newUnitScheduler(strategy selector.AgentSelector, priority []string) *Scheduler {
	return &Scheduler{
		strategy:         strategy,
		resourcePriority: priority,
		stopCh:           make(chan struct{}),
		now:              time.Now,
	}
}

// TestSelectAgentsSingleNodeAggregatesAllKernels checks that a
// SINGLE_NODE session sums every kernel's request onto one
// selector.Criteria call and assigns every kernel the same agent.
func TestSelectAgentsSingleNodeAggregatesAllKernels(t *testing.T) {
	sched := newUnitScheduler(selector.Concentrated{}, nil)
	agents := []types.Agent{
		{ID: "agent-1", Addr: "agent://1", Architecture: "x86_64", AvailableSlots: resource.New(map[string]float64{"cpu": 4})},
	}
	kernels := []*types.Kernel{
		{ID: newKernelID(), Image: types.ImageRef{Architecture: "x86_64"}, OccupiedSlots: resource.New(map[string]float64{"cpu": 1})},
		{ID: newKernelID(), Image: types.ImageRef{Architecture: "x86_64"}, OccupiedSlots: resource.New(map[string]float64{"cpu": 1})},
	}
	session := &types.Session{ClusterMode: types.ClusterModeSingleNode}

	placements, err := sched.selectAgents(session, kernels, agents)
	require.NoError(t, err)
	require.Len(t, placements, 2)
	for _, k := range kernels {
		p, ok := placements[k.ID]
		require.True(t, ok)
		assert.Equal(t, types.AgentID("agent-1"), p.agentID)
	}
}

// TestSelectAgentsSingleNodeNoAgentFitsAggregate checks that one
// agent too small for the combined request yields (nil, nil), the
// no-available-instances signal rather than an error.
func TestSelectAgentsSingleNodeNoAgentFitsAggregate(t *testing.T) {
	sched := newUnitScheduler(selector.Concentrated{}, nil)
	agents := []types.Agent{
		{ID: "agent-1", Addr: "agent://1", Architecture: "x86_64", AvailableSlots: resource.New(map[string]float64{"cpu": 1})},
	}
	kernels := []*types.Kernel{
		{ID: newKernelID(), Image: types.ImageRef{Architecture: "x86_64"}, OccupiedSlots: resource.New(map[string]float64{"cpu": 1})},
		{ID: newKernelID(), Image: types.ImageRef{Architecture: "x86_64"}, OccupiedSlots: resource.New(map[string]float64{"cpu": 1})},
	}
	session := &types.Session{ClusterMode: types.ClusterModeSingleNode}

	placements, err := sched.selectAgents(session, kernels, agents)
	require.NoError(t, err)
	assert.Nil(t, placements)
}

// TestSelectAgentsMultiNodeDebitsWorkingCopyBetweenKernels checks that
// placing two kernels against one small agent within the same tick
// fails the second placement instead of double-booking it.
func TestSelectAgentsMultiNodeDebitsWorkingCopyBetweenKernels(t *testing.T) {
	sched := newUnitScheduler(selector.Concentrated{}, nil)
	agents := []types.Agent{
		{ID: "agent-1", Addr: "agent://1", Architecture: "x86_64", AvailableSlots: resource.New(map[string]float64{"cpu": 1})},
	}
	kernels := []*types.Kernel{
		{ID: newKernelID(), Image: types.ImageRef{Architecture: "x86_64"}, OccupiedSlots: resource.New(map[string]float64{"cpu": 1})},
		{ID: newKernelID(), Image: types.ImageRef{Architecture: "x86_64"}, OccupiedSlots: resource.New(map[string]float64{"cpu": 1})},
	}
	session := &types.Session{ClusterMode: types.ClusterModeMultiNode}

	placements, err := sched.selectAgents(session, kernels, agents)
	require.NoError(t, err)
	assert.Nil(t, placements)
}

func TestSelectAgentsNoAgentsAvailable(t *testing.T) {
	sched := newUnitScheduler(selector.Concentrated{}, nil)
	session := &types.Session{ClusterMode: types.ClusterModeSingleNode}
	placements, err := sched.selectAgents(session, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, placements)
}

func TestSchedulerStopClosesStopCh(t *testing.T) {
	sched := &Scheduler{stopCh: make(chan struct{})}
	sched.Stop()

	select {
	case <-sched.stopCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("stopCh should be closed immediately")
	}
}
