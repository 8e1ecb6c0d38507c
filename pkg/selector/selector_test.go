package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/sokovan/pkg/resource"
	"github.com/nimbusforge/sokovan/pkg/types"
)

func agent(id string, cpu, mem float64, arch string) types.Agent {
	return types.Agent{
		ID:             types.AgentID(id),
		Architecture:   arch,
		AvailableSlots: resource.New(map[string]float64{"cpu": cpu, "mem": mem}),
		OccupiedSlots:  resource.New(map[string]float64{"cpu": 0, "mem": 0}),
	}
}

func TestRoundRobinDeterministicSequence(t *testing.T) {
	agents := []types.Agent{agent("a3", 8, 8192, "x86_64"), agent("a1", 8, 8192, "x86_64"), agent("a2", 8, 8192, "x86_64")}
	criteria := Criteria{RequestedSlots: resource.New(map[string]float64{"cpu": 1}), RequiredArch: "x86_64"}

	rr := &RoundRobin{NextIndex: 0}
	var got []string
	for i := 0; i < 3; i++ {
		id, err := rr.SelectAgent(agents, criteria)
		require.NoError(t, err)
		got = append(got, string(*id))
		rr.NextIndex++
	}
	assert.Equal(t, []string{"a1", "a2", "a3"}, got)

	rr = &RoundRobin{NextIndex: 3}
	id, err := rr.SelectAgent(agents, criteria)
	require.NoError(t, err)
	assert.Equal(t, "a1", string(*id)) // wraparound
}

func TestUniversalFilterArchitectureAndCapacity(t *testing.T) {
	agents := []types.Agent{
		agent("arm", 8, 8192, "arm64"),
		agent("toosmall", 1, 512, "x86_64"),
		agent("fits", 8, 8192, "x86_64"),
	}
	criteria := Criteria{RequestedSlots: resource.New(map[string]float64{"cpu": 2, "mem": 4096}), RequiredArch: "x86_64"}
	out, err := Filter(agents, criteria)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, types.AgentID("fits"), out[0].ID)
}

func TestFilterIsMonotoneP5(t *testing.T) {
	agents := []types.Agent{
		agent("a", 8, 8192, "x86_64"),
		agent("b", 4, 4096, "x86_64"),
		agent("c", 1, 512, "x86_64"),
	}
	criteria := Criteria{RequestedSlots: resource.New(map[string]float64{"cpu": 2, "mem": 2048}), RequiredArch: "x86_64"}

	full, err := Filter(agents, criteria)
	require.NoError(t, err)

	// remove "c" (never selected, doesn't fit) and re-filter: "a" and "b"
	// must still both survive identically.
	withoutC := []types.Agent{agents[0], agents[1]}
	reduced, err := Filter(withoutC, criteria)
	require.NoError(t, err)

	assert.ElementsMatch(t, idsOf(reduced), idsOf(filterOutID(full, "c")))
}

func idsOf(agents []types.Agent) []types.AgentID {
	out := make([]types.AgentID, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

func filterOutID(agents []types.Agent, id string) []types.Agent {
	out := make([]types.Agent, 0, len(agents))
	for _, a := range agents {
		if string(a.ID) != id {
			out = append(out, a)
		}
	}
	return out
}

func TestDesignatedAgentIncompatible(t *testing.T) {
	agents := []types.Agent{agent("a", 1, 512, "x86_64")}
	designated := types.AgentID("a")
	criteria := Criteria{RequestedSlots: resource.New(map[string]float64{"cpu": 8}), RequiredArch: "x86_64", DesignatedAgentID: &designated}
	_, err := Filter(agents, criteria)
	require.Error(t, err)
	var incompatErr *DesignatedAgentIncompatibleError
	require.ErrorAs(t, err, &incompatErr)
}

func TestConcentratedPicksLeastResidual(t *testing.T) {
	agents := []types.Agent{agent("roomy", 16, 16384, "x86_64"), agent("tight", 2, 4096, "x86_64")}
	criteria := Criteria{RequestedSlots: resource.New(map[string]float64{"cpu": 1, "mem": 1024}), RequiredArch: "x86_64"}
	id, err := (Concentrated{}).SelectAgent(agents, criteria)
	require.NoError(t, err)
	assert.Equal(t, types.AgentID("tight"), *id)
}

func TestDispersedPicksMostResidual(t *testing.T) {
	agents := []types.Agent{agent("roomy", 16, 16384, "x86_64"), agent("tight", 2, 4096, "x86_64")}
	criteria := Criteria{RequestedSlots: resource.New(map[string]float64{"cpu": 1, "mem": 1024}), RequiredArch: "x86_64"}
	id, err := (Dispersed{}).SelectAgent(agents, criteria)
	require.NoError(t, err)
	assert.Equal(t, types.AgentID("roomy"), *id)
}
