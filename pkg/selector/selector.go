// Package selector implements the pluggable AgentSelector strategies —
// Concentrated, Dispersed, Legacy, and RoundRobin — plus the universal
// pre-filtering every strategy shares.
package selector

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nimbusforge/sokovan/pkg/resource"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// Criteria bundles what a strategy needs to pick an agent for one
// kernel (or one SINGLE_NODE session's aggregate request).
type Criteria struct {
	RequestedSlots   resource.Slot
	RequiredArch     string
	ScalingGroup     string
	MaxContainerCount *int
	DesignatedAgentID *types.AgentID
	SessionType       string // e.g. "INFERENCE"
	EnforceSpreadingEndpointReplica bool
	KernelCountsAtEndpoint          map[types.AgentID]int
	// ResourcePriority is a strict ordering over slot names used by
	// Concentrated/Dispersed/Legacy tiebreaks (typically
	// [cuda.shares, cpu, mem]). Entries naming a slot that doesn't
	// exist on an agent are ignored.
	ResourcePriority []string
}

// DesignatedAgentIncompatibleError is returned when criteria names a
// designated agent that does not survive universal filtering.
type DesignatedAgentIncompatibleError struct {
	AgentID types.AgentID
}

func (e *DesignatedAgentIncompatibleError) Error() string {
	return "designated agent " + string(e.AgentID) + " is not compatible with the request"
}

// AgentSelector picks one agent from a pre-filtered candidate list, or
// returns (nil, nil) if none is suitable.
type AgentSelector interface {
	SelectAgent(agents []types.Agent, criteria Criteria) (*types.AgentID, error)
}

// Filter applies the universal pre-filtering common to every strategy:
// matching architecture, sufficient residual capacity, container-count
// ceiling, and the designated-agent short-circuit. Outside the
// INFERENCE endpoint-spreading filter, Filter is monotone in its input
// list: removing a non-selected agent never changes the filtered set's
// membership for the remaining agents, since each agent is evaluated
// independently. The endpoint-spreading filter keeps only the agents
// with the fewest replicas among the survivors, so it depends on the
// whole set.
func Filter(agents []types.Agent, criteria Criteria) ([]types.Agent, error) {
	out := make([]types.Agent, 0, len(agents))
	for _, a := range agents {
		if criteria.RequiredArch != "" && a.Architecture != criteria.RequiredArch {
			continue
		}
		residual := a.AvailableSlots.Sub(a.OccupiedSlots)
		if !criteria.RequestedSlots.FitsIn(residual) {
			continue
		}
		if criteria.MaxContainerCount != nil && a.ContainerCount >= *criteria.MaxContainerCount {
			continue
		}
		out = append(out, a)
	}

	if criteria.SessionType == "INFERENCE" && criteria.EnforceSpreadingEndpointReplica && len(criteria.KernelCountsAtEndpoint) > 0 {
		out = filterMinEndpointReplicas(out, criteria.KernelCountsAtEndpoint)
	}

	if criteria.DesignatedAgentID != nil {
		for _, a := range out {
			if a.ID == *criteria.DesignatedAgentID {
				return []types.Agent{a}, nil
			}
		}
		return nil, &DesignatedAgentIncompatibleError{AgentID: *criteria.DesignatedAgentID}
	}

	return out, nil
}

func filterMinEndpointReplicas(agents []types.Agent, counts map[types.AgentID]int) []types.Agent {
	if len(agents) == 0 {
		return agents
	}
	min := -1
	for _, a := range agents {
		c := counts[a.ID]
		if min == -1 || c < min {
			min = c
		}
	}
	out := make([]types.Agent, 0, len(agents))
	for _, a := range agents {
		if counts[a.ID] == min {
			out = append(out, a)
		}
	}
	return out
}

func residual(a types.Agent) resource.Slot {
	return a.AvailableSlots.Sub(a.OccupiedSlots)
}

// priorityLess orders two agents by criteria.ResourcePriority, higher
// quantity of an earlier-priority slot sorting first (used to break
// ties after capacity ordering). preferMore picks the direction.
func priorityLess(a, b types.Agent, priority []string, preferMore bool) bool {
	for _, slot := range priority {
		av, bv := a.AvailableSlots.Sub(a.OccupiedSlots).Get(slot), b.AvailableSlots.Sub(b.OccupiedSlots).Get(slot)
		if av.Equal(bv) {
			continue
		}
		if preferMore {
			return av.GreaterThan(bv)
		}
		return av.LessThan(bv)
	}
	return a.ID < b.ID
}

// Concentrated picks the agent with the least residual capacity that
// still fits, tie-broken by fewest unutilised capability kinds, then
// by resource_priority.
type Concentrated struct{}

func (Concentrated) SelectAgent(agents []types.Agent, criteria Criteria) (*types.AgentID, error) {
	candidates, err := Filter(agents, criteria)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := totalResidual(candidates[i]), totalResidual(candidates[j])
		if !ri.Equal(rj) {
			return ri.LessThan(rj) // least residual first
		}
		ui := resource.UnusedKinds(candidates[i].AvailableSlots, candidates[i].OccupiedSlots, criteria.RequestedSlots)
		uj := resource.UnusedKinds(candidates[j].AvailableSlots, candidates[j].OccupiedSlots, criteria.RequestedSlots)
		if ui != uj {
			return ui < uj
		}
		return priorityLess(candidates[i], candidates[j], criteria.ResourcePriority, false)
	})
	id := candidates[0].ID
	return &id, nil
}

// Dispersed picks the agent with the most residual capacity, same
// tiebreaks reversed where appropriate.
type Dispersed struct{}

func (Dispersed) SelectAgent(agents []types.Agent, criteria Criteria) (*types.AgentID, error) {
	candidates, err := Filter(agents, criteria)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := totalResidual(candidates[i]), totalResidual(candidates[j])
		if !ri.Equal(rj) {
			return ri.GreaterThan(rj) // most residual first
		}
		ui := resource.UnusedKinds(candidates[i].AvailableSlots, candidates[i].OccupiedSlots, criteria.RequestedSlots)
		uj := resource.UnusedKinds(candidates[j].AvailableSlots, candidates[j].OccupiedSlots, criteria.RequestedSlots)
		if ui != uj {
			return ui < uj
		}
		return priorityLess(candidates[i], candidates[j], criteria.ResourcePriority, true)
	})
	id := candidates[0].ID
	return &id, nil
}

// Legacy first minimises unutilised capability kinds, then prefers more
// residual capacity ordered by resource_priority.
type Legacy struct{}

func (Legacy) SelectAgent(agents []types.Agent, criteria Criteria) (*types.AgentID, error) {
	candidates, err := Filter(agents, criteria)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ui := resource.UnusedKinds(candidates[i].AvailableSlots, candidates[i].OccupiedSlots, criteria.RequestedSlots)
		uj := resource.UnusedKinds(candidates[j].AvailableSlots, candidates[j].OccupiedSlots, criteria.RequestedSlots)
		if ui != uj {
			return ui < uj
		}
		return priorityLess(candidates[i], candidates[j], criteria.ResourcePriority, true)
	})
	id := candidates[0].ID
	return &id, nil
}

func totalResidual(a types.Agent) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range residual(a) {
		sum = sum.Add(v)
	}
	return sum
}

// RoundRobin sorts candidates lexicographically by id and returns
// agents[next_index mod len]. The caller is responsible for bumping
// NextIndex after each successful placement — placement, not
// selection, advances the cursor.
type RoundRobin struct {
	NextIndex int
}

func (rr *RoundRobin) SelectAgent(agents []types.Agent, criteria Criteria) (*types.AgentID, error) {
	candidates, err := Filter(agents, criteria)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	idx := rr.NextIndex % len(candidates)
	id := candidates[idx].ID
	return &id, nil
}
