package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusforge/sokovan/pkg/events"
	"github.com/nimbusforge/sokovan/pkg/log"
	"github.com/nimbusforge/sokovan/pkg/manager"
	"github.com/nimbusforge/sokovan/pkg/metrics"
	"github.com/nimbusforge/sokovan/pkg/resource"
	"github.com/nimbusforge/sokovan/pkg/rpc"
	"github.com/nimbusforge/sokovan/pkg/selector"
	"github.com/nimbusforge/sokovan/pkg/statemachine"
	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

const (
	tickInterval = 2 * time.Second

	noAvailableInstances = "no-available-instances"
)

// managerDirectory adapts manager.Manager's agent store to
// rpc.AgentDirectory, so the RPC cache can resolve an agent's address
// and public key on a cache miss without a second lookup path.
type managerDirectory struct {
	mgr *manager.Manager
}

func (d managerDirectory) Lookup(agentID types.AgentID) (string, *[32]byte, error) {
	agent, err := d.mgr.GetAgent(agentID)
	if err != nil {
		return "", nil, err
	}
	if agent == nil {
		return "", nil, fmt.Errorf("agent %s not found", agentID)
	}
	var pub *[32]byte
	if len(agent.PublicKey) == 32 {
		var key [32]byte
		copy(key[:], agent.PublicKey)
		pub = &key
	}
	return agent.Addr, pub, nil
}

// NewManagerDirectory exposes managerDirectory for callers wiring an
// AgentRPCCache against this manager.
func NewManagerDirectory(mgr *manager.Manager) rpc.AgentDirectory {
	return managerDirectory{mgr: mgr}
}

// Scheduler runs the pending-session scheduling cycle and the
// per-kernel create_kernel dispatch it triggers.
type Scheduler struct {
	manager  *manager.Manager
	rpcCache *rpc.AgentRPCCache
	strategy selector.AgentSelector

	predicates       []Predicate
	resourcePriority []string

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
	now    func() time.Time
}

// Option customizes a Scheduler at construction time.
type Option func(*Scheduler)

// WithPredicates replaces the default enqueue-time predicate list.
func WithPredicates(predicates []Predicate) Option {
	return func(s *Scheduler) { s.predicates = predicates }
}

// WithResourcePriority sets the slot-name tiebreak order Concentrated/
// Dispersed/Legacy consult (typically [cuda.shares, cpu, mem]).
func WithResourcePriority(priority []string) Option {
	return func(s *Scheduler) { s.resourcePriority = priority }
}

// NewScheduler wires a Scheduler against the raft-backed manager, the
// agent RPC cache used for dispatch, and one agent-selection strategy.
func NewScheduler(mgr *manager.Manager, rpcCache *rpc.AgentRPCCache, strategy selector.AgentSelector, opts ...Option) *Scheduler {
	s := &Scheduler{
		manager:    mgr,
		rpcCache:   rpcCache,
		strategy:   strategy,
		predicates: DefaultPredicates(),
		logger:     log.WithComponent("scheduler"),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the scheduling ticker and the DoStartSessionEvent
// dispatch consumer. ctx bounds the dispatch consumer's lifetime;
// Stop halts the ticker independently.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.manager.Dispatcher().Consume(ctx, events.DoStartSessionEvent, "scheduler-dispatch", s.handleDoStartSession, nil); err != nil {
		return fmt.Errorf("register do_start_session consumer: %w", err)
	}

	go s.run(ctx)
	return nil
}

// Stop halts the scheduling ticker. The dispatch consumer is bound to
// the ctx passed to Start and stops when that context is cancelled.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.manager.IsLeader() {
				continue
			}
			if err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// Tick runs one scheduling pass over every PENDING session, in
// creation order (spec's "priority-then-FIFO" collapses to FIFO here:
// no session carries a distinct priority field in this data model).
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	pending, err := s.manager.ListSessionsByStatus(types.SessionPending)
	if err != nil {
		return fmt.Errorf("list pending sessions: %w", err)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	allSessions, err := s.manager.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	for _, session := range pending {
		if err := s.scheduleSession(session, allSessions); err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID.String()).Msg("failed to schedule session")
		}
	}
	return nil
}

// scheduleSession runs predicate re-check, agent selection, and commit
// for one session: predicate check, agent selection, commit.
func (s *Scheduler) scheduleSession(session *types.Session, allSessions []*types.Session) error {
	var failed []types.FailedPredicate
	for _, p := range s.predicates {
		if f := p.Check(session, allSessions); f != nil {
			failed = append(failed, *f)
		}
	}
	session.StatusData.Scheduler.Retries++
	session.StatusData.Scheduler.LastTry = s.now()
	session.StatusData.Scheduler.FailedPredicates = failed

	if len(failed) > 0 {
		metrics.SchedulingFailuresTotal.WithLabelValues("predicate").Inc()
		return s.manager.UpdateSession(session)
	}

	kernels, err := s.manager.ListKernelsBySession(session.ID)
	if err != nil {
		return fmt.Errorf("list kernels: %w", err)
	}
	pendingKernels := make([]*types.Kernel, 0, len(kernels))
	for _, k := range kernels {
		if k.Status == types.KernelPending {
			pendingKernels = append(pendingKernels, k)
		}
	}
	if len(pendingKernels) == 0 {
		return s.manager.UpdateSession(session)
	}

	agents, err := s.manager.ListAgents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	schedulableAgents := make([]types.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Schedulable && a.Status == types.AgentAlive {
			schedulableAgents = append(schedulableAgents, *a)
		}
	}

	placements, err := s.selectAgents(session, pendingKernels, schedulableAgents)
	if err != nil {
		session.StatusInfo = err.Error()
		metrics.SchedulingFailuresTotal.WithLabelValues("designated-agent-incompatible").Inc()
		return s.manager.UpdateSession(session)
	}
	if placements == nil {
		session.StatusInfo = noAvailableInstances
		metrics.SchedulingFailuresTotal.WithLabelValues("no-available-instances").Inc()
		return s.manager.UpdateSession(session)
	}

	return s.commit(session, pendingKernels, placements)
}

// agentPlacement is the chosen agent and the address it is dialed at.
type agentPlacement struct {
	agentID types.AgentID
	addr    string
}

// selectAgents resolves one agent per kernel, honoring cluster mode:
// SINGLE_NODE picks one agent for the aggregated request and applies
// it to every kernel; MULTI_NODE picks independently per kernel.
// Returns (nil, nil) when no agent fits anything — the no-instances
// failure mode, not an error.
func (s *Scheduler) selectAgents(session *types.Session, kernels []*types.Kernel, agents []types.Agent) (map[types.KernelID]agentPlacement, error) {
	if len(agents) == 0 {
		return nil, nil
	}

	placements := make(map[types.KernelID]agentPlacement, len(kernels))

	if session.ClusterMode == types.ClusterModeSingleNode {
		aggregate := resource.Slot{}
		for _, k := range kernels {
			aggregate = aggregate.Add(k.OccupiedSlots)
		}
		criteria := selector.Criteria{
			RequestedSlots:   aggregate,
			RequiredArch:     kernels[0].Image.Architecture,
			ScalingGroup:     session.ScalingGroup,
			ResourcePriority: s.resourcePriority,
		}
		id, err := s.strategy.SelectAgent(agents, criteria)
		if err != nil {
			return nil, err
		}
		if id == nil {
			return nil, nil
		}
		addr := agentAddr(agents, *id)
		for _, k := range kernels {
			placements[k.ID] = agentPlacement{agentID: *id, addr: addr}
		}
		return placements, nil
	}

	// MULTI_NODE: place each kernel independently, deducting each
	// successful placement's request from that agent's residual
	// capacity before placing the next kernel so later kernels in the
	// same tick don't over-subscribe an agent chosen earlier.
	working := make([]types.Agent, len(agents))
	copy(working, agents)

	for _, k := range kernels {
		criteria := selector.Criteria{
			RequestedSlots:   k.OccupiedSlots,
			RequiredArch:     k.Image.Architecture,
			ScalingGroup:     session.ScalingGroup,
			ResourcePriority: s.resourcePriority,
		}
		id, err := s.strategy.SelectAgent(working, criteria)
		if err != nil {
			return nil, err
		}
		if id == nil {
			return nil, nil
		}
		addr := agentAddr(working, *id)
		placements[k.ID] = agentPlacement{agentID: *id, addr: addr}

		for i := range working {
			if working[i].ID == *id {
				working[i].OccupiedSlots = working[i].OccupiedSlots.Add(k.OccupiedSlots)
			}
		}
	}
	return placements, nil
}

func agentAddr(agents []types.Agent, id types.AgentID) string {
	for _, a := range agents {
		if a.ID == id {
			return a.Addr
		}
	}
	return ""
}

// commit transactionally (best-effort: validated before any write is
// issued) applies placements to kernels, accumulates each affected
// agent's occupied_slots, and recomputes session status. A capacity
// race discovered during the final re-check aborts with no kernel or
// agent writes made (rollback only records the failure on the
// session), matching the InstanceNotAvailable rollback failure mode.
func (s *Scheduler) commit(session *types.Session, kernels []*types.Kernel, placements map[types.KernelID]agentPlacement) error {
	agentDeltas := make(map[types.AgentID]resource.Slot)
	for _, k := range kernels {
		p := placements[k.ID]
		agentDeltas[p.agentID] = agentDeltas[p.agentID].Add(k.OccupiedSlots)
	}

	freshAgents := make(map[types.AgentID]*types.Agent, len(agentDeltas))
	for id := range agentDeltas {
		agent, err := s.manager.GetAgent(id)
		if err != nil || agent == nil {
			return s.rollback(session, fmt.Sprintf("agent %s no longer available", id))
		}
		residual := agent.AvailableSlots.Sub(agent.OccupiedSlots)
		if !agentDeltas[id].FitsIn(residual) {
			return s.rollback(session, fmt.Sprintf("agent %s capacity changed since selection", id))
		}
		freshAgents[id] = agent
	}

	now := s.now()
	for _, k := range kernels {
		p := placements[k.ID]
		agentID := p.agentID
		updated, ok := statemachine.Transit(*k, types.KernelScheduled, func() time.Time { return now }, "", nil)
		if !ok {
			s.logger.Warn().Str("kernel_id", k.ID.String()).Str("from", string(k.Status)).Msg("rejected illegal transition to SCHEDULED")
			continue
		}
		updated.Agent = &agentID
		updated.AgentAddr = p.addr
		if err := s.manager.UpdateKernel(&updated); err != nil {
			return fmt.Errorf("update kernel %s: %w", k.ID, err)
		}
	}

	for id, delta := range agentDeltas {
		agent := freshAgents[id]
		agent.OccupiedSlots = agent.OccupiedSlots.Add(delta)
		if err := s.manager.UpdateAgent(agent); err != nil {
			return fmt.Errorf("update agent %s: %w", id, err)
		}
	}

	if err := s.recomputeSessionStatus(session); err != nil {
		return err
	}

	metrics.SessionsScheduled.Inc()
	s.manager.Dispatcher().Dispatch(wire.Event{
		Name:     string(events.DoStartSessionEvent),
		Domain:   wire.DomainSession,
		DomainID: session.ID.String(),
		Source:   s.manager.NodeID(),
		Payload:  map[string]any{"session_id": session.ID.String()},
	})
	return nil
}

func (s *Scheduler) rollback(session *types.Session, reason string) error {
	session.StatusInfo = noAvailableInstances
	session.StatusData.Scheduler.FailedPredicates = append(session.StatusData.Scheduler.FailedPredicates, types.FailedPredicate{
		Name: "agent-selection",
		Msg:  reason,
	})
	return s.manager.UpdateSession(session)
}

// recomputeSessionStatus re-derives and persists session.Status from
// its kernels' current statuses.
func (s *Scheduler) recomputeSessionStatus(session *types.Session) error {
	kernels, err := s.manager.ListKernelsBySession(session.ID)
	if err != nil {
		return fmt.Errorf("list kernels for status recompute: %w", err)
	}
	statuses := make([]types.KernelStatus, len(kernels))
	for i, k := range kernels {
		statuses[i] = k.Status
	}
	session.Status = statemachine.DeriveSessionStatus(statuses)
	if session.StatusHistory == nil {
		session.StatusHistory = make(map[types.SessionStatus]time.Time)
	}
	if _, already := session.StatusHistory[session.Status]; !already {
		session.StatusHistory[session.Status] = s.now()
	}
	return s.manager.UpdateSession(session)
}

// handleDoStartSession is the DoStartSessionEvent consumer: it issues
// the per-kernel create_kernel RPC against each kernel's assigned
// agent. An RPC failure moves that kernel to ERROR and recomputes the
// owning session's status.
func (s *Scheduler) handleDoStartSession(ctx context.Context, batch []wire.Event) error {
	for _, ev := range batch {
		timer := metrics.NewTimer()
		parsed, err := uuid.Parse(ev.DomainID)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", ev.DomainID).Msg("malformed session id in do_start_session event")
			continue
		}
		if err := s.dispatchSession(ctx, types.SessionID(parsed)); err != nil {
			s.logger.Error().Err(err).Str("session_id", ev.DomainID).Msg("session dispatch failed")
		}
		timer.ObserveDurationVec(metrics.EventDispatchDuration, string(events.DoStartSessionEvent))
		metrics.EventsProcessedTotal.WithLabelValues(string(events.DoStartSessionEvent), "anycast").Inc()
	}
	return nil
}

func (s *Scheduler) dispatchSession(ctx context.Context, sessionID types.SessionID) error {
	session, err := s.manager.GetSession(sessionID)
	if err != nil || session == nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	kernels, err := s.manager.ListKernelsBySession(sessionID)
	if err != nil {
		return fmt.Errorf("list kernels: %w", err)
	}

	for _, k := range kernels {
		if k.Status != types.KernelScheduled || k.Agent == nil {
			continue
		}
		if err := s.createKernel(ctx, session, k); err != nil {
			s.logger.Warn().Err(err).Str("kernel_id", k.ID.String()).Msg("create_kernel failed")
			s.failKernel(k, err)
			metrics.KernelsFailedTotal.Inc()
		}
	}
	return s.recomputeSessionStatus(session)
}

func (s *Scheduler) createKernel(ctx context.Context, session *types.Session, k *types.Kernel) error {
	info := types.KernelCreationInfo{
		KernelID:    k.ID,
		SessionID:   session.ID,
		OwnerDomain: session.Domain,
		OwnerGroup:  session.Group,
		OwnerUser:   session.User,
		AccessKey:   session.AccessKey,
		Image:       k.Image,
		Cluster: types.ClusterInfo{
			Mode: session.ClusterMode,
			Size: session.ClusterSize,
			Role: k.ClusterRole,
			Idx:  k.ClusterIdx,
		},
		ResourceSlots: k.OccupiedSlots,
		Environ:       k.Environ,
		VFolderMounts: k.VFolderMounts,
	}

	timer := metrics.NewTimer()
	peer, err := s.rpcCache.RPCContext(ctx, *k.Agent, rpc.RPCContextOptions{OrderKey: k.ID.String()})
	if err != nil {
		return err
	}
	defer peer.Release()

	err = peer.Call(ctx, "create_kernel", []any{info}, nil)
	timer.ObserveDurationVec(metrics.RPCCallDuration, "create_kernel")
	return err
}

// failKernel transitions k to ERROR with the RPC failure recorded in
// status_data.error, preserving the agent's traceback if it was an
// AgentError.
func (s *Scheduler) failKernel(k *types.Kernel, cause error) {
	errInfo := &types.ErrorInfo{Src: "agent", Name: "RPCError", Repr: cause.Error()}
	if agentErr, ok := cause.(*rpc.AgentError); ok {
		errInfo = &types.ErrorInfo{
			Src:       "agent",
			Name:      agentErr.ExcName,
			Repr:      agentErr.ExcRepr,
			Traceback: agentErr.ExcTB,
		}
	}
	data := k.StatusData
	data.Error = errInfo

	now := s.now()
	updated, ok := statemachine.Transit(*k, types.KernelError, func() time.Time { return now }, cause.Error(), &data)
	if !ok {
		s.logger.Warn().Str("kernel_id", k.ID.String()).Str("from", string(k.Status)).Msg("rejected illegal transition to ERROR")
		return
	}
	if err := s.manager.UpdateKernel(&updated); err != nil {
		s.logger.Error().Err(err).Str("kernel_id", k.ID.String()).Msg("failed to persist kernel error")
	}
}
