// Package handlers wires the manager's anycast event consumers:
// kernel lifecycle reports and agent heartbeats arriving from agents
// are translated into kernel/session/agent row updates through
// pkg/statemachine, the same way pkg/scheduler drives the forward
// PENDING -> SCHEDULED transition from its own tick.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusforge/sokovan/pkg/events"
	"github.com/nimbusforge/sokovan/pkg/log"
	"github.com/nimbusforge/sokovan/pkg/manager"
	"github.com/nimbusforge/sokovan/pkg/metrics"
	"github.com/nimbusforge/sokovan/pkg/resource"
	"github.com/nimbusforge/sokovan/pkg/rpc"
	"github.com/nimbusforge/sokovan/pkg/statemachine"
	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

// Handlers owns the consumer group registrations for every event an
// agent reports to the manager about its own kernels and its own
// liveness.
type Handlers struct {
	manager  *manager.Manager
	rpcCache *rpc.AgentRPCCache
	logger   zerolog.Logger
	now      func() time.Time
}

// New wires Handlers against the manager state and the RPC cache that
// agent_heartbeat/agent_terminated keep in sync.
func New(mgr *manager.Manager, rpcCache *rpc.AgentRPCCache) *Handlers {
	return &Handlers{
		manager:  mgr,
		rpcCache: rpcCache,
		logger:   log.WithComponent("handlers"),
		now:      time.Now,
	}
}

// RegisterAll joins the consumer group for every anycast event type
// this package handles. Each consumer is named after its event type,
// so restarting the manager rejoins the same group rather than
// spawning a duplicate.
func (h *Handlers) RegisterAll(ctx context.Context) error {
	registrations := []struct {
		eventType events.EventType
		handler   events.BatchHandler
	}{
		{events.KernelStartedAnycastEvent, h.handleKernelStarted},
		{events.KernelTerminatedAnycastEvent, h.handleKernelTerminated},
		{events.KernelCancelledAnycastEvent, h.handleKernelCancelled},
		{events.AgentHeartbeatAnycastEvent, h.handleAgentHeartbeat},
		{events.AgentTerminatedAnycastEvent, h.handleAgentTerminated},
	}
	for _, r := range registrations {
		if err := h.manager.Dispatcher().Consume(ctx, r.eventType, string(r.eventType), r.handler, nil); err != nil {
			return fmt.Errorf("register %s consumer: %w", r.eventType, err)
		}
	}
	return nil
}

// process wraps one batch handler with the metrics every anycast
// consumer reports, and isolates one event's failure from the rest of
// the batch so one malformed report doesn't stall its neighbors.
func (h *Handlers) process(ctx context.Context, eventType events.EventType, evs []wire.Event, handle func(context.Context, wire.Event) error) error {
	for _, ev := range evs {
		timer := metrics.NewTimer()
		if err := handle(ctx, ev); err != nil {
			h.logger.Error().Err(err).Str("domain_id", ev.DomainID).Str("event_type", string(eventType)).Msg("event handler failed")
		}
		timer.ObserveDurationVec(metrics.EventDispatchDuration, string(eventType))
		metrics.EventsProcessedTotal.WithLabelValues(string(eventType), "anycast").Inc()
	}
	return nil
}

func (h *Handlers) handleKernelStarted(ctx context.Context, evs []wire.Event) error {
	return h.process(ctx, events.KernelStartedAnycastEvent, evs, h.applyKernelStarted)
}

// applyKernelStarted replays a kernel's reported stage sequence onto
// its row: one statemachine.Transit call per stage, using that
// stage's own timestamp so status_history ends up with every
// intermediate status in the order and at the time it was actually
// reached, not all stamped with the event's arrival time.
func (h *Handlers) applyKernelStarted(ctx context.Context, ev wire.Event) error {
	kernelID, err := parseKernelID(ev.DomainID)
	if err != nil {
		return err
	}
	report, err := parseStartedReport(ev)
	if err != nil {
		return fmt.Errorf("parse started report: %w", err)
	}

	kernel, err := h.manager.GetKernel(kernelID)
	if err != nil || kernel == nil {
		return fmt.Errorf("load kernel %s: %w", kernelID, err)
	}

	current := *kernel
	for _, stage := range report.Stages {
		at := stage.At
		updated, ok := statemachine.Transit(current, stage.Status, func() time.Time { return at }, "", nil)
		if !ok {
			h.logger.Warn().Str("kernel_id", kernelID.String()).Str("from", string(current.Status)).Str("to", string(stage.Status)).Msg("rejected illegal transition while replaying started report")
			continue
		}
		current = updated
	}
	if err := h.manager.UpdateKernel(&current); err != nil {
		return fmt.Errorf("update kernel %s: %w", kernelID, err)
	}
	return h.recomputeSessionStatus(current.SessionID)
}

func (h *Handlers) handleKernelTerminated(ctx context.Context, evs []wire.Event) error {
	return h.process(ctx, events.KernelTerminatedAnycastEvent, evs, func(ctx context.Context, ev wire.Event) error {
		return h.applyKernelTerminal(ev, types.KernelTerminated)
	})
}

func (h *Handlers) handleKernelCancelled(ctx context.Context, evs []wire.Event) error {
	return h.process(ctx, events.KernelCancelledAnycastEvent, evs, func(ctx context.Context, ev wire.Event) error {
		return h.applyKernelTerminal(ev, types.KernelCancelled)
	})
}

func (h *Handlers) applyKernelTerminal(ev wire.Event, to types.KernelStatus) error {
	kernelID, err := parseKernelID(ev.DomainID)
	if err != nil {
		return err
	}
	report, err := parseTerminalReport(ev)
	if err != nil {
		return fmt.Errorf("parse terminal report: %w", err)
	}

	kernel, err := h.manager.GetKernel(kernelID)
	if err != nil || kernel == nil {
		return fmt.Errorf("load kernel %s: %w", kernelID, err)
	}

	var data *types.StatusData
	if report.Error != nil {
		d := kernel.StatusData
		d.Error = report.Error
		data = &d
	}

	now := h.now()
	updated, ok := statemachine.Transit(*kernel, to, func() time.Time { return now }, report.StatusInfo, data)
	if !ok {
		h.logger.Warn().Str("kernel_id", kernelID.String()).Str("from", string(kernel.Status)).Str("to", string(to)).Msg("rejected illegal terminal transition")
		return nil
	}
	if err := h.manager.UpdateKernel(&updated); err != nil {
		return fmt.Errorf("update kernel %s: %w", kernelID, err)
	}
	return h.recomputeSessionStatus(updated.SessionID)
}

func (h *Handlers) handleAgentHeartbeat(ctx context.Context, evs []wire.Event) error {
	return h.process(ctx, events.AgentHeartbeatAnycastEvent, evs, h.applyAgentHeartbeat)
}

// applyAgentHeartbeat refreshes an agent's liveness row and keeps the
// RPC cache's address/key pointing at whatever the agent most
// recently reported, so a redeployed or rebound agent doesn't leave
// the cache dialing a stale address.
func (h *Handlers) applyAgentHeartbeat(ctx context.Context, ev wire.Event) error {
	agentID := types.AgentID(ev.DomainID)
	addr, publicKey, architecture, scalingGroup, available := parseHeartbeatPayload(ev)

	agent, err := h.manager.GetAgent(agentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if agent == nil {
		agent = &types.Agent{ID: agentID, Schedulable: true}
	}
	agent.Addr = addr
	agent.PublicKey = publicKey
	if architecture != "" {
		agent.Architecture = architecture
	}
	if scalingGroup != "" {
		agent.ScalingGroup = scalingGroup
	}
	if available != nil {
		agent.AvailableSlots = resource.New(available)
	}
	agent.Status = types.AgentAlive
	agent.LastHeartbeat = h.now()

	if err := h.manager.UpdateAgent(agent); err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}

	var pub *[32]byte
	if len(publicKey) == 32 {
		var key [32]byte
		copy(key[:], publicKey)
		pub = &key
	}
	h.rpcCache.Update(agentID, addr, pub)
	return nil
}

func (h *Handlers) handleAgentTerminated(ctx context.Context, evs []wire.Event) error {
	return h.process(ctx, events.AgentTerminatedAnycastEvent, evs, h.applyAgentTerminated)
}

// applyAgentTerminated marks an agent dead, drops its cached RPC
// connection, and fails every non-terminal kernel still assigned to
// it -- there is no agent left to report their own completion.
func (h *Handlers) applyAgentTerminated(ctx context.Context, ev wire.Event) error {
	agentID := types.AgentID(ev.DomainID)

	agent, err := h.manager.GetAgent(agentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if agent != nil {
		agent.Status = types.AgentTerminated
		agent.Schedulable = false
		if err := h.manager.UpdateAgent(agent); err != nil {
			return fmt.Errorf("update agent %s: %w", agentID, err)
		}
	}
	h.rpcCache.Discard(agentID)

	kernels, err := h.manager.ListKernelsByAgent(agentID)
	if err != nil {
		return fmt.Errorf("list kernels for agent %s: %w", agentID, err)
	}
	sessions := make(map[types.SessionID]struct{})
	now := h.now()
	for _, k := range kernels {
		if k.Status.IsTerminal() {
			continue
		}
		data := k.StatusData
		data.Error = &types.ErrorInfo{Src: "agent", Name: "AgentLost", Repr: fmt.Sprintf("agent %s terminated", agentID)}
		updated, ok := statemachine.Transit(*k, types.KernelError, func() time.Time { return now }, "agent terminated", &data)
		if !ok {
			h.logger.Warn().Str("kernel_id", k.ID.String()).Str("from", string(k.Status)).Msg("rejected illegal transition on agent loss")
			continue
		}
		if err := h.manager.UpdateKernel(&updated); err != nil {
			return fmt.Errorf("update kernel %s: %w", k.ID, err)
		}
		sessions[updated.SessionID] = struct{}{}
	}
	for sessionID := range sessions {
		if err := h.recomputeSessionStatus(sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) recomputeSessionStatus(sessionID types.SessionID) error {
	session, err := h.manager.GetSession(sessionID)
	if err != nil || session == nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	kernels, err := h.manager.ListKernelsBySession(sessionID)
	if err != nil {
		return fmt.Errorf("list kernels for session %s: %w", sessionID, err)
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
		session.StatusHistory[session.Status] = h.now()
	}
	return h.manager.UpdateSession(session)
}

func parseKernelID(domainID string) (types.KernelID, error) {
	parsed, err := uuid.Parse(domainID)
	if err != nil {
		return types.KernelID{}, fmt.Errorf("malformed kernel id %q: %w", domainID, err)
	}
	return types.KernelID(parsed), nil
}
