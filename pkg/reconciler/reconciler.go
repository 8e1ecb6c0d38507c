package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusforge/sokovan/pkg/log"
	"github.com/nimbusforge/sokovan/pkg/manager"
	"github.com/nimbusforge/sokovan/pkg/metrics"
	"github.com/nimbusforge/sokovan/pkg/statemachine"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// defaultAgentHeartbeatTimeout is how long an agent can go without a
// heartbeat before it is marked LOST.
const defaultAgentHeartbeatTimeout = 30 * time.Second

// defaultSweepInterval is used when no hang tolerance is configured for
// any session status.
const defaultSweepInterval = time.Minute

// maxSweepInterval caps the computed sweep interval regardless of how
// generous the configured tolerances are.
const maxSweepInterval = time.Hour

// Config tunes the reconciler's hang-detection sweep and agent liveness
// check.
type Config struct {
	// HangTolerance maps a non-terminal session status to how long a
	// session may remain stuck there before it is force-terminated
	// with reason "hang-timeout".
	HangTolerance map[types.SessionStatus]time.Duration

	// AgentHeartbeatTimeout is how long an agent may go without a
	// heartbeat before being marked LOST. Zero uses the default.
	AgentHeartbeatTimeout time.Duration
}

// sweepInterval derives the reconciler's tick period from the
// configured tolerances: 40% of the smallest tolerance, capped at one
// hour, so the sweep fires comfortably inside every configured window
// without needing a tolerance-specific timer per status.
func (c Config) sweepInterval() time.Duration {
	min := time.Duration(0)
	for _, tolerance := range c.HangTolerance {
		if tolerance <= 0 {
			continue
		}
		if min == 0 || tolerance < min {
			min = tolerance
		}
	}
	if min == 0 {
		return defaultSweepInterval
	}
	interval := time.Duration(float64(min) * 0.4)
	if interval > maxSweepInterval {
		return maxSweepInterval
	}
	if interval <= 0 {
		return time.Second
	}
	return interval
}

func (c Config) heartbeatTimeout() time.Duration {
	if c.AgentHeartbeatTimeout > 0 {
		return c.AgentHeartbeatTimeout
	}
	return defaultAgentHeartbeatTimeout
}

// Reconciler runs the background sweeps that a scheduling tick alone
// can't cover: agents that stopped heartbeating, and sessions stuck in
// a non-terminal status past their configured tolerance. Like the
// scheduler, it is stateless between cycles -- every decision is made
// from what it reads off the manager on that cycle alone.
type Reconciler struct {
	manager *manager.Manager
	config  Config
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	stopCh chan struct{}
}

// NewReconciler creates a reconciler for mgr using cfg's tolerances.
func NewReconciler(mgr *manager.Manager, cfg Config) *Reconciler {
	return &Reconciler{
		manager: mgr,
		config:  cfg,
		logger:  log.WithComponent("reconciler"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the reconciliation loop in the background.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	interval := r.config.sweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile performs one sweep. It is exported at package level only
// through Start's loop, but tests call it directly for determinism.
func (r *Reconciler) reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reconcileAgents(); err != nil {
		r.logger.Error().Err(err).Msg("failed to reconcile agents")
	}
	if err := r.reconcileSessions(); err != nil {
		r.logger.Error().Err(err).Msg("failed to reconcile sessions")
	}
	r.manager.CleanupExpiredJoinTokens()
	return nil
}

// reconcileAgents marks agents LOST after a missed heartbeat window,
// and resurrects them back to ALIVE once heartbeats resume -- it never
// touches an agent already marked TERMINATED, since that's a final
// state driven by an explicit agent_terminated event, not a heartbeat
// gap.
func (r *Reconciler) reconcileAgents() error {
	agents, err := r.manager.ListAgents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	timeout := r.config.heartbeatTimeout()
	now := r.now()
	for _, agent := range agents {
		if agent.Status == types.AgentTerminated {
			continue
		}
		silent := now.Sub(agent.LastHeartbeat)
		switch {
		case silent > timeout && agent.Status != types.AgentLost:
			r.logger.Warn().
				Str("agent_id", string(agent.ID)).
				Dur("silent_for", silent).
				Msg("agent missed heartbeat deadline, marking lost")
			agent.Status = types.AgentLost
			agent.Schedulable = false
			if err := r.manager.UpdateAgent(agent); err != nil {
				r.logger.Error().Err(err).Str("agent_id", string(agent.ID)).Msg("failed to mark agent lost")
			}
		case silent <= timeout && agent.Status == types.AgentLost:
			r.logger.Info().Str("agent_id", string(agent.ID)).Msg("agent heartbeat resumed, resurrecting")
			agent.Status = types.AgentAlive
			agent.Schedulable = true
			if err := r.manager.UpdateAgent(agent); err != nil {
				r.logger.Error().Err(err).Str("agent_id", string(agent.ID)).Msg("failed to resurrect agent")
			}
		}
	}
	return nil
}

// reconcileSessions force-terminates sessions that have sat in one
// non-terminal status longer than its configured tolerance.
func (r *Reconciler) reconcileSessions() error {
	sessions, err := r.manager.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	now := r.now()
	for _, session := range sessions {
		if isTerminalSessionStatus(session.Status) {
			continue
		}
		tolerance, configured := r.config.HangTolerance[session.Status]
		if !configured || tolerance <= 0 {
			continue
		}
		enteredAt, ok := session.StatusHistory[session.Status]
		if !ok {
			continue
		}
		if now.Sub(enteredAt) <= tolerance {
			continue
		}

		r.logger.Warn().
			Str("session_id", session.ID.String()).
			Str("status", string(session.Status)).
			Dur("stuck_for", now.Sub(enteredAt)).
			Msg("session exceeded hang tolerance, force-terminating")

		if err := r.hangTerminate(session); err != nil {
			r.logger.Error().Err(err).Str("session_id", session.ID.String()).Msg("failed to force-terminate hung session")
			continue
		}
		metrics.HungSessionsTotal.Inc()
	}
	return nil
}

// hangTerminate force-terminates every non-terminal kernel of session
// and recomputes the session's derived status.
func (r *Reconciler) hangTerminate(session *types.Session) error {
	kernels, err := r.manager.ListKernelsBySession(session.ID)
	if err != nil {
		return fmt.Errorf("list kernels for session %s: %w", session.ID, err)
	}

	now := r.now()
	errInfo := &types.ErrorInfo{Src: "reconciler", Name: "HangTimeout", Repr: "session exceeded its hang tolerance"}
	for _, kernel := range kernels {
		if kernel.Status.IsTerminal() {
			continue
		}
		to, ok := forcedTerminalTarget(kernel.Status)
		if !ok {
			r.logger.Warn().Str("kernel_id", kernel.ID.String()).Str("status", string(kernel.Status)).Msg("no forced-terminal edge from current kernel status")
			continue
		}
		data := kernel.StatusData
		data.Error = errInfo
		updated, ok := statemachine.Transit(*kernel, to, func() time.Time { return now }, "hang-timeout", &data)
		if !ok {
			continue
		}
		if err := r.manager.UpdateKernel(&updated); err != nil {
			return fmt.Errorf("update kernel %s: %w", kernel.ID, err)
		}
	}

	return r.recomputeSessionStatus(session.ID)
}

// forcedTerminalTarget picks the first of CANCELLED, TERMINATING and
// TERMINATED that the transition map allows from the kernel's status:
// CANCELLED for the pre-running statuses and for RESTARTING, RESIZING
// and SUSPENDED; TERMINATING for RUNNING and ERROR; TERMINATED for a
// kernel already TERMINATING.
func forcedTerminalTarget(from types.KernelStatus) (types.KernelStatus, bool) {
	for _, to := range []types.KernelStatus{types.KernelCancelled, types.KernelTerminating, types.KernelTerminated} {
		if statemachine.CanTransit(from, to) {
			return to, true
		}
	}
	return "", false
}

func (r *Reconciler) recomputeSessionStatus(sessionID types.SessionID) error {
	session, err := r.manager.GetSession(sessionID)
	if err != nil || session == nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	kernels, err := r.manager.ListKernelsBySession(sessionID)
	if err != nil {
		return fmt.Errorf("list kernels for session %s: %w", sessionID, err)
	}
	statuses := make([]types.KernelStatus, len(kernels))
	for i, k := range kernels {
		statuses[i] = k.Status
	}
	session.Status = statemachine.DeriveSessionStatus(statuses)
	session.StatusInfo = "hang-timeout"
	if session.StatusHistory == nil {
		session.StatusHistory = make(map[types.SessionStatus]time.Time)
	}
	now := r.now()
	if _, already := session.StatusHistory[session.Status]; !already {
		session.StatusHistory[session.Status] = now
	}
	if session.Status == types.SessionTerminated || session.Status == types.SessionCancelled {
		session.TerminatedAt = &now
	}
	return r.manager.UpdateSession(session)
}

func isTerminalSessionStatus(status types.SessionStatus) bool {
	return status == types.SessionTerminated || status == types.SessionCancelled
}
