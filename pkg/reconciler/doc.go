/*
Package reconciler runs the background sweeps the scheduler tick and
the event handlers don't cover on their own: agents that have gone
quiet, and sessions stuck in one non-terminal status long enough to
call it hung.

# Agent liveness

Every agent is expected to keep sending agent_heartbeat events
(handled by pkg/handlers, which stamps Agent.LastHeartbeat). Each
sweep checks every non-TERMINATED agent's LastHeartbeat against
Config.AgentHeartbeatTimeout:

  - ALIVE and silent past the timeout -> LOST, Schedulable = false.
  - LOST and heartbeating again within the timeout -> ALIVE,
    Schedulable = true.

TERMINATED agents are left alone -- that status only comes from an
explicit agent_terminated event, never from a heartbeat gap, so the
reconciler never resurrects a row the manager was told is gone for
good.

# Hang detection

Config.HangTolerance maps a non-terminal SessionStatus to how long a
session may sit there before it's presumed hung. Each sweep compares
now against session.StatusHistory[session.Status]; past the
configured tolerance, every non-terminal kernel of that session is
force-terminated with status_info "hang-timeout" and
status_data.error.name = "HangTimeout", and the session's derived
status is recomputed from the result.

forcedTerminalTarget picks the kernel's landing status by walking the
transition map itself (CANCELLED, then TERMINATING, then TERMINATED,
first one statemachine.CanTransit allows) rather than hardcoding a
status-by-status table -- a kernel that never reached RUNNING, or is
RESTARTING, RESIZING or SUSPENDED, lands on CANCELLED; a RUNNING or
ERROR kernel lands on TERMINATING; a TERMINATING kernel lands on
TERMINATED.

# Sweep interval

The sweep period is derived once from the configured tolerances: 40%
of the smallest configured tolerance, capped at one hour. A hung
session is caught at most one sweep after its own tolerance runs out,
however the other statuses are tuned. With no tolerances
configured at all the reconciler still runs (agent liveness needs no
tolerance), falling back to a one-minute sweep.

Like the scheduler, the reconciler is stateless between cycles: every
decision is made from what it reads off the manager on that cycle,
nothing is cached or remembered between runs.
*/
package reconciler
