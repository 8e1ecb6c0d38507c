/*
Package scheduler implements the manager's scheduling cycle: pulling
PENDING sessions in FIFO order, re-checking enqueue-time predicates,
choosing an agent per kernel, committing the placement, and dispatching
the create_kernel RPC that brings each kernel up.

# Cycle

Scheduler.Tick runs once per tick (only on the raft leader):

 1. List PENDING sessions, oldest first.
 2. Re-run every Predicate; any failure records status_data.scheduler
    and leaves the session PENDING.
 3. Resolve one agent per kernel via the injected selector.AgentSelector
    (SINGLE_NODE aggregates all kernels onto one agent; MULTI_NODE
    places each independently).
 4. Commit: kernel status -> SCHEDULED, agent occupied_slots updated,
    session status recomputed.
 5. Dispatch a DoStartSessionEvent; the scheduler's own anycast
    consumer picks it up and issues create_kernel over the agent RPC
    cache, moving a kernel to ERROR on RPC failure.

# Predicates

DefaultPredicates returns concurrency, resource-policy,
vfolder-existence, and reserved-time, in that order. Concurrency is
backed by real session state (AccessKey counts); the other three
default to permissive since their backing aggregates (keypair resource
policy, vfolder backend, batch reservation) live outside this repo's
scope — WithPredicates swaps in real checkers without touching the
scheduling cycle itself.

# Usage

	sched := scheduler.NewScheduler(mgr, rpcCache, selector.Concentrated{},
		scheduler.WithResourcePriority([]string{"cuda.shares", "cpu", "mem"}))
	sched.Start(ctx)
	defer sched.Stop()
*/
package scheduler
