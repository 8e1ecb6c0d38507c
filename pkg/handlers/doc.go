/*
Package handlers is the manager-side half of the kernel lifecycle: it
consumes the anycast events an agent reports about its own kernels and
its own liveness, and turns each one into a row update through
pkg/statemachine.

# Kernel lifecycle

kernel_started carries the ordered sequence of statuses a kernel
passed through on its way to RUNNING (PREPARING, PULLING, PREPARED,
CREATING, RUNNING), each with its own timestamp; the handler replays
them as a
sequence of Transit calls so status_history ends up with every
intermediate status at the time it was actually reached. kernel_
terminated and kernel_cancelled apply a single terminal transition,
carrying an optional error payload through to status_data.error.

# Agent liveness

agent_heartbeat refreshes an agent's row (address, public key,
capacity) and pushes the same address/key into the AgentRPCCache so a
redeployed agent's new identity takes effect immediately.
agent_terminated marks the row dead, discards its cached RPC
connection, and fails every kernel still assigned to it -- there is no
longer an agent to report their completion.

Every handler recomputes and persists the owning session's derived
status after it touches a kernel.
*/
package handlers
