/*
Package manager implements the control plane: a raft quorum of manager
nodes replicating session, kernel, agent, and image-digest state, plus
the ancillary services that keep that quorum healthy.

# Architecture

	+------------------+     +------------------+     +------------------+
	|   Manager node   |     |   Manager node   |     |   Manager node   |
	|  (raft leader)   |<--->|  (raft follower) |<--->|  (raft follower) |
	+------------------+     +------------------+     +------------------+
	        |
	        | Apply(Command)
	        v
	+------------------+
	|   SchedulerFSM    |---> storage.Store (BoltDB, one file per node)
	+------------------+

Only the leader accepts writes; Manager.Apply submits a Command to
raft and blocks until it is committed and replayed by every replica's
SchedulerFSM, which is what gives the cluster a single logical
scheduler without a separate distributed lock. Followers serve reads
from their own replicated copy of the store.

# Cluster formation

A node calls Bootstrap to found a new single-node cluster, or Join to
contact an existing leader's join server (join_server.go) with a
short-lived token from TokenManager (token.go) and be added as a raft
voter via AddVoter. The join server is a small JSON-over-HTTP endpoint
deliberately kept separate from raft's own binary transport, the way
this corpus keeps control endpoints off the data-plane protocol.

# State-change commands

Every mutation goes through Command{Op, Data} and SchedulerFSM.Apply
(fsm.go):

	OpCreateSession / OpUpdateSession / OpDeleteSession
	OpCreateKernel  / OpUpdateKernel  / OpDeleteKernel
	OpCreateAgent   / OpUpdateAgent   / OpDeleteAgent
	OpPutImage

Manager exposes typed wrappers (CreateSession, UpdateKernel,
ListAgents, ...) that marshal their argument, build the Command, and
call Apply; callers never construct a Command by hand. SchedulerFSM.
Snapshot/Restore give raft a compaction point: a snapshot is the full
session/kernel/agent set, replayed wholesale into a joining or
recovering node's store.

# Ancillary services

MetricsCollector (metrics_collector.go) polls the store and raft's own
stats on a fixed interval and republishes them as pkg/metrics gauges --
agent/session/kernel counts by status, raft leadership, log and
applied index, and peer count.
TokenManager hands out and expires join tokens in memory; it does not
persist them, so a restarted leader's outstanding tokens do not survive
and a rejoining node must request a fresh one. CreateKernel/UpdateKernel
seal each kernel's environment variables with pkg/security's
AES-256-GCM helpers before committing them to raft, and GetKernel/
ListKernelsBySession/ListKernelsByAgent unseal them on the way back
out, so secrets an image needs (API keys, database passwords) never
sit in the raft log or BoltDB store as plaintext.

# Integration points

pkg/scheduler places kernels onto agents and drives the resulting
Manager.Apply calls. pkg/handlers subscribes to pkg/events and reacts
to agent-reported kernel lifecycle transitions by calling back into
Manager. pkg/reconciler periodically sweeps Manager's agent and session
state for liveness and hang timeouts, using the same Apply path as
everything else.
*/
package manager
