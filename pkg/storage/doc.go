/*
Package storage persists the manager's Session, Kernel, Agent, and
image-digest aggregates.

Store is the interface the scheduler, kernel state machine, and
reconciler depend on; BoltStore is the only implementation, one bbolt
bucket per aggregate, JSON-encoded values keyed by the aggregate's own
id (or, for images, the canonical image reference).

pkg/manager's raft FSM is the only writer in a running cluster: Store
mutations happen inside FSM.Apply, so every node's BoltStore converges
to the same state by replaying the same raft log, never by a client
calling Store methods directly.
*/
package storage
