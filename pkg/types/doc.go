/*
Package types defines the core data model shared by the manager and
the agent: Session, Kernel, Agent, and the structures the kernel
lifecycle pipeline builds up as it provisions a container.

# Core types

Identity and placement:
  - SessionID, KernelID, AgentID: typed identifiers (UUID-backed where
    the source uses UUIDs, a bare string for AgentID).
  - ClusterMode: SINGLE_NODE vs MULTI_NODE, governing whether a
    session's kernels must all land on one agent.
  - ClusterInfo: per-kernel cluster placement facts (mode, role, idx,
    hostname, SSH port mapping).

Status machines:
  - SessionStatus and KernelStatus are nodes in the transition maps
    enforced by pkg/statemachine, not free-form strings.
  - StatusData/SchedulerStatusData/ErrorInfo accumulate the bookkeeping
    those transitions attach to a row (retry counts, failed
    predicates, terminal error detail).

Aggregates:
  - Session is the scheduling unit: a group of Kernels created and
    destroyed atomically.
  - Kernel belongs to exactly one Session and carries the resource
    slots, container id, and agent assignment the scheduler and
    lifecycle pipeline both read and write.
  - Agent is a worker process registered with the manager: capacity,
    occupied slots, architecture, scaling group.

Lifecycle pipeline inputs:
  - KernelCreationInfo is the immutable bundle a Backend.CreateKernel
    call receives: image, resource slots, mounts, service ports,
    cluster placement, dotfiles, bootstrap script.
  - ImageRef, Mount, ServicePort, VFolderMount, DotfileInfo,
    SSHKeypair, RegistryConfig, AutoPullPolicy are the pieces that
    bundle decomposes into as pkg/lifecycle's stages consume it.

Container-facing:
  - Container/ContainerStatus mirror the subset of runtime state the
    lifecycle pipeline and pkg/agent care about.
  - CGroupInfo is what GetCgroupInfo resolves for a container.

# Design notes

Enums are typed string constants, not integers — wire-stable under
msgpack (pkg/wire) without a lookup table. Optional substructures use
pointers (*ErrorInfo, *time.Time) so their absence round-trips as a
missing field rather than a zero value.
*/
package types
