// Package types defines the core data model shared across the manager
// and agent: Session, Kernel, Agent, ImageRef, and the value types that
// compose a KernelCreationInfo.
package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/nimbusforge/sokovan/pkg/resource"
)

// SessionID identifies a Session.
type SessionID uuid.UUID

func (id SessionID) String() string { return uuid.UUID(id).String() }

// KernelID identifies a Kernel.
type KernelID uuid.UUID

func (id KernelID) String() string { return uuid.UUID(id).String() }

// AgentID identifies an Agent.
type AgentID string

// ClusterMode selects whether a session's kernels land on one agent or
// are placed independently.
type ClusterMode string

const (
	ClusterModeSingleNode ClusterMode = "SINGLE_NODE"
	ClusterModeMultiNode  ClusterMode = "MULTI_NODE"
)

// SessionStatus mirrors the kernel status transition map at the session
// level; it is always derived, never set directly (see pkg/statemachine).
type SessionStatus string

const (
	SessionPending     SessionStatus = "PENDING"
	SessionScheduled   SessionStatus = "SCHEDULED"
	SessionPreparing   SessionStatus = "PREPARING"
	SessionPulling     SessionStatus = "PULLING"
	SessionPrepared    SessionStatus = "PREPARED"
	SessionCreating    SessionStatus = "CREATING"
	SessionRunning     SessionStatus = "RUNNING"
	SessionRestarting  SessionStatus = "RESTARTING"
	SessionResizing    SessionStatus = "RESIZING"
	SessionSuspended   SessionStatus = "SUSPENDED"
	SessionTerminating SessionStatus = "TERMINATING"
	SessionTerminated  SessionStatus = "TERMINATED"
	SessionCancelled   SessionStatus = "CANCELLED"
	SessionError       SessionStatus = "ERROR"
)

// KernelStatus is a node in the transition map enforced by
// pkg/statemachine.
type KernelStatus string

const (
	KernelPending     KernelStatus = "PENDING"
	KernelScheduled   KernelStatus = "SCHEDULED"
	KernelPreparing   KernelStatus = "PREPARING"
	KernelPulling     KernelStatus = "PULLING"
	KernelPrepared    KernelStatus = "PREPARED"
	KernelCreating    KernelStatus = "CREATING"
	KernelRunning     KernelStatus = "RUNNING"
	KernelRestarting  KernelStatus = "RESTARTING"
	KernelResizing    KernelStatus = "RESIZING"
	KernelSuspended   KernelStatus = "SUSPENDED"
	KernelTerminating KernelStatus = "TERMINATING"
	KernelTerminated  KernelStatus = "TERMINATED"
	KernelCancelled   KernelStatus = "CANCELLED"
	KernelError       KernelStatus = "ERROR"
)

// AgentStatus tracks agent liveness.
type AgentStatus string

const (
	AgentAlive      AgentStatus = "ALIVE"
	AgentLost       AgentStatus = "LOST"
	AgentTerminated AgentStatus = "TERMINATED"
)

// ImageRef identifies a container image unambiguously. Canonical is the
// fully-qualified "registry/project/name:tag" form used as the primary
// key for image-metadata cache lookups.
type ImageRef struct {
	Registry     string `json:"registry" yaml:"registry"`
	Project      string `json:"project" yaml:"project"`
	Name         string `json:"name" yaml:"name"`
	Tag          string `json:"tag" yaml:"tag"`
	Architecture string `json:"architecture" yaml:"architecture"`
}

// Canonical returns the fully-qualified image reference.
func (r ImageRef) Canonical() string {
	project := r.Project
	if project != "" {
		project += "/"
	}
	return r.Registry + "/" + project + r.Name + ":" + r.Tag
}

// MountType enumerates the kinds of filesystem mount a stage can
// produce.
type MountType string

const (
	MountBind  MountType = "BIND"
	MountVol   MountType = "VOLUME"
	MountTmpfs MountType = "TMPFS"
)

// MountPermission controls read/write access of a Mount.
type MountPermission string

const (
	MountReadOnly  MountPermission = "READ_ONLY"
	MountReadWrite MountPermission = "READ_WRITE"
)

// Mount describes one filesystem mount to be attached to a container.
type Mount struct {
	Type       MountType       `json:"type"`
	Source     string          `json:"source"`
	Target     string          `json:"target"`
	Permission MountPermission `json:"permission"`
}

// ServiceProtocol enumerates the transport a ServicePort advertises.
type ServiceProtocol string

const (
	ServiceProtoTCP     ServiceProtocol = "TCP"
	ServiceProtoHTTP    ServiceProtocol = "HTTP"
	ServiceProtoPreopen ServiceProtocol = "PREOPEN"
	ServiceProtoPTY     ServiceProtocol = "PTY"
)

// ServicePort is a named, possibly multi-port, service endpoint exposed
// by a kernel.
type ServicePort struct {
	Name           string          `json:"name"`
	Protocol       ServiceProtocol `json:"protocol"`
	ContainerPorts []int           `json:"container_ports"`
	HostPorts      []int           `json:"host_ports"`
	IsInference    bool            `json:"is_inference"`
}

// VFolderMount is the pre-lifecycle-stage description of a managed
// mount, before it is resolved into a Mount by the VFolderMount stage.
type VFolderMount struct {
	HostPath   string
	KernelPath string
	MountPerm  MountPermission
}

// DotfileInfo is one dotfile to write under the scratch/work tree.
type DotfileInfo struct {
	Path string
	Data []byte
	Perm uint32
}

// ClusterInfo bundles the cluster-placement facts a kernel needs to
// address its cluster-mates.
type ClusterInfo struct {
	Mode            ClusterMode
	Size            int
	Role            string // "main" or "worker"
	Idx             int
	Hostname        string
	ReplicasPerRole map[string]int
	SSHKeypair      SSHKeypair
	SSHPortMapping  map[string]HostPort
	NetworkID       string
}

// HostPort is a (hostname, port) pair used by the cluster SSH port map.
type HostPort struct {
	Host string
	Port int
}

// SSHKeypair is a private/public keypair written to the container's ssh
// config directory.
type SSHKeypair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// AutoPullPolicy controls when ImagePull actually pulls.
type AutoPullPolicy string

const (
	PullAlways AutoPullPolicy = "ALWAYS"
	PullDigest AutoPullPolicy = "DIGEST"
	PullTag    AutoPullPolicy = "TAG"
	PullNone   AutoPullPolicy = "NONE"
)

// RegistryConfig carries the credentials needed to pull/push an image.
type RegistryConfig struct {
	URL      string
	Username string
	Password string
}

// KernelCreationInfo is the immutable input bundle to the lifecycle
// pipeline.
type KernelCreationInfo struct {
	KernelID  KernelID
	SessionID SessionID

	OwnerDomain string
	OwnerGroup  string
	OwnerUser   string
	AccessKey   string

	Image          ImageRef
	ImageLabels    map[string]string
	ImageDigest    string
	AutoPullPolicy AutoPullPolicy
	RegistryConfig RegistryConfig

	UID              int
	GID              int
	SupplementalGIDs []int

	VFolderMounts []VFolderMount
	Dotfiles      []DotfileInfo

	Cluster ClusterInfo

	ResourceSlots resource.Slot
	ResourceOpts  map[string]string

	Environ         map[string]string
	BootstrapScript []byte
	StartupCommand  []string

	PreopenPorts       []int
	AllocatedHostPorts []int
	BlockServicePorts  bool

	DockerCredentials   []byte
	ContainerSSHKeypair SSHKeypair
}

// Session is the primary scheduling aggregate: a group of Kernels
// created and destroyed atomically.
type Session struct {
	ID          SessionID     `json:"id"`
	Status      SessionStatus `json:"status"`
	StatusInfo  string        `json:"status_info"`
	ClusterMode ClusterMode   `json:"cluster_mode"`
	ClusterSize int           `json:"cluster_size"`

	Domain    string `json:"domain"`
	Group     string `json:"group"`
	User      string `json:"user"`
	AccessKey string `json:"access_key"`

	ScalingGroup   string         `json:"scaling_group"`
	RequestedSlots resource.Slot  `json:"requested_slots"`
	VFolderMounts  []VFolderMount `json:"vfolder_mounts"`

	KernelIDs []KernelID `json:"kernel_ids"`

	StatusHistory map[SessionStatus]time.Time `json:"status_history"`
	StatusData    StatusData                  `json:"status_data"`

	CreatedAt    time.Time  `json:"created_at"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// StatusData accumulates scheduling and error metadata for a row,
// stored as a single JSON document.
type StatusData struct {
	Scheduler SchedulerStatusData `json:"scheduler"`
	Error     *ErrorInfo          `json:"error,omitempty"`
}

// SchedulerStatusData is the bookkeeping the scheduler accumulates on
// every tick, success or failure.
type SchedulerStatusData struct {
	Retries          int               `json:"retries"`
	LastTry          time.Time         `json:"last_try"`
	FailedPredicates []FailedPredicate `json:"failed_predicates"`
}

// FailedPredicate names one scheduling predicate that rejected a
// session on a given tick.
type FailedPredicate struct {
	Name string `json:"name"`
	Msg  string `json:"msg"`
}

// ErrorInfo records a terminal failure, preserving the src/name/repr/
// traceback fields the source uses.
type ErrorInfo struct {
	Src       string `json:"src"` // "agent" | "other"
	Name      string `json:"name"`
	Repr      string `json:"repr"`
	Traceback string `json:"traceback,omitempty"`
}

// Kernel belongs to exactly one Session. One kernel per session is the
// "main" kernel (ClusterRole == "main", ClusterIdx == 0).
type Kernel struct {
	ID        KernelID  `json:"id"`
	SessionID SessionID `json:"session_id"`

	ClusterRole string `json:"cluster_role"`
	ClusterIdx  int    `json:"cluster_idx"`

	Image ImageRef `json:"image"`

	Agent     *AgentID `json:"agent,omitempty"`
	AgentAddr string   `json:"agent_addr,omitempty"`

	OccupiedSlots resource.Slot `json:"occupied_slots"`

	ContainerID *string `json:"container_id,omitempty"`

	ReplInPort  int `json:"repl_in_port"`
	ReplOutPort int `json:"repl_out_port"`

	ServicePorts  []ServicePort     `json:"service_ports"`
	VFolderMounts []VFolderMount    `json:"vfolder_mounts"`
	Environ       map[string]string `json:"environ"`

	Status        KernelStatus               `json:"status"`
	StatusChanged time.Time                  `json:"status_changed"`
	StatusInfo    string                     `json:"status_info"`
	StatusData    StatusData                 `json:"status_data"`
	StatusHistory map[KernelStatus]time.Time `json:"status_history"`

	LastStat map[string]float64 `json:"last_stat,omitempty"`

	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// OccupiesResources reports whether a kernel in this status must be
// counted in its agent's occupied_slots.
func (s KernelStatus) OccupiesResources() bool {
	switch s {
	case KernelScheduled, KernelPreparing, KernelPulling, KernelPrepared,
		KernelCreating, KernelRunning, KernelRestarting, KernelResizing,
		KernelSuspended, KernelTerminating, KernelError:
		return true
	default:
		return false
	}
}

// HasContainer reports whether container_id must be non-null in this
// status.
func (s KernelStatus) HasContainer() bool {
	switch s {
	case KernelCreating, KernelRunning, KernelRestarting, KernelResizing,
		KernelSuspended, KernelTerminating, KernelTerminated, KernelError:
		return true
	default:
		return false
	}
}

// HasAgent reports whether agent must be non-null in this status.
func (s KernelStatus) HasAgent() bool {
	return s != KernelPending && s != KernelCancelled
}

// IsTerminal reports whether no further transitions are accepted.
func (s KernelStatus) IsTerminal() bool {
	return s == KernelTerminated || s == KernelCancelled
}

// Agent is a worker process registered with the manager.
type Agent struct {
	ID             AgentID       `json:"id"`
	Addr           string        `json:"addr"`
	PublicKey      []byte        `json:"public_key,omitempty"`
	Architecture   string        `json:"architecture"`
	ScalingGroup   string        `json:"scaling_group"`
	AvailableSlots resource.Slot `json:"available_slots"`
	OccupiedSlots  resource.Slot `json:"occupied_slots"`
	ContainerCount int           `json:"container_count"`
	Schedulable    bool          `json:"schedulable"`
	Status         AgentStatus   `json:"status"`
	LastHeartbeat  time.Time     `json:"last_heartbeat"`
}

// Container mirrors the subset of runtime container state the lifecycle
// stages and reconciler need.
type Container struct {
	ID       string
	KernelID KernelID
	Status   ContainerStatus
	Image    string
	Ports    map[int]int // container port -> host port
}

// ContainerStatus enumerates runtime-reported container states.
type ContainerStatus string

const (
	ContainerCreated ContainerStatus = "CREATED"
	ContainerRunning ContainerStatus = "RUNNING"
	ContainerPaused  ContainerStatus = "PAUSED"
	ContainerExited  ContainerStatus = "EXITED"
	ContainerUnknown ContainerStatus = "UNKNOWN"
)

// ActiveContainerStatuses is the default status_filter for
// Backend.get_managed_containers.
var ActiveContainerStatuses = map[ContainerStatus]bool{
	ContainerRunning: true,
	ContainerPaused:  true,
}

// CGroupInfo resolves the cgroup path for a controller.
type CGroupInfo struct {
	Path    string
	Version int
}
