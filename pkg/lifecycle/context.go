// Package lifecycle implements the ordered kernel-creation stages that
// run sequentially within one kernel create: image metadata
// resolution, scratch layout, resource allocation, environment
// composition, image pull, mount assembly, network setup, and
// container creation/start/readiness. Each stage is a
// provisioner.Provisioner; pkg/agent composes them into one
// provisioner.Pipeline per Backend.
package lifecycle

import (
	"time"

	"github.com/nimbusforge/sokovan/pkg/resource"
	"github.com/nimbusforge/sokovan/pkg/runtime"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// ScratchType selects the backing store for a kernel's scratch
// directory.
type ScratchType string

const (
	ScratchHostdir ScratchType = "HOSTDIR"
	ScratchMemory  ScratchType = "MEMORY"
	ScratchK8s     ScratchType = "K8S"
)

// NetworkMode selects how a kernel's container attaches to the
// network.
type NetworkMode string

const (
	NetworkBridge NetworkMode = "BRIDGE"
	NetworkHost   NetworkMode = "HOST"
	NetworkPlugin NetworkMode = "PLUGIN"
)

// SandboxType selects whether the container entrypoint is wrapped with
// the jail binary.
type SandboxType string

const (
	SandboxDocker SandboxType = "DOCKER"
	SandboxJail   SandboxType = "JAIL"
)

// ScratchPaths is the canonical path tuple ScratchPath derives.
type ScratchPaths struct {
	ScratchDir  string
	ScratchFile string
	TmpDir      string
	WorkDir     string
	ConfigDir   string
}

// ComputeDevicePlugin allocates resource slot quantities from its free
// pool on this agent, claiming specific physical devices and
// optionally injecting extra container arguments (e.g. `--gpus
// device=0,1`).
type ComputeDevicePlugin interface {
	SlotName() string
	Allocate(requested resource.Slot, affinity map[string]string, policy AffinityPolicy) (ClaimedDevices, error)
	Release(ClaimedDevices) error
}

// AffinityPolicy controls how a ComputeDevicePlugin prefers to pack
// claims across NUMA/device locality boundaries.
type AffinityPolicy string

const (
	AffinityPreferred   AffinityPolicy = "PREFERRED"
	AffinityInterleaved AffinityPolicy = "INTERLEAVED"
)

// ClaimedDevices records what one plugin allocated, so Resource's
// teardown can release exactly what was claimed.
type ClaimedDevices struct {
	SlotName  string
	DeviceIDs []string
	ExtraArgs []string
}

// KernelResourceSpec is the Resource stage's result: which physical
// devices were claimed across every plugin, plus any container-args
// the plugins injected.
type KernelResourceSpec struct {
	Claims    []ClaimedDevices
	ExtraArgs []string
}

// NetworkPlugin is consulted in PLUGIN network mode; it may contribute
// container-config fragments (extra mounts, env, args) alongside
// whatever connectivity it establishes.
type NetworkPlugin interface {
	JoinNetwork(info types.ClusterInfo) (ContainerConfigFragment, error)
	// Capability reports "GLOBAL" when the plugin itself can expose a
	// kernel's ports and must be asked for the advertised host/port
	// map in NetworkPostSetup, rather than the agent reading
	// runtime-assigned host ports directly.
	Capability() string
	ExposePorts(containerID string, ports []types.ServicePort) (advertisedHost string, portMap map[int]int, err error)
}

// ContainerConfigFragment is one accumulated piece of the final
// container spec; ContainerConfig deep-merges every fragment produced
// by earlier stages.
type ContainerConfigFragment struct {
	Env       map[string]string
	Mounts    []types.Mount
	ExtraArgs []string
}

// ImageMetadataCache resolves {runtime_type, runtime_path, distro,
// kernel_features} for an image digest, backed by a shared key-value
// store the agent population shares.
type ImageMetadataCache interface {
	Get(imageDigest string) (ImageMetadata, bool)
	Put(imageDigest string, meta ImageMetadata)
}

// ImageMetadata is what ImageMetadata resolves from image labels or,
// on cache miss, from a probe container's glibc version.
type ImageMetadata struct {
	RuntimeType    string
	RuntimePath    string
	Distro         string
	KernelFeatures []string
}

// Config bundles the subset of agent configuration the lifecycle
// stages consult directly.
type Config struct {
	ScratchRoot        string
	ScratchSize        int64
	KernelUID          int
	KernelGID          int
	SandboxType        SandboxType
	JailArgs           []string
	BindHost           string
	AdvertisedHost     string
	AlternativeBridge  string
	KrunnerVolumes     []string
	PullTimeout        time.Duration
	InitPollingAttempt int
	InitPollingTimeout time.Duration
	InitTimeout        time.Duration
	AffinityPolicy     AffinityPolicy
	DebugEnabled       bool
	CoredumpEnabled    bool
	CoredumpPath       string
	AllocationOrder    []string
	ResourceLockTimeout time.Duration
	IPCBasePath        string
	AllowedVFolderWhenPrevented map[string]bool
}

// Dependencies are the stateful collaborators every stage needs:
// the container runtime, the resource-device plugins in allocation
// order, the shared image-metadata cache, an optional network plugin,
// and the agent-wide resource mutex.
type Dependencies struct {
	Runtime       runtime.ContainerRuntime
	Plugins       []ComputeDevicePlugin
	ImageCache    ImageMetadataCache
	NetworkPlugin NetworkPlugin
	// ResourceLock is a 1-buffered channel used as a timeout-able
	// mutex: acquire by sending, release by receiving. A plain
	// sync.Mutex has no cancellable Lock, which the Resource stage
	// needs to honor its configured acquisition timeout without
	// leaking a goroutine blocked on Lock() forever.
	ResourceLock  chan struct{}
	AgentID       types.AgentID
	Architecture  string

	// EventSink receives ImagePullStarted/Finished/Failed for manager
	// progress tracking; nil disables event emission (tests).
	EventSink func(name string, kernelID types.KernelID, fields map[string]any)

	// Now is injectable for deterministic tests; defaults to time.Now.
	Now func() time.Time

	// ProbeImage runs a one-shot `ldd --version` probe container and
	// returns its stdout, used by ImageMetadata on a cache miss.
	ProbeImage func(imageRef string) (string, error)
}

// NewDependencies wires a Dependencies with its ResourceLock
// initialized to unlocked.
func NewDependencies() *Dependencies {
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	return &Dependencies{ResourceLock: lock}
}

func (d *Dependencies) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Context is the single mutable value every stage's Setup receives and
// extends, matching the Pipeline's "pass spec unchanged, stages read
// earlier results off the shared struct" contract. A pointer to one
// Context flows through all 24 stages of one kernel create.
type Context struct {
	Deps *Dependencies
	Info *types.KernelCreationInfo

	// Accumulated by each stage in order:
	Image          ImageMetadata
	Paths          ScratchPaths
	ResourceSpec   KernelResourceSpec
	Environ        map[string]string
	Mounts         []types.Mount
	ServicePorts   []types.ServicePort
	Command        []string
	NetworkMode    NetworkMode
	NetworkID      string
	ConfigFragment ContainerConfigFragment
	ContainerSpec  runtime.ContainerSpec
	ContainerID    string
	AdvertisedHost string
	PortMap        map[int]int
	ReplInPort     int
	ReplOutPort    int
}
