package runtime

import (
	"context"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ContainerState is the runtime-reported lifecycle state of one
// container, independent of any particular backend's vocabulary.
type ContainerState string

const (
	StatePending ContainerState = "PENDING"
	StateRunning ContainerState = "RUNNING"
	StatePaused  ContainerState = "PAUSED"
	StateExited  ContainerState = "EXITED"
	StateFailed  ContainerState = "FAILED"
)

// ContainerSpec is the opaque container specification the
// ContainerConfig stage assembles by deep-merging every accumulated
// fragment (resources, network, image labels, env, cmdargs, mounts,
// log limits, port mappings, ownership) from the earlier stages.
type ContainerSpec struct {
	ID      string
	Name    string
	Image   string
	Command []string
	Env     []string
	UID     uint32
	GID     uint32

	CPUQuotaCores float64
	MemoryLimit   int64

	Mounts []specs.Mount

	// LogPath, if set, asks the runtime to persist stdout/stderr to
	// this file so Logs can read it back later.
	LogPath string
}

// RegistryCredential carries what Pull/Push needs to authenticate
// against a registry.
type RegistryCredential struct {
	Username string
	Password string
}

// ContainerRuntime is the abstraction every kernel lifecycle stage that
// touches a container depends on. Concrete backends (containerd,
// docker, k8s) implement it; stages never import a backend package
// directly.
type ContainerRuntime interface {
	Pull(ctx context.Context, imageRef string, cred *RegistryCredential) error
	Push(ctx context.Context, imageRef string, cred *RegistryCredential) error

	Create(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string, removeVolumes bool) error

	Status(ctx context.Context, containerID string) (ContainerState, error)
	Logs(ctx context.Context, containerID string) ([]byte, error)
	PublishedPorts(ctx context.Context, containerID string) (map[int]int, error)
	IPAddress(ctx context.Context, containerID string) (string, error)

	// Exec runs a command inside a running container and waits for
	// completion, used by the ContainerStart stage's sudoers install.
	Exec(ctx context.Context, containerID string, cmd []string) error

	// Pid returns the host-visible PID of the container's init process,
	// used to resolve its cgroup path for a given controller.
	Pid(ctx context.Context, containerID string) (int, error)
}
