package runtime

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/remotes/docker"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace is the containerd namespace every kernel container is
	// created in, isolating it from other containerd tenants on the
	// same host.
	Namespace = "sokovan"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements ContainerRuntime using containerd.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to a containerd daemon over its unix
// socket.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &ContainerdRuntime{client: client, namespace: Namespace}, nil
}

func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// resolver builds a RemoteOpt that authenticates pulls/pushes with the
// given registry credential. Callers only invoke it when cred != nil.
func resolver(cred *RegistryCredential) containerd.RemoteOpt {
	authorizer := docker.NewDockerAuthorizer(docker.WithAuthCreds(func(string) (string, string, error) {
		return cred.Username, cred.Password, nil
	}))
	return containerd.WithResolver(docker.NewResolver(docker.ResolverOptions{
		Hosts: docker.ConfigureDefaultRegistries(docker.WithAuthorizer(authorizer)),
	}))
}

func (r *ContainerdRuntime) Pull(ctx context.Context, imageRef string, cred *RegistryCredential) error {
	ctx = r.ctx(ctx)
	opts := []containerd.RemoteOpt{containerd.WithPullUnpack}
	if cred != nil {
		opts = append(opts, resolver(cred))
	}
	if _, err := r.client.Pull(ctx, imageRef, opts...); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

func (r *ContainerdRuntime) Push(ctx context.Context, imageRef string, cred *RegistryCredential) error {
	ctx = r.ctx(ctx)
	image, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		return fmt.Errorf("push image %s: resolve local image: %w", imageRef, err)
	}
	opts := []containerd.RemoteOpt{}
	if cred != nil {
		opts = append(opts, resolver(cred))
	}
	if err := r.client.Push(ctx, imageRef, image.Target(), opts...); err != nil {
		return fmt.Errorf("push image %s: %w", imageRef, err)
	}
	return nil
}

func (r *ContainerdRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithUIDGID(spec.UID, spec.GID, spec.GID),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.CPUQuotaCores > 0 {
		shares := uint64(spec.CPUQuotaCores * 1024)
		quota := int64(spec.CPUQuotaCores * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if spec.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimit)))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if spec.LogPath != "" {
		if _, err := ctrdContainer.SetLabels(ctx, map[string]string{"sokovan.log-path": spec.LogPath}); err != nil {
			return "", fmt.Errorf("record log path: %w", err)
		}
	}
	return ctrdContainer.ID(), nil
}

func (r *ContainerdRuntime) Start(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	ioCreator := cio.NullIO
	if logPath := r.logPathOf(ctx, container); logPath != "" {
		ioCreator = cio.LogFile(logPath)
	}

	task, err := container.NewTask(ctx, ioCreator)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

// logPathOf reads the "sokovan.log-path" container label, which Create
// sets from ContainerSpec.LogPath and WithLogPath can set later; with
// no such label, Start discards the container's output.
func (r *ContainerdRuntime) logPathOf(ctx context.Context, container containerd.Container) string {
	labels, err := container.Labels(ctx)
	if err != nil {
		return ""
	}
	return labels["sokovan.log-path"]
}

// WithLogPath records where Start should persist container output,
// since containerd containers only carry string labels across the
// Create/Start boundary.
func (r *ContainerdRuntime) WithLogPath(ctx context.Context, containerID, logPath string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}
	_, err = container.SetLabels(ctx, map[string]string{"sokovan.log-path": logPath})
	return err
}

func (r *ContainerdRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // not running
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task: %w", err)
		}
		<-statusC
	}
	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (r *ContainerdRuntime) Remove(ctx context.Context, containerID string, removeVolumes bool) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}
	if err := r.Stop(ctx, containerID, 10*time.Second); err != nil {
		return fmt.Errorf("stop before remove: %w", err)
	}
	var deleteOpts []containerd.DeleteOpts
	if removeVolumes {
		deleteOpts = append(deleteOpts, containerd.WithSnapshotCleanup)
	}
	if err := container.Delete(ctx, deleteOpts...); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	return nil
}

func (r *ContainerdRuntime) Status(ctx context.Context, containerID string) (ContainerState, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return StateFailed, fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return StatePending, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return StateFailed, fmt.Errorf("task status: %w", err)
	}
	switch status.Status {
	case containerd.Running:
		return StateRunning, nil
	case containerd.Paused:
		return StatePaused, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return StateExited, nil
		}
		return StateFailed, nil
	default:
		return StatePending, nil
	}
}

// Logs reads back whatever Start persisted via cio.LogFile. Returns an
// empty slice, not an error, when no log file was configured — callers
// asking for logs on a container started without a log path get
// nothing rather than a confusing failure.
func (r *ContainerdRuntime) Logs(ctx context.Context, containerID string) ([]byte, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("load container %s: %w", containerID, err)
	}
	logPath := r.logPathOf(ctx, container)
	if logPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		return nil, fmt.Errorf("read log file %s: %w", logPath, err)
	}
	return data, nil
}

func (r *ContainerdRuntime) Exec(ctx context.Context, containerID string, cmd []string) error {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	spec, err := container.Spec(ctx)
	if err != nil {
		return fmt.Errorf("get spec: %w", err)
	}
	pspec := *spec.Process
	pspec.Args = cmd

	execID := fmt.Sprintf("exec-%d", time.Now().UnixNano())
	process, err := task.Exec(ctx, execID, &pspec, cio.NullIO)
	if err != nil {
		return fmt.Errorf("exec %v: %w", cmd, err)
	}
	statusC, err := process.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for exec: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		return fmt.Errorf("start exec: %w", err)
	}
	status := <-statusC
	if code, _, _ := status.Result(); code != 0 {
		return fmt.Errorf("exec %v exited with code %d", cmd, code)
	}
	return nil
}

func (r *ContainerdRuntime) PublishedPorts(ctx context.Context, containerID string) (map[int]int, error) {
	// Host-network containers publish no translated ports; bridge-mode
	// port translation is handled by the network plugin in
	// pkg/lifecycle, not by the runtime itself.
	return map[int]int{}, nil
}

func (r *ContainerdRuntime) Pid(ctx context.Context, containerID string) (int, error) {
	ctx = r.ctx(ctx)
	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("load container %s: %w", containerID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("get task: %w", err)
	}
	pid := task.Pid()
	if pid == 0 {
		return 0, fmt.Errorf("container task has no pid")
	}
	return int(pid), nil
}

func (r *ContainerdRuntime) IPAddress(ctx context.Context, containerID string) (string, error) {
	pid, err := r.Pid(ctx, containerID)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("inspect container network namespace: %w (output: %s)", err, string(output))
	}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("parse address %s: %w", fields[1], err)
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("no eth0 address found")
}
