package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
	"github.com/nimbusforge/sokovan/pkg/resource"
	"github.com/nimbusforge/sokovan/pkg/runtime"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// fakeRuntime is an in-memory ContainerRuntime double: no containerd
// socket, no real processes, just enough bookkeeping to drive the
// pipeline through Create/Start/Stop/Remove/Status.
type fakeRuntime struct {
	failCreate bool
	created    map[string]runtime.ContainerSpec
	running    map[string]bool
	ports      map[int]int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		created: map[string]runtime.ContainerSpec{},
		running: map[string]bool{},
		ports:   map[int]int{2000: 30000, 2001: 30001},
	}
}

func (r *fakeRuntime) Pull(ctx context.Context, imageRef string, cred *runtime.RegistryCredential) error {
	return nil
}
func (r *fakeRuntime) Push(ctx context.Context, imageRef string, cred *runtime.RegistryCredential) error {
	return nil
}
func (r *fakeRuntime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if r.failCreate {
		return "", assert.AnError
	}
	r.created[spec.ID] = spec
	return spec.ID, nil
}
func (r *fakeRuntime) Start(ctx context.Context, containerID string) error {
	r.running[containerID] = true
	return nil
}
func (r *fakeRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	delete(r.running, containerID)
	return nil
}
func (r *fakeRuntime) Remove(ctx context.Context, containerID string, removeVolumes bool) error {
	delete(r.created, containerID)
	delete(r.running, containerID)
	return nil
}
func (r *fakeRuntime) Status(ctx context.Context, containerID string) (runtime.ContainerState, error) {
	if r.running[containerID] {
		return runtime.StateRunning, nil
	}
	return runtime.StatePending, nil
}
func (r *fakeRuntime) Logs(ctx context.Context, containerID string) ([]byte, error) { return nil, nil }
func (r *fakeRuntime) PublishedPorts(ctx context.Context, containerID string) (map[int]int, error) {
	return r.ports, nil
}
func (r *fakeRuntime) IPAddress(ctx context.Context, containerID string) (string, error) {
	return "127.0.0.1", nil
}
func (r *fakeRuntime) Exec(ctx context.Context, containerID string, cmd []string) error { return nil }
func (r *fakeRuntime) Pid(ctx context.Context, containerID string) (int, error)         { return 4242, nil }

type fakeImageCache struct{ entries map[string]ImageMetadata }

func (c *fakeImageCache) Get(digest string) (ImageMetadata, bool) {
	m, ok := c.entries[digest]
	return m, ok
}
func (c *fakeImageCache) Put(digest string, meta ImageMetadata) { c.entries[digest] = meta }

type fakeLocalImages struct{}

func (fakeLocalImages) Lookup(imageRef string) (string, bool) { return "", false }

type fakeCodeRunner struct{}

func (fakeCodeRunner) Send([]byte) error     { return nil }
func (fakeCodeRunner) Recv() ([]byte, error) { return nil, nil }
func (fakeCodeRunner) Close() error          { return nil }

func testInfo(kernelID types.KernelID) *types.KernelCreationInfo {
	return &types.KernelCreationInfo{
		KernelID:       kernelID,
		SessionID:      types.SessionID(uuid.New()),
		Image:          types.ImageRef{Registry: "index.docker.io", Name: "python", Tag: "3.11"},
		ImageLabels:    map[string]string{"ai.backend.runtime-type": "python", "ai.backend.base-distro": "ubuntu20.04"},
		AutoPullPolicy: types.PullNone,
		UID:            os.Getuid(),
		GID:            os.Getgid(),
		ResourceSlots:  resource.New(map[string]float64{"cpu": 1, "mem": 1073741824}),
		Cluster: types.ClusterInfo{
			Mode:     types.ClusterModeSingleNode,
			Role:     "main",
			Hostname: "main1",
		},
	}
}

func testConfig(scratchRoot string) *Config {
	return &Config{
		ScratchRoot:         scratchRoot,
		ScratchSize:         1 << 20,
		ResourceLockTimeout: time.Second,
		InitPollingAttempt:  5,
		InitPollingTimeout:  time.Millisecond,
		InitTimeout:         time.Second,
		SandboxType:         SandboxDocker,
		AdvertisedHost:      "127.0.0.1",
	}
}

func buildPipeline(deps *Dependencies, cfg *Config, registry *KernelRegistry, failCreate bool) (*fakeRuntime, *provisioner.Pipeline) {
	rt := newFakeRuntime()
	rt.failCreate = failCreate
	deps.Runtime = rt
	deps.ImageCache = &fakeImageCache{entries: map[string]ImageMetadata{}}

	pipeline := NewKernelCreationPipeline(
		deps, cfg, ScratchHostdir, fakeLocalImages{}, registry,
		func(host string, inPort, outPort int) (CodeRunner, error) { return fakeCodeRunner{}, nil },
		nil,
	)
	return rt, pipeline
}

func TestKernelCreationPipelineSucceeds(t *testing.T) {
	root := t.TempDir()
	deps := NewDependencies()
	cfg := testConfig(root)
	registry := NewKernelRegistry()
	rt, pipeline := buildPipeline(deps, cfg, registry, false)

	kernelID := types.KernelID(uuid.New())
	c := &Context{Deps: deps, Info: testInfo(kernelID)}

	result, err := pipeline.Setup(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 24, provisioner.TeardownCount(result))

	assert.NotEmpty(t, c.ContainerID)
	assert.True(t, rt.running[c.ContainerID])
	assert.Equal(t, 30000, c.ReplInPort)
	assert.Equal(t, 30001, c.ReplOutPort)
	_, registered := registry.Get(kernelID)
	assert.True(t, registered)

	assert.DirExists(t, filepath.Join(root, kernelID.String(), "work"))
	assert.FileExists(t, filepath.Join(root, kernelID.String(), "config", "environ.txt"))
	assert.FileExists(t, filepath.Join(root, kernelID.String(), "config", "kconfig.dat"))
}

// TestKernelCreationPipelineRollsBackOnLateFailure drives a failure at
// ContainerCreate (stage 20 of 24) and checks the earlier-created
// scratch tree is gone afterward — teardown ran in reverse for every
// stage that actually completed, and the kernel never made it into the
// registry.
func TestKernelCreationPipelineRollsBackOnLateFailure(t *testing.T) {
	root := t.TempDir()
	deps := NewDependencies()
	cfg := testConfig(root)
	registry := NewKernelRegistry()
	_, pipeline := buildPipeline(deps, cfg, registry, true)

	kernelID := types.KernelID(uuid.New())
	c := &Context{Deps: deps, Info: testInfo(kernelID)}

	_, err := pipeline.Setup(context.Background(), c)
	require.Error(t, err)

	var provErr *provisioner.ProvisionError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "ContainerCreate", provErr.Stage)

	assert.NoDirExists(t, filepath.Join(root, kernelID.String()))
	_, registered := registry.Get(kernelID)
	assert.False(t, registered)

	select {
	case <-deps.ResourceLock:
		deps.ResourceLock <- struct{}{}
	default:
		t.Fatal("resource lock was not released after rollback")
	}
}
