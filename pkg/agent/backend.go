// Package agent implements the per-host Backend: the single object
// that owns the kernel-creation pipeline, the in-memory kernel
// registry, and the container-runtime-facing operations the manager
// drives over RPC (pkg/rpc).
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusforge/sokovan/pkg/events"
	"github.com/nimbusforge/sokovan/pkg/handlers"
	"github.com/nimbusforge/sokovan/pkg/lifecycle"
	"github.com/nimbusforge/sokovan/pkg/log"
	"github.com/nimbusforge/sokovan/pkg/runtime"
	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

// KernelCreationFailedError wraps a pipeline stage failure in the
// domain error the manager's RPC layer re-raises to callers.
type KernelCreationFailedError struct {
	KernelID types.KernelID
	Cause    error
}

func (e *KernelCreationFailedError) Error() string {
	return fmt.Sprintf("kernel %s creation failed: %v", e.KernelID, e.Cause)
}

func (e *KernelCreationFailedError) Unwrap() error { return e.Cause }

// ManagedContainer is what get_managed_containers reports for one
// kernel this agent owns.
type ManagedContainer struct {
	KernelID    types.KernelID
	ContainerID string
	Status      ContainerActivityStatus
}

// ContainerActivityStatus buckets runtime.ContainerState into the
// coarser set get_managed_containers filters by.
type ContainerActivityStatus string

const (
	ActivityRunning    ContainerActivityStatus = "RUNNING"
	ActivityRestarting ContainerActivityStatus = "RESTARTING"
	ActivityPaused     ContainerActivityStatus = "PAUSED"
	ActivityOther      ContainerActivityStatus = "OTHER"
)

// CGroupInfo is what GetCgroupInfo resolves for a container+controller
// pair, letting the caller read/write the controller's resource files
// directly instead of going through the runtime for every stat.
type CGroupInfo struct {
	Path    string
	Version int
}

// Backend is the single per-agent object that owns the kernel pipeline
// and the kernel_registry, matching the one-Backend-per-agent contract.
type Backend struct {
	Deps     *lifecycle.Dependencies
	Config   *lifecycle.Config
	Registry *lifecycle.KernelRegistry

	scratchType    lifecycle.ScratchType
	localImages    lifecycle.LocalImageInventory
	dialCodeRunner func(host string, inPort, outPort int) (lifecycle.CodeRunner, error)
	probePort      func(host string, port int) error

	// ReportEvent delivers a kernel lifecycle event to the manager's
	// anycast bus (typically pkg/manager.ReportEvent against its
	// /events endpoint). Left nil by NewBackend; a caller that wants
	// its kernels to ever leave SCHEDULED must set it, since nothing
	// else in the pipeline tells the manager a kernel finished
	// provisioning.
	ReportEvent func(wire.Event) error

	logger zerolog.Logger

	// restarting tracks kernel_ids mid RestartKernel, so a concurrent
	// get_managed_containers call reports RESTARTING rather than
	// whatever transient state the runtime sees the container in.
	mu         sync.Mutex
	restarting map[types.KernelID]bool
	lastSpec   map[types.KernelID]*types.KernelCreationInfo
}

// NewBackend wires a Backend from its pipeline collaborators.
func NewBackend(
	deps *lifecycle.Dependencies,
	cfg *lifecycle.Config,
	scratchType lifecycle.ScratchType,
	localImages lifecycle.LocalImageInventory,
	dialCodeRunner func(host string, inPort, outPort int) (lifecycle.CodeRunner, error),
	probePort func(host string, port int) error,
) *Backend {
	return &Backend{
		Deps:           deps,
		Config:         cfg,
		Registry:       lifecycle.NewKernelRegistry(),
		scratchType:    scratchType,
		localImages:    localImages,
		dialCodeRunner: dialCodeRunner,
		probePort:      probePort,
		logger:         log.WithComponent("agent"),
		restarting:     map[types.KernelID]bool{},
		lastSpec:       map[types.KernelID]*types.KernelCreationInfo{},
	}
}

// CreateKernel runs the full lifecycle pipeline for one kernel. When
// throttleSema is non-nil, it is held only while the ImagePull stage
// looks the image up in the local inventory; the registry pull that
// follows runs outside it, so concurrent pulls are not bounded by it.
func (b *Backend) CreateKernel(ctx context.Context, info *types.KernelCreationInfo, throttleSema chan struct{}) error {
	pipeline := lifecycle.NewKernelCreationPipeline(
		b.Deps, b.Config, b.scratchType, b.throttledImages(throttleSema), b.Registry,
		b.dialCodeRunner, b.probePort,
	)

	c := &lifecycle.Context{Deps: b.Deps, Info: info}
	start := time.Now()
	if _, err := pipeline.Setup(ctx, c); err != nil {
		return &KernelCreationFailedError{KernelID: info.KernelID, Cause: err}
	}
	finished := time.Now()

	b.mu.Lock()
	b.lastSpec[info.KernelID] = info
	b.mu.Unlock()

	b.reportStarted(info.KernelID, start, finished)
	return nil
}

// reportStarted tells the manager this kernel reached RUNNING, via the
// ordered stage sequence handlers.applyKernelStarted replays into
// status_history. The pipeline itself doesn't timestamp individual
// stages, so the PREPARING/PULLING pair is stamped at the pipeline's
// start and the PREPARED/CREATING/RUNNING tail at its completion --
// coarser than a stage-by-stage trace, but enough for status_history
// to show genuine forward progress instead of nothing at all.
func (b *Backend) reportStarted(kernelID types.KernelID, start, finished time.Time) {
	if b.ReportEvent == nil {
		return
	}
	stages := []handlers.StageEntry{
		{Status: types.KernelPreparing, At: start},
		{Status: types.KernelPulling, At: start},
		{Status: types.KernelPrepared, At: finished},
		{Status: types.KernelCreating, At: finished},
		{Status: types.KernelRunning, At: finished},
	}
	ev, err := handlers.NewKernelStartedEvent(string(b.Deps.AgentID), kernelID, stages)
	if err != nil {
		b.logger.Error().Err(err).Str("kernel_id", kernelID.String()).Msg("encode kernel started report")
		return
	}
	if err := b.ReportEvent(ev); err != nil {
		b.logger.Warn().Err(err).Str("kernel_id", kernelID.String()).Msg("report kernel started to manager")
	}
}

// reportTerminal tells the manager this kernel left the container
// runtime, successfully or not. cause is nil on a clean destroy.
func (b *Backend) reportTerminal(kernelID types.KernelID, statusInfo string, cause error) {
	if b.ReportEvent == nil {
		return
	}
	report := handlers.TerminalReport{StatusInfo: statusInfo}
	if cause != nil {
		report.Error = &types.ErrorInfo{Src: "agent", Name: "DestroyError", Repr: cause.Error()}
	}
	ev, err := handlers.NewKernelTerminalEvent(string(events.KernelTerminatedAnycastEvent), string(b.Deps.AgentID), kernelID, report)
	if err != nil {
		b.logger.Error().Err(err).Str("kernel_id", kernelID.String()).Msg("encode kernel terminal report")
		return
	}
	if err := b.ReportEvent(ev); err != nil {
		b.logger.Warn().Err(err).Str("kernel_id", kernelID.String()).Msg("report kernel terminal to manager")
	}
}

// throttledImages wraps localImages so each inventory Lookup goes
// through throttleSema when given. The sema is released when Lookup
// returns, before ImagePull starts the pull itself.
func (b *Backend) throttledImages(throttleSema chan struct{}) lifecycle.LocalImageInventory {
	if throttleSema == nil {
		return b.localImages
	}
	return throttledInventory{inner: b.localImages, sema: throttleSema}
}

type throttledInventory struct {
	inner lifecycle.LocalImageInventory
	sema  chan struct{}
}

func (t throttledInventory) Lookup(imageRef string) (string, bool) {
	t.sema <- struct{}{}
	defer func() { <-t.sema }()
	return t.inner.Lookup(imageRef)
}

// DestroyKernel force-removes the container, closes its code runner,
// and drops the KernelObject from the registry. Plugin device claims
// and the scratch tree are not released by this call. Idempotent: an
// unknown kernel_id is a no-op.
func (b *Backend) DestroyKernel(ctx context.Context, kernelID types.KernelID, reason string) error {
	obj, ok := b.Registry.Get(kernelID)
	if !ok {
		return nil
	}
	if err := b.Deps.Runtime.Remove(ctx, obj.ContainerID, true); err != nil {
		b.reportTerminal(kernelID, reason, err)
		return fmt.Errorf("destroy kernel %s: %w", kernelID, err)
	}
	if obj.Runner != nil {
		_ = obj.Runner.Close()
	}
	b.Registry.Delete(kernelID)
	b.mu.Lock()
	delete(b.lastSpec, kernelID)
	b.mu.Unlock()
	b.reportTerminal(kernelID, reason, nil)
	return nil
}

// CleanKernel performs post-termination scratch/network cleanup for a
// kernel the manager has already accepted as terminated, separated
// from DestroyKernel so the manager controls when reaping happens.
func (b *Backend) CleanKernel(ctx context.Context, kernelID types.KernelID) error {
	root, ok := b.scratchRootFor(kernelID)
	if !ok {
		return nil
	}
	return removeScratchTree(root)
}

func (b *Backend) scratchRootFor(kernelID types.KernelID) (string, bool) {
	if b.Config.ScratchRoot == "" {
		return "", false
	}
	return b.Config.ScratchRoot + "/" + kernelID.String(), true
}

// RestartKernel stops the container while preserving scratch/vfolder
// state, then recreates it with the same resource allocation recorded
// from the original CreateKernel call.
func (b *Backend) RestartKernel(ctx context.Context, kernelID types.KernelID) error {
	b.mu.Lock()
	info, ok := b.lastSpec[kernelID]
	b.restarting[kernelID] = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.restarting, kernelID)
		b.mu.Unlock()
	}()

	if !ok {
		return fmt.Errorf("restart kernel %s: no prior creation spec on this agent", kernelID)
	}

	obj, found := b.Registry.Get(kernelID)
	if found {
		if err := b.Deps.Runtime.Stop(ctx, obj.ContainerID, b.Config.PullTimeout); err != nil {
			return fmt.Errorf("stop kernel %s for restart: %w", kernelID, err)
		}
		if err := b.Deps.Runtime.Remove(ctx, obj.ContainerID, false); err != nil {
			return fmt.Errorf("remove kernel %s container for restart: %w", kernelID, err)
		}
		b.Registry.Delete(kernelID)
	}

	return b.CreateKernel(ctx, info, nil)
}

// PullImage proxies directly to the container runtime with the given
// registry credentials, bounded by timeout.
func (b *Backend) PullImage(ctx context.Context, imageRef string, cred *runtime.RegistryCredential, timeout contextTimeout) error {
	ctx, cancel := timeout.apply(ctx)
	defer cancel()
	return b.Deps.Runtime.Pull(ctx, imageRef, cred)
}

// PushImage proxies directly to the container runtime with the given
// registry credentials, bounded by timeout.
func (b *Backend) PushImage(ctx context.Context, imageRef string, cred *runtime.RegistryCredential, timeout contextTimeout) error {
	ctx, cancel := timeout.apply(ctx)
	defer cancel()
	return b.Deps.Runtime.Push(ctx, imageRef, cred)
}

// GetManagedContainers enumerates the containers this agent considers
// its own, filtered to the ACTIVE set (RUNNING, RESTARTING, PAUSED)
// unless statusFilter narrows it further.
func (b *Backend) GetManagedContainers(ctx context.Context, statusFilter ContainerActivityStatus) ([]ManagedContainer, error) {
	var out []ManagedContainer
	for _, kernelID := range b.registeredKernelIDs() {
		obj, ok := b.Registry.Get(kernelID)
		if !ok {
			continue
		}
		status, err := b.activityStatus(ctx, kernelID, obj.ContainerID)
		if err != nil {
			continue
		}
		if statusFilter != "" && status != statusFilter {
			continue
		}
		if statusFilter == "" && status == ActivityOther {
			continue
		}
		out = append(out, ManagedContainer{KernelID: kernelID, ContainerID: obj.ContainerID, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KernelID.String() < out[j].KernelID.String() })
	return out, nil
}

func (b *Backend) registeredKernelIDs() []types.KernelID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]types.KernelID, 0, len(b.lastSpec))
	for id := range b.lastSpec {
		ids = append(ids, id)
	}
	return ids
}

func (b *Backend) activityStatus(ctx context.Context, kernelID types.KernelID, containerID string) (ContainerActivityStatus, error) {
	b.mu.Lock()
	restarting := b.restarting[kernelID]
	b.mu.Unlock()
	if restarting {
		return ActivityRestarting, nil
	}
	state, err := b.Deps.Runtime.Status(ctx, containerID)
	if err != nil {
		return "", err
	}
	switch state {
	case runtime.StateRunning:
		return ActivityRunning, nil
	case runtime.StatePaused:
		return ActivityPaused, nil
	default:
		return ActivityOther, nil
	}
}

// GetContainerLogs reads the full container log tail.
func (b *Backend) GetContainerLogs(ctx context.Context, containerID string) ([]string, error) {
	data, err := b.Deps.Runtime.Logs(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("get container logs %s: %w", containerID, err)
	}
	return splitLines(data), nil
}

// GetCgroupInfo resolves the cgroup path for a controller on the given
// container, so the caller can read/write resource files directly
// instead of round-tripping every stat through the runtime.
func (b *Backend) GetCgroupInfo(ctx context.Context, containerID, controller string) (CGroupInfo, error) {
	pid, err := b.containerInitPID(ctx, containerID)
	if err != nil {
		return CGroupInfo{}, err
	}
	return resolveCgroupInfo(pid, controller)
}
