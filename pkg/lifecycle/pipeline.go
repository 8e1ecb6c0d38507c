package lifecycle

import (
	"github.com/nimbusforge/sokovan/pkg/provisioner"
)

// NewKernelCreationPipeline composes the 24 ordered stages into the
// single Provisioner pkg/agent's Backend.CreateKernel runs per kernel:
// ImageMetadata, ScratchPath, Resource, Environ, ImagePull,
// ScratchCreate, ClusterSSH, IntrinsicMount, KernelRunnerMount,
// VFolderMount, ServicePort, CmdArg, Bootstrap, ConfigFile,
// Credentials, ContainerSSH, Dotfiles, NetworkPreSetup,
// ContainerConfig, ContainerCreate, ContainerStart, NetworkPostSetup,
// KernelObject, ContainerCheck.
func NewKernelCreationPipeline(
	deps *Dependencies,
	cfg *Config,
	scratchType ScratchType,
	localImages LocalImageInventory,
	registry *KernelRegistry,
	dialCodeRunner func(host string, inPort, outPort int) (CodeRunner, error),
	probePort func(host string, port int) error,
) *provisioner.Pipeline {
	return &provisioner.Pipeline{
		PipelineName: "KernelCreation",
		Stages: []provisioner.Provisioner{
			NewImageMetadataStage(deps),
			NewScratchPathStage(cfg, scratchType),
			NewResourceStage(deps, cfg),
			NewEnvironStage(deps),
			NewImagePullStage(deps, cfg, localImages),
			NewScratchCreateStage(cfg, scratchType),
			NewClusterSSHStage(),
			NewIntrinsicMountStage(cfg, scratchType),
			NewKernelRunnerMountStage(cfg),
			NewVFolderMountStage(),
			NewServicePortStage(),
			NewCmdArgStage(cfg),
			NewBootstrapStage(),
			NewConfigFileStage(),
			NewCredentialsStage(),
			NewContainerSSHStage(),
			NewDotfilesStage(),
			NewNetworkPreSetupStage(deps, cfg),
			NewContainerConfigStage(cfg),
			NewContainerCreateStage(deps),
			NewContainerStartStage(deps),
			NewNetworkPostSetupStage(deps, cfg),
			NewKernelObjectStage(registry, dialCodeRunner),
			NewContainerCheckStage(deps, cfg, probePort),
		},
	}
}
