package lifecycle

import (
	"context"
	"fmt"
	"os"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
	"github.com/nimbusforge/sokovan/pkg/runtime"
	"github.com/nimbusforge/sokovan/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// NewNetworkPreSetupStage resolves the kernel's network mode. In BRIDGE
// mode it attaches to the configured bridge (or the alternative bridge
// when set) and sets the cluster hostname alias. In PLUGIN mode it
// calls the network plugin's JoinNetwork and merges the returned
// container-config fragment. Adds RDMA device mounts when
// /dev/infiniband/uverbs0 exists, regardless of mode.
func NewNetworkPreSetupStage(deps *Dependencies, cfg *Config) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "NetworkPreSetup",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			switch c.Info.Cluster.Mode {
			case types.ClusterModeSingleNode:
				c.NetworkMode = NetworkBridge
			default:
				if deps.NetworkPlugin != nil {
					c.NetworkMode = NetworkPlugin
				} else {
					c.NetworkMode = NetworkBridge
				}
			}

			switch c.NetworkMode {
			case NetworkBridge:
				bridge := cfg.AlternativeBridge
				if bridge == "" {
					bridge = "bai-bridge"
				}
				c.NetworkID = bridge
				c.ConfigFragment.Env = mergeEnv(c.ConfigFragment.Env, map[string]string{
					"BACKENDAI_CLUSTER_HOST": c.Info.Cluster.Hostname,
				})
			case NetworkPlugin:
				frag, err := deps.NetworkPlugin.JoinNetwork(c.Info.Cluster)
				if err != nil {
					return nil, fmt.Errorf("join network: %w", err)
				}
				c.ConfigFragment = mergeFragment(c.ConfigFragment, frag)
				c.NetworkID = c.Info.Cluster.NetworkID
			}

			if _, err := os.Stat("/dev/infiniband/uverbs0"); err == nil {
				c.ConfigFragment.Mounts = append(c.ConfigFragment.Mounts, types.Mount{
					Type:       types.MountBind,
					Source:     "/dev/infiniband/uverbs0",
					Target:     "/dev/infiniband/uverbs0",
					Permission: types.MountReadWrite,
				})
			}

			return nil, nil
		},
	}
}

func mergeEnv(base, extra map[string]string) map[string]string {
	if base == nil {
		base = map[string]string{}
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func mergeFragment(base, extra ContainerConfigFragment) ContainerConfigFragment {
	base.Env = mergeEnv(base.Env, extra.Env)
	base.Mounts = append(base.Mounts, extra.Mounts...)
	base.ExtraArgs = append(base.ExtraArgs, extra.ExtraArgs...)
	return base
}

// NewContainerConfigStage deep-merges every accumulated fragment
// (resource, network, image labels, env, cmdargs, mounts) into the
// final opaque ContainerSpec the runtime understands.
func NewContainerConfigStage(cfg *Config) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ContainerConfig",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			env := mergeEnv(map[string]string{}, c.Environ)
			env = mergeEnv(env, c.ConfigFragment.Env)
			envList := make([]string, 0, len(env))
			for k, v := range env {
				envList = append(envList, k+"="+v)
			}

			mounts := append(append([]types.Mount(nil), c.Mounts...), c.ConfigFragment.Mounts...)
			ociMounts := make([]specs.Mount, 0, len(mounts))
			for _, m := range mounts {
				ociMounts = append(ociMounts, toOCIMount(m))
			}

			cmd := append(append([]string(nil), c.Command...), c.ConfigFragment.ExtraArgs...)
			cmd = append(cmd, c.ResourceSpec.ExtraArgs...)

			imageShort := shortImageName(c.Info.Image)
			name := fmt.Sprintf("kernel.%s.%s", imageShort, c.Info.KernelID.String())

			c.ContainerSpec = runtime.ContainerSpec{
				ID:            name,
				Name:          name,
				Image:         c.Info.Image.Canonical(),
				Command:       cmd,
				Env:           envList,
				UID:           uint32(c.Info.UID),
				GID:           uint32(c.Info.GID),
				CPUQuotaCores: c.Info.ResourceSlots.Get("cpu").InexactFloat64(),
				MemoryLimit:   c.Info.ResourceSlots.Get("mem").IntPart(),
				Mounts:        ociMounts,
				LogPath:       c.Paths.ConfigDir + "/container.log",
			}
			return nil, nil
		},
	}
}

// toOCIMount converts a lifecycle Mount into the OCI runtime-spec mount
// the container runtime consumes; bind mounts carry the "rbind" +
// "rprivate" options every other container runtime in this stack
// assumes for host path mounts.
func toOCIMount(m types.Mount) specs.Mount {
	opts := []string{"rbind", "rprivate"}
	if m.Permission == types.MountReadOnly {
		opts = append(opts, "ro")
	} else {
		opts = append(opts, "rw")
	}
	typ := "bind"
	if m.Type == types.MountTmpfs {
		typ = "tmpfs"
		opts = []string{"rw"}
	}
	return specs.Mount{
		Destination: m.Target,
		Type:        typ,
		Source:      m.Source,
		Options:     opts,
	}
}

func shortImageName(ref types.ImageRef) string {
	name := ref.Name
	if i := lastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
