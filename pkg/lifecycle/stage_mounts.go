package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// NewClusterSSHStage writes the cluster SSH keypair and
// port-mapping.json under config_dir/ssh/, mode 600 on the private
// key, owned by the kernel user.
func NewClusterSSHStage() provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ClusterSSH",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			sshDir := filepath.Join(c.Paths.ConfigDir, "ssh")
			if err := os.MkdirAll(sshDir, 0700); err != nil {
				return sshDir, fmt.Errorf("create ssh dir: %w", err)
			}
			if err := os.Chown(sshDir, c.Info.UID, c.Info.GID); err != nil {
				return sshDir, fmt.Errorf("chown ssh dir: %w", err)
			}

			priv := filepath.Join(sshDir, "id_cluster")
			pub := filepath.Join(sshDir, "id_cluster.pub")
			if err := os.WriteFile(priv, c.Info.Cluster.SSHKeypair.PrivateKey, 0600); err != nil {
				return sshDir, fmt.Errorf("write cluster private key: %w", err)
			}
			if err := os.Chown(priv, c.Info.UID, c.Info.GID); err != nil {
				return sshDir, fmt.Errorf("chown cluster private key: %w", err)
			}
			if err := os.WriteFile(pub, c.Info.Cluster.SSHKeypair.PublicKey, 0644); err != nil {
				return sshDir, fmt.Errorf("write cluster public key: %w", err)
			}

			if len(c.Info.Cluster.SSHPortMapping) > 0 {
				mapping := make(map[string][2]any, len(c.Info.Cluster.SSHPortMapping))
				for host, hp := range c.Info.Cluster.SSHPortMapping {
					mapping[host] = [2]any{hp.Host, hp.Port}
				}
				data, err := json.Marshal(mapping)
				if err != nil {
					return sshDir, fmt.Errorf("marshal port-mapping.json: %w", err)
				}
				if err := os.WriteFile(filepath.Join(sshDir, "port-mapping.json"), data, 0644); err != nil {
					return sshDir, fmt.Errorf("write port-mapping.json: %w", err)
				}
			}
			return sshDir, nil
		},
		TeardownFunc: func(ctx context.Context, result any) error {
			sshDir, _ := result.(string)
			if sshDir == "" {
				return nil
			}
			return os.RemoveAll(sshDir)
		},
	}
}

// NewIntrinsicMountStage assembles the mandatory mounts every kernel
// gets regardless of user request: scratch->/home/config (ro),
// work->/home/work (rw), memory-scratch->/tmp, host localtime/timezone
// (ro, linux only), and the coredump dir when enabled.
func NewIntrinsicMountStage(cfg *Config, scratchType ScratchType) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "IntrinsicMount",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			mounts := []types.Mount{
				{Type: types.MountBind, Source: c.Paths.ConfigDir, Target: "/home/config", Permission: types.MountReadOnly},
				{Type: types.MountBind, Source: c.Paths.WorkDir, Target: "/home/work", Permission: types.MountReadWrite},
			}
			if scratchType == ScratchMemory {
				mounts = append(mounts, types.Mount{Type: types.MountTmpfs, Source: c.Paths.ScratchFile, Target: "/tmp", Permission: types.MountReadWrite})
			}
			if runtime.GOOS == "linux" {
				mounts = append(mounts,
					types.Mount{Type: types.MountBind, Source: "/etc/localtime", Target: "/etc/localtime", Permission: types.MountReadOnly},
					types.Mount{Type: types.MountBind, Source: "/etc/timezone", Target: "/etc/timezone", Permission: types.MountReadOnly},
				)
			}
			if cfg.CoredumpEnabled && cfg.CoredumpPath != "" {
				mounts = append(mounts, types.Mount{Type: types.MountBind, Source: cfg.CoredumpPath, Target: "/coredumps", Permission: types.MountReadWrite})
			}
			if runtime.GOOS == "linux" && cfg.IPCBasePath != "" {
				mounts = append(mounts, types.Mount{
					Type:       types.MountBind,
					Source:     filepath.Join(cfg.IPCBasePath, c.Info.KernelID.String()+".sock"),
					Target:     "/opt/backend.ai/agent.sock",
					Permission: types.MountReadWrite,
				})
			}
			c.Mounts = append(c.Mounts, mounts...)
			return nil, nil
		},
	}
}

// NewKernelRunnerMountStage mounts the per-distro kernel-runner volume
// and every compute-plugin-contributed volume.
func NewKernelRunnerMountStage(cfg *Config) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "KernelRunnerMount",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			var mounts []types.Mount
			for _, vol := range cfg.KrunnerVolumes {
				if !strings.Contains(vol, c.Image.Distro) && !strings.HasSuffix(vol, "-common") {
					continue
				}
				mounts = append(mounts, types.Mount{
					Type:       types.MountVol,
					Source:     vol,
					Target:     "/opt/backend.ai",
					Permission: types.MountReadOnly,
				})
			}
			c.Mounts = append(c.Mounts, mounts...)
			return nil, nil
		},
	}
}

// NewVFolderMountStage converts each VFolderMount into a Mount. When
// prevent_vfolder_mount is set, only vfolders named ".logs" survive.
func NewVFolderMountStage() provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "VFolderMount",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			var mounts []types.Mount
			for _, vf := range c.Info.VFolderMounts {
				name := filepath.Base(vf.KernelPath)
				if len(c.Info.VFolderMounts) > 0 && preventVFolderMount(c) && name != ".logs" {
					continue
				}
				mounts = append(mounts, types.Mount{
					Type:       types.MountBind,
					Source:     vf.HostPath,
					Target:     vf.KernelPath,
					Permission: vf.MountPerm,
				})
			}
			c.Mounts = append(c.Mounts, mounts...)
			return nil, nil
		},
	}
}

// preventVFolderMount reads the prevent_vfolder_mount resource option,
// matching how the agent's resource_opts bag carries rarely-used
// per-kernel flags that don't warrant a dedicated KernelCreationInfo
// field.
func preventVFolderMount(c *Context) bool {
	return c.Info.ResourceOpts["prevent_vfolder_mount"] == "true"
}
