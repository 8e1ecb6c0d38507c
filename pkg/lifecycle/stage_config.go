package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

// kernelConfig is the msgpack-encoded payload written to kconfig.dat,
// read back by the in-container kernel runner on startup.
type kernelConfig struct {
	KernelID      string            `msgpack:"kernel_id"`
	SessionID     string            `msgpack:"session_id"`
	ClusterRole   string            `msgpack:"cluster_role"`
	ClusterIdx    int               `msgpack:"cluster_idx"`
	ResourceSlots map[string]string `msgpack:"resource_slots"`
	Environ       map[string]string `msgpack:"environ"`
}

// NewConfigFileStage writes config_dir/environ.txt, resource.txt, and
// the msgpack-encoded kconfig.dat the kernel runner reads on startup.
func NewConfigFileStage() provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ConfigFile",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			environTxt := renderEnvironTxt(c.Environ)
			if err := writeOwnedFile(filepath.Join(c.Paths.ConfigDir, "environ.txt"), []byte(environTxt), 0644, c.Info.UID, c.Info.GID); err != nil {
				return nil, fmt.Errorf("write environ.txt: %w", err)
			}

			resourceTxt := c.Info.ResourceSlots.String() + "\n"
			if err := writeOwnedFile(filepath.Join(c.Paths.ConfigDir, "resource.txt"), []byte(resourceTxt), 0644, c.Info.UID, c.Info.GID); err != nil {
				return nil, fmt.Errorf("write resource.txt: %w", err)
			}

			slots := make(map[string]string, len(c.Info.ResourceSlots))
			for name, qty := range c.Info.ResourceSlots {
				slots[name] = qty.String()
			}
			kcfg := kernelConfig{
				KernelID:      c.Info.KernelID.String(),
				SessionID:     c.Info.SessionID.String(),
				ClusterRole:   c.Info.Cluster.Role,
				ClusterIdx:    c.Info.Cluster.Idx,
				ResourceSlots: slots,
				Environ:       c.Environ,
			}
			data, err := wire.Marshal(kcfg)
			if err != nil {
				return nil, fmt.Errorf("marshal kconfig.dat: %w", err)
			}
			if err := writeOwnedFile(filepath.Join(c.Paths.ConfigDir, "kconfig.dat"), data, 0644, c.Info.UID, c.Info.GID); err != nil {
				return nil, fmt.Errorf("write kconfig.dat: %w", err)
			}
			return nil, nil
		},
	}
}

func renderEnvironTxt(environ map[string]string) string {
	keys := make([]string, 0, len(environ))
	for k := range environ {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(environ[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// NewCredentialsStage writes config_dir/docker-creds.json when the
// kernel carries registry credentials for private-image pulls inside
// the container (e.g. a build step that itself pulls images).
func NewCredentialsStage() provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "Credentials",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			if len(c.Info.DockerCredentials) == 0 {
				return nil, nil
			}
			path := filepath.Join(c.Paths.ConfigDir, "docker-creds.json")
			if err := writeOwnedFile(path, c.Info.DockerCredentials, 0600, c.Info.UID, c.Info.GID); err != nil {
				return nil, fmt.Errorf("write docker-creds.json: %w", err)
			}
			return nil, nil
		},
	}
}

// NewContainerSSHStage writes the container's own SSH keypair under
// work_dir/.ssh/, unless a vfolder mount already supplies
// /home/work/.ssh (a user dotfiles vfolder commonly does).
func NewContainerSSHStage() provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ContainerSSH",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			for _, m := range c.Mounts {
				if m.Target == "/home/work/.ssh" {
					return nil, nil
				}
			}

			sshDir := filepath.Join(c.Paths.WorkDir, ".ssh")
			if err := mkdirAllOwned(sshDir, 0700, c.Info.UID, c.Info.GID); err != nil {
				return nil, fmt.Errorf("create container ssh dir: %w", err)
			}
			if err := writeOwnedFile(filepath.Join(sshDir, "id_container"), c.Info.ContainerSSHKeypair.PrivateKey, 0600, c.Info.UID, c.Info.GID); err != nil {
				return nil, fmt.Errorf("write container private key: %w", err)
			}
			if err := writeOwnedFile(filepath.Join(sshDir, "id_container.pub"), c.Info.ContainerSSHKeypair.PublicKey, 0644, c.Info.UID, c.Info.GID); err != nil {
				return nil, fmt.Errorf("write container public key: %w", err)
			}
			return nil, nil
		},
	}
}

// reservedDotfileNames can never be supplied by a user dotfile vfolder;
// the kernel runner writes its own copies of these.
var reservedDotfileNames = map[string]bool{
	".bashrc.sample": true,
	".profile.sample": true,
	".zshrc.sample":  true,
}

// DotfileNotAllowedError reports a user dotfile colliding with a
// reserved kernel-runner-owned name.
type DotfileNotAllowedError struct {
	Path string
}

func (e *DotfileNotAllowedError) Error() string {
	return fmt.Sprintf("dotfile not allowed: %s", e.Path)
}

// NewDotfilesStage writes each user-supplied dotfile under the
// scratch/work tree, rejecting any that collide with a reserved name.
func NewDotfilesStage() provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "Dotfiles",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			var written []string
			for _, df := range c.Info.Dotfiles {
				base := filepath.Base(df.Path)
				if reservedDotfileNames[base] {
					return written, &DotfileNotAllowedError{Path: df.Path}
				}
				full := filepath.Join(c.Paths.WorkDir, df.Path)
				if err := writeOwnedFile(full, df.Data, df.Perm, c.Info.UID, c.Info.GID); err != nil {
					return written, fmt.Errorf("write dotfile %s: %w", df.Path, err)
				}
				written = append(written, full)
			}
			return written, nil
		},
	}
}

