package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"context"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// NewServicePortStage merges image-declared service ports (from the
// "ai.backend.service-ports" label, "name:protocol:port[,port...];...")
// and preopen ports into the kernel's final ServicePort list, then
// hands out host ports from the pre-allocated pool in order. The
// cluster SSH port mapping is not merged into this list. block_service_ports suppresses
// everything but the REPL channels' own host ports, which the runtime
// assigns directly and never come through this stage.
func NewServicePortStage() provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ServicePort",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			var ports []types.ServicePort
			if !c.Info.BlockServicePorts {
				ports = append(ports, parseServicePortLabel(c.Info.ImageLabels["ai.backend.service-ports"])...)
				for _, p := range c.Info.PreopenPorts {
					ports = append(ports, types.ServicePort{
						Name:           fmt.Sprintf("preopen-%d", p),
						Protocol:       types.ServiceProtoPreopen,
						ContainerPorts: []int{p},
					})
				}
			}

			pool := append([]int(nil), c.Info.AllocatedHostPorts...)
			for i := range ports {
				ports[i].HostPorts = make([]int, len(ports[i].ContainerPorts))
				for j := range ports[i].ContainerPorts {
					if len(pool) == 0 {
						return nil, fmt.Errorf("service port %q: host port pool exhausted", ports[i].Name)
					}
					ports[i].HostPorts[j], pool = pool[0], pool[1:]
				}
			}

			c.ServicePorts = ports
			return nil, nil
		},
	}
}

// parseServicePortLabel decodes "name:protocol:port[,port...];..." into
// ServicePorts. Malformed entries are skipped rather than failing the
// whole create, matching how the agent tolerates bad metadata on
// third-party images.
func parseServicePortLabel(raw string) []types.ServicePort {
	if raw == "" {
		return nil
	}
	var out []types.ServicePort
	for _, entry := range strings.Split(raw, ";") {
		fields := strings.SplitN(entry, ":", 3)
		if len(fields) != 3 {
			continue
		}
		var containerPorts []int
		for _, ps := range strings.Split(fields[2], ",") {
			p, err := strconv.Atoi(strings.TrimSpace(ps))
			if err != nil {
				continue
			}
			containerPorts = append(containerPorts, p)
		}
		if len(containerPorts) == 0 {
			continue
		}
		out = append(out, types.ServicePort{
			Name:           fields[0],
			Protocol:       types.ServiceProtocol(strings.ToUpper(fields[1])),
			ContainerPorts: containerPorts,
		})
	}
	return out
}

// NewCmdArgStage builds the container entrypoint command: the jail
// wrapper when configured, then the kernel runner invocation for the
// resolved runtime.
func NewCmdArgStage(cfg *Config) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "CmdArg",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			var cmd []string
			if cfg.SandboxType == SandboxJail {
				cmd = append(cmd, "/opt/kernel/jail")
				cmd = append(cmd, cfg.JailArgs...)
				cmd = append(cmd, "--")
			}
			cmd = append(cmd, "/opt/backend.ai/bin/python", "-s", "-m", "ai.backend.kernel")
			if cfg.DebugEnabled {
				cmd = append(cmd, "--debug")
			}
			cmd = append(cmd, c.Image.RuntimeType)
			if c.Image.RuntimePath != "" {
				cmd = append(cmd, c.Image.RuntimePath)
			}

			c.Command = cmd
			return nil, nil
		},
	}
}

// NewBootstrapStage writes the user bootstrap script into
// work_dir/bootstrap.sh. A no-op when the kernel has none.
func NewBootstrapStage() provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "Bootstrap",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			if len(c.Info.BootstrapScript) == 0 {
				return nil, nil
			}
			path := c.Paths.WorkDir + "/bootstrap.sh"
			if err := writeOwnedFile(path, c.Info.BootstrapScript, 0755, c.Info.UID, c.Info.GID); err != nil {
				return nil, fmt.Errorf("write bootstrap.sh: %w", err)
			}
			return path, nil
		},
	}
}
