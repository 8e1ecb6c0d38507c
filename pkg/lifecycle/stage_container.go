package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbusforge/sokovan/pkg/provisioner"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// NewContainerCreateStage asks the container runtime to create the
// assembled container. Teardown removes it with its volumes, undoing
// exactly what Create did.
func NewContainerCreateStage(deps *Dependencies) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ContainerCreate",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			id, err := deps.Runtime.Create(ctx, c.ContainerSpec)
			if err != nil {
				return nil, fmt.Errorf("create container: %w", err)
			}
			c.ContainerID = id
			return id, nil
		},
		TeardownFunc: func(ctx context.Context, result any) error {
			id, _ := result.(string)
			if id == "" {
				return nil
			}
			return deps.Runtime.Remove(ctx, id, true)
		},
	}
}

// sudoersInstallCmd is run once inside a freshly started container (as
// root) to let the work user sudo without a password, matching how
// interactive kernels let users install packages.
var sudoersInstallCmd = []string{
	"/bin/sh", "-c",
	"echo 'work ALL=(ALL) NOPASSWD: ALL' > /etc/sudoers.d/01-bai-work && chmod 440 /etc/sudoers.d/01-bai-work",
}

// NewContainerStartStage appends CID=<container_id> to resource.txt,
// starts the container, then execs the passwordless-sudo sudoers drop
// so the work user can escalate inside its own sandbox. Teardown stops
// the container.
func NewContainerStartStage(deps *Dependencies) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ContainerStart",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			resourceTxt := c.Paths.ConfigDir + "/resource.txt"
			if err := appendToFile(resourceTxt, fmt.Sprintf("CID=%s\n", c.ContainerID)); err != nil {
				return nil, fmt.Errorf("append CID to resource.txt: %w", err)
			}

			if err := deps.Runtime.Start(ctx, c.ContainerID); err != nil {
				return nil, fmt.Errorf("start container: %w", err)
			}

			if err := deps.Runtime.Exec(ctx, c.ContainerID, sudoersInstallCmd); err != nil {
				return c.ContainerID, fmt.Errorf("install sudoers entry: %w", err)
			}
			return c.ContainerID, nil
		},
		TeardownFunc: func(ctx context.Context, result any) error {
			id, _ := result.(string)
			if id == "" {
				return nil
			}
			return deps.Runtime.Stop(ctx, id, 10*time.Second)
		},
	}
}

func appendToFile(path, text string) error {
	return appendBytes(path, []byte(text))
}

// NewNetworkPostSetupStage queries the container's published ports,
// asking a GLOBAL-capability network plugin to expose them when one is
// configured; otherwise reads the runtime-assigned host ports
// directly. Extracts the two intrinsic REPL ports; missing either is a
// fatal RuntimeError.
func NewNetworkPostSetupStage(deps *Dependencies, cfg *Config) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "NetworkPostSetup",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			var advertisedHost string
			var portMap map[int]int
			var err error

			if deps.NetworkPlugin != nil && deps.NetworkPlugin.Capability() == "GLOBAL" {
				advertisedHost, portMap, err = deps.NetworkPlugin.ExposePorts(c.ContainerID, c.ServicePorts)
				if err != nil {
					return nil, fmt.Errorf("expose ports via network plugin: %w", err)
				}
			} else {
				portMap, err = deps.Runtime.PublishedPorts(ctx, c.ContainerID)
				if err != nil {
					return nil, fmt.Errorf("read published ports: %w", err)
				}
				advertisedHost = cfg.AdvertisedHost
				if advertisedHost == "" {
					advertisedHost = cfg.BindHost
				}
			}

			replIn, inOK := portMap[2000]
			replOut, outOK := portMap[2001]
			if !inOK || !outOK {
				return nil, fmt.Errorf("container missing intrinsic repl ports: %w", errRuntimeRepl)
			}

			c.AdvertisedHost = advertisedHost
			c.PortMap = portMap
			c.ReplInPort = replIn
			c.ReplOutPort = replOut
			return nil, nil
		},
	}
}

var errRuntimeRepl = fmt.Errorf("replin/replout not published")

// NewKernelObjectStage instantiates the in-process KernelObject that
// owns a CodeRunner talking to the container's REPL ports, and
// registers it in the agent's kernel registry.
func NewKernelObjectStage(registry *KernelRegistry, dialCodeRunner func(host string, inPort, outPort int) (CodeRunner, error)) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "KernelObject",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)
			runner, err := dialCodeRunner(c.AdvertisedHost, c.ReplInPort, c.ReplOutPort)
			if err != nil {
				return nil, fmt.Errorf("dial code runner: %w", err)
			}
			obj := &KernelObject{
				KernelID:    c.Info.KernelID,
				ContainerID: c.ContainerID,
				Runner:      runner,
			}
			registry.Put(c.Info.KernelID, obj)
			return c.Info.KernelID, nil
		},
		TeardownFunc: func(ctx context.Context, result any) error {
			id, ok := result.(types.KernelID)
			if !ok {
				return nil
			}
			registry.Delete(id)
			return nil
		},
	}
}

// NewContainerCheckStage polls container state and service-port
// reachability until RUNNING, up to init_polling_attempt tries spaced
// init_polling_timeout_sec apart, bounded overall by init_timeout_sec.
// Any failure triggers the whole pipeline's teardown.
func NewContainerCheckStage(deps *Dependencies, cfg *Config, probePort func(host string, port int) error) provisioner.Provisioner {
	return &provisioner.Func{
		StageName: "ContainerCheck",
		SetupFunc: func(ctx context.Context, s any) (any, error) {
			c := s.(*Context)

			deadline := deps.now().Add(cfg.InitTimeout)
			var lastErr error
			for attempt := 0; attempt < cfg.InitPollingAttempt; attempt++ {
				if deps.now().After(deadline) {
					break
				}
				state, err := deps.Runtime.Status(ctx, c.ContainerID)
				if err == nil && state == "RUNNING" {
					lastErr = checkServicePorts(c, probePort)
					if lastErr == nil {
						return nil, nil
					}
				} else if err != nil {
					lastErr = err
				} else {
					lastErr = fmt.Errorf("container state is %s, want RUNNING", state)
				}

				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(cfg.InitPollingTimeout):
				}
			}
			return nil, fmt.Errorf("container did not become ready: %w", lastErr)
		},
	}
}

func checkServicePorts(c *Context, probePort func(host string, port int) error) error {
	if probePort == nil {
		return nil
	}
	for _, hostPort := range c.PortMap {
		if err := probePort(c.AdvertisedHost, hostPort); err != nil {
			return err
		}
	}
	return nil
}
