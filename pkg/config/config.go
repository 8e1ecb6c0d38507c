package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nimbusforge/sokovan/pkg/lifecycle"
	"github.com/nimbusforge/sokovan/pkg/log"
	"github.com/nimbusforge/sokovan/pkg/manager"
	"github.com/nimbusforge/sokovan/pkg/reconciler"
	"github.com/nimbusforge/sokovan/pkg/types"
)

// Config is the root of the YAML document both cmd/manager and
// cmd/agent load. Only the sections relevant to a given process get
// consulted; an agent ignores Manager and vice versa.
type Config struct {
	Log              LogConfig              `yaml:"log"`
	Manager          ManagerConfig          `yaml:"manager"`
	Reconciler       ReconcilerConfig       `yaml:"reconciler"`
	Container        ContainerConfig        `yaml:"container"`
	ContainerLogs    ContainerLogsConfig    `yaml:"container_logs"`
	API              APIConfig              `yaml:"api"`
	KernelLifecycles KernelLifecyclesConfig `yaml:"kernel_lifecycles"`
	Resource         ResourceConfig         `yaml:"resource"`
	Debug            DebugConfig            `yaml:"debug"`
	Agent            AgentConfig            `yaml:"agent"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

type ManagerConfig struct {
	NodeID        string `yaml:"node_id"`
	BindAddr      string `yaml:"bind_addr"`
	DataDir       string `yaml:"data_dir"`
	JoinAddr      string `yaml:"join_addr"`
	ClusterSecret string `yaml:"cluster_secret"`
}

type ReconcilerConfig struct {
	// SessionHangTolerance maps a session status to how long it may
	// remain stuck in that status before it is force-terminated.
	SessionHangTolerance map[types.SessionStatus]time.Duration `yaml:"session_hang_tolerance"`
	AgentHeartbeatTimeout time.Duration                         `yaml:"agent_heartbeat_timeout"`
}

type ContainerConfig struct {
	ScratchType       string   `yaml:"scratch_type"`
	ScratchRoot       string   `yaml:"scratch_root"`
	ScratchSize       int64    `yaml:"scratch_size"`
	KernelUID         int      `yaml:"kernel_uid"`
	KernelGID         int      `yaml:"kernel_gid"`
	SandboxType       string   `yaml:"sandbox_type"`
	JailArgs          []string `yaml:"jail_args"`
	BindHost          string   `yaml:"bind_host"`
	AdvertisedHost    string   `yaml:"advertised_host"`
	AlternativeBridge string   `yaml:"alternative_bridge"`
	KrunnerVolumes    []string `yaml:"krunner_volumes"`
}

type ContainerLogsConfig struct {
	MaxLength int64 `yaml:"max_length"`
}

type APIConfig struct {
	PullTimeout time.Duration `yaml:"pull_timeout"`
}

type KernelLifecyclesConfig struct {
	InitPollingAttempt int           `yaml:"init_polling_attempt"`
	InitPollingTimeout time.Duration `yaml:"init_polling_timeout_sec"`
	InitTimeout        time.Duration `yaml:"init_timeout_sec"`
}

type ResourceConfig struct {
	AffinityPolicy string `yaml:"affinity_policy"`
}

type DebugConfig struct {
	Enabled      bool           `yaml:"enabled"`
	KernelRunner bool           `yaml:"kernel_runner"`
	LogEvents    bool           `yaml:"log_events"`
	Coredump     CoredumpConfig `yaml:"coredump"`
}

type CoredumpConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	CorePath string `yaml:"core_path"`
}

type AgentConfig struct {
	IPCBasePath      string `yaml:"ipc_base_path"`
	AgentSockPort    int    `yaml:"agent_sock_port"`
	ScalingGroupType string `yaml:"scaling_group_type"`
}

// Load reads and decodes the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config populated with the same defaults the
// teacher's cobra flags used, so a binary started without a config
// file still comes up in a sane single-node configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Container: ContainerConfig{
			ScratchType: "hostdir",
			ScratchRoot: "/var/lib/sokovan/scratch",
			SandboxType: "docker",
		},
		KernelLifecycles: KernelLifecyclesConfig{
			InitPollingAttempt: 30,
			InitPollingTimeout: 500 * time.Millisecond,
			InitTimeout:        10 * time.Second,
		},
		Resource: ResourceConfig{AffinityPolicy: "preferred"},
		Agent:    AgentConfig{AgentSockPort: 6009, ScalingGroupType: "compute"},
	}
}

// ToLogConfig adapts LogConfig into pkg/log's Config.
func (c *Config) ToLogConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSONOutput,
	}
}

// ToManagerConfig adapts ManagerConfig into pkg/manager's Config.
func (c *Config) ToManagerConfig() *manager.Config {
	return &manager.Config{
		NodeID:        c.Manager.NodeID,
		BindAddr:      c.Manager.BindAddr,
		DataDir:       c.Manager.DataDir,
		JoinAddr:      c.Manager.JoinAddr,
		ClusterSecret: c.Manager.ClusterSecret,
	}
}

// ToReconcilerConfig adapts ReconcilerConfig into pkg/reconciler's
// Config.
func (c *Config) ToReconcilerConfig() reconciler.Config {
	return reconciler.Config{
		HangTolerance:         c.Reconciler.SessionHangTolerance,
		AgentHeartbeatTimeout: c.Reconciler.AgentHeartbeatTimeout,
	}
}

// ToLifecycleConfig adapts the Container/API/KernelLifecycles/
// Resource/Debug/Agent sections into pkg/lifecycle's Config, the
// struct the kernel-creation stages actually consult. The
// ContainerLogs section is not read here.
func (c *Config) ToLifecycleConfig() *lifecycle.Config {
	return &lifecycle.Config{
		ScratchRoot:        c.Container.ScratchRoot,
		ScratchSize:        c.Container.ScratchSize,
		KernelUID:          c.Container.KernelUID,
		KernelGID:          c.Container.KernelGID,
		SandboxType:        lifecycle.SandboxType(sandboxTypeName(c.Container.SandboxType)),
		JailArgs:           c.Container.JailArgs,
		BindHost:           c.Container.BindHost,
		AdvertisedHost:     c.Container.AdvertisedHost,
		AlternativeBridge:  c.Container.AlternativeBridge,
		KrunnerVolumes:     c.Container.KrunnerVolumes,
		PullTimeout:        c.API.PullTimeout,
		InitPollingAttempt: c.KernelLifecycles.InitPollingAttempt,
		InitPollingTimeout: c.KernelLifecycles.InitPollingTimeout,
		InitTimeout:        c.KernelLifecycles.InitTimeout,
		AffinityPolicy:     lifecycle.AffinityPolicy(affinityPolicyName(c.Resource.AffinityPolicy)),
		DebugEnabled:       c.Debug.Enabled,
		CoredumpEnabled:    c.Debug.Coredump.Enabled,
		CoredumpPath:       c.Debug.Coredump.Path,
		IPCBasePath:        c.Agent.IPCBasePath,
	}
}

// ScratchType adapts Container.ScratchType into pkg/lifecycle's
// ScratchType enum, the one piece of ContainerConfig ToLifecycleConfig
// itself can't carry since NewKernelCreationPipeline takes it as a
// separate constructor argument rather than a Config field.
func (c *Config) ScratchType() lifecycle.ScratchType {
	switch c.Container.ScratchType {
	case "memory":
		return lifecycle.ScratchMemory
	case "k8s":
		return lifecycle.ScratchK8s
	default:
		return lifecycle.ScratchHostdir
	}
}

func sandboxTypeName(s string) string {
	switch s {
	case "jail":
		return string(lifecycle.SandboxJail)
	default:
		return string(lifecycle.SandboxDocker)
	}
}

func affinityPolicyName(s string) string {
	switch s {
	case "interleaved":
		return string(lifecycle.AffinityInterleaved)
	default:
		return string(lifecycle.AffinityPreferred)
	}
}
