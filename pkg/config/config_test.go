package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/sokovan/pkg/lifecycle"
	"github.com/nimbusforge/sokovan/pkg/types"
)

const testYAML = `
log:
  level: debug
  json_output: true
manager:
  node_id: node-1
  bind_addr: 127.0.0.1:7000
  data_dir: /var/lib/sokovan/manager
  cluster_secret: s3cr3t
reconciler:
  session_hang_tolerance:
    PREPARING: 10m
    PULLING: 15m
  agent_heartbeat_timeout: 45s
container:
  scratch_type: memory
  scratch_root: /var/lib/sokovan/scratch
  scratch_size: 1073741824
  kernel_uid: 1100
  kernel_gid: 1100
  sandbox_type: jail
  jail_args: ["--no-net"]
container_logs:
  max_length: 1048576
api:
  pull_timeout: 5m
kernel_lifecycles:
  init_polling_attempt: 60
  init_polling_timeout_sec: 1s
  init_timeout_sec: 20s
resource:
  affinity_policy: interleaved
debug:
  enabled: true
  coredump:
    enabled: true
    path: /var/lib/sokovan/core
agent:
  ipc_base_path: /var/run/sokovan
  agent_sock_port: 6010
  scaling_group_type: storage
`

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadDecodesEveryConfiguredOption(t *testing.T) {
	path := writeTestConfig(t, testYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSONOutput)

	assert.Equal(t, "node-1", cfg.Manager.NodeID)
	assert.Equal(t, "s3cr3t", cfg.Manager.ClusterSecret)

	assert.Equal(t, 10*time.Minute, cfg.Reconciler.SessionHangTolerance[types.SessionPreparing])
	assert.Equal(t, 45*time.Second, cfg.Reconciler.AgentHeartbeatTimeout)

	assert.Equal(t, "memory", cfg.Container.ScratchType)
	assert.Equal(t, int64(1073741824), cfg.Container.ScratchSize)
	assert.Equal(t, []string{"--no-net"}, cfg.Container.JailArgs)

	assert.Equal(t, int64(1048576), cfg.ContainerLogs.MaxLength)
	assert.Equal(t, 5*time.Minute, cfg.API.PullTimeout)
	assert.Equal(t, 60, cfg.KernelLifecycles.InitPollingAttempt)
	assert.Equal(t, "interleaved", cfg.Resource.AffinityPolicy)
	assert.True(t, cfg.Debug.Coredump.Enabled)
	assert.Equal(t, 6010, cfg.Agent.AgentSockPort)
	assert.Equal(t, "storage", cfg.Agent.ScalingGroupType)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeTestConfig(t, "log:\n  level: [unterminated\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultProducesUsableSingleNodeConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "preferred", cfg.Resource.AffinityPolicy)
	assert.Equal(t, 6009, cfg.Agent.AgentSockPort)
}

func TestToManagerConfigCarriesClusterSecret(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	mgrCfg := cfg.ToManagerConfig()
	assert.Equal(t, "node-1", mgrCfg.NodeID)
	assert.Equal(t, "127.0.0.1:7000", mgrCfg.BindAddr)
	assert.Equal(t, "s3cr3t", mgrCfg.ClusterSecret)
}

func TestToReconcilerConfigCarriesTolerances(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	reconcilerCfg := cfg.ToReconcilerConfig()
	assert.Equal(t, 15*time.Minute, reconcilerCfg.HangTolerance[types.SessionPulling])
	assert.Equal(t, 45*time.Second, reconcilerCfg.AgentHeartbeatTimeout)
}

func TestToLifecycleConfigMapsEnumsAndDurations(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	lifecycleCfg := cfg.ToLifecycleConfig()
	assert.Equal(t, lifecycle.SandboxJail, lifecycleCfg.SandboxType)
	assert.Equal(t, lifecycle.AffinityInterleaved, lifecycleCfg.AffinityPolicy)
	assert.Equal(t, 5*time.Minute, lifecycleCfg.PullTimeout)
	assert.Equal(t, 20*time.Second, lifecycleCfg.InitTimeout)
	assert.True(t, lifecycleCfg.CoredumpEnabled)
	assert.Equal(t, "/var/lib/sokovan/core", lifecycleCfg.CoredumpPath)
}

func TestDefaultConfigSandboxAndAffinityFallBackToDocker(t *testing.T) {
	cfg := Default()
	lifecycleCfg := cfg.ToLifecycleConfig()
	assert.Equal(t, lifecycle.SandboxDocker, lifecycleCfg.SandboxType)
	assert.Equal(t, lifecycle.AffinityPreferred, lifecycleCfg.AffinityPolicy)
}
