// Command agent runs the kernel lifecycle worker: it accepts
// create/destroy/restart RPCs from a manager over an unauthenticated
// ZeroMQ REP socket (no CurveZMQ identity is configured), drives
// containers through the provisioning pipeline, and reports its own
// liveness and capacity back to the manager over HTTP.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nimbusforge/sokovan/pkg/agent"
	"github.com/nimbusforge/sokovan/pkg/config"
	"github.com/nimbusforge/sokovan/pkg/lifecycle"
	"github.com/nimbusforge/sokovan/pkg/log"
	"github.com/nimbusforge/sokovan/pkg/manager"
	"github.com/nimbusforge/sokovan/pkg/metrics"
	containerruntime "github.com/nimbusforge/sokovan/pkg/runtime"
	"github.com/nimbusforge/sokovan/pkg/types"
	"github.com/nimbusforge/sokovan/pkg/wire"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Sokovan agent - kernel lifecycle worker",
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config YAML (defaults come from pkg/config.Default if omitted)")
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("agent-id", "agent-1", "Unique agent ID")
	runCmd.Flags().String("rpc-addr", "0.0.0.0:6009", "CurveZMQ REP listen address for manager RPCs")
	runCmd.Flags().String("advertise-addr", "127.0.0.1:6009", "Address this agent reports to the manager for scheduler dial-back")
	runCmd.Flags().String("manager-report-addr", "127.0.0.1:7100", "Manager's /events HTTP endpoint")
	runCmd.Flags().String("containerd-sock", containerruntime.DefaultSocketPath, "containerd socket path")
	runCmd.Flags().String("scaling-group", "", "Scaling group this agent belongs to (defaults to pkg/config's agent.scaling_group_type)")
	runCmd.Flags().Duration("heartbeat-interval", 10*time.Second, "Interval between heartbeat reports to the manager")
	runCmd.Flags().String("metrics-addr", "0.0.0.0:6010", "Listen address for /metrics, /health, /ready, /live")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent worker",
	RunE:  runAgent,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(cfg.ToLogConfig())
	logger := log.WithComponent("cmd/agent")

	agentID, _ := cmd.Flags().GetString("agent-id")
	rpcAddr, _ := cmd.Flags().GetString("rpc-addr")
	advertiseAddr, _ := cmd.Flags().GetString("advertise-addr")
	managerReportAddr, _ := cmd.Flags().GetString("manager-report-addr")
	containerdSock, _ := cmd.Flags().GetString("containerd-sock")
	scalingGroup, _ := cmd.Flags().GetString("scaling-group")
	heartbeatInterval, _ := cmd.Flags().GetDuration("heartbeat-interval")
	if scalingGroup == "" {
		scalingGroup = cfg.Agent.ScalingGroupType
	}

	containerRuntime, err := containerruntime.NewContainerdRuntime(containerdSock)
	if err != nil {
		metrics.RegisterComponent("containerd", false, err.Error())
		return fmt.Errorf("connect to containerd at %s: %w", containerdSock, err)
	}
	defer containerRuntime.Close()
	metrics.SetCriticalComponents([]string{"containerd"})
	metrics.RegisterComponent("containerd", true, "connected")

	inventory := agent.NewMemoryImageInventory()

	deps := lifecycle.NewDependencies()
	deps.Runtime = containerRuntime
	deps.ImageCache = agent.NewMemoryImageCache()
	deps.AgentID = types.AgentID(agentID)
	deps.Architecture = runtime.GOARCH
	deps.EventSink = func(name string, kernelID types.KernelID, fields map[string]any) {
		logger.Info().Str("event", name).Str("kernel_id", kernelID.String()).Interface("fields", fields).Msg("lifecycle event")
		if name == "ImagePullFinished" {
			if imageRef, ok := fields["image"].(string); ok {
				inventory.Record(imageRef, "")
			}
		}
	}

	lifecycleCfg := cfg.ToLifecycleConfig()
	lifecycleCfg.AdvertisedHost = advertiseAddrHost(advertiseAddr)

	backend := agent.NewBackend(deps, lifecycleCfg, cfg.ScratchType(), inventory, agent.DialCodeRunner, agent.ProbePort)
	backend.ReportEvent = func(ev wire.Event) error {
		return manager.ReportEvent(managerReportAddr, ev)
	}

	rpcServer, err := agent.NewServer(backend, nil)
	if err != nil {
		return fmt.Errorf("build rpc server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Listen(ctx, rpcAddr)
	}()
	logger.Info().Str("addr", rpcAddr).Msg("rpc server listening")

	go heartbeatLoop(ctx, logger, managerReportAddr, deps.AgentID, advertiseAddr, deps.Architecture, scalingGroup, heartbeatInterval)

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics/health endpoints listening")
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-rpcErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("rpc server exited")
		}
	}

	cancel()
	return nil
}

func advertiseAddrHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// heartbeatLoop reports this agent's address, architecture, scaling
// group, and capacity to the manager's /events endpoint on a fixed
// interval. A failed report is logged and retried next tick rather
// than treated as fatal -- a manager that's mid-election or briefly
// unreachable shouldn't bring the agent down.
func heartbeatLoop(ctx context.Context, logger zerolog.Logger, managerReportAddr string, agentID types.AgentID, advertiseAddr, architecture, scalingGroup string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := reportHeartbeat(managerReportAddr, agentID, advertiseAddr, architecture, scalingGroup); err != nil {
			logger.Warn().Err(err).Msg("heartbeat report failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func reportHeartbeat(managerReportAddr string, agentID types.AgentID, advertiseAddr, architecture, scalingGroup string) error {
	ev := wire.Event{
		Name:      "agent_heartbeat",
		Domain:    wire.DomainAgent,
		DomainID:  string(agentID),
		Source:    string(agentID),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload: map[string]any{
			"addr":            advertiseAddr,
			"architecture":    architecture,
			"scaling_group":   scalingGroup,
			"available_slots": map[string]float64{"cpu": float64(runtime.NumCPU())},
		},
	}
	return manager.ReportEvent(managerReportAddr, ev)
}
