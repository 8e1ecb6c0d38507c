// Command manager runs the raft-backed scheduler/event-bus/kernel
// state-machine control plane: it accepts session/kernel submissions,
// places kernels onto agents, and reconciles agent liveness and
// session hang timeouts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbusforge/sokovan/pkg/config"
	"github.com/nimbusforge/sokovan/pkg/handlers"
	"github.com/nimbusforge/sokovan/pkg/log"
	"github.com/nimbusforge/sokovan/pkg/manager"
	"github.com/nimbusforge/sokovan/pkg/metrics"
	"github.com/nimbusforge/sokovan/pkg/reconciler"
	"github.com/nimbusforge/sokovan/pkg/rpc"
	"github.com/nimbusforge/sokovan/pkg/scheduler"
	"github.com/nimbusforge/sokovan/pkg/selector"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "manager",
	Short:   "Sokovan manager - session/kernel scheduling control plane",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config YAML (defaults come from pkg/config.Default if omitted)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tokenCmd)

	runCmd.Flags().String("node-id", "manager-1", "Unique node ID")
	runCmd.Flags().String("bind-addr", "127.0.0.1:7000", "Raft bind address")
	runCmd.Flags().String("join-addr", "127.0.0.1:7100", "Join server listen address")
	runCmd.Flags().String("data-dir", "./sokovan-manager-data", "Data directory")
	runCmd.Flags().String("join", "", "Leader join address to join an existing cluster (bootstraps a new one if empty)")
	runCmd.Flags().String("join-token", "", "Join token, required when --join is set")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")

	tokenCmd.Flags().String("leader-addr", "127.0.0.1:7100", "Leader's join server address")
	tokenCmd.Flags().String("role", "manager", "Role to mint the token for (manager or agent)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token validity period")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the manager node",
	RunE:  runManager,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a join token from a running leader, for use with `run --join-token`",
	RunE:  runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	leaderAddr, _ := cmd.Flags().GetString("leader-addr")
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	jt, err := manager.RequestJoinToken(leaderAddr, role, ttl)
	if err != nil {
		return fmt.Errorf("request join token: %w", err)
	}
	fmt.Printf("token:      %s\nrole:       %s\nexpires at: %s\n", jt.Token, jt.Role, jt.ExpiresAt.Format(time.RFC3339))
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(cfg.ToLogConfig())
	logger := log.WithComponent("cmd/manager")

	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	joinAddr, _ := cmd.Flags().GetString("join-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	mgrCfg := cfg.ToManagerConfig()
	if mgrCfg.NodeID == "" {
		mgrCfg.NodeID = nodeID
	}
	if mgrCfg.BindAddr == "" {
		mgrCfg.BindAddr = bindAddr
	}
	if mgrCfg.JoinAddr == "" {
		mgrCfg.JoinAddr = joinAddr
	}
	if mgrCfg.DataDir == "" {
		mgrCfg.DataDir = dataDir
	}

	mgr, err := manager.NewManager(mgrCfg)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	leaderJoinAddr, _ := cmd.Flags().GetString("join")
	joinToken, _ := cmd.Flags().GetString("join-token")
	if leaderJoinAddr == "" {
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		logger.Info().Str("node_id", mgrCfg.NodeID).Msg("bootstrapped new cluster")
	} else {
		if err := mgr.Join(leaderJoinAddr, joinToken); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
		logger.Info().Str("leader", leaderJoinAddr).Msg("joined cluster")
	}

	rpcCache := rpc.NewAgentRPCCache(rpc.DialZMQPeer, scheduler.NewManagerDirectory(mgr), rpc.KeepaliveConfig{Idle: 30 * time.Second}, [32]byte{}, [32]byte{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := handlers.New(mgr, rpcCache)
	if err := h.RegisterAll(ctx); err != nil {
		return fmt.Errorf("register event handlers: %w", err)
	}

	sched := scheduler.NewScheduler(mgr, rpcCache, selector.Concentrated{})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	recon := reconciler.NewReconciler(mgr, cfg.ToReconcilerConfig())
	recon.Start()
	defer recon.Stop()

	metricsCollector := manager.NewMetricsCollector(mgr)
	metricsCollector.Start()
	defer metricsCollector.Stop()

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents([]string{"raft"})
	metrics.RegisterComponent("raft", true, "bootstrapped")

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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("shutdown manager: %w", err)
	}
	return nil
}
