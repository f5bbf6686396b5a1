// Command corefabric-scheduler runs the gang scheduler service: node
// registry, job queue, placement cycle driver, the gRPC streaming surface
// for heartbeats and job events, the HTTP request/response surface for job
// submission, and (optionally) raft-backed leader election across
// replicas.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"corefabric/internal/config"
	"corefabric/internal/logging"
	"corefabric/internal/scheduler"
	"corefabric/internal/schedulerapi"
	"corefabric/internal/schedulercluster"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "corefabric-scheduler",
		Short: "Run the corefabric gang scheduler",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler's gRPC and HTTP surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, filterHandler, configPath)
		},
	}
	serveCmd.Flags().String("config", "", "path to a TOML config file (default: built-in defaults)")

	versionCmd := &cobra.Command{
		Use: "version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, filterHandler *logging.ComponentFilterHandler, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc := cfg.Scheduler

	registry := scheduler.NewNodeRegistry(time.Duration(sc.HeartbeatTimeoutSeconds) * time.Second)
	now := time.Now()
	for _, seed := range sc.Nodes {
		node := scheduler.Node{ID: seed.ID}
		for i := 0; i < seed.AcceleratorCount; i++ {
			node.Accelerators = append(node.Accelerators, scheduler.Accelerator{
				ID:           fmt.Sprintf("%s-acc-%d", seed.ID, i),
				Capability:   seed.Capability,
				MemoryDomain: seed.MemoryDomain,
			})
		}
		registry.Register(node, now)
		logger.Info("node seeded", "node_id", seed.ID, "accelerators", seed.AcceleratorCount)
	}

	queue := scheduler.NewJobQueue()
	queue.SetHistoryCapacity(sc.JobHistorySize)
	quota := scheduler.NewQuotaLimits(nil, nil)
	gang := scheduler.NewGangScheduler(registry, queue, quota, logger)
	gang.SetTunables(sc.BackfillEnabled, sc.TopologyAware, sc.MaxScheduleBatch, sc.PreemptionMargin)

	broadcaster := schedulerapi.NewBroadcaster()
	onCycle := func(result scheduler.CycleResult) {
		broadcaster.PublishCycle(result.Placed, result.Blocked, result.Preempted, time.Now())
	}
	onSweep := func(failed, replaced []string) {
		broadcaster.PublishSweep(failed, replaced, time.Now())
	}

	applyLogLevels := func(levels map[string]string) {
		for component, levelStr := range levels {
			level, err := logging.ParseLevel(levelStr)
			if err != nil {
				logger.Warn("config reload: invalid log level", "component", component, "level", levelStr, "error", err)
				continue
			}
			filterHandler.SetLevel(component, level)
		}
	}

	if configPath != "" {
		onReload := func(newCfg *config.Config) {
			applyLogLevels(newCfg.LogLevels)
			gang.SetTunables(newCfg.Scheduler.BackfillEnabled, newCfg.Scheduler.TopologyAware,
				newCfg.Scheduler.MaxScheduleBatch, newCfg.Scheduler.PreemptionMargin)
		}
		watcher, err := config.NewWatcher(configPath, logger, onReload)
		if err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		go watcher.Run(ctx)
	}

	var cluster *schedulercluster.Cluster
	if sc.RaftDataDir != "" {
		cluster, err = schedulercluster.New(schedulercluster.Config{
			NodeID:    sc.RaftNodeID,
			BindAddr:  sc.RaftBindAddr,
			DataDir:   sc.RaftDataDir,
			Bootstrap: sc.RaftBootstrap,
			Peers:     sc.RaftPeers,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("create raft cluster: %w", err)
		}
	}

	var driverMu sync.Mutex
	var driver *scheduler.CycleDriver
	startDriver := func() error {
		d, err := scheduler.NewCycleDriver(
			gang, registry,
			time.Duration(sc.ScheduleIntervalMs)*time.Millisecond,
			time.Duration(sc.HeartbeatTimeoutSeconds)*time.Second,
			onCycle, onSweep, logger,
		)
		if err != nil {
			return err
		}
		driverMu.Lock()
		driver = d
		driverMu.Unlock()
		return nil
	}
	stopDriver := func() {
		driverMu.Lock()
		d := driver
		driver = nil
		driverMu.Unlock()
		if d != nil {
			_ = d.Stop()
		}
	}

	if cluster == nil {
		// Single replica: always the leader, always runs placement cycles.
		if err := startDriver(); err != nil {
			return fmt.Errorf("start cycle driver: %w", err)
		}
	} else {
		// HA replica: only the raft leader runs placement cycles. A
		// background watcher starts/stops the driver as leadership changes.
		go watchLeadership(ctx, cluster, startDriver, stopDriver, logger)
	}

	grpcLn, err := net.Listen("tcp", sc.GRPCAddress)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcSrv := grpc.NewServer()
	schedulerapi.Register(grpcSrv, schedulerapi.NewServer(registry, broadcaster, logger))
	if cluster != nil {
		cluster.RegisterOn(grpcSrv)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := grpcSrv.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("scheduler grpc: %w", err)
		}
	}()
	logger.Info("scheduler grpc listening", "addr", sc.GRPCAddress)

	httpSrv := schedulerapi.NewHTTPServer(sc.HTTPAddress, queue, gang, logger)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- fmt.Errorf("scheduler http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("scheduler surface failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	grpcSrv.GracefulStop()
	stopDriver()
	if cluster != nil {
		if err := cluster.Shutdown(); err != nil {
			logger.Warn("raft shutdown error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// watchLeadership polls raft leadership and starts/stops the placement
// cycle driver so exactly one replica runs it at a time.
func watchLeadership(ctx context.Context, cluster *schedulercluster.Cluster, start func() error, stop func(), logger *slog.Logger) {
	wasLeader := false
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			isLeader := cluster.IsLeader()
			if isLeader && !wasLeader {
				logger.Info("acquired scheduler leadership")
				if err := start(); err != nil {
					logger.Error("failed to start cycle driver on leadership", "error", err)
					continue
				}
			} else if !isLeader && wasLeader {
				logger.Info("lost scheduler leadership")
				stop()
			}
			wasLeader = isLeader
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadTOML(path)
}
