// Command corefabric-engine runs the standalone data-plane engine: the
// lock-free ring buffer, the sandboxed plugin host, the consumer loop, and
// the read-only administrative HTTP surface.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"corefabric/internal/adminserver"
	"corefabric/internal/config"
	"corefabric/internal/engine"
	"corefabric/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "corefabric-engine",
		Short: "Run the corefabric data-plane engine",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and admin surface",
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

	eng := engine.New(ctx, engine.Config{
		QueueCapacity: cfg.Engine.QueueCapacity,
		ParkInterval:  time.Duration(cfg.Engine.ParkIntervalUs) * time.Microsecond,
	}, logger)

	loaded := make(map[string]uuid.UUID)
	loadPlugin := func(p config.PluginConfig) error {
		bytecode, err := os.ReadFile(p.Path)
		if err != nil {
			return fmt.Errorf("read plugin %s: %w", p.ID, err)
		}
		id, err := eng.Plugins().Load(ctx, bytecode)
		if err != nil {
			return fmt.Errorf("load plugin %s: %w", p.ID, err)
		}
		loaded[p.ID] = id
		logger.Info("plugin loaded", "plugin_id", p.ID, "path", p.Path)
		return nil
	}

	for _, p := range cfg.Plugins {
		if err := loadPlugin(p); err != nil {
			return err
		}
	}

	eng.Start()
	logger.Info("engine started", "queue_capacity", cfg.Engine.QueueCapacity, "plugins", eng.Plugins().Count())

	admin := adminserver.New(eng, adminserver.Config{
		Addr:            cfg.Admin.Address,
		RateLimit:       rate.Limit(cfg.Admin.RateLimitPerSec),
		RateBurst:       cfg.Admin.RateBurst,
		CleanupInterval: 5 * time.Minute,
		StaleAfter:      10 * time.Minute,
	}, logger)

	var wg sync.WaitGroup
	admin.Start(ctx, &wg)
	logger.Info("admin surface listening", "addr", cfg.Admin.Address)

	if configPath != "" {
		onReload := func(newCfg *config.Config) {
			for component, levelStr := range newCfg.LogLevels {
				level, err := logging.ParseLevel(levelStr)
				if err != nil {
					logger.Warn("config reload: invalid log level", "component", component, "level", levelStr, "error", err)
					continue
				}
				filterHandler.SetLevel(component, level)
			}
			for _, p := range newCfg.Plugins {
				if _, ok := loaded[p.ID]; ok {
					continue
				}
				if err := loadPlugin(p); err != nil {
					logger.Warn("config reload: plugin load failed", "plugin_id", p.ID, "error", err)
				}
			}
		}
		watcher, err := config.NewWatcher(configPath, logger, onReload)
		if err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		go watcher.Run(ctx)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin shutdown error", "error", err)
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Warn("engine shutdown error", "error", err)
	}
	wg.Wait()

	logger.Info("shutdown complete")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadTOML(path)
}
