// Package config describes the desired shape of a corefabric deployment:
// the data-plane engine's queue and plugin settings, and the scheduler's
// node/placement/cluster settings. It is declarative, the way the
// teacher's config package is: Config says what should exist, not how it
// gets created.
//
// Store is not on the ingest or placement hot path; persistence must not
// block either.
package config

import "context"

// Store persists and loads the whole Config as a single unit. Unlike the
// teacher's per-entity CRUD surface, this domain's config is small enough
// (engine tuning plus scheduler tuning) that whole-document Load/Save is
// the natural granularity.
type Store interface {
	// Load reads the configuration. Returns nil, nil if none exists yet.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config is the top-level document. The zero value is not meaningful; use
// DefaultConfig for bootstrap.
type Config struct {
	Engine    EngineConfig    `toml:"engine" json:"engine"`
	Admin     AdminConfig     `toml:"admin" json:"admin"`
	Scheduler SchedulerConfig `toml:"scheduler" json:"scheduler"`
	Plugins   []PluginConfig  `toml:"plugins" json:"plugins"`

	// LogLevels maps a component name (the "component" attribute components
	// scope their logger with) to a minimum slog level. Hot-reloadable: the
	// config watcher applies changes to the running ComponentFilterHandler
	// without a restart.
	LogLevels map[string]string `toml:"log_levels" json:"log_levels"`
}

// EngineConfig configures the data-plane consumer loop and ring buffer.
type EngineConfig struct {
	QueueCapacity  int `toml:"queue_capacity" json:"queue_capacity"`
	ParkIntervalUs int `toml:"park_interval_us" json:"park_interval_us"`
}

// AdminConfig configures the read-only HTTP status surface.
type AdminConfig struct {
	Address         string `toml:"address" json:"address"`
	RateLimitPerSec int    `toml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	RateBurst       int    `toml:"rate_burst" json:"rate_burst"`
}

// PluginConfig names a WASM module to load into the plugin host at
// startup, by filesystem path.
type PluginConfig struct {
	ID   string `toml:"id" json:"id"`
	Path string `toml:"path" json:"path"`
}

// SchedulerConfig configures the gang scheduler service. Defaults mirror
// the original implementation's scheduler configuration (see DESIGN.md):
// grpc/http listen addresses, heartbeat timeout, cycle interval, batch
// size, and feature toggles.
type SchedulerConfig struct {
	GRPCAddress             string  `toml:"grpc_address" json:"grpc_address"`
	HTTPAddress             string  `toml:"http_address" json:"http_address"`
	HeartbeatTimeoutSeconds int     `toml:"heartbeat_timeout_seconds" json:"heartbeat_timeout_seconds"`
	ScheduleIntervalMs      int     `toml:"schedule_interval_ms" json:"schedule_interval_ms"`
	MaxScheduleBatch        int     `toml:"max_schedule_batch" json:"max_schedule_batch"`
	BackfillEnabled         bool `toml:"backfill_enabled" json:"backfill_enabled"`
	TopologyAware           bool `toml:"topology_aware" json:"topology_aware"`
	PreemptionMargin        int  `toml:"preemption_margin" json:"preemption_margin"`

	// RaftDataDir, when non-empty, enables cluster leader election via
	// hashicorp/raft for scheduler HA. Empty means single-node/always-leader.
	RaftDataDir   string   `toml:"raft_data_dir" json:"raft_data_dir"`
	RaftNodeID    string   `toml:"raft_node_id" json:"raft_node_id"`
	RaftBindAddr  string   `toml:"raft_bind_addr" json:"raft_bind_addr"`
	RaftBootstrap bool     `toml:"raft_bootstrap" json:"raft_bootstrap"`
	RaftPeers     []string `toml:"raft_peers" json:"raft_peers"`

	// Nodes seeds the registry at startup. Real deployments would register
	// nodes dynamically as agents come online; this config-driven seed
	// stands in for that agent until one exists.
	Nodes []NodeSeed `toml:"nodes" json:"nodes"`

	// JobHistorySize bounds the in-process ring of terminated-job snapshots
	// retained for operator inspection. <= 0 falls back to the scheduler
	// package's own default.
	JobHistorySize int `toml:"job_history_size" json:"job_history_size"`
}

// NodeSeed describes one placement target to register at startup.
type NodeSeed struct {
	ID               string `toml:"id" json:"id"`
	AcceleratorCount int    `toml:"accelerator_count" json:"accelerator_count"`
	Capability       string `toml:"capability" json:"capability"`
	MemoryDomain     string `toml:"memory_domain" json:"memory_domain"`
}

// DefaultConfig returns the bootstrap configuration for first-run,
// matching spec §6's stated defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			QueueCapacity:  4096,
			ParkIntervalUs: 50,
		},
		Admin: AdminConfig{
			Address:         "0.0.0.0:8080",
			RateLimitPerSec: 10,
			RateBurst:       20,
		},
		Scheduler: SchedulerConfig{
			GRPCAddress:             "[::]:50051",
			HTTPAddress:             "0.0.0.0:8081",
			HeartbeatTimeoutSeconds: 60,
			ScheduleIntervalMs:      1000,
			MaxScheduleBatch:        100,
			BackfillEnabled:         true,
			TopologyAware:           true,
			PreemptionMargin:        2,
			RaftBootstrap:           true,
			JobHistorySize:          500,
		},
	}
}

// Bootstrap writes the default configuration to store if none exists yet.
func Bootstrap(ctx context.Context, store Store) (*Config, error) {
	existing, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	cfg := DefaultConfig()
	if err := store.Save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
