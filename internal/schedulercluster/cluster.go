// Package schedulercluster gives the scheduler service leader election so
// exactly one replica runs placement cycles at a time. It wraps
// hashicorp/raft with a boltdb-backed log store, a gRPC transport shared
// with the rest of the scheduler's gRPC server, and raftadmin/leaderhealth
// for membership management and load-balancer health checks. There is
// nothing to replicate here — placement decisions are
// derived from heartbeats the current leader receives directly — so the
// FSM is a no-op and exists only to satisfy raft.NewRaft's signature.
package schedulercluster

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	transport "github.com/Jille/raft-grpc-transport"
	"github.com/Jille/raft-grpc-leader-rpc/leaderhealth"
	"github.com/Jille/raftadmin"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"google.golang.org/grpc"

	"corefabric/internal/logging"
)

// noopFSM discards every apply; this cluster only uses Raft for leader
// election, not replicated state.
type noopFSM struct{}

var _ hraft.FSM = noopFSM{}

func (noopFSM) Apply(*hraft.Log) any { return nil }
func (noopFSM) Snapshot() (hraft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}
func (noopFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink hraft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                              {}

// Config configures a single scheduler replica's participation in leader
// election.
type Config struct {
	NodeID    string
	BindAddr  string // advertised address other replicas use for raft RPCs
	DataDir   string
	Bootstrap bool     // true for a single-node or cluster-founding replica
	Peers     []string // other replicas' NodeID@BindAddr, for reference/ops tooling

	Logger *slog.Logger
}

// Cluster wraps a raft.Raft instance whose only purpose is to answer
// "am I the leader" for the scheduler's placement-cycle driver.
type Cluster struct {
	raft   *hraft.Raft
	tm     *transport.Manager
	logger *slog.Logger
}

// New creates (or opens) the raft instance for this replica. The caller
// must call RegisterOn before starting its gRPC server, since the raft
// transport and admin/health services attach to that same server.
func New(cfg Config) (*Cluster, error) {
	logger := logging.Default(cfg.Logger).With("component", "schedulercluster")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("schedulercluster: create data dir: %w", err)
	}

	raftCfg := hraft.DefaultConfig()
	raftCfg.LocalID = hraft.ServerID(cfg.NodeID)

	logStorePath := filepath.Join(cfg.DataDir, "raft-log.bolt")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return nil, fmt.Errorf("schedulercluster: open log store: %w", err)
	}

	snapStore, err := hraft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("schedulercluster: open snapshot store: %w", err)
	}

	tm := transport.New(hraft.ServerAddress(cfg.BindAddr), nil)

	r, err := hraft.NewRaft(raftCfg, noopFSM{}, logStore, logStore, snapStore, tm.Transport())
	if err != nil {
		return nil, fmt.Errorf("schedulercluster: create raft: %w", err)
	}

	if cfg.Bootstrap {
		hasState, err := hraft.HasExistingState(logStore, logStore, snapStore)
		if err != nil {
			return nil, fmt.Errorf("schedulercluster: check existing state: %w", err)
		}
		if !hasState {
			cfgEntry := hraft.Configuration{
				Servers: []hraft.Server{{ID: raftCfg.LocalID, Address: hraft.ServerAddress(cfg.BindAddr)}},
			}
			if err := r.BootstrapCluster(cfgEntry).Error(); err != nil {
				return nil, fmt.Errorf("schedulercluster: bootstrap: %w", err)
			}
		}
	}

	return &Cluster{raft: r, tm: tm, logger: logger}, nil
}

// RegisterOn attaches the raft transport plus membership/health services
// to a gRPC server that the caller owns and serves.
func (c *Cluster) RegisterOn(gs *grpc.Server) {
	c.tm.Register(gs)
	raftadmin.Register(gs, c.raft)
	leaderhealth.Setup(c.raft, gs, []string{"scheduler-cluster"})
}

// IsLeader reports whether this replica currently holds leadership.
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == hraft.Leader
}

// Leader returns the current leader's advertised address, or "" if
// unknown.
func (c *Cluster) Leader() string {
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader blocks until a leader is known or timeout elapses.
func (c *Cluster) WaitForLeader(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Leader() != "" {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// Shutdown releases the raft instance and its transport.
func (c *Cluster) Shutdown() error {
	if err := c.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("schedulercluster: shutdown: %w", err)
	}
	return c.tm.Close()
}
