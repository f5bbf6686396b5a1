package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"corefabric/internal/logging"
)

// CycleDriver runs a GangScheduler's placement cycle and the node
// registry's heartbeat sweep on fixed intervals, under a gocron scheduler
// limited to one running job at a time.
type CycleDriver struct {
	mu        sync.Mutex
	cron      gocron.Scheduler
	gang      *GangScheduler
	registry  *NodeRegistry
	lastCycle CycleResult
	cycles    int64
	onCycle   func(CycleResult)
	onSweep   func(failed, replaced []string)
	logger    *slog.Logger
}

// NewCycleDriver creates a driver that runs a placement cycle every
// scheduleInterval and sweeps stale node heartbeats every
// heartbeatTimeout/2 + 1s.
// The cron scheduler is started immediately; call Stop to shut it down.
// onCycle, if non-nil, is invoked after every completed cycle (e.g. to fan
// out job events to subscribers); it must not block. onSweep, if non-nil,
// is invoked after every heartbeat sweep with the jobs it failed or
// re-placed because their host(s) lapsed; it must not block either.
func NewCycleDriver(gang *GangScheduler, registry *NodeRegistry, scheduleInterval, heartbeatTimeout time.Duration, onCycle func(CycleResult), onSweep func(failed, replaced []string), logger *slog.Logger) (*CycleDriver, error) {
	s, err := gocron.NewScheduler(gocron.WithLimitConcurrentJobs(1, gocron.LimitModeWait))
	if err != nil {
		return nil, fmt.Errorf("scheduler: create cycle driver: %w", err)
	}

	d := &CycleDriver{
		cron:     s,
		gang:     gang,
		registry: registry,
		onCycle:  onCycle,
		onSweep:  onSweep,
		logger:   logging.Default(logger).With("component", "scheduler-cycle"),
	}

	if _, err := s.NewJob(
		gocron.DurationJob(scheduleInterval),
		gocron.NewTask(d.runCycle),
		gocron.WithName("gang-placement-cycle"),
	); err != nil {
		return nil, fmt.Errorf("scheduler: register placement cycle: %w", err)
	}

	if _, err := s.NewJob(
		gocron.DurationJob(heartbeatTimeout/2+time.Second),
		gocron.NewTask(d.runSweep),
		gocron.WithName("node-heartbeat-sweep"),
	); err != nil {
		return nil, fmt.Errorf("scheduler: register heartbeat sweep: %w", err)
	}

	s.Start()
	return d, nil
}

func (d *CycleDriver) runCycle() {
	result := d.gang.RunCycle()

	d.mu.Lock()
	d.lastCycle = result
	d.cycles++
	d.mu.Unlock()

	if len(result.Placed) > 0 || len(result.Preempted) > 0 {
		d.logger.Info("placement cycle complete",
			"placed", len(result.Placed),
			"blocked", len(result.Blocked),
			"preempted", len(result.Preempted))
	}

	if d.onCycle != nil {
		d.onCycle(result)
	}
}

func (d *CycleDriver) runSweep() {
	lapsed := d.registry.Sweep(time.Now())
	if len(lapsed) == 0 {
		return
	}
	for _, nodeID := range lapsed {
		d.logger.Warn("node heartbeat lapsed", "node_id", nodeID)
	}

	failed, replaced := d.gang.failJobsOnNodes(lapsed)
	if d.onSweep != nil && (len(failed) > 0 || len(replaced) > 0) {
		d.onSweep(failed, replaced)
	}
}

// LastCycle returns the result of the most recently completed placement
// cycle, for status reporting.
func (d *CycleDriver) LastCycle() CycleResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCycle
}

// Cycles returns the number of placement cycles run so far.
func (d *CycleDriver) Cycles() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycles
}

// Stop shuts down the underlying cron scheduler.
func (d *CycleDriver) Stop() error {
	return d.cron.Shutdown()
}
