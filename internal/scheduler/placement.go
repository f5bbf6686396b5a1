package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"corefabric/internal/logging"
)

// candidateOnNode returns accelerator IDs on node satisfying req, drawn
// from the given pool (free-only, or free+reserved when probing structural
// feasibility for preemption). Returns ok=false if the chosen pool on node
// cannot satisfy req.
func candidateOnNode(node *Node, req ResourceRequest, includeReserved bool) ([]string, bool) {
	pool := node.Accelerators

	matches := func(acc Accelerator) bool {
		if req.Capability != "" && acc.Capability != req.Capability {
			return false
		}
		if !includeReserved && !acc.IsFree() {
			return false
		}
		return true
	}

	switch req.Constraint {
	case ConstraintSameHost:
		var ids []string
		for _, acc := range pool {
			if matches(acc) {
				ids = append(ids, acc.ID)
			}
			if len(ids) == req.AcceleratorCount {
				return ids, true
			}
		}
		return nil, false

	case ConstraintSameMemoryDomain:
		byDomain := make(map[string][]string)
		for _, acc := range pool {
			if matches(acc) {
				byDomain[acc.MemoryDomain] = append(byDomain[acc.MemoryDomain], acc.ID)
			}
		}
		for _, ids := range byDomain {
			if len(ids) >= req.AcceleratorCount {
				return ids[:req.AcceleratorCount], true
			}
		}
		return nil, false

	case ConstraintPairwiseInterconnect:
		eligible := make(map[string]bool)
		for _, acc := range pool {
			if matches(acc) {
				eligible[acc.ID] = true
			}
		}
		adj := make(map[string][]string)
		for _, link := range node.Links {
			if link.Kind != req.LinkKind {
				continue
			}
			if eligible[link.A] && eligible[link.B] {
				adj[link.A] = append(adj[link.A], link.B)
				adj[link.B] = append(adj[link.B], link.A)
			}
		}
		// BFS from each eligible node to grow the largest connected set
		// reachable from it; the first one that reaches AcceleratorCount
		// wins, in accelerator-ID order for determinism.
		var ordered []string
		for id := range eligible {
			ordered = append(ordered, id)
		}
		sort.Strings(ordered)
		for _, start := range ordered {
			visited := map[string]bool{start: true}
			queue := []string{start}
			for len(queue) > 0 && len(visited) < req.AcceleratorCount {
				cur := queue[0]
				queue = queue[1:]
				for _, nb := range adj[cur] {
					if !visited[nb] {
						visited[nb] = true
						queue = append(queue, nb)
						if len(visited) == req.AcceleratorCount {
							break
						}
					}
				}
			}
			if len(visited) >= req.AcceleratorCount {
				ids := make([]string, 0, req.AcceleratorCount)
				for id := range visited {
					ids = append(ids, id)
					if len(ids) == req.AcceleratorCount {
						break
					}
				}
				sort.Strings(ids)
				return ids, true
			}
		}
		return nil, false
	}
	return nil, false
}

// assignment maps node ID to the accelerator IDs selected on it.
type assignment map[string][]string

// effectiveRequest downgrades a job's request to a same-host check when
// topology awareness is disabled, ignoring interconnect and memory-domain
// constraints entirely.
func effectiveRequest(req ResourceRequest, topologyAware bool) ResourceRequest {
	if !topologyAware {
		req.Constraint = ConstraintSameHost
	}
	return req
}

// feasibleAssignment picks job.NodeCount distinct nodes (in ID order, for
// determinism) that can each individually satisfy job.PerNode from the
// free-only pool.
func (g *GangScheduler) feasibleAssignment(nodes []*Node, job *Job) (assignment, bool) {
	req := effectiveRequest(job.PerNode, g.tunables().TopologyAware)
	out := make(assignment)
	for _, n := range nodes {
		if len(out) == job.NodeCount {
			break
		}
		if ids, ok := candidateOnNode(n, req, false); ok {
			out[n.ID] = ids
		}
	}
	if len(out) != job.NodeCount {
		return nil, false
	}
	return out, true
}

// structurallyFeasible reports whether job could ever be placed given
// total (free+reserved) capacity, ignoring current occupancy. Used to
// decide whether blocking on this job justifies preemption or backfill
// protection at all (spec §4.5's backfill "harmless" check, and to avoid
// attempting preemption for a job that could never fit regardless).
func (g *GangScheduler) structurallyFeasible(nodes []*Node, job *Job) (assignment, bool) {
	req := effectiveRequest(job.PerNode, g.tunables().TopologyAware)
	out := make(assignment)
	for _, n := range nodes {
		if len(out) == job.NodeCount {
			break
		}
		if ids, ok := candidateOnNode(n, req, true); ok {
			out[n.ID] = ids
		}
	}
	return out, len(out) == job.NodeCount
}

// tunables holds the GangScheduler settings an operator may change without
// a restart. Reload replaces the pointer wholesale (the same copy-on-write
// pattern internal/logging.ComponentFilterHandler uses for its level map),
// so a placement cycle in flight always sees a consistent snapshot.
type tunables struct {
	BackfillEnabled  bool
	TopologyAware    bool
	MaxBatch         int
	PreemptionMargin int
}

// GangScheduler runs placement cycles over a JobQueue against a
// NodeRegistry, per spec §4.5.
type GangScheduler struct {
	Registry *NodeRegistry
	Queue    *JobQueue
	Quota    *QuotaLimits

	tune atomic.Pointer[tunables]

	logger *slog.Logger
}

// NewGangScheduler wires a registry, queue, and quota tracker into a
// scheduler ready to run cycles.
func NewGangScheduler(registry *NodeRegistry, queue *JobQueue, quota *QuotaLimits, logger *slog.Logger) *GangScheduler {
	g := &GangScheduler{
		Registry: registry,
		Queue:    queue,
		Quota:    quota,
		logger:   logging.Default(logger).With("component", "scheduler"),
	}
	g.tune.Store(&tunables{BackfillEnabled: true, TopologyAware: true, MaxBatch: 100, PreemptionMargin: 2})
	return g
}

func (g *GangScheduler) tunables() tunables {
	return *g.tune.Load()
}

// SetTunables replaces every hot-reloadable setting at once. Safe to call
// concurrently with RunCycle: an in-flight cycle keeps using the snapshot
// it already loaded.
func (g *GangScheduler) SetTunables(backfillEnabled, topologyAware bool, maxBatch, preemptionMargin int) {
	g.tune.Store(&tunables{
		BackfillEnabled:  backfillEnabled,
		TopologyAware:    topologyAware,
		MaxBatch:         maxBatch,
		PreemptionMargin: preemptionMargin,
	})
}

// SetPreemptionMargin updates just the preemption margin, leaving the rest
// of the current tunables in place.
func (g *GangScheduler) SetPreemptionMargin(margin int) {
	t := g.tunables()
	t.PreemptionMargin = margin
	g.tune.Store(&t)
}

// CycleResult summarizes one RunCycle invocation.
type CycleResult struct {
	Placed    []string
	Blocked   []string
	Preempted []string
}

// RunCycle performs up to MaxBatch placement attempts over the queue's
// current snapshot, in priority order, with backfill and preemption.
func (g *GangScheduler) RunCycle() CycleResult {
	var result CycleResult
	t := g.tunables()

	candidates := g.Queue.Snapshot()
	if len(candidates) > t.MaxBatch {
		candidates = candidates[:t.MaxBatch]
	}

	// blockedFeasibleSets records, for each job found infeasible this
	// cycle (against free capacity) but structurally feasible in
	// principle, the node set a backfill placement must avoid touching to
	// remain "harmless" to it (spec §4.5 step 5).
	blockedFeasibleSets := make(map[string]map[string]bool)

	for _, job := range candidates {
		if !g.Quota.Fits(job) {
			continue // quota check: skip, remains Queued
		}

		job.Status = JobPlacing

		nodes := g.Registry.snapshot()

		// Protect every already-blocked higher-priority job this cycle:
		// skip any node a blocked job could still use.
		var restricted []*Node
		if t.BackfillEnabled && len(blockedFeasibleSets) > 0 {
			for _, n := range nodes {
				protected := false
				for _, nodeSet := range blockedFeasibleSets {
					if nodeSet[n.ID] {
						protected = true
						break
					}
				}
				if !protected {
					restricted = append(restricted, n)
				}
			}
		} else {
			restricted = nodes
		}

		asn, ok := g.feasibleAssignment(restricted, job)
		if !ok {
			// Try preemption before giving up, unless the job could never
			// fit regardless of occupancy.
			if structuralAsn, structurallyOK := g.structurallyFeasible(nodes, job); structurallyOK {
				if g.attemptPreemption(job, structuralAsn, &result) {
					asn, ok = g.feasibleAssignment(g.Registry.snapshot(), job)
				}
			}
		}

		if !ok {
			job.Status = JobQueued
			result.Blocked = append(result.Blocked, job.ID)
			if feasibleSet, sOK := g.structurallyFeasible(nodes, job); sOK {
				set := make(map[string]bool, len(feasibleSet))
				for nodeID := range feasibleSet {
					set[nodeID] = true
				}
				blockedFeasibleSets[job.ID] = set
			} else {
				blockedFeasibleSets[job.ID] = map[string]bool{} // never feasible: protects nothing
			}
			continue
		}

		if g.commit(job, asn) {
			g.Queue.Remove(job.ID)
			g.Quota.Commit(job)
			result.Placed = append(result.Placed, job.ID)
			g.logger.Info("job placed", "job_id", job.ID, "nodes", nodeIDs(asn))
		} else {
			// Mid-commit rollback: job re-enters queue head of its band
			// (its SubmittedAt is untouched, so Snapshot naturally resumes
			// its original position).
			job.Status = JobQueued
			result.Blocked = append(result.Blocked, job.ID)
			g.logger.Warn("gang reservation aborted", "job_id", job.ID)
		}
	}

	return result
}

func nodeIDs(a assignment) []string {
	out := make([]string, 0, len(a))
	for id := range a {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// commit attempts the atomic gang reservation (spec §4.5 step 4, §8
// invariant 5): either every node-local debit applies, or none do.
func (g *GangScheduler) commit(job *Job, asn assignment) bool {
	committed := make(assignment)
	for nodeID, ids := range asn {
		if err := g.Registry.debit(nodeID, job.ID, ids); err != nil {
			for doneNode, doneIDs := range committed {
				g.Registry.credit(doneNode, doneIDs)
			}
			return false
		}
		committed[nodeID] = ids
	}
	job.Status = JobRunning
	job.reservation = &Reservation{JobID: job.ID, ByNode: asn}
	return true
}

// attemptPreemption tries to free enough accelerators on the nodes named
// in structuralAsn by evicting Running jobs whose priority is more than
// PreemptionMargin below job's, one victim at a time, lowest priority
// first. Returns true if it freed enough to make job placeable; any
// eviction is left in effect only when it returns true — callers that see
// false have made no changes (victims are credited speculatively, and those
// credits are undone by re-debiting the victims' accelerators if the job
// still does not fit).
func (g *GangScheduler) attemptPreemption(job *Job, structuralAsn assignment, result *CycleResult) bool {
	var victims []*Job
	for _, j := range g.Queue.All() {
		if j.Status != JobRunning || j.reservation == nil {
			continue
		}
		for nodeID := range structuralAsn {
			if _, touches := j.reservation.ByNode[nodeID]; touches {
				victims = append(victims, j)
				break
			}
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].Priority < victims[j].Priority })

	// Speculatively credit eligible victims one at a time, lowest priority
	// first, stopping as soon as job becomes placeable. Nothing here is
	// final until the feasibility check below passes: a job's credit is
	// undone immediately if it turns out not to be needed.
	margin := g.tunables().PreemptionMargin
	var evicted []*Job
	feasible := false
	for _, v := range victims {
		if job.Priority-v.Priority <= margin {
			continue // margin not exceeded; this victim cannot be taken
		}
		for nodeID, ids := range v.reservation.ByNode {
			g.Registry.credit(nodeID, ids)
		}
		evicted = append(evicted, v)
		if _, ok := g.feasibleAssignment(g.Registry.snapshot(), job); ok {
			feasible = true
			break
		}
	}
	if !feasible {
		// Undo every speculative credit: re-debit victims' accelerators
		// exactly as they were.
		for _, v := range evicted {
			for nodeID, ids := range v.reservation.ByNode {
				_ = g.Registry.debit(nodeID, v.ID, ids)
			}
		}
		return false
	}

	for _, v := range evicted {
		g.Quota.Release(v)
		v.Status = JobQueued
		v.reservation = nil
		g.Queue.Requeue(v)
		result.Preempted = append(result.Preempted, v.ID)
		g.logger.Info("job preempted", "victim_job_id", v.ID, "incoming_job_id", job.ID)
	}
	return true
}

// CompleteJob transitions a Running job to Completed, releasing its
// reservation's accelerators and quota usage and retaining a history
// entry. The scheduler has no notion of a job's own runtime; completion is
// reported by whatever executes the job (spec §3 EXPANDED job history).
func (g *GangScheduler) CompleteJob(jobID string) error {
	job, ok := g.Queue.Get(jobID)
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", jobID)
	}
	if job.Status != JobRunning || job.reservation == nil {
		return fmt.Errorf("scheduler: job %q is not running", jobID)
	}

	for nodeID, ids := range job.reservation.ByNode {
		g.Registry.credit(nodeID, ids)
	}
	g.Quota.Release(job)
	job.reservation = nil
	job.Status = JobCompleted

	g.Queue.History.Record(HistoryEntry{
		JobID: job.ID, Status: JobCompleted, Principal: job.Principal,
		Project: job.Project, Priority: job.Priority, EndedAt: time.Now(),
	})
	return nil
}

// failJobsOnNodes releases the gang reservations of every Running job
// touching one of lapsedNodeIDs and either re-places it immediately on
// still-active capacity or fails it, per spec §4.5 ("transition to Failed
// at the next sweep unless re-placement is possible") and §5's sweep
// cancellation rule. Called by the cycle driver right after
// NodeRegistry.Sweep marks nodes inactive.
func (g *GangScheduler) failJobsOnNodes(lapsedNodeIDs []string) (failed, replaced []string) {
	if len(lapsedNodeIDs) == 0 {
		return nil, nil
	}
	lapsed := make(map[string]bool, len(lapsedNodeIDs))
	for _, id := range lapsedNodeIDs {
		lapsed[id] = true
	}

	for _, job := range g.Queue.All() {
		if job.Status != JobRunning || job.reservation == nil {
			continue
		}
		touches := false
		for nodeID := range job.reservation.ByNode {
			if lapsed[nodeID] {
				touches = true
				break
			}
		}
		if !touches {
			continue
		}

		for nodeID, ids := range job.reservation.ByNode {
			g.Registry.credit(nodeID, ids)
		}
		g.Quota.Release(job)
		job.reservation = nil

		if asn, ok := g.feasibleAssignment(g.Registry.snapshot(), job); ok && g.commit(job, asn) {
			g.Quota.Commit(job)
			replaced = append(replaced, job.ID)
			g.logger.Info("job re-placed after node lapse", "job_id", job.ID, "nodes", nodeIDs(asn))
			continue
		}

		job.Status = JobFailed
		failed = append(failed, job.ID)
		g.Queue.History.Record(HistoryEntry{
			JobID: job.ID, Status: JobFailed, Principal: job.Principal,
			Project: job.Project, Priority: job.Priority, EndedAt: time.Now(),
		})
		g.logger.Warn("job failed: host lapsed", "job_id", job.ID)
	}
	return failed, replaced
}
