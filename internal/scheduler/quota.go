package scheduler

import "sync"

// QuotaLimits caps how many accelerators a single principal or project may
// hold across all Running jobs at once. A principal or project with no
// entry is unlimited; an entry of 0 admits no accelerators.
type QuotaLimits struct {
	mu             sync.Mutex
	principalMax   map[string]int
	projectMax     map[string]int
	principalUsage map[string]int
	projectUsage   map[string]int
}

// NewQuotaLimits creates a tracker with the given per-principal and
// per-project caps.
func NewQuotaLimits(principalMax, projectMax map[string]int) *QuotaLimits {
	return &QuotaLimits{
		principalMax:   principalMax,
		projectMax:     projectMax,
		principalUsage: make(map[string]int),
		projectUsage:   make(map[string]int),
	}
}

func (q *QuotaLimits) size(job *Job) int {
	return job.NodeCount * job.PerNode.AcceleratorCount
}

// Fits reports whether granting job would keep both its principal's and
// project's committed usage within their configured quota (spec §4.5
// step 1). Does not mutate usage.
func (q *QuotaLimits) Fits(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := q.size(job)
	if max, ok := q.principalMax[job.Principal]; ok {
		if q.principalUsage[job.Principal]+size > max {
			return false
		}
	}
	if max, ok := q.projectMax[job.Project]; ok {
		if q.projectUsage[job.Project]+size > max {
			return false
		}
	}
	return true
}

// Commit records job's usage against its principal and project.
func (q *QuotaLimits) Commit(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	size := q.size(job)
	q.principalUsage[job.Principal] += size
	q.projectUsage[job.Project] += size
}

// Release undoes a prior Commit, e.g. when a job is preempted or fails.
func (q *QuotaLimits) Release(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	size := q.size(job)
	q.principalUsage[job.Principal] -= size
	q.projectUsage[job.Project] -= size
}
