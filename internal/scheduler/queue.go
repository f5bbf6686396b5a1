package scheduler

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

// less implements spec §4.5's tie-breaking: higher priority first, then
// earlier submission timestamp, then lexicographically smaller job ID.
func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

// jobHeap is a container/heap.Interface ordering Queued jobs by `less`.
type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// JobQueue holds jobs awaiting placement plus an index of all jobs
// (queued, running, or terminal) by ID for status lookups.
type JobQueue struct {
	mu      sync.Mutex
	queued  jobHeap
	byID    map[string]*Job
	History *History
}

// NewJobQueue creates an empty queue with the default history retention.
func NewJobQueue() *JobQueue {
	return &JobQueue{byID: make(map[string]*Job), History: NewHistory(defaultHistorySize)}
}

// SetHistoryCapacity replaces the queue's history ring with an empty one of
// the given capacity. Intended to be called once at startup from
// configuration, before any jobs reach a terminal state.
func (q *JobQueue) SetHistoryCapacity(capacity int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.History = NewHistory(capacity)
}

// Submit enqueues a new job in Queued state.
func (q *JobQueue) Submit(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = JobQueued
	q.byID[job.ID] = job
	heap.Push(&q.queued, job)
}

// Requeue puts a job back into the queue, preserving its original
// SubmittedAt so it resumes its original priority-band position (spec
// §4.5: "the job re-enters the queue head of its priority band").
func (q *JobQueue) Requeue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = JobQueued
	job.reservation = nil
	heap.Push(&q.queued, job)
}

// Snapshot returns the currently queued jobs in placement order (priority
// desc, submission asc, ID asc), without removing them.
func (q *JobQueue) Snapshot() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := append(jobHeap(nil), q.queued...)
	out := make([]*Job, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*Job))
	}
	return out
}

// Remove pops a specific job out of the queued heap (used once a job is
// placed, so it isn't reconsidered next cycle; Cancel removes its job
// itself).
func (q *JobQueue) Remove(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.queued {
		if j.ID == jobID {
			heap.Remove(&q.queued, i)
			return
		}
	}
}

// Get returns a job by ID regardless of status.
func (q *JobQueue) Get(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[jobID]
	return j, ok
}

// All returns every known job (any status) in ID order, for listing.
func (q *JobQueue) All() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.byID))
	for _, j := range q.byID {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cancel transitions a queued job to Cancelled and removes it from the
// heap. No-op (returns false) if the job isn't queued.
func (q *JobQueue) Cancel(jobID string) bool {
	q.mu.Lock()
	j, ok := q.byID[jobID]
	if !ok || j.Status != JobQueued {
		q.mu.Unlock()
		return false
	}
	for i, qj := range q.queued {
		if qj.ID == jobID {
			heap.Remove(&q.queued, i)
			break
		}
	}
	j.Status = JobCancelled
	history := q.History
	q.mu.Unlock()

	history.Record(HistoryEntry{
		JobID: j.ID, Status: JobCancelled, Principal: j.Principal,
		Project: j.Project, Priority: j.Priority, EndedAt: time.Now(),
	})
	return true
}
