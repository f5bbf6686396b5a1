package schedulerapi

import (
	"sync"
	"time"
)

// Broadcaster fans placement-cycle outcomes out to any number of
// JobEvents stream subscribers. A slow or gone subscriber never blocks
// the scheduler: its channel is buffered and events are dropped, not
// queued unboundedly, if it falls behind.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan JobEvent
	next int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan JobEvent)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must invoke when done.
func (b *Broadcaster) Subscribe() (<-chan JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan JobEvent, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish emits a job event to every current subscriber. Non-blocking:
// a subscriber whose buffer is full misses the event.
func (b *Broadcaster) Publish(jobID string, kind JobEventKind, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := JobEvent{JobID: jobID, Kind: kind, AtUTC: at}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishCycle translates a scheduler.CycleResult-shaped outcome into
// individual job events. Accepts plain string slices so this package
// doesn't need to import the scheduler package's types directly.
func (b *Broadcaster) PublishCycle(placed, blocked, preempted []string, at time.Time) {
	for _, id := range placed {
		b.Publish(id, JobEventPlaced, at)
	}
	for _, id := range blocked {
		b.Publish(id, JobEventBlocked, at)
	}
	for _, id := range preempted {
		b.Publish(id, JobEventPreempted, at)
	}
}

// PublishSweep fans out failure/re-placement events produced by the node
// heartbeat sweep. Re-placed jobs get a placed event; failed jobs get a
// failed event.
func (b *Broadcaster) PublishSweep(failed, replaced []string, at time.Time) {
	for _, id := range failed {
		b.Publish(id, JobEventFailed, at)
	}
	for _, id := range replaced {
		b.Publish(id, JobEventPlaced, at)
	}
}
