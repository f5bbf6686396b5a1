// Package ringbuffer implements the bounded, lock-free multi-producer
// single-consumer event queue described in spec §4.2.
//
// The algorithm is a CAS-based claim-sequence queue: each slot carries a
// sequence number that producers and the consumer use to detect which
// generation currently owns the slot, so no producer or the consumer ever
// holds a lock across arbitrary work. This is the same structure
// hayabusa-cloud-lfq's MPSCSeq uses, reimplemented here directly on
// sync/atomic rather than that library's own atomix/spin wrapper packages
// (see DESIGN.md for why).
package ringbuffer

import (
	"errors"
	"runtime"
	"sync/atomic"

	"corefabric/internal/event"
)

// ErrBufferFull is returned by Push when the ring buffer has no free slot.
// It is a control-flow signal, not a failure: the producer is expected to
// drop, retry, or apply backpressure (spec §4.2).
var ErrBufferFull = errors.New("ringbuffer: buffer full")

// pad occupies a cache line so that hot fields accessed by different
// goroutines don't false-share.
type pad [56]byte // 64-byte cache line minus the 8-byte field it follows

type slot struct {
	seq  atomic.Uint64
	data event.Event
	_    pad
}

// RingBuffer is a bounded queue of event.Event values. Capacity N is fixed
// at construction and rounds up to the next power of two. Observable state
// is occupancy in [0, N].
//
// RingBuffer values are shared between producer handles and the consumer by
// reference: callers should hold a *RingBuffer (or wrap it in their own
// reference-counted handle) rather than copying it, since the slot array
// must not be duplicated.
type RingBuffer struct {
	_    pad
	head atomic.Uint64 // consumer reads from here
	_    pad
	tail atomic.Uint64 // producers CAS here
	_    pad
	buf  []slot
	mask uint64
	cap  uint64
}

// New creates a RingBuffer with room for at least capacity events.
// Panics if capacity < 1.
func New(capacity int) *RingBuffer {
	if capacity < 1 {
		panic("ringbuffer: capacity must be >= 1")
	}
	n := uint64(roundToPow2(capacity))
	rb := &RingBuffer{
		buf:  make([]slot, n),
		mask: n - 1,
		cap:  n,
	}
	for i := uint64(0); i < n; i++ {
		rb.buf[i].seq.Store(i)
	}
	return rb
}

func roundToPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Push enqueues ev. Safe for concurrent use by many producers. Returns
// ErrBufferFull without blocking if no slot is free.
func (rb *RingBuffer) Push(ev event.Event) error {
	spins := 0
	for {
		tail := rb.tail.Load()
		head := rb.head.Load()

		if tail >= head+rb.cap {
			return ErrBufferFull
		}

		s := &rb.buf[tail&rb.mask]
		seq := s.seq.Load()

		if seq == tail {
			if rb.tail.CompareAndSwap(tail, tail+1) {
				s.data = ev
				s.seq.Store(tail + 1)
				return nil
			}
		} else if seq < tail {
			// A consumer hasn't finished freeing this slot's previous
			// generation yet; treat as transiently full rather than spin
			// forever against a single consumer that's merely behind.
			return ErrBufferFull
		}

		spins++
		if spins&63 == 0 {
			runtime.Gosched()
		}
	}
}

// Pop removes and returns the oldest event, if any. Only a single goroutine
// (the consumer) may call Pop concurrently with Push; Pop is not safe to
// call from multiple goroutines at once.
func (rb *RingBuffer) Pop() (event.Event, bool) {
	head := rb.head.Load()
	s := &rb.buf[head&rb.mask]
	seq := s.seq.Load()

	if seq != head+1 {
		return event.Event{}, false
	}

	ev := s.data
	s.data = event.Event{}
	s.seq.Store(head + rb.cap)
	rb.head.Store(head + 1)

	return ev, true
}

// Len returns the current occupancy. Because producers and the consumer
// operate concurrently, this is a snapshot, not a linearizable count.
func (rb *RingBuffer) Len() int {
	tail := rb.tail.Load()
	head := rb.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// IsEmpty reports whether the buffer currently holds no events.
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Len() == 0
}

// Cap returns the buffer's physical capacity (rounded up to a power of two).
func (rb *RingBuffer) Cap() int {
	return int(rb.cap)
}

// Drain pops and destroys every remaining event, invoking each event's
// foreign release callback exactly once. Used during engine shutdown: the
// consumer loop exits without draining the queue, so whatever is left must
// still have its foreign resources released (spec §4.3).
func (rb *RingBuffer) Drain() {
	for {
		ev, ok := rb.Pop()
		if !ok {
			return
		}
		ev.Destroy()
	}
}
