package ringbuffer

import (
	"sync"
	"testing"

	"corefabric/internal/event"
)

func ev(seq uint64) event.Event {
	return event.NewEvent(1, seq, 0, nil)
}

// TestRingWrap is scenario S1 from spec §8: N=4, push [1,2,3,4], pop twice
// (expect 1,2), push [5,6] (both succeed), push 7 -> BufferFull, pop four
// times -> 3,4,5,6.
func TestRingWrap(t *testing.T) {
	rb := New(4)

	for _, seq := range []uint64{1, 2, 3, 4} {
		if err := rb.Push(ev(seq)); err != nil {
			t.Fatalf("push %d: %v", seq, err)
		}
	}

	for _, want := range []uint64{1, 2} {
		got, ok := rb.Pop()
		if !ok {
			t.Fatalf("pop: expected event, got none")
		}
		if got.Header.SeqNo != want {
			t.Fatalf("pop: got seq %d, want %d", got.Header.SeqNo, want)
		}
	}

	for _, seq := range []uint64{5, 6} {
		if err := rb.Push(ev(seq)); err != nil {
			t.Fatalf("push %d: %v", seq, err)
		}
	}

	if err := rb.Push(ev(7)); err != ErrBufferFull {
		t.Fatalf("push 7: got %v, want ErrBufferFull", err)
	}

	for _, want := range []uint64{3, 4, 5, 6} {
		got, ok := rb.Pop()
		if !ok {
			t.Fatalf("pop: expected event, got none")
		}
		if got.Header.SeqNo != want {
			t.Fatalf("pop: got seq %d, want %d", got.Header.SeqNo, want)
		}
	}

	if _, ok := rb.Pop(); ok {
		t.Fatalf("pop: expected empty buffer")
	}
}

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 1000: 1024}
	for in, want := range cases {
		rb := New(in)
		if rb.Cap() != want {
			t.Errorf("New(%d).Cap() = %d, want %d", in, rb.Cap(), want)
		}
	}
}

func TestFullAfterExactlyNPushes(t *testing.T) {
	const n = 16
	rb := New(n)
	for i := 0; i < n; i++ {
		if err := rb.Push(ev(uint64(i))); err != nil {
			t.Fatalf("push %d: unexpected error %v", i, err)
		}
	}
	if err := rb.Push(ev(n)); err != ErrBufferFull {
		t.Fatalf("push after filling: got %v, want ErrBufferFull", err)
	}
}

// TestSingleProducerFIFO verifies invariant 1 in spec §8: events pushed by
// the same producer in order are seen by the consumer in the same order.
func TestSingleProducerFIFO(t *testing.T) {
	rb := New(64)
	const total = 1000

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			for rb.Push(ev(uint64(i))) == ErrBufferFull {
			}
		}
	}()

	next := uint64(0)
	for next < total {
		got, ok := rb.Pop()
		if !ok {
			continue
		}
		if got.Header.SeqNo != next {
			t.Fatalf("out of order: got %d, want %d", got.Header.SeqNo, next)
		}
		next++
	}
	<-done
}

// TestMultiProducerNoLoss verifies that concurrent producers never lose an
// event that successfully enqueued: every pushed sequence number across all
// producers is eventually observed by the consumer exactly once.
func TestMultiProducerNoLoss(t *testing.T) {
	rb := New(256)
	const producers = 8
	const perProducer = 500
	const total = producers * perProducer

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				seq := uint64(p*perProducer + i)
				for rb.Push(ev(seq)) == ErrBufferFull {
				}
			}
		}(p)
	}

	seen := make(map[uint64]bool, total)
	var mu sync.Mutex
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		count := 0
		for count < total {
			got, ok := rb.Pop()
			if !ok {
				continue
			}
			mu.Lock()
			if seen[got.Header.SeqNo] {
				mu.Unlock()
				t.Errorf("duplicate delivery of seq %d", got.Header.SeqNo)
				continue
			}
			seen[got.Header.SeqNo] = true
			mu.Unlock()
			count++
		}
	}()

	wg.Wait()
	<-consumerDone

	if len(seen) != total {
		t.Fatalf("observed %d distinct sequence numbers, want %d", len(seen), total)
	}
}

func TestDrainReleasesForeignResources(t *testing.T) {
	rb := New(4)
	released := 0
	for i := 0; i < 3; i++ {
		e := ev(uint64(i)).WithRelease(func() { released++ })
		if err := rb.Push(e); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	rb.Drain()
	if released != 3 {
		t.Fatalf("released = %d, want 3", released)
	}
	if !rb.IsEmpty() {
		t.Fatalf("expected empty buffer after drain")
	}
}
