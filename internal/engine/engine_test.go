package engine

import (
	"context"
	"testing"
	"time"

	"corefabric/internal/event"
)

// wasmAlwaysAccept is a minimal module exporting on_event that always
// returns 1. Built the same way as pluginhost's fixtures: magic+version,
// type/function/export/code sections for a (i32,i64)->i32 signature whose
// body is i32.const 1; end.
func wasmAlwaysAccept() []byte {
	return []byte{
		0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x07, 0x01, 0x60, 0x02, 0x7F, 0x7E, 0x01, 0x7F,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x0C, 0x01, 0x08, 'o', 'n', '_', 'e', 'v', 'e', 'n', 't', 0x00, 0x00,
		0x0A, 0x06, 0x01, 0x04, 0x00, 0x41, 0x01, 0x0B,
	}
}

func waitForStat(t *testing.T, get func() int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for stat to reach %d, got %d", want, get())
}

func TestEngineProcessesPublishedEvents(t *testing.T) {
	ctx := context.Background()
	e := New(ctx, Config{QueueCapacity: 16, ParkInterval: time.Microsecond}, nil)
	e.Start()
	defer e.Stop(context.Background())

	if _, err := e.Plugins().Load(ctx, wasmAlwaysAccept()); err != nil {
		t.Fatalf("load plugin: %v", err)
	}

	for i := 0; i < 10; i++ {
		ev := event.NewEvent(1, uint64(i), 0, nil)
		if err := e.Publish(ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	waitForStat(t, func() int64 { return e.Stats().Snapshot().EventsAccepted }, 10)

	snap := e.Stats().Snapshot()
	if snap.EventsDropped != 0 {
		t.Fatalf("EventsDropped = %d, want 0", snap.EventsDropped)
	}
}

func TestEngineReleasesEventOnDispatch(t *testing.T) {
	ctx := context.Background()
	e := New(ctx, Config{QueueCapacity: 16, ParkInterval: time.Microsecond}, nil)
	e.Start()
	defer e.Stop(context.Background())

	released := make(chan struct{}, 1)
	ev := event.NewEvent(1, 1, 0, nil).WithRelease(func() { released <- struct{}{} })
	if err := e.Publish(ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event release")
	}
}

func TestEngineDrainsQueueOnStop(t *testing.T) {
	ctx := context.Background()
	e := New(ctx, Config{QueueCapacity: 16, ParkInterval: time.Hour}, nil)
	// Intentionally never Start(): nothing pops, so Stop must drain and
	// release whatever is left in the queue (spec §4.3 shutdown semantics).

	released := 0
	for i := 0; i < 3; i++ {
		ev := event.NewEvent(1, uint64(i), 0, nil).WithRelease(func() { released++ })
		if err := e.Publish(ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	e.running.Store(true)
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	close(e.doneCh)
	close(e.stopCh)

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if released != 3 {
		t.Fatalf("released = %d, want 3", released)
	}
}
