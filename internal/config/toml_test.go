package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriteThenLoadTOMLRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corefabric.toml")
	want := DefaultConfig()
	want.Engine.QueueCapacity = 2048

	if err := WriteTOML(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadTOML(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Engine.QueueCapacity != 2048 {
		t.Fatalf("QueueCapacity = %d, want 2048", got.Engine.QueueCapacity)
	}
	if got.Scheduler.GRPCAddress != want.Scheduler.GRPCAddress {
		t.Fatalf("GRPCAddress = %q, want %q", got.Scheduler.GRPCAddress, want.Scheduler.GRPCAddress)
	}
}

func TestLoadTOMLFillsDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corefabric.toml")
	if err := os.WriteFile(path, []byte("[engine]\nqueue_capacity = 256\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := LoadTOML(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Engine.QueueCapacity != 256 {
		t.Fatalf("QueueCapacity = %d, want 256", got.Engine.QueueCapacity)
	}
	if got.Scheduler.ScheduleIntervalMs != DefaultConfig().Scheduler.ScheduleIntervalMs {
		t.Fatalf("expected default ScheduleIntervalMs to survive a partial file")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corefabric.toml")
	initial := DefaultConfig()
	initial.Engine.QueueCapacity = 111
	if err := WriteTOML(path, initial); err != nil {
		t.Fatalf("write: %v", err)
	}

	var mu sync.Mutex
	seen := make([]int, 0, 2)
	w, err := NewWatcher(path, nil, func(cfg *Config) {
		mu.Lock()
		seen = append(seen, cfg.Engine.QueueCapacity)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	updated := DefaultConfig()
	updated.Engine.QueueCapacity = 222
	time.Sleep(50 * time.Millisecond)
	if err := WriteTOML(path, updated); err != nil {
		t.Fatalf("write update: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("expected at least 2 reload callbacks, got %d: %v", len(seen), seen)
	}
	if seen[0] != 111 {
		t.Fatalf("first callback QueueCapacity = %d, want 111", seen[0])
	}
	if seen[len(seen)-1] != 222 {
		t.Fatalf("last callback QueueCapacity = %d, want 222", seen[len(seen)-1])
	}
}
