package memory

import (
	"context"
	"testing"

	"corefabric/internal/config"
)

func TestLoadReturnsNilBeforeFirstSave(t *testing.T) {
	s := NewStore()
	cfg, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config before first save, got %+v", cfg)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := NewStore()
	want := config.DefaultConfig()
	want.Engine.QueueCapacity = 8192

	if err := s.Save(context.Background(), want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Engine.QueueCapacity != 8192 {
		t.Fatalf("QueueCapacity = %d, want 8192", got.Engine.QueueCapacity)
	}
}

func TestLoadReturnsIndependentCopy(t *testing.T) {
	s := NewStore()
	if err := s.Save(context.Background(), config.DefaultConfig()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := s.Load(context.Background())
	got.Engine.QueueCapacity = 1
	got2, _ := s.Load(context.Background())
	if got2.Engine.QueueCapacity == 1 {
		t.Fatalf("mutating a loaded config should not affect the store's copy")
	}
}
