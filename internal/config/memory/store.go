// Package memory provides an in-memory config.Store implementation.
// Intended for tests and for running the engine or scheduler with no
// persistence. Configuration is not retained across restarts.
package memory

import (
	"context"
	"sync"

	"corefabric/internal/config"
)

// Store is an in-memory config.Store implementation.
type Store struct {
	mu  sync.RWMutex
	cfg *config.Config
}

var _ config.Store = (*Store)(nil)

// NewStore creates an empty Store. Load returns nil, nil until Save is
// called at least once.
func NewStore() *Store {
	return &Store{}
}

// Load returns a copy of the stored config, or nil if none has been saved.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, nil
	}
	cfg := *s.cfg
	return &cfg, nil
}

// Save replaces the stored config.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *cfg
	s.cfg = &stored
	return nil
}
