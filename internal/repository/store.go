// Package repository persists broker snapshots and client API keys.
//
// A SnapshotStore replaces the whole stored state on every Save. Stores are
// written by a single Writer, which debounces change notifications from the
// broker and flushes once more on shutdown.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/felipepmaragno/credential-broker/internal/domain"
)

type SnapshotStore interface {
	// Load returns the stored snapshot, or nil if nothing has been saved yet.
	Load(ctx context.Context) (*domain.Snapshot, error)
	Save(ctx context.Context, snap *domain.Snapshot) error
}

type InMemorySnapshotStore struct {
	mu    sync.RWMutex
	data  []byte
	saves int
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{}
}

func (s *InMemorySnapshotStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.data == nil {
		return nil, nil
	}
	return decodeSnapshot(s.data)
}

func (s *InMemorySnapshotStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (s *InMemorySnapshotStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func decodeSnapshot(data []byte) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
