package testutils

import (
	"context"
	"maps"
	"sync"

	"github.com/lessucettes/redlight/internal/store"
)

// InMemoryStore keeps the snapshot in memory.
type InMemoryStore struct {
	mu          sync.RWMutex
	snap        *store.Snapshot
	saves       int
	errToReturn error
}

var _ store.Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errToReturn = err
}

func (s *InMemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *InMemoryStore) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errToReturn != nil {
		return s.errToReturn
	}
	cp := store.Snapshot{Origin: snap.Origin, RefreshedAt: snap.RefreshedAt, Entries: maps.Clone(snap.Entries)}
	s.snap = &cp
	s.saves++
	return nil
}

func (s *InMemoryStore) LoadSnapshot(ctx context.Context) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.errToReturn != nil {
		return store.Snapshot{}, s.errToReturn
	}
	if s.snap == nil {
		return store.Snapshot{}, store.ErrNoSnapshot
	}
	return store.Snapshot{Origin: s.snap.Origin, RefreshedAt: s.snap.RefreshedAt, Entries: maps.Clone(s.snap.Entries)}, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
