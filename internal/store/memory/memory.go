// Package memory implements an in-process snapshot store for tests and
// single-run development brokers.
package memory

import (
	"context"
	"sort"
	"sync"

	"appbroker/internal/store"
)

// Store keeps snapshots in a map guarded by a RWMutex.
type Store struct {
	mu    sync.RWMutex
	snaps map[string]*store.Snapshot
}

// New creates an empty store.
func New() *Store {
	return &Store{snaps: make(map[string]*store.Snapshot)}
}

func (s *Store) Put(_ context.Context, appID string, snap *store.Snapshot) error {
	c := snap.Clone()
	if c.Version == 0 {
		c.Version = store.SnapshotVersion
	}
	s.mu.Lock()
	s.snaps[appID] = c
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(_ context.Context, appID string) (*store.Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snaps[appID]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return snap.Clone(), nil
}

func (s *Store) Delete(_ context.Context, appID string) error {
	s.mu.Lock()
	delete(s.snaps, appID)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(_ context.Context) ([]*store.Snapshot, error) {
	s.mu.RLock()
	out := make([]*store.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out, nil
}

func (s *Store) Close() error { return nil }
