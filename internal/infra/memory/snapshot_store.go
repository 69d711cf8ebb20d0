package memory

import (
	"context"
	"sync"

	"contest-live-service/internal/domain"
)

// SnapshotStore keeps the latest ranking snapshot per contest in memory.
// It survives nothing but lets the service run without external storage.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]domain.RankingSnapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		snapshots: make(map[string]domain.RankingSnapshot),
	}
}

func (s *SnapshotStore) SaveSnapshot(_ context.Context, snap domain.RankingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.snapshots[snap.ContestID]; ok && prev.Version > snap.Version {
		return nil
	}
	s.snapshots[snap.ContestID] = snap
	return nil
}

func (s *SnapshotStore) LoadSnapshot(_ context.Context, contestID string) (domain.RankingSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[contestID]
	return snap, ok, nil
}
