package repository

import (
	"context"
	"sync"
	"time"

	"ultraboard-sync-server/internal/domain"
)

type memorySnapshotRepository struct {
	mu        sync.RWMutex
	snapshots map[string]domain.BoardSnapshot
}

func NewMemorySnapshotRepository() SnapshotRepository {
	return &memorySnapshotRepository{
		snapshots: make(map[string]domain.BoardSnapshot),
	}
}

func (r *memorySnapshotRepository) Save(ctx context.Context, lessonID, content string) (*domain.BoardSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("save snapshot", lessonID, err)
	}

	snap := domain.BoardSnapshot{
		LessonID:  lessonID,
		Content:   content,
		UpdatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.snapshots[lessonID] = snap
	r.mu.Unlock()

	return &snap, nil
}

func (r *memorySnapshotRepository) Load(ctx context.Context, lessonID string) (*domain.BoardSnapshot, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.snapshots[lessonID]
	if !ok {
		return nil, false, nil
	}
	return &snap, true, nil
}

func (r *memorySnapshotRepository) Clear(ctx context.Context, lessonID string) error {
	r.mu.Lock()
	delete(r.snapshots, lessonID)
	r.mu.Unlock()
	return nil
}
