package repository

import (
	"context"
	"sort"
	"sync"

	"ultraboard-sync-server/internal/domain"
)

type memoryLesson struct {
	mu   sync.RWMutex
	ops  []domain.DrawOperation
	last int64
}

// memoryOperationRepository guards the lesson map with mu and each lesson
// with its own lock, so lessons never wait on each other.
type memoryOperationRepository struct {
	mu      sync.RWMutex
	lessons map[string]*memoryLesson
}

// NewMemoryOperationRepository keeps operations in process memory. Used in
// development and tests.
func NewMemoryOperationRepository() OperationRepository {
	return &memoryOperationRepository{
		lessons: make(map[string]*memoryLesson),
	}
}

func (r *memoryOperationRepository) lesson(lessonID string, create bool) *memoryLesson {
	r.mu.RLock()
	l := r.lessons[lessonID]
	r.mu.RUnlock()
	if l != nil || !create {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l = r.lessons[lessonID]; l == nil {
		l = &memoryLesson{}
		r.lessons[lessonID] = l
	}
	return l
}

func (r *memoryOperationRepository) Append(ctx context.Context, lessonID string, op *domain.DrawOperation) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storeErr("append operation", lessonID, err)
	}

	l := r.lesson(lessonID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.last++
	stored := op.Clone()
	stored.LessonID = lessonID
	stored.SequenceNumber = l.last
	l.ops = append(l.ops, stored)

	return l.last, nil
}

func (r *memoryOperationRepository) ListSince(ctx context.Context, lessonID string, afterSequence int64) ([]domain.DrawOperation, error) {
	l := r.lesson(lessonID, false)
	if l == nil {
		return []domain.DrawOperation{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := sort.Search(len(l.ops), func(i int) bool {
		return l.ops[i].SequenceNumber > afterSequence
	})

	out := make([]domain.DrawOperation, 0, len(l.ops)-start)
	for _, op := range l.ops[start:] {
		out = append(out, op.Clone())
	}
	return out, nil
}

func (r *memoryOperationRepository) Clear(ctx context.Context, lessonID string) error {
	if l := r.lesson(lessonID, false); l != nil {
		l.mu.Lock()
		l.ops = nil
		l.mu.Unlock()
	}
	return nil
}

func (r *memoryOperationRepository) Count(ctx context.Context, lessonID string) (int64, error) {
	l := r.lesson(lessonID, false)
	if l == nil {
		return 0, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.ops)), nil
}

func (r *memoryOperationRepository) LastSequence(ctx context.Context, lessonID string) (int64, error) {
	l := r.lesson(lessonID, false)
	if l == nil {
		return 0, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, nil
}

func (r *memoryOperationRepository) Recent(ctx context.Context, lessonID string, limit int) ([]domain.DrawOperation, error) {
	l := r.lesson(lessonID, false)
	if l == nil || limit <= 0 {
		return []domain.DrawOperation{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.ops) - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.DrawOperation, 0, len(l.ops)-start)
	for _, op := range l.ops[start:] {
		out = append(out, op.Clone())
	}
	return out, nil
}
