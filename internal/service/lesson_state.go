package service

import (
	"context"
	"sync"
	"time"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/repository"
)

type dedupKey struct {
	userID int64
	seq    int64
}

type dedupEntry struct {
	key  dedupKey
	seen time.Time
}

// LessonState is the per-lesson cache used while processing operations. All
// methods except those on StateRegistry require the lock obtained through
// StateRegistry.Acquire.
type LessonState struct {
	mu        sync.Mutex
	lessonID  string
	loaded    bool
	removed   bool
	processed map[dedupKey]time.Time
	order     []dedupEntry
	recent    []domain.DrawOperation
	lastSeq   int64
	lastUsed  time.Time

	recentWindow  int
	dedupWindow   time.Duration
	dedupCapacity int
	protectWindow time.Duration
	now           func() time.Time
}

func (s *LessonState) IsDuplicate(op *domain.DrawOperation) bool {
	if op.ClientSequence <= 0 {
		return false
	}
	_, ok := s.processed[dedupKey{userID: op.UserID, seq: op.ClientSequence}]
	return ok
}

// Record notes a persisted operation.
func (s *LessonState) Record(op domain.DrawOperation) {
	now := s.now()

	if op.ClientSequence > 0 {
		key := dedupKey{userID: op.UserID, seq: op.ClientSequence}
		if _, ok := s.processed[key]; !ok {
			s.processed[key] = now
			s.order = append(s.order, dedupEntry{key: key, seen: now})
		}
	}

	s.recent = append(s.recent, op)
	if over := len(s.recent) - s.recentWindow; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}

	if op.SequenceNumber > s.lastSeq {
		s.lastSeq = op.SequenceNumber
	}
	s.prune(now)
}

// prune drops dedup entries older than the dedup window, then the oldest
// ones above capacity. Entries younger than protectWindow are always kept.
func (s *LessonState) prune(now time.Time) {
	expired := now.Add(-s.dedupWindow)
	protected := now.Add(-s.protectWindow)

	drop := 0
	for drop < len(s.order) {
		e := s.order[drop]
		tooOld := e.seen.Before(expired)
		overCap := len(s.order)-drop > s.dedupCapacity && e.seen.Before(protected)
		if !tooOld && !overCap {
			break
		}
		if seen, ok := s.processed[e.key]; ok && seen.Equal(e.seen) {
			delete(s.processed, e.key)
		}
		drop++
	}
	if drop > 0 {
		s.order = append(s.order[:0:0], s.order[drop:]...)
	}
}

// Recent returns the conflict window, oldest first. The slice must not be
// modified.
func (s *LessonState) Recent() []domain.DrawOperation {
	return s.recent
}

func (s *LessonState) LastSequence() int64 {
	return s.lastSeq
}

func (s *LessonState) ProcessedCount() int {
	return len(s.processed)
}

// Reset forgets processed operations after the board was cleared. The
// sequence counter keeps its value.
func (s *LessonState) Reset() {
	s.processed = make(map[dedupKey]time.Time)
	s.order = nil
	s.recent = nil
}

func (s *LessonState) load(ctx context.Context, ops repository.OperationRepository) error {
	last, err := ops.LastSequence(ctx, s.lessonID)
	if err != nil {
		return err
	}
	recent, err := ops.Recent(ctx, s.lessonID, s.recentWindow)
	if err != nil {
		return err
	}

	s.Reset()
	s.lastSeq = last
	for _, op := range recent {
		s.Record(op)
	}
	s.loaded = true
	return nil
}

type StateOptions struct {
	RecentWindow  int
	DedupWindow   time.Duration
	DedupCapacity int
	// ProtectWindow is the minimum age before capacity pruning may drop a
	// dedup entry.
	ProtectWindow time.Duration
}

// StateRegistry owns the LessonState of every active lesson. States are
// rebuilt from the operation store on first use.
type StateRegistry struct {
	mu     sync.RWMutex
	states map[string]*LessonState
	ops    repository.OperationRepository
	opts   StateOptions
	now    func() time.Time
}

func NewStateRegistry(ops repository.OperationRepository, opts StateOptions) *StateRegistry {
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 100
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 10 * time.Minute
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 20000
	}
	if opts.ProtectWindow <= 0 {
		opts.ProtectWindow = time.Second
	}
	return &StateRegistry{
		states: make(map[string]*LessonState),
		ops:    ops,
		opts:   opts,
		now:    time.Now,
	}
}

func (r *StateRegistry) get(lessonID string) *LessonState {
	r.mu.RLock()
	st := r.states[lessonID]
	r.mu.RUnlock()
	if st != nil {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st = r.states[lessonID]; st == nil {
		st = &LessonState{
			lessonID:      lessonID,
			processed:     make(map[dedupKey]time.Time),
			recentWindow:  r.opts.RecentWindow,
			dedupWindow:   r.opts.DedupWindow,
			dedupCapacity: r.opts.DedupCapacity,
			protectWindow: r.opts.ProtectWindow,
			now:           r.now,
		}
		r.states[lessonID] = st
	}
	return st
}

// Acquire locks the lesson state, loading it from the store if needed. The
// returned func releases the lock.
func (r *StateRegistry) Acquire(ctx context.Context, lessonID string) (*LessonState, func(), error) {
	for {
		st := r.get(lessonID)
		st.mu.Lock()
		if st.removed {
			st.mu.Unlock()
			continue
		}

		if !st.loaded {
			if err := st.load(ctx, r.ops); err != nil {
				st.mu.Unlock()
				return nil, nil, err
			}
		}
		st.lastUsed = r.now()
		return st, st.mu.Unlock, nil
	}
}

// Remove drops the lesson state. A later Acquire rebuilds it from the store.
func (r *StateRegistry) Remove(lessonID string) {
	r.mu.Lock()
	st, ok := r.states[lessonID]
	delete(r.states, lessonID)
	r.mu.Unlock()

	if ok {
		st.mu.Lock()
		st.removed = true
		st.mu.Unlock()
	}
}

// Peek reports cached values without loading or waiting for a busy lesson.
func (r *StateRegistry) Peek(lessonID string) (lastSeq int64, processed, recent int, ok bool) {
	r.mu.RLock()
	st := r.states[lessonID]
	r.mu.RUnlock()
	if st == nil || !st.mu.TryLock() {
		return 0, 0, 0, false
	}
	defer st.mu.Unlock()
	if !st.loaded {
		return 0, 0, 0, false
	}
	return st.lastSeq, len(st.processed), len(st.recent), true
}

// EvictIdle removes states unused for longer than ttl, skipping lessons for
// which keep returns true and states that are currently locked.
func (r *StateRegistry) EvictIdle(ttl time.Duration, keep func(lessonID string) bool) []string {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, st := range r.states {
		if keep != nil && keep(id) {
			continue
		}
		if !st.mu.TryLock() {
			continue
		}
		if st.lastUsed.Before(cutoff) {
			st.removed = true
			delete(r.states, id)
			evicted = append(evicted, id)
		}
		st.mu.Unlock()
	}
	return evicted
}

func (r *StateRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
