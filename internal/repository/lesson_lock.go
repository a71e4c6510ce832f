package repository

import "sync"

// lessonLocks hands out one mutex per lesson id. Entries are reference
// counted and dropped once nobody holds or waits on them.
type lessonLocks struct {
	mu    sync.Mutex
	locks map[string]*lessonLock
}

type lessonLock struct {
	mu   sync.Mutex
	refs int
}

func newLessonLocks() *lessonLocks {
	return &lessonLocks{locks: make(map[string]*lessonLock)}
}

func (l *lessonLocks) Lock(lessonID string) func() {
	l.mu.Lock()
	lk, ok := l.locks[lessonID]
	if !ok {
		lk = &lessonLock{}
		l.locks[lessonID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()

	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, lessonID)
		}
		l.mu.Unlock()
	}
}

func (l *lessonLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
