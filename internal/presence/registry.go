package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"ultraboard-sync-server/internal/domain"
)

const mirrorTimeout = 2 * time.Second

type member struct {
	entry   domain.PresenceEntry
	clients map[string]struct{}
}

type lessonPresence struct {
	mu      sync.Mutex
	members map[int64]*member
	dead    bool
}

// Stale identifies a user whose last heartbeat is older than the reaper
// threshold.
type Stale struct {
	LessonID string
	UserID   int64
}

// Registry tracks who is connected to which lesson. A user may hold several
// sockets; the entry stays until the last one goes away or the user leaves.
type Registry struct {
	mu      sync.RWMutex
	lessons map[string]*lessonPresence
	mirror  Mirror
	now     func() time.Time
}

func NewRegistry(mirror Mirror) *Registry {
	return &Registry{
		lessons: make(map[string]*lessonPresence),
		mirror:  mirror,
		now:     time.Now,
	}
}

func (r *Registry) lesson(lessonID string, create bool) *lessonPresence {
	r.mu.RLock()
	lp := r.lessons[lessonID]
	r.mu.RUnlock()
	if lp != nil || !create {
		return lp
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lp = r.lessons[lessonID]; lp == nil {
		lp = &lessonPresence{members: make(map[int64]*member)}
		r.lessons[lessonID] = lp
	}
	return lp
}

// update runs fn under the lesson lock. It retries if the lesson was reaped
// between lookup and lock.
func (r *Registry) update(lessonID string, create bool, fn func(lp *lessonPresence)) bool {
	for {
		lp := r.lesson(lessonID, create)
		if lp == nil {
			return false
		}

		lp.mu.Lock()
		if lp.dead {
			lp.mu.Unlock()
			continue
		}
		fn(lp)
		empty := len(lp.members) == 0
		lp.mu.Unlock()

		if empty {
			r.reap(lessonID, lp)
		}
		return true
	}
}

func (r *Registry) reap(lessonID string, lp *lessonPresence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if len(lp.members) == 0 && r.lessons[lessonID] == lp {
		lp.dead = true
		delete(r.lessons, lessonID)
	}
}

// Join registers the user on clientID. Re-joining refreshes name and role.
// The returned bool is true when the user was not present before.
func (r *Registry) Join(lessonID string, entry domain.PresenceEntry, clientID string) ([]domain.PresenceEntry, bool) {
	now := r.now()
	var (
		added   bool
		current domain.PresenceEntry
		list    []domain.PresenceEntry
	)

	r.update(lessonID, true, func(lp *lessonPresence) {
		m, ok := lp.members[entry.UserID]
		if !ok {
			m = &member{
				entry:   domain.PresenceEntry{UserID: entry.UserID, JoinedAt: now},
				clients: make(map[string]struct{}),
			}
			lp.members[entry.UserID] = m
			added = true
		}
		if entry.UserName != "" {
			m.entry.UserName = entry.UserName
		}
		if entry.Role != "" {
			m.entry.Role = entry.Role
		}
		m.entry.LastSeen = now
		if clientID != "" {
			m.clients[clientID] = struct{}{}
		}
		current = m.entry
		list = lp.list()
	})

	r.mirrorUpsert(lessonID, current, added)
	return list, added
}

// Leave removes the user regardless of how many sockets it still holds.
func (r *Registry) Leave(lessonID string, userID int64) ([]domain.PresenceEntry, bool) {
	var (
		removed bool
		list    []domain.PresenceEntry
	)

	r.update(lessonID, false, func(lp *lessonPresence) {
		if _, ok := lp.members[userID]; ok {
			delete(lp.members, userID)
			removed = true
		}
		list = lp.list()
	})

	if removed {
		r.mirrorRemove(lessonID, userID)
	}
	if list == nil {
		list = []domain.PresenceEntry{}
	}
	return list, removed
}

// Disconnect drops one socket. The user is removed only when it was the
// last one.
func (r *Registry) Disconnect(lessonID string, userID int64, clientID string) ([]domain.PresenceEntry, bool) {
	var (
		removed bool
		list    []domain.PresenceEntry
	)

	r.update(lessonID, false, func(lp *lessonPresence) {
		m, ok := lp.members[userID]
		if !ok {
			list = lp.list()
			return
		}
		delete(m.clients, clientID)
		if len(m.clients) == 0 {
			delete(lp.members, userID)
			removed = true
		}
		list = lp.list()
	})

	if removed {
		r.mirrorRemove(lessonID, userID)
	}
	if list == nil {
		list = []domain.PresenceEntry{}
	}
	return list, removed
}

func (r *Registry) Touch(lessonID string, userID int64) bool {
	now := r.now()
	found := false
	var current domain.PresenceEntry

	r.update(lessonID, false, func(lp *lessonPresence) {
		if m, ok := lp.members[userID]; ok {
			m.entry.LastSeen = now
			current = m.entry
			found = true
		}
	})

	if found {
		r.mirrorUpsert(lessonID, current, false)
	}
	return found
}

// ListActive returns the lesson's participants ordered by join time.
func (r *Registry) ListActive(lessonID string) []domain.PresenceEntry {
	lp := r.lesson(lessonID, false)
	if lp == nil {
		return []domain.PresenceEntry{}
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.list()
}

// ListKnown returns the local participants. When nobody is connected here
// and the mirror is a Directory, the participants held by other instances
// are returned instead.
func (r *Registry) ListKnown(ctx context.Context, lessonID string) []domain.PresenceEntry {
	local := r.ListActive(lessonID)
	if len(local) > 0 {
		return local
	}
	dir, ok := r.mirror.(Directory)
	if !ok {
		return local
	}

	remote, err := dir.Participants(ctx, lessonID)
	if err != nil {
		log.Printf("[Presence] mirror participants lesson %s: %v", lessonID, err)
		return local
	}
	return remote
}

func (r *Registry) Count(lessonID string) int {
	lp := r.lesson(lessonID, false)
	if lp == nil {
		return 0
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return len(lp.members)
}

func (r *Registry) IsActive(lessonID string) bool {
	return r.Count(lessonID) > 0
}

// Expired lists users not seen for longer than threshold.
func (r *Registry) Expired(threshold time.Duration) []Stale {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	ids := make([]string, 0, len(r.lessons))
	lessons := make([]*lessonPresence, 0, len(r.lessons))
	for id, lp := range r.lessons {
		ids = append(ids, id)
		lessons = append(lessons, lp)
	}
	r.mu.RUnlock()

	var stale []Stale
	for i, lp := range lessons {
		lp.mu.Lock()
		for userID, m := range lp.members {
			if m.entry.LastSeen.Before(cutoff) {
				stale = append(stale, Stale{LessonID: ids[i], UserID: userID})
			}
		}
		lp.mu.Unlock()
	}
	return stale
}

func (r *Registry) RemoveLesson(lessonID string) {
	r.mu.Lock()
	lp, ok := r.lessons[lessonID]
	if ok {
		delete(r.lessons, lessonID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	lp.mu.Lock()
	lp.dead = true
	lp.mu.Unlock()

	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := r.mirror.RemoveLesson(ctx, lessonID); err != nil {
			log.Printf("[Presence] mirror remove lesson %s: %v", lessonID, err)
		}
	}
}

func (lp *lessonPresence) list() []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0, len(lp.members))
	for _, m := range lp.members {
		out = append(out, m.entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *Registry) mirrorUpsert(lessonID string, entry domain.PresenceEntry, joined bool) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	if err := r.mirror.Upsert(ctx, lessonID, entry); err != nil {
		log.Printf("[Presence] mirror upsert lesson %s user %d: %v", lessonID, entry.UserID, err)
		return
	}
	if joined {
		event := Event{Type: EventJoined, LessonID: lessonID, UserID: entry.UserID, UserName: entry.UserName, At: r.now().UnixMilli()}
		if err := r.mirror.Publish(ctx, event); err != nil {
			log.Printf("[Presence] mirror publish: %v", err)
		}
	}
}

func (r *Registry) mirrorRemove(lessonID string, userID int64) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	if err := r.mirror.Remove(ctx, lessonID, userID); err != nil {
		log.Printf("[Presence] mirror remove lesson %s user %d: %v", lessonID, userID, err)
		return
	}
	event := Event{Type: EventLeft, LessonID: lessonID, UserID: userID, At: r.now().UnixMilli()}
	if err := r.mirror.Publish(ctx, event); err != nil {
		log.Printf("[Presence] mirror publish: %v", err)
	}
}
