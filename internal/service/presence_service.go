package service

import (
	"context"
	"log"
	"time"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/presence"
	"ultraboard-sync-server/internal/websocket"
)

type PresenceService struct {
	registry  *presence.Registry
	states    *StateRegistry
	publisher Publisher
	timeout   time.Duration
	idleTTL   time.Duration
}

func NewPresenceService(registry *presence.Registry, states *StateRegistry, publisher Publisher, timeout, idleTTL time.Duration) *PresenceService {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &PresenceService{
		registry:  registry,
		states:    states,
		publisher: publisher,
		timeout:   timeout,
		idleTTL:   idleTTL,
	}
}

func (s *PresenceService) announce(lessonID string, msgType websocket.MessageType, entry domain.PresenceEntry, list []domain.PresenceEntry) {
	msg, err := websocket.NewMessage(msgType, &websocket.PresencePayload{
		LessonID:     lessonID,
		UserID:       entry.UserID,
		UserName:     entry.UserName,
		UserRole:     string(entry.Role),
		Participants: list,
	})
	if err != nil {
		log.Printf("[Presence] build %s: %v", msgType, err)
		return
	}
	if err := s.publisher.BroadcastToLesson(lessonID, msg, ""); err != nil {
		log.Printf("[Presence] broadcast %s: %v", msgType, err)
	}
}

// Join adds the user and tells the whole lesson, the joiner included.
func (s *PresenceService) Join(lessonID, clientID string, entry domain.PresenceEntry) []domain.PresenceEntry {
	list, added := s.registry.Join(lessonID, entry, clientID)
	if added {
		log.Printf("[Presence] user %d joined lesson %s", entry.UserID, lessonID)
	}
	for _, e := range list {
		if e.UserID == entry.UserID {
			entry = e
			break
		}
	}
	s.announce(lessonID, websocket.TypeUserJoined, entry, list)
	return list
}

func (s *PresenceService) Leave(lessonID string, userID int64, userName string) []domain.PresenceEntry {
	list, removed := s.registry.Leave(lessonID, userID)
	if removed {
		log.Printf("[Presence] user %d left lesson %s", userID, lessonID)
		s.announce(lessonID, websocket.TypeUserLeft, domain.PresenceEntry{UserID: userID, UserName: userName}, list)
	}
	return list
}

// Disconnect handles a closed socket. The user only leaves when it was the
// last socket they had open in the lesson.
func (s *PresenceService) Disconnect(lessonID string, userID int64, userName, clientID string) {
	list, removed := s.registry.Disconnect(lessonID, userID, clientID)
	if removed {
		log.Printf("[Presence] user %d disconnected from lesson %s", userID, lessonID)
		s.announce(lessonID, websocket.TypeUserLeft, domain.PresenceEntry{UserID: userID, UserName: userName}, list)
	}
}

func (s *PresenceService) Touch(lessonID string, userID int64) bool {
	return s.registry.Touch(lessonID, userID)
}

func (s *PresenceService) Participants(lessonID string) []domain.PresenceEntry {
	return s.registry.ListActive(lessonID)
}

// KnownParticipants also consults other server instances when the lesson
// has nobody connected locally.
func (s *PresenceService) KnownParticipants(ctx context.Context, lessonID string) []domain.PresenceEntry {
	return s.registry.ListKnown(ctx, lessonID)
}

func (s *PresenceService) Count(lessonID string) int {
	return s.registry.Count(lessonID)
}

func (s *PresenceService) RemoveLesson(lessonID string) {
	s.registry.RemoveLesson(lessonID)
}

// Sweep removes users whose heartbeats stopped and drops lesson state that
// nobody has used for a while. It returns the number of users removed.
func (s *PresenceService) Sweep() int {
	stale := s.registry.Expired(s.timeout)
	for _, st := range stale {
		list, removed := s.registry.Leave(st.LessonID, st.UserID)
		if removed {
			log.Printf("[Presence] user %d timed out in lesson %s", st.UserID, st.LessonID)
			s.announce(st.LessonID, websocket.TypeUserLeft, domain.PresenceEntry{UserID: st.UserID}, list)
		}
	}

	if s.states != nil {
		evicted := s.states.EvictIdle(s.idleTTL, s.registry.IsActive)
		if len(evicted) > 0 {
			log.Printf("[Presence] evicted idle state for %d lessons", len(evicted))
		}
	}
	return len(stale)
}

// RunReaper calls Sweep every interval until ctx is done.
func (s *PresenceService) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
