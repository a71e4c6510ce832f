package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ultraboard-sync-server/internal/domain"
)

type EventType string

const (
	EventJoined EventType = "joined"
	EventLeft   EventType = "left"
)

// Event is published on the lesson channel whenever a user appears or goes.
type Event struct {
	Type     EventType `json:"type"`
	LessonID string    `json:"lessonId"`
	UserID   int64     `json:"userId"`
	UserName string    `json:"userName,omitempty"`
	ServerID string    `json:"serverId,omitempty"`
	At       int64     `json:"at"`
}

// Mirror receives every registry change. It lets other server instances
// see who is in a lesson.
type Mirror interface {
	Upsert(ctx context.Context, lessonID string, entry domain.PresenceEntry) error
	Remove(ctx context.Context, lessonID string, userID int64) error
	RemoveLesson(ctx context.Context, lessonID string) error
	Publish(ctx context.Context, event Event) error
}

// Directory lists participants recorded by any server instance.
type Directory interface {
	Participants(ctx context.Context, lessonID string) ([]domain.PresenceEntry, error)
}

type RedisMirror struct {
	client   *redis.Client
	ttl      time.Duration
	serverID string
}

func NewRedisMirror(client *redis.Client, ttl time.Duration, serverID string) *RedisMirror {
	return &RedisMirror{
		client:   client,
		ttl:      ttl,
		serverID: serverID,
	}
}

func lessonKey(lessonID string) string {
	return fmt.Sprintf("presence:lesson:%s:members", lessonID)
}

func Channel(lessonID string) string {
	return fmt.Sprintf("presence:lesson:%s", lessonID)
}

type mirroredEntry struct {
	domain.PresenceEntry
	ServerID string `json:"serverId"`
}

// Upsert writes the entry into the lesson hash and extends its TTL.
func (m *RedisMirror) Upsert(ctx context.Context, lessonID string, entry domain.PresenceEntry) error {
	data, err := json.Marshal(mirroredEntry{PresenceEntry: entry, ServerID: m.serverID})
	if err != nil {
		return err
	}

	key := lessonKey(lessonID)
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.FormatInt(entry.UserID, 10), data)
	pipe.Expire(ctx, key, m.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) Remove(ctx context.Context, lessonID string, userID int64) error {
	return m.client.HDel(ctx, lessonKey(lessonID), strconv.FormatInt(userID, 10)).Err()
}

func (m *RedisMirror) RemoveLesson(ctx context.Context, lessonID string) error {
	return m.client.Del(ctx, lessonKey(lessonID)).Err()
}

func (m *RedisMirror) Publish(ctx context.Context, event Event) error {
	event.ServerID = m.serverID
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, Channel(event.LessonID), data).Err()
}

// Participants reads the lesson hash. Entries that fail to decode are
// skipped.
func (m *RedisMirror) Participants(ctx context.Context, lessonID string) ([]domain.PresenceEntry, error) {
	values, err := m.client.HGetAll(ctx, lessonKey(lessonID)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.PresenceEntry, 0, len(values))
	for _, raw := range values {
		var e mirroredEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e.PresenceEntry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
