package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type countingDisconnects struct {
	mu  sync.Mutex
	ids []string
}

func (d *countingDisconnects) HandleDisconnect(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, c.ID)
}

func newTestClient(m *Manager, id, lesson string, userID int64) *Client {
	return NewClient(id, lesson, userID, "", "", nil, m)
}

func drain(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return &msg
	default:
		return nil
	}
}

func TestManager_BroadcastToLesson(t *testing.T) {
	m := NewManager(Options{})

	a := newTestClient(m, "a", "lesson-1", 1)
	b := newTestClient(m, "b", "lesson-1", 2)
	other := newTestClient(m, "c", "lesson-2", 3)
	for _, c := range []*Client{a, b, other} {
		if err := m.Register(c); err != nil {
			t.Fatalf("Register(%s) error = %v", c.ID, err)
		}
	}

	msg, _ := NewMessage(TypeUserJoined, &PresencePayload{LessonID: "lesson-1", UserID: 1})
	if err := m.BroadcastToLesson("lesson-1", msg, "a"); err != nil {
		t.Fatalf("BroadcastToLesson() error = %v", err)
	}

	if got := drain(t, a); got != nil {
		t.Errorf("excluded client received %s", got.Type)
	}
	if got := drain(t, b); got == nil || got.Type != TypeUserJoined {
		t.Errorf("lesson member received %v", got)
	}
	if got := drain(t, other); got != nil {
		t.Errorf("client of another lesson received %s", got.Type)
	}
}

func TestManager_ConnectionLimit(t *testing.T) {
	m := NewManager(Options{MaxConnPerUser: 2})

	if err := m.Register(newTestClient(m, "a", "lesson-1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newTestClient(m, "b", "lesson-2", 1)); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newTestClient(m, "c", "lesson-1", 1)); err != ErrTooManyConnections {
		t.Errorf("third Register() error = %v, want ErrTooManyConnections", err)
	}
	if n := m.LessonConnections("lesson-1") + m.LessonConnections("lesson-2"); n != 2 {
		t.Errorf("registered %d connections, want 2", n)
	}
}

func TestManager_UnregisterRunsHookOnce(t *testing.T) {
	m := NewManager(Options{})
	hook := &countingDisconnects{}
	m.SetDisconnectHandler(hook)

	c := newTestClient(m, "a", "lesson-1", 1)
	m.Register(c)

	m.Unregister(c)
	m.Unregister(c)

	if len(hook.ids) != 1 {
		t.Errorf("disconnect hook ran %d times, want 1", len(hook.ids))
	}
	if _, ok := <-c.Send; ok {
		t.Error("send channel still open after Unregister")
	}
	if m.LessonConnections("lesson-1") != 0 {
		t.Error("lesson index not cleaned up")
	}
}

func TestManager_SlowClientDropped(t *testing.T) {
	m := NewManager(Options{})
	hook := &countingDisconnects{}
	m.SetDisconnectHandler(hook)

	slow := newTestClient(m, "slow", "lesson-1", 1)
	m.Register(slow)
	for i := 0; i < cap(slow.Send); i++ {
		slow.Send <- []byte("{}")
	}

	msg, _ := NewMessage(TypeBoardCleared, nil)
	m.BroadcastToLesson("lesson-1", msg, "")

	if m.LessonConnections("lesson-1") != 0 {
		t.Error("slow client still registered")
	}
	if len(hook.ids) != 1 || hook.ids[0] != "slow" {
		t.Errorf("disconnect hook calls = %v", hook.ids)
	}
}

func TestManager_RunClosesEverything(t *testing.T) {
	m := NewManager(Options{})
	hook := &countingDisconnects{}
	m.SetDisconnectHandler(hook)
	m.Register(newTestClient(m, "a", "lesson-1", 1))
	m.Register(newTestClient(m, "b", "lesson-1", 2))
	m.Register(newTestClient(m, "c", "lesson-2", 3))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if m.LessonConnections("lesson-1")+m.LessonConnections("lesson-2") != 0 {
		t.Error("connections left after Run() returned")
	}
	if len(hook.ids) != 3 {
		t.Errorf("disconnect hook ran %d times, want 3", len(hook.ids))
	}
}
