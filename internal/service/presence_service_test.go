package service

import (
	"context"
	"testing"
	"time"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/presence"
	"ultraboard-sync-server/internal/websocket"
)

func TestPresenceService_DisconnectWaitsForLastSocket(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{})
	entry := domain.PresenceEntry{UserID: 5, UserName: "Bo", Role: domain.RoleStudent}

	env.presence.Join("lesson-1", "conn-1", entry)
	env.presence.Join("lesson-1", "conn-2", entry)

	env.presence.Disconnect("lesson-1", 5, "Bo", "conn-1")
	if env.presence.Count("lesson-1") != 1 {
		t.Fatal("user removed while a socket is still open")
	}
	env.presence.Disconnect("lesson-1", 5, "Bo", "conn-2")
	if env.presence.Count("lesson-1") != 0 {
		t.Fatal("user still present after last socket closed")
	}

	if got := len(env.publisher.broadcastsOf(websocket.TypeUserLeft)); got != 1 {
		t.Errorf("got %d user_left, want 1", got)
	}
}

func TestPresenceService_SweepRemovesStaleUsers(t *testing.T) {
	pub := &recordingPublisher{}
	registry := presence.NewRegistry(nil)
	svc := NewPresenceService(registry, nil, pub, time.Millisecond, time.Hour)

	svc.Join("lesson-1", "conn-1", domain.PresenceEntry{UserID: 1})
	time.Sleep(10 * time.Millisecond)
	svc.Join("lesson-1", "conn-2", domain.PresenceEntry{UserID: 2})

	if n := svc.Sweep(); n != 1 {
		t.Fatalf("Sweep() removed %d, want 1", n)
	}
	list := svc.Participants("lesson-1")
	if len(list) != 1 || list[0].UserID != 2 {
		t.Errorf("participants = %+v", list)
	}
	if got := len(pub.broadcastsOf(websocket.TypeUserLeft)); got != 1 {
		t.Errorf("got %d user_left, want 1", got)
	}
}

func TestPresenceService_SweepEvictsIdleState(t *testing.T) {
	env := newTestEnv(t, nil, BatchOptions{})
	env.presence = NewPresenceService(env.registry, env.states, env.publisher, time.Hour, time.Nanosecond)

	ctx := context.Background()
	env.batches.ProcessBatch(ctx, &domain.BatchRequest{LessonID: "idle", BatchID: "b", Operations: []domain.DrawOperation{point(1, 0, 0, 1)}})
	env.batches.ProcessBatch(ctx, &domain.BatchRequest{LessonID: "busy", BatchID: "b", Operations: []domain.DrawOperation{point(1, 0, 0, 1)}})
	env.presence.Join("busy", "conn-1", domain.PresenceEntry{UserID: 1})

	time.Sleep(5 * time.Millisecond)
	env.presence.Sweep()

	if env.states.Len() != 1 {
		t.Fatalf("cached states = %d, want 1", env.states.Len())
	}
	if _, _, _, ok := env.states.Peek("busy"); !ok {
		t.Error("state of an active lesson was evicted")
	}
}

func TestPresenceService_RunReaperStops(t *testing.T) {
	svc := NewPresenceService(presence.NewRegistry(nil), nil, &recordingPublisher{}, time.Minute, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.RunReaper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunReaper did not return after cancel")
	}
}
