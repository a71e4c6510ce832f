package repository

import (
	"context"
	"testing"
	"time"
)

func TestMemorySnapshotRepository(t *testing.T) {
	repo := NewMemorySnapshotRepository()
	ctx := context.Background()

	if _, ok, err := repo.Load(ctx, "lesson-1"); err != nil || ok {
		t.Fatalf("Load() on empty store = ok %v, err %v", ok, err)
	}

	if _, err := repo.Save(ctx, "lesson-1", `{"objects":[1]}`); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	saved, err := repo.Save(ctx, "lesson-1", `{"objects":[1,2]}`)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	snap, ok, err := repo.Load(ctx, "lesson-1")
	if err != nil || !ok {
		t.Fatalf("Load() = ok %v, err %v", ok, err)
	}
	if snap.Content != `{"objects":[1,2]}` {
		t.Errorf("Load() content = %q, want last write", snap.Content)
	}
	if !snap.UpdatedAt.Equal(saved.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", snap.UpdatedAt, saved.UpdatedAt)
	}

	if err := repo.Clear(ctx, "lesson-1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := repo.Clear(ctx, "lesson-1"); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
	if _, ok, _ := repo.Load(ctx, "lesson-1"); ok {
		t.Error("Load() after Clear() still found a snapshot")
	}
}

func TestSnapshotDoc(t *testing.T) {
	if got := snapshotDocID("math-101"); got != "board:math-101" {
		t.Errorf("snapshotDocID() = %q", got)
	}

	now := time.Date(2026, 3, 1, 10, 30, 0, 123, time.UTC)
	doc := snapshotDoc{LessonID: "math-101", Content: "c", UpdatedAt: now.Format(time.RFC3339Nano)}
	snap, err := doc.toDomain()
	if err != nil {
		t.Fatalf("toDomain() error = %v", err)
	}
	if !snap.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", snap.UpdatedAt, now)
	}

	doc.UpdatedAt = "yesterday"
	if _, err := doc.toDomain(); err == nil {
		t.Error("toDomain() with bad timestamp expected error")
	}
}
