package repository

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kivik/kivik/v4"

	"ultraboard-sync-server/internal/domain"
)

type SnapshotRepository interface {
	// Save replaces the lesson's board content. Last writer wins.
	Save(ctx context.Context, lessonID, content string) (*domain.BoardSnapshot, error)
	Load(ctx context.Context, lessonID string) (*domain.BoardSnapshot, bool, error)
	Clear(ctx context.Context, lessonID string) error
}

const maxSaveAttempts = 3

type snapshotDoc struct {
	ID        string `json:"_id"`
	Rev       string `json:"_rev,omitempty"`
	DocType   string `json:"doc_type"`
	LessonID  string `json:"lesson_id"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updated_at"`
}

func snapshotDocID(lessonID string) string {
	return fmt.Sprintf("board:%s", lessonID)
}

func (d *snapshotDoc) toDomain() (*domain.BoardSnapshot, error) {
	updatedAt, err := time.Parse(time.RFC3339Nano, d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &domain.BoardSnapshot{
		LessonID:  d.LessonID,
		Content:   d.Content,
		UpdatedAt: updatedAt,
	}, nil
}

type couchSnapshotRepository struct {
	db *kivik.DB
}

func NewSnapshotRepository(client *kivik.Client, dbName string) SnapshotRepository {
	return &couchSnapshotRepository{
		db: client.DB(dbName),
	}
}

func (r *couchSnapshotRepository) Save(ctx context.Context, lessonID, content string) (*domain.BoardSnapshot, error) {
	docID := snapshotDocID(lessonID)
	now := time.Now().UTC()

	doc := snapshotDoc{
		ID:        docID,
		DocType:   "board_snapshot",
		LessonID:  lessonID,
		Content:   content,
		UpdatedAt: now.Format(time.RFC3339Nano),
	}

	// A concurrent save can bump the revision between GetRev and Put; fetch it
	// again and overwrite.
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		rev, err := r.db.GetRev(ctx, docID)
		if err != nil && kivik.HTTPStatus(err) != http.StatusNotFound {
			return nil, storeErr("load snapshot revision", lessonID, err)
		}
		doc.Rev = rev

		_, err = r.db.Put(ctx, docID, doc)
		if err == nil {
			return &domain.BoardSnapshot{LessonID: lessonID, Content: content, UpdatedAt: now}, nil
		}
		if kivik.HTTPStatus(err) != http.StatusConflict {
			return nil, storeErr("save snapshot", lessonID, err)
		}
		lastErr = err
	}

	return nil, storeErr("save snapshot", lessonID, lastErr)
}

func (r *couchSnapshotRepository) Load(ctx context.Context, lessonID string) (*domain.BoardSnapshot, bool, error) {
	var doc snapshotDoc
	if err := r.db.Get(ctx, snapshotDocID(lessonID)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, storeErr("load snapshot", lessonID, err)
	}

	snap, err := doc.toDomain()
	if err != nil {
		return nil, false, storeErr("load snapshot", lessonID, err)
	}
	return snap, true, nil
}

func (r *couchSnapshotRepository) Clear(ctx context.Context, lessonID string) error {
	docID := snapshotDocID(lessonID)

	rev, err := r.db.GetRev(ctx, docID)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil
		}
		return storeErr("clear snapshot", lessonID, err)
	}

	if _, err := r.db.Delete(ctx, docID, rev); err != nil && kivik.HTTPStatus(err) != http.StatusNotFound {
		return storeErr("clear snapshot", lessonID, err)
	}
	return nil
}
