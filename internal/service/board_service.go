package service

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/repository"
	"ultraboard-sync-server/internal/websocket"
)

// BoardService handles the single-event protocol and the REST management
// endpoints. Both go through the same stores and lesson state as batches.
type BoardService struct {
	ops       repository.OperationRepository
	snapshots repository.SnapshotRepository
	states    *StateRegistry
	batches   *BatchService
	sync      *SyncService
	presence  *PresenceService
	publisher Publisher
}

func NewBoardService(
	ops repository.OperationRepository,
	snapshots repository.SnapshotRepository,
	states *StateRegistry,
	batches *BatchService,
	sync *SyncService,
	presence *PresenceService,
	publisher Publisher,
) *BoardService {
	return &BoardService{
		ops:       ops,
		snapshots: snapshots,
		states:    states,
		batches:   batches,
		sync:      sync,
		presence:  presence,
		publisher: publisher,
	}
}

func (s *BoardService) send(connectionID string, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return s.publisher.SendToClient(connectionID, msg)
}

func (s *BoardService) broadcast(lessonID string, msgType websocket.MessageType, payload interface{}, exclude string) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return s.publisher.BroadcastToLesson(lessonID, msg, exclude)
}

// State assembles what a client needs to redraw the board from scratch.
func (s *BoardService) State(ctx context.Context, lessonID string) (*domain.BoardState, error) {
	state := &domain.BoardState{
		LessonID:     lessonID,
		Participants: s.presence.Participants(lessonID),
	}

	snap, ok, err := s.snapshots.Load(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if ok {
		state.Content = snap.Content
		updated := snap.UpdatedAt
		state.SnapshotUpdatedAt = &updated
	}

	ops, err := s.ops.ListSince(ctx, lessonID, 0)
	if err != nil {
		return nil, err
	}
	state.Operations = ops

	last, err := s.sync.lastSequence(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	state.LastSequenceNumber = last
	return state, nil
}

// Join registers presence and sends the current board to the joiner.
func (s *BoardService) Join(ctx context.Context, lessonID, connectionID string, actor domain.Actor) error {
	s.presence.Join(lessonID, connectionID, domain.PresenceEntry{
		UserID:   actor.UserID,
		UserName: actor.UserName,
		Role:     actor.Role,
	})
	return s.RequestState(ctx, lessonID, connectionID)
}

func (s *BoardService) Leave(lessonID string, actor domain.Actor) {
	s.presence.Leave(lessonID, actor.UserID, actor.UserName)
}

func (s *BoardService) RequestState(ctx context.Context, lessonID, connectionID string) error {
	state, err := s.State(ctx, lessonID)
	if err != nil {
		return err
	}
	return s.send(connectionID, websocket.TypeBoardState, state)
}

// Draw persists one operation through the batch pipeline and relays it.
// Content, if given, replaces the board snapshot.
func (s *BoardService) Draw(ctx context.Context, lessonID, connectionID string, actor domain.Actor, op domain.DrawOperation, content string) (*domain.BatchResult, error) {
	if op.UserID == 0 {
		op.UserID = actor.UserID
	}
	if op.UserName == "" {
		op.UserName = actor.UserName
	}
	if op.OperationType == "" {
		op.OperationType = domain.OperationDraw
	}

	req := &domain.BatchRequest{
		LessonID:     lessonID,
		BatchID:      "draw-" + uuid.New().String(),
		Operations:   []domain.DrawOperation{op},
		ConnectionID: connectionID,
	}
	result, err := s.batches.ProcessBatch(ctx, req)
	if err != nil {
		if result != nil {
			if err := s.sync.Broadcast(lessonID, "", result.Accepted, connectionID); err != nil {
				log.Printf("[Board] relay interrupted draw in lesson %s: %v", lessonID, err)
			}
		}
		return nil, err
	}
	if len(result.Failed) > 0 {
		return result, fmt.Errorf("draw rejected: %s", result.Failed[0].Error)
	}

	if err := s.sync.Broadcast(lessonID, "", result.Accepted, connectionID); err != nil {
		log.Printf("[Board] relay draw in lesson %s: %v", lessonID, err)
	}

	if content != "" {
		if _, err := s.snapshots.Save(ctx, lessonID, content); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Cursor relays a pointer position. Cursor moves are not persisted.
func (s *BoardService) Cursor(lessonID, connectionID string, actor domain.Actor, x, y float64) error {
	op := domain.DrawOperation{
		LessonID:      lessonID,
		OperationType: domain.OperationCursor,
		X:             domain.Float(x),
		Y:             domain.Float(y),
		UserID:        actor.UserID,
		UserName:      actor.UserName,
		Timestamp:     domain.NowMillis(),
	}
	return s.sync.Broadcast(lessonID, "", []domain.DrawOperation{op}, connectionID)
}

// Update saves the whole board, pushes it to the other participants and
// acknowledges the sender.
func (s *BoardService) Update(ctx context.Context, lessonID, connectionID string, content string) error {
	snap, err := s.snapshots.Save(ctx, lessonID, content)
	if err != nil {
		return err
	}

	last, err := s.sync.lastSequence(ctx, lessonID)
	if err != nil {
		return err
	}
	updated := snap.UpdatedAt
	state := &domain.BoardState{
		LessonID:           lessonID,
		Content:            content,
		SnapshotUpdatedAt:  &updated,
		Operations:         []domain.DrawOperation{},
		LastSequenceNumber: last,
		Participants:       s.presence.Participants(lessonID),
	}
	if err := s.broadcast(lessonID, websocket.TypeBoardState, state, connectionID); err != nil {
		log.Printf("[Board] broadcast update in lesson %s: %v", lessonID, err)
	}

	return s.send(connectionID, websocket.TypeBoardSaved, &websocket.BoardSavedPayload{
		LessonID:  lessonID,
		Success:   true,
		UpdatedAt: snap.UpdatedAt,
	})
}

// CompleteDrawing saves the final board content and acknowledges the sender.
func (s *BoardService) CompleteDrawing(ctx context.Context, lessonID, connectionID string, content string) error {
	snap, err := s.snapshots.Save(ctx, lessonID, content)
	if err != nil {
		return err
	}
	return s.send(connectionID, websocket.TypeBoardSaved, &websocket.BoardSavedPayload{
		LessonID:  lessonID,
		Success:   true,
		UpdatedAt: snap.UpdatedAt,
	})
}

func (s *BoardService) wipe(ctx context.Context, lessonID string) error {
	st, unlock, err := s.states.Acquire(ctx, lessonID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.ops.Clear(ctx, lessonID); err != nil {
		return err
	}
	if err := s.snapshots.Clear(ctx, lessonID); err != nil {
		return err
	}
	st.Reset()
	return nil
}

// Clear wipes operations and snapshot and tells everyone in the lesson.
func (s *BoardService) Clear(ctx context.Context, lessonID string, actor domain.Actor) error {
	if err := s.wipe(ctx, lessonID); err != nil {
		return err
	}
	log.Printf("[Board] lesson %s cleared by user %d", lessonID, actor.UserID)

	return s.broadcast(lessonID, websocket.TypeBoardCleared, &websocket.BoardClearedPayload{
		LessonID:  lessonID,
		UserID:    actor.UserID,
		UserName:  actor.UserName,
		ClearedAt: time.Now(),
	}, "")
}

// EndLesson wipes the board, drops all in-memory state for the lesson and
// notifies the participants.
func (s *BoardService) EndLesson(ctx context.Context, lessonID string, actor domain.Actor) error {
	if err := s.wipe(ctx, lessonID); err != nil {
		return err
	}
	s.states.Remove(lessonID)

	err := s.broadcast(lessonID, websocket.TypeLessonEnded, &websocket.LessonEndedPayload{
		LessonID: lessonID,
		UserID:   actor.UserID,
		UserName: actor.UserName,
		EndedAt:  time.Now(),
	}, "")
	s.presence.RemoveLesson(lessonID)

	log.Printf("[Board] lesson %s ended by user %d", lessonID, actor.UserID)
	return err
}

func (s *BoardService) SaveBoard(ctx context.Context, lessonID, content string) (*domain.BoardSnapshot, error) {
	return s.snapshots.Save(ctx, lessonID, content)
}

func (s *BoardService) LoadBoard(ctx context.Context, lessonID string) (*domain.BoardSnapshot, error) {
	snap, ok, err := s.snapshots.Load(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return snap, nil
}

func (s *BoardService) Operations(ctx context.Context, lessonID string, after int64) ([]domain.DrawOperation, error) {
	return s.ops.ListSince(ctx, lessonID, after)
}

func (s *BoardService) Participants(ctx context.Context, lessonID string) []domain.PresenceEntry {
	return s.presence.KnownParticipants(ctx, lessonID)
}

func (s *BoardService) Stats(ctx context.Context, lessonID string) (*domain.LessonStats, error) {
	count, err := s.ops.Count(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	_, hasSnapshot, err := s.snapshots.Load(ctx, lessonID)
	if err != nil {
		return nil, err
	}

	stats := &domain.LessonStats{
		LessonID:       lessonID,
		OperationCount: count,
		Participants:   s.presence.Count(lessonID),
		HasSnapshot:    hasSnapshot,
		BatchStats:     s.batches.Stats(),
	}

	if last, processed, recent, ok := s.states.Peek(lessonID); ok {
		stats.StateLoaded = true
		stats.LastSequenceNumber = last
		stats.ProcessedSequences = processed
		stats.RecentOperations = recent
	} else if stats.LastSequenceNumber, err = s.ops.LastSequence(ctx, lessonID); err != nil {
		return nil, err
	}
	return stats, nil
}

// CreateTestOperation appends a random stroke point from a synthetic user
// and relays it like any other operation.
func (s *BoardService) CreateTestOperation(ctx context.Context, lessonID string) (*domain.BatchResult, error) {
	op := domain.DrawOperation{
		OperationType: domain.OperationDraw,
		X:             domain.Float(rand.Float64() * 800),
		Y:             domain.Float(rand.Float64() * 600),
		Color:         domain.DefaultColor,
		BrushSize:     domain.DefaultBrushSize,
		UserID:        1,
		UserName:      "test",
		Timestamp:     domain.NowMillis(),
	}

	result, err := s.batches.ProcessBatch(ctx, &domain.BatchRequest{
		LessonID:   lessonID,
		BatchID:    "test-" + uuid.New().String(),
		Operations: []domain.DrawOperation{op},
	})
	if err != nil {
		return nil, err
	}
	if err := s.sync.Broadcast(lessonID, result.BatchID, result.Accepted, ""); err != nil {
		log.Printf("[Board] relay test operation: %v", err)
	}
	return result, nil
}
