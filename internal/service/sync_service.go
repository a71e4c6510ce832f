package service

import (
	"context"
	"errors"
	"log"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/presence"
	"ultraboard-sync-server/internal/repository"
	"ultraboard-sync-server/internal/websocket"
)

// Publisher delivers messages to connected clients. *websocket.Manager
// implements it.
type Publisher interface {
	SendToClient(clientID string, message *websocket.Message) error
	BroadcastToLesson(lessonID string, message *websocket.Message, excludeClientID string) error
}

type SyncService struct {
	ops       repository.OperationRepository
	states    *StateRegistry
	registry  *presence.Registry
	publisher Publisher
}

func NewSyncService(
	ops repository.OperationRepository,
	states *StateRegistry,
	registry *presence.Registry,
	publisher Publisher,
) *SyncService {
	return &SyncService{
		ops:       ops,
		states:    states,
		registry:  registry,
		publisher: publisher,
	}
}

func (s *SyncService) send(clientID string, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return s.publisher.SendToClient(clientID, msg)
}

func (s *SyncService) broadcast(lessonID string, msgType websocket.MessageType, payload interface{}, exclude string) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return s.publisher.BroadcastToLesson(lessonID, msg, exclude)
}

// Confirm sends the batch summary to the connection that submitted it.
func (s *SyncService) Confirm(lessonID, batchID, connectionID, clientID string, result *domain.BatchResult) error {
	return s.send(connectionID, websocket.TypeBatchConfirmation, &websocket.BatchConfirmationPayload{
		BatchID:            batchID,
		ClientID:           clientID,
		ProcessedCount:     len(result.Processed),
		ConflictedCount:    len(result.Conflicted),
		DuplicatedCount:    len(result.Duplicated),
		FailedCount:        len(result.Failed),
		Failed:             result.Failed,
		ProcessingTimeMs:   result.ProcessingTimeMs,
		LastSequenceNumber: result.LastSequenceNumber,
	})
}

// Broadcast relays accepted operations to every other subscriber of the
// lesson. Nothing is sent for an empty list.
func (s *SyncService) Broadcast(lessonID, batchID string, ops []domain.DrawOperation, excludeClientID string) error {
	if len(ops) == 0 {
		return nil
	}
	return s.broadcast(lessonID, websocket.TypeOperationBatch, &websocket.OperationRelayPayload{
		LessonID:   lessonID,
		BatchID:    batchID,
		Operations: ops,
	}, excludeClientID)
}

func (s *SyncService) lastSequence(ctx context.Context, lessonID string) (int64, error) {
	if last, _, _, ok := s.states.Peek(lessonID); ok {
		return last, nil
	}
	return s.ops.LastSequence(ctx, lessonID)
}

// Heartbeat refreshes the user's presence and reports the lesson's latest
// sequence number so the client can spot a gap.
func (s *SyncService) Heartbeat(ctx context.Context, lessonID, clientID string, userID int64) (*websocket.HeartbeatResponsePayload, error) {
	if userID > 0 && s.registry != nil {
		s.registry.Touch(lessonID, userID)
	}

	last, err := s.lastSequence(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	return &websocket.HeartbeatResponsePayload{
		ClientID:           clientID,
		ServerTime:         domain.NowMillis(),
		LastSequenceNumber: last,
	}, nil
}

func (s *SyncService) SyncRequest(ctx context.Context, lessonID string, afterSequence int64) (*websocket.SyncResponsePayload, error) {
	ops, err := s.ops.ListSince(ctx, lessonID, afterSequence)
	if err != nil {
		return nil, err
	}

	last := afterSequence
	if n := len(ops); n > 0 {
		last = ops[n-1].SequenceNumber
	} else if l, err := s.lastSequence(ctx, lessonID); err == nil && l > last {
		last = l
	}

	return &websocket.SyncResponsePayload{
		LessonID:           lessonID,
		Operations:         ops,
		LastSequenceNumber: last,
	}, nil
}

func (s *SyncService) BatchCompleted(req *domain.BatchRequest, result *domain.BatchResult) {
	if err := s.Confirm(req.LessonID, req.BatchID, req.ConnectionID, req.ClientID, result); err != nil {
		log.Printf("[Sync] confirm batch %s: %v", req.BatchID, err)
	}
	if err := s.Broadcast(req.LessonID, req.BatchID, result.Accepted, req.ConnectionID); err != nil {
		log.Printf("[Sync] broadcast batch %s: %v", req.BatchID, err)
	}
}

// BatchFailed reports a failed batch to its sender. Operations the batch
// stored before failing are still relayed to the rest of the lesson; the
// sender's resend sees them as duplicates.
func (s *SyncService) BatchFailed(req *domain.BatchRequest, partial *domain.BatchResult, err error) {
	retryable := errors.Is(err, ErrBatchTimeout) ||
		errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrShuttingDown) ||
		repository.IsRetryable(err)

	sendErr := s.send(req.ConnectionID, websocket.TypeBatchError, &websocket.BatchErrorPayload{
		BatchID:   req.BatchID,
		ClientID:  req.ClientID,
		Error:     err.Error(),
		Retryable: retryable,
	})
	if sendErr != nil {
		log.Printf("[Sync] batch_error for %s: %v", req.BatchID, sendErr)
	}

	if partial != nil {
		if err := s.Broadcast(req.LessonID, req.BatchID, partial.Accepted, req.ConnectionID); err != nil {
			log.Printf("[Sync] broadcast partial batch %s: %v", req.BatchID, err)
		}
	}
}
