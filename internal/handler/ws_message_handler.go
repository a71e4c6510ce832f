package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ultraboard-sync-server/internal/domain"
	"ultraboard-sync-server/internal/repository"
	"ultraboard-sync-server/internal/service"
	"ultraboard-sync-server/internal/websocket"

	"github.com/go-playground/validator/v10"
)

const requestTimeout = 10 * time.Second

// WebSocketMessageHandler decodes inbound events and routes them to the
// services. It also cleans up presence when a socket closes.
type WebSocketMessageHandler struct {
	manager  *websocket.Manager
	batches  *service.BatchService
	sync     *service.SyncService
	board    *service.BoardService
	presence *service.PresenceService
	validate *validator.Validate
}

func NewWebSocketMessageHandler(
	manager *websocket.Manager,
	batches *service.BatchService,
	sync *service.SyncService,
	board *service.BoardService,
	presence *service.PresenceService,
) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{
		manager:  manager,
		batches:  batches,
		sync:     sync,
		board:    board,
		presence: presence,
		validate: validator.New(),
	}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case websocket.TypeOperationBatch:
		err = h.handleOperationBatch(client, msg)
	case websocket.TypeHeartbeat:
		err = h.handleHeartbeat(ctx, client, msg)
	case websocket.TypeSyncRequest:
		err = h.handleSyncRequest(ctx, client, msg)
	case websocket.TypeJoin:
		err = h.handleJoin(ctx, client, msg)
	case websocket.TypeLeave:
		err = h.handleLeave(client, msg)
	case websocket.TypeDraw:
		err = h.handleDraw(ctx, client, msg)
	case websocket.TypeCursor:
		err = h.handleCursor(client, msg)
	case websocket.TypeUpdate:
		err = h.handleUpdate(ctx, client, msg)
	case websocket.TypeCompleteDrawing:
		err = h.handleCompleteDrawing(ctx, client, msg)
	case websocket.TypeClear:
		err = h.handleClear(ctx, client, msg)
	case websocket.TypeEndLesson:
		err = h.handleEndLesson(ctx, client, msg)
	case websocket.TypeRequestState:
		err = h.board.RequestState(ctx, client.LessonID, client.ID)
	default:
		h.manager.SendError(client.ID, msg.Type, "unknown_type", fmt.Sprintf("unsupported message type %q", msg.Type))
		return nil
	}

	if err != nil {
		h.reply(client, msg.Type, err)
	}
	return err
}

// HandleDisconnect drops the socket from presence.
func (h *WebSocketMessageHandler) HandleDisconnect(client *websocket.Client) {
	h.presence.Disconnect(client.LessonID, client.UserID, client.UserName, client.ID)
}

type invalidPayloadError struct {
	err error
}

func (e *invalidPayloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e *invalidPayloadError) Unwrap() error { return e.err }

func (h *WebSocketMessageHandler) reply(client *websocket.Client, reqType websocket.MessageType, err error) {
	var payloadErr *invalidPayloadError
	switch {
	case errors.As(err, &payloadErr):
		h.manager.SendError(client.ID, reqType, "invalid_payload", payloadErr.Error())
	case errors.Is(err, service.ErrInvalidLessonID), errors.Is(err, service.ErrInvalidBatch):
		h.manager.SendError(client.ID, reqType, "invalid_request", err.Error())
	case repository.IsRetryable(err):
		h.manager.SendError(client.ID, reqType, "storage_unavailable", "storage temporarily unavailable, retry later")
	default:
		h.manager.SendError(client.ID, reqType, "request_failed", err.Error())
	}
}

func (h *WebSocketMessageHandler) decode(msg *websocket.Message, v interface{}) error {
	if err := msg.UnmarshalPayload(v); err != nil {
		return &invalidPayloadError{err: err}
	}
	if err := h.validate.Struct(v); err != nil {
		return &invalidPayloadError{err: err}
	}
	return nil
}

// actor trusts what the client sent and falls back to the connection's
// token identity.
func actor(client *websocket.Client, s websocket.Sender) domain.Actor {
	a := domain.Actor{UserID: s.UserID, UserName: s.UserName, Role: domain.Role(s.UserRole)}
	if a.UserID == 0 {
		a.UserID = client.UserID
	}
	if a.UserName == "" {
		a.UserName = client.UserName
	}
	if a.Role == "" {
		a.Role = domain.Role(client.Role)
	}
	return a
}

// decodeFrom is decode for payloads that carry a Sender. The identity is
// completed from the connection before validation runs. A nil msg means v
// is already populated.
func (h *WebSocketMessageHandler) decodeFrom(client *websocket.Client, msg *websocket.Message, v interface{}, s *websocket.Sender) error {
	if msg != nil {
		if err := msg.UnmarshalPayload(v); err != nil {
			return &invalidPayloadError{err: err}
		}
	}
	a := actor(client, *s)
	s.UserID, s.UserName, s.UserRole = a.UserID, a.UserName, string(a.Role)
	if err := h.validate.Struct(v); err != nil {
		return &invalidPayloadError{err: err}
	}
	return nil
}

func (h *WebSocketMessageHandler) handleOperationBatch(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.OperationBatchPayload
	if err := h.decode(msg, &payload); err != nil {
		return err
	}

	for i := range payload.Operations {
		if payload.Operations[i].UserID == 0 {
			payload.Operations[i].UserID = client.UserID
		}
		if payload.Operations[i].UserName == "" {
			payload.Operations[i].UserName = client.UserName
		}
	}

	req := &domain.BatchRequest{
		LessonID:     client.LessonID,
		BatchID:      payload.BatchID,
		ClientID:     payload.ClientID,
		Operations:   payload.Operations,
		Compressed:   payload.Compressed,
		ConnectionID: client.ID,
	}
	if err := h.batches.Submit(req, h.sync); err != nil {
		h.sync.BatchFailed(req, nil, err)
	}
	return nil
}

func (h *WebSocketMessageHandler) handleHeartbeat(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.HeartbeatPayload
	if err := h.decode(msg, &payload); err != nil {
		return err
	}
	userID := payload.UserID
	if userID == 0 {
		userID = client.UserID
	}

	resp, err := h.sync.Heartbeat(ctx, client.LessonID, payload.ClientID, userID)
	if err != nil {
		return err
	}
	return h.send(client, websocket.TypeHeartbeatResponse, resp)
}

func (h *WebSocketMessageHandler) handleSyncRequest(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.SyncRequestPayload
	if err := h.decode(msg, &payload); err != nil {
		return err
	}

	resp, err := h.sync.SyncRequest(ctx, client.LessonID, payload.LastSequenceNumber)
	if err != nil {
		return err
	}
	return h.send(client, websocket.TypeSyncResponse, resp)
}

func (h *WebSocketMessageHandler) handleJoin(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.JoinPayload
	if err := h.decodeFrom(client, msg, &payload, &payload.Sender); err != nil {
		return err
	}
	return h.board.Join(ctx, client.LessonID, client.ID, actor(client, payload.Sender))
}

func (h *WebSocketMessageHandler) handleLeave(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.LeavePayload
	if err := h.decodeFrom(client, msg, &payload, &payload.Sender); err != nil {
		return err
	}
	h.board.Leave(client.LessonID, actor(client, payload.Sender))
	return nil
}

func (h *WebSocketMessageHandler) handleDraw(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.DrawPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return &invalidPayloadError{err: err}
	}
	if op := payload.Operation; op != nil {
		if op.UserID == 0 {
			op.UserID = actor(client, payload.Sender).UserID
		}
		if op.OperationType == "" {
			op.OperationType = domain.OperationDraw
		}
	}
	if err := h.decodeFrom(client, nil, &payload, &payload.Sender); err != nil {
		return err
	}

	_, err := h.board.Draw(ctx, client.LessonID, client.ID, actor(client, payload.Sender), *payload.Operation, payload.Content)
	return err
}

func (h *WebSocketMessageHandler) handleCursor(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.CursorPayload
	if err := h.decodeFrom(client, msg, &payload, &payload.Sender); err != nil {
		return err
	}
	return h.board.Cursor(client.LessonID, client.ID, actor(client, payload.Sender), payload.X, payload.Y)
}

func (h *WebSocketMessageHandler) handleUpdate(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.ContentPayload
	if err := h.decode(msg, &payload); err != nil {
		return err
	}
	return h.board.Update(ctx, client.LessonID, client.ID, payload.Content)
}

func (h *WebSocketMessageHandler) handleCompleteDrawing(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.ContentPayload
	if err := h.decode(msg, &payload); err != nil {
		return err
	}
	return h.board.CompleteDrawing(ctx, client.LessonID, client.ID, payload.Content)
}

func (h *WebSocketMessageHandler) handleClear(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.ClearPayload
	if err := h.decodeFrom(client, msg, &payload, &payload.Sender); err != nil {
		return err
	}
	return h.board.Clear(ctx, client.LessonID, actor(client, payload.Sender))
}

func (h *WebSocketMessageHandler) handleEndLesson(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.EndLessonPayload
	if err := h.decodeFrom(client, msg, &payload, &payload.Sender); err != nil {
		return err
	}
	if err := h.board.EndLesson(ctx, client.LessonID, actor(client, payload.Sender)); err != nil {
		return err
	}
	log.Printf("[WebSocket] lesson %s ended with %d sockets open", client.LessonID, h.manager.LessonConnections(client.LessonID))
	return nil
}

func (h *WebSocketMessageHandler) send(client *websocket.Client, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return h.manager.SendToClient(client.ID, msg)
}
