package websocket

import (
	"encoding/json"
	"time"

	"ultraboard-sync-server/internal/domain"
)

type MessageType string

// Client to server.
const (
	TypeOperationBatch  MessageType = "operation_batch"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeSyncRequest     MessageType = "sync_request"
	TypeJoin            MessageType = "join"
	TypeLeave           MessageType = "leave"
	TypeDraw            MessageType = "draw"
	TypeCursor          MessageType = "cursor"
	TypeUpdate          MessageType = "update"
	TypeClear           MessageType = "clear"
	TypeCompleteDrawing MessageType = "complete-drawing"
	TypeEndLesson       MessageType = "end-lesson"
	TypeRequestState    MessageType = "request-state"
)

// Server to client. operation_batch is also relayed outbound.
const (
	TypeBatchConfirmation MessageType = "batch_confirmation"
	TypeBatchError        MessageType = "batch_error"
	TypeHeartbeatResponse MessageType = "heartbeat_response"
	TypeSyncResponse      MessageType = "sync_response"
	TypeUserJoined        MessageType = "user_joined"
	TypeUserLeft          MessageType = "user_left"
	TypeBoardState        MessageType = "board_state"
	TypeBoardCleared      MessageType = "board_cleared"
	TypeBoardSaved        MessageType = "board_saved"
	TypeLessonEnded       MessageType = "lesson_ended"
	TypeError             MessageType = "error"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Sender is the identity attached to every inbound event. Values supplied by
// the client are trusted; missing ones are filled from the connection.
type Sender struct {
	UserID   int64  `json:"userId" validate:"gt=0"`
	UserName string `json:"userName,omitempty" validate:"max=100"`
	UserRole string `json:"userRole,omitempty" validate:"max=32"`
}

type OperationBatchPayload struct {
	BatchID    string                 `json:"batchId" validate:"required,max=128"`
	ClientID   string                 `json:"clientId" validate:"max=128"`
	Operations []domain.DrawOperation `json:"operations" validate:"required,min=1,max=5000"`
	Compressed bool                   `json:"compressed"`
}

// OperationRelayPayload is what other subscribers of a lesson receive.
type OperationRelayPayload struct {
	LessonID   string                 `json:"lessonId"`
	BatchID    string                 `json:"batchId,omitempty"`
	Operations []domain.DrawOperation `json:"operations"`
}

type BatchConfirmationPayload struct {
	BatchID            string                    `json:"batchId"`
	ClientID           string                    `json:"clientId,omitempty"`
	ProcessedCount     int                       `json:"processedCount"`
	ConflictedCount    int                       `json:"conflictedCount"`
	DuplicatedCount    int                       `json:"duplicatedCount"`
	FailedCount        int                       `json:"failedCount"`
	Failed             []domain.OperationFailure `json:"failed,omitempty"`
	ProcessingTimeMs   int64                     `json:"processingTimeMs"`
	LastSequenceNumber int64                     `json:"lastSequenceNumber"`
}

type BatchErrorPayload struct {
	BatchID   string `json:"batchId"`
	ClientID  string `json:"clientId,omitempty"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type HeartbeatPayload struct {
	ClientID string `json:"clientId" validate:"max=128"`
	UserID   int64  `json:"userId,omitempty"`
}

type HeartbeatResponsePayload struct {
	ClientID           string `json:"clientId,omitempty"`
	ServerTime         int64  `json:"serverTime"`
	LastSequenceNumber int64  `json:"lastSequenceNumber"`
}

type SyncRequestPayload struct {
	LastSequenceNumber int64 `json:"lastSequenceNumber" validate:"gte=0"`
}

type SyncResponsePayload struct {
	LessonID           string                 `json:"lessonId"`
	Operations         []domain.DrawOperation `json:"operations"`
	LastSequenceNumber int64                  `json:"lastSequenceNumber"`
}

type JoinPayload struct {
	Sender
}

type LeavePayload struct {
	Sender
}

// DrawPayload carries one operation. Content, when present, is the whole
// board and is saved as the lesson snapshot.
type DrawPayload struct {
	Sender
	Operation *domain.DrawOperation `json:"operation" validate:"required"`
	Content   string                `json:"content,omitempty"`
}

type CursorPayload struct {
	Sender
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ContentPayload struct {
	Sender
	Content string `json:"content" validate:"required,max=10485760"`
}

type ClearPayload struct {
	Sender
}

type EndLessonPayload struct {
	Sender
}

type RequestStatePayload struct {
	Sender
}

type PresencePayload struct {
	LessonID     string                 `json:"lessonId"`
	UserID       int64                  `json:"userId"`
	UserName     string                 `json:"userName,omitempty"`
	UserRole     string                 `json:"userRole,omitempty"`
	Participants []domain.PresenceEntry `json:"participants"`
}

type BoardSavedPayload struct {
	LessonID  string    `json:"lessonId"`
	Success   bool      `json:"success"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type BoardClearedPayload struct {
	LessonID  string    `json:"lessonId"`
	UserID    int64     `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	ClearedAt time.Time `json:"clearedAt"`
}

type LessonEndedPayload struct {
	LessonID string    `json:"lessonId"`
	UserID   int64     `json:"userId"`
	UserName string    `json:"userName,omitempty"`
	EndedAt  time.Time `json:"endedAt"`
}

type ErrorPayload struct {
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	RequestType MessageType `json:"requestType,omitempty"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
