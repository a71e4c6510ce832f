package domain

type BatchRequest struct {
	LessonID   string          `json:"lessonId" validate:"required,max=64"`
	BatchID    string          `json:"batchId" validate:"required,max=128"`
	ClientID   string          `json:"clientId"`
	Operations []DrawOperation `json:"operations" validate:"required,max=5000"`
	Compressed bool            `json:"compressed"`

	// ConnectionID identifies the socket the batch arrived on. Confirmations go
	// there and broadcasts skip it.
	ConnectionID string `json:"-"`
}

type OperationFailure struct {
	Index          int    `json:"index"`
	ClientSequence int64  `json:"clientSequence,omitempty"`
	Error          string `json:"error"`
}

// BatchResult partitions a batch. Accepted holds every operation that was
// persisted (processed and conflicted alike) in processing order.
type BatchResult struct {
	BatchID            string             `json:"batchId"`
	Processed          []DrawOperation    `json:"processed"`
	Conflicted         []DrawOperation    `json:"conflicted"`
	Duplicated         []DrawOperation    `json:"duplicated"`
	Failed             []OperationFailure `json:"failed,omitempty"`
	Accepted           []DrawOperation    `json:"-"`
	ProcessingTimeMs   int64              `json:"processingTimeMs"`
	LastSequenceNumber int64              `json:"lastSequenceNumber"`
}

func NewBatchResult(batchID string) *BatchResult {
	return &BatchResult{
		BatchID:    batchID,
		Processed:  []DrawOperation{},
		Conflicted: []DrawOperation{},
		Duplicated: []DrawOperation{},
	}
}
