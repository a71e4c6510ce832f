package domain

import "time"

type BoardSnapshot struct {
	LessonID  string    `json:"lessonId"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

type PresenceEntry struct {
	UserID   int64     `json:"userId"`
	UserName string    `json:"userName"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// BoardState is what a late joiner needs to rebuild the canvas.
type BoardState struct {
	LessonID           string          `json:"lessonId"`
	Content            string          `json:"content,omitempty"`
	SnapshotUpdatedAt  *time.Time      `json:"snapshotUpdatedAt,omitempty"`
	Operations         []DrawOperation `json:"operations"`
	LastSequenceNumber int64           `json:"lastSequenceNumber"`
	Participants       []PresenceEntry `json:"participants"`
}

type SaveBoardRequest struct {
	Content string `json:"content" validate:"required,max=10485760"`
}

type LessonStats struct {
	LessonID           string `json:"lessonId"`
	OperationCount     int64  `json:"operationCount"`
	LastSequenceNumber int64  `json:"lastSequenceNumber"`
	Participants       int    `json:"participants"`
	HasSnapshot        bool   `json:"hasSnapshot"`
	StateLoaded        bool   `json:"stateLoaded"`
	ProcessedSequences int    `json:"processedSequences"`
	RecentOperations   int    `json:"recentOperations"`
	BatchStats
}

// BatchStats are process-wide counters, not per lesson.
type BatchStats struct {
	Batches    int64 `json:"batches"`
	Failures   int64 `json:"batchFailures"`
	Accepted   int64 `json:"accepted"`
	Conflicted int64 `json:"conflicted"`
	Duplicated int64 `json:"duplicated"`
}

// Actor is the user behind an inbound event.
type Actor struct {
	UserID   int64
	UserName string
	Role     Role
}
