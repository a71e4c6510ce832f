package service

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidLessonID  = errors.New("invalid lesson id")
	ErrInvalidBatch     = errors.New("invalid batch")
	ErrBatchTimeout     = errors.New("batch processing timed out")
	ErrOverloaded       = errors.New("batch queue is full")
	ErrShuttingDown     = errors.New("server is shutting down")
	ErrSnapshotNotFound = errors.New("board snapshot not found")
)

var lessonIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func ValidateLessonID(lessonID string) error {
	if !lessonIDPattern.MatchString(lessonID) {
		return fmt.Errorf("%w: %q", ErrInvalidLessonID, lessonID)
	}
	return nil
}

// OperationError describes why a single operation of a batch was not
// persisted. The rest of the batch is unaffected.
type OperationError struct {
	Index          int
	ClientSequence int64
	Err            error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %d: %v", e.Index, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
