package repository

import (
	"errors"
	"fmt"
)

// StoreError wraps a persistence failure. The caller may retry the same
// operation; nothing was committed.
type StoreError struct {
	Op       string
	LessonID string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s (lesson %s): %v", e.Op, e.LessonID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Retryable() bool {
	return true
}

func storeErr(op, lessonID string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, LessonID: lessonID, Err: err}
}

// IsRetryable reports whether err came from a store and may be retried.
func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Retryable()
}
