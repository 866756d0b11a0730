package api

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when a catalog task is not found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRunNotFound is returned when a processing log is not found.
	ErrRunNotFound = errors.New("processing log not found")

	// ErrProcessingNotFound is returned when a task processing record is
	// not found.
	ErrProcessingNotFound = errors.New("task processing not found")

	// ErrConflict is returned when a version-guarded write observes a
	// version other than the one the caller read. The caller must re-read
	// and reapply; nothing was written.
	ErrConflict = errors.New("version conflict")

	// ErrAlreadyStarted signals that a record already has its StartedAt
	// timestamp. It is an idempotency short-circuit, not a failure:
	// callers treat it as a no-op and must not redo the work.
	ErrAlreadyStarted = errors.New("task processing already started")
)

// MalformedMessageError reports a queue payload that failed schema
// validation at decode time. It is a distinct poison-message condition,
// separate from transient failures that resolve via redelivery.
type MalformedMessageError struct {
	Field  string
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: field %q %s", e.Field, e.Reason)
}

// IsMalformedMessage reports whether err is a MalformedMessageError.
func IsMalformedMessage(err error) bool {
	var m *MalformedMessageError
	return errors.As(err, &m)
}
