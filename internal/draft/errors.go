package draft

import (
	"errors"
	"fmt"
)

// QueueErrorCode categorizes queue operation errors.
type QueueErrorCode string

const (
	// ErrCodeActionNotFound indicates no action has the given id.
	ErrCodeActionNotFound QueueErrorCode = "ACTION_NOT_FOUND"

	// ErrCodeActionUploading indicates the action is in flight and cannot be changed.
	ErrCodeActionUploading QueueErrorCode = "ACTION_UPLOADING"

	// ErrCodeInvalidState indicates the action is not in the state the operation needs.
	ErrCodeInvalidState QueueErrorCode = "INVALID_STATE"

	// ErrCodeTagMismatch indicates two actions target different records.
	ErrCodeTagMismatch QueueErrorCode = "TAG_MISMATCH"

	// ErrCodeClosed indicates the queue has been closed.
	ErrCodeClosed QueueErrorCode = "QUEUE_CLOSED"
)

// QueueError is returned by queue operations that refuse to act.
type QueueError struct {
	Code     QueueErrorCode
	ActionID string
	Message  string
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("%s: %s (action=%s)", e.Code, e.Message, e.ActionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func hasCode(err error, code QueueErrorCode) bool {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

// IsActionNotFound returns true if err reports a missing action.
func IsActionNotFound(err error) bool { return hasCode(err, ErrCodeActionNotFound) }

// IsActionUploading returns true if err reports an in-flight action.
func IsActionUploading(err error) bool { return hasCode(err, ErrCodeActionUploading) }

// IsInvalidState returns true if err reports an action in the wrong state.
func IsInvalidState(err error) bool { return hasCode(err, ErrCodeInvalidState) }

// IsTagMismatch returns true if err reports actions on different records.
func IsTagMismatch(err error) bool { return hasCode(err, ErrCodeTagMismatch) }
