package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeDraftSynthesis = "DRAFT_SYNTHESIS"
	CodeInternal       = "INTERNAL"
	CodeNotFound       = "NOT_FOUND"
	CodeUpstream       = "UPSTREAM"
)

// internalMessage is all a caller learns about an internal failure.
const internalMessage = "internal error"

// Error is a request failure with an HTTP-equivalent status.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"errorCode"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Code, e.Status, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// BadRequest reports a malformed mutation. Never retried.
func BadRequest(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// DraftSynthesis reports that durable data needed for a synthetic response
// is absent.
func DraftSynthesis(format string, args ...any) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeDraftSynthesis, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps cause as a generic failure. The cause is kept for logs
// and errors.Is but not exposed in Message.
func Internal(cause error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: internalMessage, cause: cause}
}

// NotFound reports a missing resource.
func NotFound(format string, args ...any) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Upstream reports an error status returned by the upstream API.
func Upstream(status int, message string) *Error {
	return &Error{Status: status, Code: CodeUpstream, Message: message}
}

func codeOf(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsBadRequest checks if an error is a bad-request error.
func IsBadRequest(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeBadRequest
}

// IsDraftSynthesis checks if an error is a draft-synthesis error.
func IsDraftSynthesis(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeDraftSynthesis
}

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeInternal
}

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool {
	code, ok := codeOf(err)
	return ok && code == CodeNotFound
}

// StatusOf returns the status carried by err, or 0 when err carries none
// (a connectivity failure).
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsNetworkError reports whether err is a failure to reach the upstream at
// all, as opposed to an error response.
func IsNetworkError(err error) bool {
	return err != nil && StatusOf(err) == 0
}
