package apperr

import (
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeBadRequest   = "BAD_REQUEST"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "SYNC_IN_PROGRESS"
	CodeDisabled     = "ACCOUNT_DISABLED"
	CodeTooLarge     = "PAYLOAD_TOO_LARGE"

	CodeProviderError = "PROVIDER_ERROR"
	CodeQueueError    = "QUEUE_ERROR"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError is the error shape returned by the operator API.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func BadRequest(message string) *AppError {
	return New(CodeBadRequest, message, http.StatusBadRequest)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

// SyncInProgress is returned when a trigger hits an account that is already syncing.
func SyncInProgress(accountID int64) *AppError {
	return New(CodeConflict, "sync already in progress", http.StatusConflict).
		WithDetail("account_id", accountID)
}

func Disabled(accountID int64) *AppError {
	return New(CodeDisabled, "account is disabled", http.StatusConflict).
		WithDetail("account_id", accountID)
}

func PayloadTooLarge(maxBytes int) *AppError {
	return New(CodeTooLarge, "request body too large", http.StatusRequestEntityTooLarge).
		WithDetail("max_size", maxBytes)
}

func Timeout(err error) *AppError {
	return wrap(err, CodeTimeout, "request timed out", http.StatusGatewayTimeout)
}

func ProviderError(err error) *AppError {
	return wrap(err, CodeProviderError, "mail provider request failed", http.StatusBadGateway)
}

func QueueError(err error) *AppError {
	return wrap(err, CodeQueueError, "job queue unavailable", http.StatusServiceUnavailable)
}

func DatabaseError(err error) *AppError {
	return wrap(err, CodeDatabaseError, "database operation failed", http.StatusInternalServerError)
}

func Internal(err error) *AppError {
	return wrap(err, CodeInternalError, "internal server error", http.StatusInternalServerError)
}
