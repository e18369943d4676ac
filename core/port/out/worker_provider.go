package out

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
)

// =============================================================================
// Mail Provider Port
// =============================================================================

// MailProvider issues authenticated calls against the mailbox provider.
// Every call receives the bearer token explicitly; implementations must not
// cache per-account clients.
type MailProvider interface {
	ListThreads(ctx context.Context, accessToken string, q ThreadQuery) (*domain.ThreadPage, error)
	GetThread(ctx context.Context, accessToken, threadID string) (*domain.Thread, error)
	ListThreadMessages(ctx context.Context, accessToken, threadID string) ([]domain.MessageRef, uint64, error)
	GetMessage(ctx context.Context, accessToken, messageID string) (*domain.ProviderMessage, error)
	ListHistory(ctx context.Context, accessToken string, startHistoryID uint64, pageToken string) (*domain.HistoryPage, error)

	ModifyLabels(ctx context.Context, accessToken, messageID string, add, remove []string) ([]string, error)
	ArchiveMessage(ctx context.Context, accessToken, messageID string) ([]string, error)
	TrashMessage(ctx context.Context, accessToken, messageID string) error
	CreateDraft(ctx context.Context, accessToken string, d DraftRequest) (*domain.Draft, error)
	GetAttachmentBytes(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, error)

	// RefreshAccessToken returns "" without error when the provider omitted a token.
	RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.Tokens, error)
}

type ThreadQuery struct {
	Query      string
	PageToken  string
	MaxResults int64 // 0 means domain.DefaultPageSize
}

type DraftRequest struct {
	To       string
	Subject  string
	HTMLBody string
}

// =============================================================================
// Provider error taxonomy
// =============================================================================

type ProviderErrorCode string

const (
	ProviderErrAuthExpired    ProviderErrorCode = "auth_expired"
	ProviderErrHistoryExpired ProviderErrorCode = "history_expired"
	ProviderErrRateLimited    ProviderErrorCode = "rate_limited"
	ProviderErrNotFound       ProviderErrorCode = "not_found"
	ProviderErrTransient      ProviderErrorCode = "transient_network"
	ProviderErrUnrecoverable  ProviderErrorCode = "unrecoverable"
)

// ProviderError is the only error kind returned by MailProvider implementations.
type ProviderError struct {
	Provider   string
	Code       ProviderErrorCode
	Message    string
	RetryAfter time.Duration // set for ProviderErrRateLimited
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Code, e.Message)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the queue retry policy applies.
func (e *ProviderError) Retryable() bool {
	switch e.Code {
	case ProviderErrRateLimited, ProviderErrTransient, ProviderErrAuthExpired:
		return true
	}
	return false
}

func NewProviderError(provider string, code ProviderErrorCode, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message, Err: err}
}

// ProviderCode extracts the taxonomy code, or "" when err is not a ProviderError.
func ProviderCode(err error) ProviderErrorCode {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func IsAuthExpired(err error) bool    { return ProviderCode(err) == ProviderErrAuthExpired }
func IsHistoryExpired(err error) bool { return ProviderCode(err) == ProviderErrHistoryExpired }
func IsRateLimited(err error) bool    { return ProviderCode(err) == ProviderErrRateLimited }
func IsNotFound(err error) bool       { return ProviderCode(err) == ProviderErrNotFound }
func IsTransient(err error) bool      { return ProviderCode(err) == ProviderErrTransient }

// RetryAfter returns the provider-requested delay, if any.
func RetryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
