package worker

import (
	"context"
	"errors"
	"fmt"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/mailsync"
	"mailsync_server/pkg/logger"
)

// SwallowedError marks a failure that is recorded but never retried and never
// propagated to the job that produced it.
type SwallowedError struct{ Err error }

func (e *SwallowedError) Error() string { return "swallowed: " + e.Err.Error() }
func (e *SwallowedError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsSwallowed(err error) bool {
	var se *SwallowedError
	return errors.As(err, &se)
}

// Retryable reports whether the pool should run the job again.
func Retryable(err error) bool {
	if err == nil || IsSwallowed(err) {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, mailsync.ErrAccountDisabled) || errors.Is(err, out.ErrAccountNotFound) {
		return false
	}
	var provErr *out.ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable()
	}
	// Database, queue and timeout failures.
	return true
}

type Handler struct {
	processor in.JobProcessor
}

func NewHandler(processor in.JobProcessor) *Handler {
	return &Handler{processor: processor}
}

// Process runs one job. Attachment failures are contained here so they can
// never fail the message that scheduled them.
func (h *Handler) Process(ctx context.Context, job *domain.Job) error {
	if job == nil || job.Payload == nil {
		return &PermanentError{Err: errors.New("job has no payload")}
	}
	logger.Debug("[Handler.Process] Processing %s job %s", job.Kind(), job.ID)

	switch p := job.Payload.(type) {
	case domain.FetchMessageJob:
		return h.processor.FetchMessage(ctx, p)

	case domain.DownloadAttachmentJob:
		if err := h.processor.DownloadAttachment(ctx, p); err != nil {
			logger.WithError(err).Warn("[Handler.Process] Attachment %s of message %s (account %d) not stored",
				p.AttachmentID, p.MessageID, p.AccountID)
			return &SwallowedError{Err: err}
		}
		return nil

	case domain.FullSyncJob:
		return h.processor.FullSync(ctx, p)

	default:
		return &PermanentError{Err: fmt.Errorf("unsupported job kind %q", job.Kind())}
	}
}
