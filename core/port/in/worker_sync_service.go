package in

import (
	"context"

	"mailsync_server/core/domain"
)

// SyncUseCase is the programmatic trigger used by the scheduler, webhooks and operators.
type SyncUseCase interface {
	// SyncAccount returns once the run's jobs are enqueued, not once they complete.
	SyncAccount(ctx context.Context, accountID int64, opts domain.SyncOptions) (*domain.SyncResult, error)
	Status(ctx context.Context, accountID int64) (*domain.SyncState, error)
}

// JobProcessor executes the worker side of each job kind.
type JobProcessor interface {
	FetchMessage(ctx context.Context, job domain.FetchMessageJob) error
	DownloadAttachment(ctx context.Context, job domain.DownloadAttachmentJob) error
	FullSync(ctx context.Context, job domain.FullSyncJob) error
}
