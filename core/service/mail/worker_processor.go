package mail

import (
	"context"
	"fmt"
	"strings"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
)

// FullSyncer is the orchestrator entry used by full-sync jobs.
type FullSyncer interface {
	SyncAccount(ctx context.Context, accountID int64, opts domain.SyncOptions) (*domain.SyncResult, error)
}

// Processor implements the worker side of each job kind. Every method is safe to
// replay: writes are upserts keyed by provider ids.
type Processor struct {
	provider out.MailProvider
	gateway  out.PersistenceGateway
	queue    out.JobQueue
	blobs    out.BlobStore
	creds    *auth.CredentialService
	syncer   FullSyncer
	metrics  *metrics.Metrics
}

func NewProcessor(
	provider out.MailProvider,
	gateway out.PersistenceGateway,
	queue out.JobQueue,
	blobs out.BlobStore,
	creds *auth.CredentialService,
	syncer FullSyncer,
	m *metrics.Metrics,
) *Processor {
	return &Processor{
		provider: provider,
		gateway:  gateway,
		queue:    queue,
		blobs:    blobs,
		creds:    creds,
		syncer:   syncer,
		metrics:  m,
	}
}

// FetchMessage fetches, parses and upserts one message, then schedules a
// download job per attachment. A message deleted at the provider is skipped.
func (p *Processor) FetchMessage(ctx context.Context, job domain.FetchMessageJob) error {
	var msg *domain.ProviderMessage
	err := p.creds.Do(ctx, job.AccountID, func(ctx context.Context, token string) error {
		var err error
		msg, err = p.provider.GetMessage(ctx, token, job.MessageID)
		return err
	})
	if out.IsNotFound(err) {
		logger.Info("[Processor.FetchMessage] Message %s of account %d no longer exists, skipping", job.MessageID, job.AccountID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get message %s: %w", job.MessageID, err)
	}

	email := Parse(job.AccountID, msg)
	if email.ThreadID == "" {
		email.ThreadID = job.ThreadID
	}

	if err := p.gateway.UpsertEmail(ctx, email); err != nil {
		return fmt.Errorf("upsert email %s: %w", job.MessageID, err)
	}
	if len(email.Attachments) == 0 {
		return nil
	}
	if err := p.gateway.UpsertAttachmentMetadata(ctx, email.Attachments); err != nil {
		return fmt.Errorf("upsert attachments of %s: %w", job.MessageID, err)
	}

	jobs := make([]*domain.Job, 0, len(email.Attachments))
	for _, att := range email.Attachments {
		jobs = append(jobs, domain.NewJob(domain.DownloadAttachmentJob{
			AccountID:    job.AccountID,
			MessageID:    job.MessageID,
			AttachmentID: att.AttachmentID,
			PartID:       att.PartID,
			Filename:     att.Filename,
			MimeType:     att.MimeType,
			Size:         att.Size,
		}))
	}
	if err := p.queue.Enqueue(ctx, jobs...); err != nil {
		return fmt.Errorf("enqueue attachment downloads of %s: %w", job.MessageID, err)
	}
	p.metrics.Enqueued(string(domain.JobDownloadAttachment), len(jobs))
	return nil
}

// DownloadAttachment stores the bytes of one attachment. Callers decide what a
// failure means; the worker dispatcher contains it.
func (p *Processor) DownloadAttachment(ctx context.Context, job domain.DownloadAttachmentJob) error {
	var data []byte
	err := p.creds.Do(ctx, job.AccountID, func(ctx context.Context, token string) error {
		if strings.HasPrefix(job.AttachmentID, InlinePartPrefix) {
			msg, err := p.provider.GetMessage(ctx, token, job.MessageID)
			if err != nil {
				return err
			}
			inline, found := InlinePartBytes(msg, job.PartID)
			if !found {
				return fmt.Errorf("part %s of message %s has no inline data", job.PartID, job.MessageID)
			}
			data = inline
			return nil
		}
		var err error
		data, err = p.provider.GetAttachmentBytes(ctx, token, job.MessageID, job.AttachmentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("download attachment %s/%s: %w", job.MessageID, job.AttachmentID, err)
	}

	key := StorageKey(job.AccountID, job.MessageID, job.PartID)
	if err := p.blobs.Put(ctx, key, data, job.MimeType); err != nil {
		return fmt.Errorf("store attachment bytes: %w", err)
	}
	if err := p.gateway.StoreAttachmentBytes(ctx, job.AccountID, job.MessageID, job.PartID, key); err != nil {
		return fmt.Errorf("record attachment location: %w", err)
	}
	return nil
}

// FullSync runs the orchestrator's full-sync branch for a manual resync.
func (p *Processor) FullSync(ctx context.Context, job domain.FullSyncJob) error {
	result, err := p.syncer.SyncAccount(ctx, job.AccountID, domain.SyncOptions{
		FullSync:   true,
		Source:     domain.SyncSourceJob,
		MaxResults: job.MaxResults,
	})
	if err != nil {
		return err
	}
	if result.Skipped {
		logger.Info("[Processor.FullSync] Account %d was already syncing, full-sync job is a no-op", job.AccountID)
	}
	return nil
}

// StorageKey is deterministic so a replayed download overwrites the same object.
// It is built from the MIME part id, which stays put across fetches.
func StorageKey(accountID int64, messageID, partID string) string {
	if partID == "" {
		partID = "root"
	}
	return fmt.Sprintf("attachments/%d/%s/%s", accountID, messageID, partID)
}
