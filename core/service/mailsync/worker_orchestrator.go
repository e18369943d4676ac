package mailsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
)

// ErrAccountDisabled is returned for triggers on a disabled account.
var ErrAccountDisabled = errors.New("account is disabled")

// Config tunes how much a full sync lists.
type Config struct {
	FullSyncMaxResults int   // cap on threads listed by a full sync
	PageSize           int64 // threads per ListThreads page
}

func DefaultConfig() Config {
	return Config{
		FullSyncMaxResults: domain.DefaultFullSyncMaxResults,
		PageSize:           100,
	}
}

// Orchestrator decides between full and incremental sync for one account per
// call and turns provider listings into queued fetch-message jobs.
type Orchestrator struct {
	cursors  out.CursorStore
	provider out.MailProvider
	queue    out.JobQueue
	gateway  out.PersistenceGateway
	creds    *auth.CredentialService
	metrics  *metrics.Metrics
	config   Config
}

func NewOrchestrator(
	cursors out.CursorStore,
	provider out.MailProvider,
	queue out.JobQueue,
	gateway out.PersistenceGateway,
	creds *auth.CredentialService,
	m *metrics.Metrics,
	config Config,
) *Orchestrator {
	if config.FullSyncMaxResults <= 0 {
		config.FullSyncMaxResults = domain.DefaultFullSyncMaxResults
	}
	if config.PageSize <= 0 {
		config.PageSize = domain.DefaultPageSize
	}
	return &Orchestrator{
		cursors:  cursors,
		provider: provider,
		queue:    queue,
		gateway:  gateway,
		creds:    creds,
		metrics:  m,
		config:   config,
	}
}

// SyncAccount runs one sync pass. It returns once the run's jobs are enqueued.
// A trigger that finds the account already syncing returns Skipped without side effects.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID int64, opts domain.SyncOptions) (*domain.SyncResult, error) {
	result := &domain.SyncResult{RunID: uuid.NewString(), AccountID: accountID}

	account, err := o.gateway.GetAccount(ctx, accountID)
	if err != nil {
		return result, fmt.Errorf("load account %d: %w", accountID, err)
	}
	if account.Disabled {
		return result, ErrAccountDisabled
	}

	acquired, err := o.cursors.MarkSyncing(ctx, accountID)
	if err != nil {
		return result, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !acquired {
		logger.Info("[SyncOrchestrator.SyncAccount] Account %d already syncing, ignoring %s trigger", accountID, opts.Source)
		o.metrics.Skipped(string(opts.Source))
		result.Skipped = true
		return result, nil
	}

	start := time.Now()
	runErr := o.run(ctx, accountID, opts, result)

	// Finalize even when the caller's context is gone, otherwise the account stays syncing.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if runErr != nil {
		o.metrics.SyncRun(string(result.Mode), "error")
		logger.WithError(runErr).Error("[SyncOrchestrator.SyncAccount] %s sync failed for account %d after enqueueing %d jobs",
			result.Mode, accountID, result.JobsEnqueued)
		if err := o.cursors.MarkError(finCtx, accountID, runErr.Error()); err != nil {
			logger.Error("[SyncOrchestrator.SyncAccount] Failed to mark account %d as error: %v", accountID, err)
		}
		return result, runErr
	}

	if err := o.cursors.MarkIdle(finCtx, accountID); err != nil {
		return result, fmt.Errorf("mark idle: %w", err)
	}
	o.metrics.SyncRun(string(result.Mode), "ok")
	logger.WithDuration(time.Since(start)).Info("[SyncOrchestrator.SyncAccount] %s sync for account %d (%s): %d jobs, %d tombstones, cursor %d -> %d",
		result.Mode, accountID, opts.Source, result.JobsEnqueued, result.Tombstoned, result.StartHistoryID, result.NewHistoryID)
	return result, nil
}

// Status returns the cursor-store view of the account.
func (o *Orchestrator) Status(ctx context.Context, accountID int64) (*domain.SyncState, error) {
	return o.cursors.GetState(ctx, accountID)
}

func (o *Orchestrator) run(ctx context.Context, accountID int64, opts domain.SyncOptions, result *domain.SyncResult) error {
	cursor, ok, err := o.cursors.GetCursor(ctx, accountID)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	result.StartHistoryID = cursor

	if opts.FullSync || !ok {
		return o.fullSync(ctx, accountID, opts.MaxResults, result)
	}

	err = o.incrementalSync(ctx, accountID, cursor, result)
	if !out.IsHistoryExpired(err) {
		return err
	}

	logger.Warn("[SyncOrchestrator.run] History %d expired for account %d, falling back to full sync", cursor, accountID)
	if err := o.cursors.ClearCursor(ctx, accountID); err != nil {
		return fmt.Errorf("clear expired cursor: %w", err)
	}
	result.FellBack = true
	return o.fullSync(ctx, accountID, opts.MaxResults, result)
}

// fullSync lists threads newest first up to maxResults and enqueues one
// fetch-message job per distinct message. The newest history id seen becomes
// the cursor once every page is enqueued; committing earlier would let an
// incremental run skip the older pages.
func (o *Orchestrator) fullSync(ctx context.Context, accountID int64, maxResults int, result *domain.SyncResult) error {
	result.Mode = domain.SyncModeFull
	if maxResults <= 0 {
		maxResults = o.config.FullSyncMaxResults
	}

	seen := make(map[string]struct{})
	var newest uint64
	pageToken := ""
	remaining := maxResults

	for remaining > 0 {
		size := o.config.PageSize
		if int64(remaining) < size {
			size = int64(remaining)
		}

		var page *domain.ThreadPage
		err := o.creds.Do(ctx, accountID, func(ctx context.Context, token string) error {
			var err error
			page, err = o.provider.ListThreads(ctx, token, out.ThreadQuery{PageToken: pageToken, MaxResults: size})
			return err
		})
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}

		var jobs []*domain.Job
		for _, thread := range page.Threads {
			if thread.HistoryID > newest {
				newest = thread.HistoryID
			}

			refs := thread.Messages
			if len(refs) == 0 {
				var historyID uint64
				err := o.creds.Do(ctx, accountID, func(ctx context.Context, token string) error {
					var err error
					refs, historyID, err = o.provider.ListThreadMessages(ctx, token, thread.ID)
					return err
				})
				if out.IsNotFound(err) {
					continue
				}
				if err != nil {
					return fmt.Errorf("list messages of thread %s: %w", thread.ID, err)
				}
				if historyID > newest {
					newest = historyID
				}
			}

			for _, ref := range refs {
				if _, dup := seen[ref.ID]; dup {
					continue
				}
				seen[ref.ID] = struct{}{}
				threadID := ref.ThreadID
				if threadID == "" {
					threadID = thread.ID
				}
				jobs = append(jobs, domain.NewJob(domain.FetchMessageJob{
					AccountID: accountID,
					MessageID: ref.ID,
					ThreadID:  threadID,
				}))
			}
		}

		if err := o.enqueue(ctx, jobs, result); err != nil {
			return err
		}

		remaining -= len(page.Threads)
		if page.NextPageToken == "" || len(page.Threads) == 0 {
			break
		}
		pageToken = page.NextPageToken
	}

	return o.commit(ctx, accountID, newest, result)
}

// incrementalSync walks the change log since cursor. Added and relabelled
// messages are refetched; deletions become local tombstones without a fetch.
func (o *Orchestrator) incrementalSync(ctx context.Context, accountID int64, cursor uint64, result *domain.SyncResult) error {
	result.Mode = domain.SyncModeIncremental

	seen := make(map[string]struct{})
	deletedSeen := make(map[string]struct{})
	newest := cursor
	pageToken := ""

	for {
		var page *domain.HistoryPage
		err := o.creds.Do(ctx, accountID, func(ctx context.Context, token string) error {
			var err error
			page, err = o.provider.ListHistory(ctx, token, cursor, pageToken)
			return err
		})
		if err != nil {
			return err
		}

		var jobs []*domain.Job
		var deleted []string
		for _, change := range page.Changes {
			switch change.Type {
			case domain.ChangeMessageAdded, domain.ChangeLabelsChanged:
				if _, dup := seen[change.MessageID]; dup {
					continue
				}
				seen[change.MessageID] = struct{}{}
				jobs = append(jobs, domain.NewJob(domain.FetchMessageJob{
					AccountID: accountID,
					MessageID: change.MessageID,
					ThreadID:  change.ThreadID,
				}))
			case domain.ChangeMessageDeleted:
				if _, dup := deletedSeen[change.MessageID]; dup {
					continue
				}
				deletedSeen[change.MessageID] = struct{}{}
				deleted = append(deleted, change.MessageID)
			}
		}

		if err := o.enqueue(ctx, jobs, result); err != nil {
			return err
		}
		if len(deleted) > 0 {
			n, err := o.gateway.TombstoneEmails(ctx, accountID, deleted)
			if err != nil {
				return fmt.Errorf("tombstone deleted messages: %w", err)
			}
			result.Tombstoned += n
		}

		if page.NewHistoryID > newest {
			newest = page.NewHistoryID
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return o.commit(ctx, accountID, newest, result)
}

func (o *Orchestrator) enqueue(ctx context.Context, jobs []*domain.Job, result *domain.SyncResult) error {
	if len(jobs) == 0 {
		return nil
	}
	if err := o.queue.Enqueue(ctx, jobs...); err != nil {
		return fmt.Errorf("enqueue %d fetch jobs: %w", len(jobs), err)
	}
	result.JobsEnqueued += len(jobs)
	o.metrics.Enqueued(string(domain.JobFetchMessage), len(jobs))
	return nil
}

// commit advances the cursor. Callers reach it only after every derived job is enqueued.
func (o *Orchestrator) commit(ctx context.Context, accountID int64, historyID uint64, result *domain.SyncResult) error {
	if historyID == 0 || (historyID == result.StartHistoryID && !result.FellBack) {
		result.NewHistoryID = result.StartHistoryID
		return nil
	}
	if err := o.cursors.SetCursor(ctx, accountID, historyID); err != nil {
		return fmt.Errorf("commit cursor %d: %w", historyID, err)
	}
	result.NewHistoryID = historyID
	return nil
}
