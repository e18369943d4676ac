package http

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// WebhookSyncTimeout bounds a sync triggered by a push notification.
const WebhookSyncTimeout = 2 * time.Minute

// Deduper reports whether a key is seen for the first time in its window.
type Deduper interface {
	First(ctx context.Context, key string) bool
}

// pubsubPush is the envelope Pub/Sub posts to a push subscription.
type pubsubPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// MailboxChange is the Gmail payload carried in the envelope's data field.
type MailboxChange struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

func decodeGmailPush(body []byte) (*MailboxChange, error) {
	var env pubsubPush
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		// some relays re-encode the data URL-safe
		if raw, err = base64.URLEncoding.DecodeString(env.Message.Data); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	var change MailboxChange
	if err := json.Unmarshal(raw, &change); err != nil {
		return nil, fmt.Errorf("parse data: %w", err)
	}
	if change.EmailAddress == "" {
		return nil, errors.New("data has no emailAddress")
	}
	return &change, nil
}

// WebhookHandler turns Gmail Pub/Sub pushes into incremental syncs. Every push
// is answered 200: Pub/Sub would only redeliver what could not be used.
type WebhookHandler struct {
	sync     in.SyncUseCase
	accounts out.AccountDirectory
	dedup    Deduper // optional
	metrics  *metrics.Metrics
	inflight sync.WaitGroup
}

func NewWebhookHandler(syncer in.SyncUseCase, accounts out.AccountDirectory, dedup Deduper, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{sync: syncer, accounts: accounts, dedup: dedup, metrics: m}
}

func (h *WebhookHandler) Register(app *fiber.App) {
	app.Post("/webhook/gmail", h.GmailWebhook)
}

// Wait blocks until every triggered sync has returned.
func (h *WebhookHandler) Wait() {
	h.inflight.Wait()
}

func (h *WebhookHandler) GmailWebhook(c *fiber.Ctx) error {
	ctx := c.UserContext()
	accountID, change, result := h.admit(ctx, c.Body())
	if result == metrics.WebhookTriggered {
		h.trigger(ctx, accountID, change.HistoryID)
	}
	h.metrics.Webhook(result)
	return c.SendStatus(fiber.StatusOK)
}

// admit decides what a push leads to. The account id is set only for
// WebhookTriggered.
func (h *WebhookHandler) admit(ctx context.Context, body []byte) (int64, *MailboxChange, string) {
	change, err := decodeGmailPush(body)
	if err != nil {
		logger.WithError(err).Warn("[GmailWebhook] Ignoring malformed notification")
		return 0, nil, metrics.WebhookMalformed
	}

	acc, err := h.accounts.FindByEmail(ctx, domain.ProviderGmail, change.EmailAddress)
	switch {
	case errors.Is(err, out.ErrAccountNotFound):
		logger.Warn("[GmailWebhook] No account for %s", change.EmailAddress)
		return 0, change, metrics.WebhookUnknown
	case err != nil:
		logger.WithError(err).Error("[GmailWebhook] Account lookup failed for %s", change.EmailAddress)
		return 0, change, metrics.WebhookLookupError
	case acc.Disabled:
		logger.Debug("[GmailWebhook] Account %d is disabled", acc.ID)
		return 0, change, metrics.WebhookDisabled
	}

	key := fmt.Sprintf("gmail:%s:%d", strings.ToLower(change.EmailAddress), change.HistoryID)
	if h.dedup != nil && !h.dedup.First(ctx, key) {
		logger.Debug("[GmailWebhook] Duplicate push for account %d at history %d", acc.ID, change.HistoryID)
		return 0, change, metrics.WebhookDuplicate
	}
	return acc.ID, change, metrics.WebhookTriggered
}

// trigger runs the sync detached from the request so the push is answered
// immediately.
func (h *WebhookHandler) trigger(ctx context.Context, accountID int64, historyID uint64) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), WebhookSyncTimeout)
		defer cancel()

		result, err := h.sync.SyncAccount(ctx, accountID, domain.SyncOptions{Source: domain.SyncSourceWebhook})
		switch {
		case err != nil:
			h.metrics.Webhook(metrics.WebhookSyncError)
			logger.WithError(err).Error("[GmailWebhook] Sync failed for account %d", accountID)
		case result.Skipped:
			logger.Debug("[GmailWebhook] Account %d already syncing", accountID)
		default:
			logger.Info("[GmailWebhook] Push at history %d for account %d enqueued %d jobs", historyID, accountID, result.JobsEnqueued)
		}
	}()
}
