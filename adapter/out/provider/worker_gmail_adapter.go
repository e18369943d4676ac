package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const providerName = "gmail"

// GmailConfig holds OAuth client credentials and call policy.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	CallTimeout  time.Duration
	// HistoryExpiredCodes are the HTTP statuses that mean the start history id
	// fell out of the provider's retention window.
	HistoryExpiredCodes []int
	// Concurrency sizes the keep-alive pool, normally WORKER_MAX.
	Concurrency int
}

// GmailAdapter implements out.MailProvider on top of the Gmail REST API.
type GmailAdapter struct {
	config         *oauth2.Config
	cb             *gobreaker.CircuitBreaker
	callTimeout    time.Duration
	historyExpired map[int]bool
	metrics        *metrics.Metrics
	httpClient     *http.Client
	endpoint       string // overrides the API base URL, used by tests
}

var _ out.MailProvider = (*GmailAdapter)(nil)

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg GmailConfig, m *metrics.Metrics) *GmailAdapter {
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			gmail.GmailModifyScope,
			gmail.GmailComposeScope,
		},
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// 4xx is about the request, not provider health; the breaker is
		// shared by every account so it must not count them.
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	codes := cfg.HistoryExpiredCodes
	if len(codes) == 0 {
		codes = []int{404}
	}
	expired := make(map[int]bool, len(codes))
	for _, c := range codes {
		expired[c] = true
	}

	return &GmailAdapter{
		config:         config,
		cb:             gobreaker.NewCircuitBreaker(cbSettings),
		callTimeout:    timeout,
		historyExpired: expired,
		metrics:        m,
		httpClient:     httputil.NewClient(httputil.GmailClientConfig(cfg.Concurrency)),
	}
}

// WithEndpoint points the adapter at another API base URL.
func (a *GmailAdapter) WithEndpoint(url string) *GmailAdapter {
	a.endpoint = url
	return a
}

// =============================================================================
// Listing
// =============================================================================

func (a *GmailAdapter) ListThreads(ctx context.Context, accessToken string, q out.ThreadQuery) (*domain.ThreadPage, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	size := q.MaxResults
	if size <= 0 {
		size = domain.DefaultPageSize
	}
	call := svc.Users.Threads.List("me").MaxResults(size).Context(ctx)
	if q.Query != "" {
		call = call.Q(q.Query)
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	var resp *gmail.ListThreadsResponse
	err = a.executeWithCircuitBreaker(ctx, "ListThreads", func() error {
		var apiErr error
		resp, apiErr = call.Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to list threads", false)
	}

	page := &domain.ThreadPage{
		Threads:            make([]domain.ThreadRef, 0, len(resp.Threads)),
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}
	for _, t := range resp.Threads {
		ref := domain.ThreadRef{ID: t.Id, HistoryID: t.HistoryId}
		for _, m := range t.Messages {
			ref.Messages = append(ref.Messages, domain.MessageRef{ID: m.Id, ThreadID: t.Id})
		}
		page.Threads = append(page.Threads, ref)
	}
	return page, nil
}

func (a *GmailAdapter) GetThread(ctx context.Context, accessToken, threadID string) (*domain.Thread, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var thread *gmail.Thread
	err = a.executeWithCircuitBreaker(ctx, "GetThread", func() error {
		var apiErr error
		thread, apiErr = svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to get thread", false)
	}

	result := &domain.Thread{ID: thread.Id, HistoryID: thread.HistoryId}
	for _, m := range thread.Messages {
		result.Messages = append(result.Messages, convertMessage(m))
	}
	return result, nil
}

// ListThreadMessages returns only the message ids of a thread.
func (a *GmailAdapter) ListThreadMessages(ctx context.Context, accessToken, threadID string) ([]domain.MessageRef, uint64, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, 0, err
	}

	var thread *gmail.Thread
	err = a.executeWithCircuitBreaker(ctx, "ListThreadMessages", func() error {
		var apiErr error
		thread, apiErr = svc.Users.Threads.Get("me", threadID).Format("minimal").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, 0, a.wrapError(err, "failed to get thread", false)
	}

	refs := make([]domain.MessageRef, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		tid := m.ThreadId
		if tid == "" {
			tid = thread.Id
		}
		refs = append(refs, domain.MessageRef{ID: m.Id, ThreadID: tid})
	}
	return refs, thread.HistoryId, nil
}

func (a *GmailAdapter) GetMessage(ctx context.Context, accessToken, messageID string) (*domain.ProviderMessage, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	err = a.executeWithCircuitBreaker(ctx, "GetMessage", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to get message", false)
	}
	return convertMessage(msg), nil
}

// ListHistory returns one page of changes since startHistoryID.
func (a *GmailAdapter) ListHistory(ctx context.Context, accessToken string, startHistoryID uint64, pageToken string) (*domain.HistoryPage, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.History.List("me").StartHistoryId(startHistoryID).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListHistoryResponse
	err = a.executeWithCircuitBreaker(ctx, "ListHistory", func() error {
		var apiErr error
		resp, apiErr = call.Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to list history", true)
	}

	return &domain.HistoryPage{
		Changes:       classifyHistory(resp.History),
		NextPageToken: resp.NextPageToken,
		NewHistoryID:  resp.HistoryId,
	}, nil
}

// classifyHistory flattens history records into changes in provider order.
func classifyHistory(records []*gmail.History) []domain.HistoryChange {
	var changes []domain.HistoryChange
	add := func(t domain.ChangeType, m *gmail.Message) {
		if m == nil || m.Id == "" {
			return
		}
		changes = append(changes, domain.HistoryChange{Type: t, MessageID: m.Id, ThreadID: m.ThreadId})
	}

	for _, h := range records {
		for _, added := range h.MessagesAdded {
			add(domain.ChangeMessageAdded, added.Message)
		}
		for _, deleted := range h.MessagesDeleted {
			add(domain.ChangeMessageDeleted, deleted.Message)
		}
		for _, la := range h.LabelsAdded {
			add(domain.ChangeLabelsChanged, la.Message)
		}
		for _, lr := range h.LabelsRemoved {
			add(domain.ChangeLabelsChanged, lr.Message)
		}
	}
	return changes
}

// =============================================================================
// Mutations
// =============================================================================

func (a *GmailAdapter) ModifyLabels(ctx context.Context, accessToken, messageID string, add, remove []string) ([]string, error) {
	return a.modifyLabels(ctx, accessToken, messageID, add, remove)
}

// ArchiveMessage removes the INBOX label.
func (a *GmailAdapter) ArchiveMessage(ctx context.Context, accessToken, messageID string) ([]string, error) {
	return a.modifyLabels(ctx, accessToken, messageID, nil, []string{domain.LabelInbox})
}

func (a *GmailAdapter) TrashMessage(ctx context.Context, accessToken, messageID string) error {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}

	err = a.executeWithCircuitBreaker(ctx, "TrashMessage", func() error {
		_, apiErr := svc.Users.Messages.Trash("me", messageID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return a.wrapError(err, "failed to trash message", false)
	}
	return nil
}

func (a *GmailAdapter) CreateDraft(ctx context.Context, accessToken string, d out.DraftRequest) (*domain.Draft, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	raw, err := BuildDraftMessage(d.To, d.Subject, d.HTMLBody)
	if err != nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrUnrecoverable, "invalid draft", err)
	}
	draft := &gmail.Draft{Message: &gmail.Message{Raw: raw}}

	var created *gmail.Draft
	err = a.executeWithCircuitBreaker(ctx, "CreateDraft", func() error {
		var apiErr error
		created, apiErr = svc.Users.Drafts.Create("me", draft).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to create draft", false)
	}

	result := &domain.Draft{ID: created.Id}
	if created.Message != nil {
		result.MessageID = created.Message.Id
		result.ThreadID = created.Message.ThreadId
	}
	return result, nil
}

func (a *GmailAdapter) GetAttachmentBytes(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var att *gmail.MessagePartBody
	err = a.executeWithCircuitBreaker(ctx, "GetAttachment", func() error {
		var apiErr error
		att, apiErr = svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to get attachment", false)
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(att.Data, "="))
	if err != nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrUnrecoverable, "failed to decode attachment", err)
	}
	return data, nil
}

// =============================================================================
// Authentication
// =============================================================================

// RefreshAccessToken exchanges a refresh token. A response without an access
// token yields empty Tokens and no error.
func (a *GmailAdapter) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.Tokens, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	src := a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, a.wrapRefreshError(err)
	}
	if tok == nil || tok.AccessToken == "" {
		return &domain.Tokens{}, nil
	}
	return &domain.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (a *GmailAdapter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.callTimeout)
}

// service builds a client bound to one bearer token. Clients are not cached.
func (a *GmailAdapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	if accessToken == "" {
		return nil, out.NewProviderError(providerName, out.ProviderErrAuthExpired, "missing access token", nil)
	}
	base := context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, out.NewProviderError(providerName, out.ProviderErrUnrecoverable, "failed to create gmail client", err)
	}
	return svc, nil
}

func (a *GmailAdapter) modifyLabels(ctx context.Context, accessToken, messageID string, addLabels, removeLabels []string) ([]string, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()

	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    addLabels,
		RemoveLabelIds: removeLabels,
	}

	var msg *gmail.Message
	err = a.executeWithCircuitBreaker(ctx, "ModifyLabels", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Modify("me", messageID, req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to modify labels", false)
	}
	if msg.LabelIds == nil {
		return []string{}, nil
	}
	return msg.LabelIds, nil
}

// executeWithCircuitBreaker wraps an API call with circuit breaker protection.
func (a *GmailAdapter) executeWithCircuitBreaker(ctx context.Context, operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil && !isClientError(err) && ctx.Err() == nil {
		logger.Warn("[GmailAdapter] Circuit breaker error for %s: state=%s, err=%v",
			operation, a.cb.State().String(), err)
	}
	return err
}

// CircuitState returns the breaker state for the readiness check.
func (a *GmailAdapter) CircuitState() string {
	return a.cb.State().String()
}

func (a *GmailAdapter) String() string {
	return fmt.Sprintf("GmailAdapter(timeout=%s)", a.callTimeout)
}
