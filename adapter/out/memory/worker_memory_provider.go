package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

var _ out.MailProvider = (*Mailbox)(nil)

// Mailbox is a scripted provider. Thread listings, history pages and messages
// are set up front; injected errors are returned once each, in order.
type Mailbox struct {
	mu sync.Mutex

	threads        []domain.ThreadRef // newest first
	threadMessages map[string][]domain.MessageRef
	threadHistory  map[string]uint64
	messages       map[string]*domain.ProviderMessage
	attachments    map[string][]byte
	history        []*domain.HistoryPage
	historyFrom    uint64

	// ValidToken, when set, makes every call with another token fail AuthExpired.
	ValidToken string
	// Refreshed is handed out by RefreshAccessToken. Nil means an empty response.
	Refreshed *domain.Tokens

	failures map[string][]error
	calls    map[string]int
	tokens   []string
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		threadMessages: make(map[string][]domain.MessageRef),
		threadHistory:  make(map[string]uint64),
		messages:       make(map[string]*domain.ProviderMessage),
		attachments:    make(map[string][]byte),
		failures:       make(map[string][]error),
		calls:          make(map[string]int),
	}
}

// AddThread appends a thread to the listing. Messages are only returned by
// ListThreadMessages, the way the Gmail thread listing omits them.
func (m *Mailbox) AddThread(id string, historyID uint64, messageIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := make([]domain.MessageRef, 0, len(messageIDs))
	for _, mid := range messageIDs {
		refs = append(refs, domain.MessageRef{ID: mid, ThreadID: id})
	}
	m.threads = append(m.threads, domain.ThreadRef{ID: id, HistoryID: historyID})
	m.threadMessages[id] = refs
	m.threadHistory[id] = historyID
}

func (m *Mailbox) AddMessage(msg *domain.ProviderMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
}

func (m *Mailbox) RemoveMessage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
}

func (m *Mailbox) AddAttachment(messageID, attachmentID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[messageID+"/"+attachmentID] = data
}

// SetHistory scripts the change log returned for startHistoryID. Pages are
// chained by their index.
func (m *Mailbox) SetHistory(startHistoryID uint64, pages ...*domain.HistoryPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyFrom = startHistoryID
	m.history = pages
}

// FailNext queues errors for method; each call consumes one.
func (m *Mailbox) FailNext(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], errs...)
}

// Calls returns how often method was invoked.
func (m *Mailbox) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Tokens returns the bearer tokens seen so far, in call order.
func (m *Mailbox) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tokens)
}

// enter records the call and returns a queued or auth failure. Callers hold no lock.
func (m *Mailbox) enter(ctx context.Context, method, token string) error {
	if err := ctx.Err(); err != nil {
		return out.NewProviderError("gmail", out.ProviderErrTransient, "context done", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	if method != "RefreshAccessToken" {
		m.tokens = append(m.tokens, token)
	}
	if q := m.failures[method]; len(q) > 0 {
		m.failures[method] = q[1:]
		return q[0]
	}
	if m.ValidToken != "" && method != "RefreshAccessToken" && token != m.ValidToken {
		return out.NewProviderError("gmail", out.ProviderErrAuthExpired, "invalid credentials", nil)
	}
	return nil
}

func notFound(what, id string) error {
	return out.NewProviderError("gmail", out.ProviderErrNotFound, what+" "+id+" not found", nil)
}

func pageIndex(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(token)
	if err != nil || i < 0 {
		return 0, out.NewProviderError("gmail", out.ProviderErrUnrecoverable, "bad page token "+token, err)
	}
	return i, nil
}

func (m *Mailbox) ListThreads(ctx context.Context, accessToken string, q out.ThreadQuery) (*domain.ThreadPage, error) {
	if err := m.enter(ctx, "ListThreads", accessToken); err != nil {
		return nil, err
	}
	start, err := pageIndex(q.PageToken)
	if err != nil {
		return nil, err
	}
	size := int(q.MaxResults)
	if size <= 0 {
		size = domain.DefaultPageSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	page := &domain.ThreadPage{ResultSizeEstimate: int64(len(m.threads))}
	if start >= len(m.threads) {
		return page, nil
	}
	end := min(start+size, len(m.threads))
	page.Threads = slices.Clone(m.threads[start:end])
	if end < len(m.threads) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *Mailbox) GetThread(ctx context.Context, accessToken, threadID string) (*domain.Thread, error) {
	if err := m.enter(ctx, "GetThread", accessToken); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	refs, ok := m.threadMessages[threadID]
	if !ok {
		return nil, notFound("thread", threadID)
	}
	thread := &domain.Thread{ID: threadID, HistoryID: m.threadHistory[threadID]}
	for _, ref := range refs {
		if msg, ok := m.messages[ref.ID]; ok {
			thread.Messages = append(thread.Messages, msg)
		}
	}
	return thread, nil
}

func (m *Mailbox) ListThreadMessages(ctx context.Context, accessToken, threadID string) ([]domain.MessageRef, uint64, error) {
	if err := m.enter(ctx, "ListThreadMessages", accessToken); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	refs, ok := m.threadMessages[threadID]
	if !ok {
		return nil, 0, notFound("thread", threadID)
	}
	return slices.Clone(refs), m.threadHistory[threadID], nil
}

// GetMessage hands out a copy whose attachment ids differ on every call, the
// way Gmail reissues them. GetAttachmentBytes accepts any issued id.
func (m *Mailbox) GetMessage(ctx context.Context, accessToken, messageID string) (*domain.ProviderMessage, error) {
	if err := m.enter(ctx, "GetMessage", accessToken); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, notFound("message", messageID)
	}
	cp := *msg
	cp.Payload = reissuePart(msg.Payload, m.calls["GetMessage"])
	return &cp, nil
}

const issueSep = "~"

func reissuePart(p *domain.MessagePart, issue int) *domain.MessagePart {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Body != nil {
		body := *p.Body
		if body.AttachmentID != "" {
			body.AttachmentID = fmt.Sprintf("%s%s%d", body.AttachmentID, issueSep, issue)
		}
		cp.Body = &body
	}
	cp.Parts = make([]*domain.MessagePart, len(p.Parts))
	for i, child := range p.Parts {
		cp.Parts[i] = reissuePart(child, issue)
	}
	return &cp
}

func (m *Mailbox) ListHistory(ctx context.Context, accessToken string, startHistoryID uint64, pageToken string) (*domain.HistoryPage, error) {
	if err := m.enter(ctx, "ListHistory", accessToken); err != nil {
		return nil, err
	}
	i, err := pageIndex(pageToken)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if startHistoryID != m.historyFrom || i >= len(m.history) {
		return &domain.HistoryPage{NewHistoryID: startHistoryID}, nil
	}
	page := *m.history[i]
	page.Changes = slices.Clone(page.Changes)
	page.NextPageToken = ""
	if i+1 < len(m.history) {
		page.NextPageToken = strconv.Itoa(i + 1)
	}
	return &page, nil
}

func (m *Mailbox) ModifyLabels(ctx context.Context, accessToken, messageID string, add, remove []string) ([]string, error) {
	if err := m.enter(ctx, "ModifyLabels", accessToken); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, notFound("message", messageID)
	}
	labels := slices.DeleteFunc(slices.Clone(msg.LabelIDs), func(l string) bool {
		return slices.Contains(remove, l)
	})
	for _, l := range add {
		if !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	msg.LabelIDs = labels
	return slices.Clone(labels), nil
}

func (m *Mailbox) ArchiveMessage(ctx context.Context, accessToken, messageID string) ([]string, error) {
	return m.ModifyLabels(ctx, accessToken, messageID, nil, []string{domain.LabelInbox})
}

func (m *Mailbox) TrashMessage(ctx context.Context, accessToken, messageID string) error {
	_, err := m.ModifyLabels(ctx, accessToken, messageID, []string{domain.LabelTrash}, []string{domain.LabelInbox})
	return err
}

func (m *Mailbox) CreateDraft(ctx context.Context, accessToken string, d out.DraftRequest) (*domain.Draft, error) {
	if err := m.enter(ctx, "CreateDraft", accessToken); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.calls["CreateDraft"]
	return &domain.Draft{
		ID:        fmt.Sprintf("draft-%d", n),
		MessageID: fmt.Sprintf("draft-msg-%d", n),
		ThreadID:  fmt.Sprintf("draft-thread-%d", n),
	}, nil
}

func (m *Mailbox) GetAttachmentBytes(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, error) {
	if err := m.enter(ctx, "GetAttachmentBytes", accessToken); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	base, _, _ := strings.Cut(attachmentID, issueSep)
	data, ok := m.attachments[messageID+"/"+base]
	if !ok {
		return nil, notFound("attachment", attachmentID)
	}
	return slices.Clone(data), nil
}

func (m *Mailbox) RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.Tokens, error) {
	if err := m.enter(ctx, "RefreshAccessToken", ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Refreshed == nil {
		return &domain.Tokens{}, nil
	}
	t := *m.Refreshed
	if t.AccessToken != "" && m.ValidToken != "" {
		m.ValidToken = t.AccessToken
	}
	return &t, nil
}
