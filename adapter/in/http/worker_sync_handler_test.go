package http

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"mailsync_server/adapter/out/memory"
	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/mailsync"
	"mailsync_server/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// stubSyncer records triggers and answers from the store's account state.
type stubSyncer struct {
	mu      sync.Mutex
	store   *memory.Store
	calls   []domain.SyncOptions
	busy    map[int64]bool
	err     error
	trigger chan int64
}

func newStubSyncer(store *memory.Store) *stubSyncer {
	return &stubSyncer{store: store, busy: map[int64]bool{}, trigger: make(chan int64, 16)}
}

func (s *stubSyncer) SyncAccount(ctx context.Context, accountID int64, opts domain.SyncOptions) (*domain.SyncResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	s.mu.Unlock()
	defer func() { s.trigger <- accountID }()

	result := &domain.SyncResult{AccountID: accountID, Mode: domain.SyncModeIncremental}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if s.err != nil {
		return result, s.err
	}
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return result, err
	}
	if acc.Disabled {
		return result, mailsync.ErrAccountDisabled
	}
	if s.busy[accountID] {
		result.Skipped = true
		return result, nil
	}
	if opts.FullSync {
		result.Mode = domain.SyncModeFull
	}
	result.JobsEnqueued = 3
	return result, nil
}

func (s *stubSyncer) Status(ctx context.Context, accountID int64) (*domain.SyncState, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &acc.Sync, nil
}

func (s *stubSyncer) Calls() []domain.SyncOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SyncOptions(nil), s.calls...)
}

func newTestApp(h *SyncHandler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	h.Register(app.Group("/api/v1"))
	return app
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, env
}

func TestSyncHandler_TriggerSync(t *testing.T) {
	store := memory.NewStore()
	store.AddAccount(&domain.Account{Email: "a@example.com", RefreshToken: "r"})
	busy := store.AddAccount(&domain.Account{Email: "b@example.com", RefreshToken: "r"})
	store.AddAccount(&domain.Account{Email: "c@example.com", Disabled: true})

	syncer := newStubSyncer(store)
	syncer.busy[busy] = true
	app := newTestApp(NewSyncHandler(syncer, memory.NewQueue(), store, store, store))

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"incremental", "/api/v1/sync/1", 202, ""},
		{"full", "/api/v1/sync/1?full=true", 202, ""},
		{"already syncing", "/api/v1/sync/2", 409, "SYNC_IN_PROGRESS"},
		{"disabled", "/api/v1/sync/3", 409, "ACCOUNT_DISABLED"},
		{"unknown", "/api/v1/sync/99", 404, "NOT_FOUND"},
		{"bad id", "/api/v1/sync/abc", 400, "BAD_REQUEST"},
		{"negative max", "/api/v1/sync/1?max_results=-1", 400, "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := do(t, app, "POST", tt.path, "")
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if tt.wantCode != "" && env.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", env.Error.Code, tt.wantCode)
			}
		})
	}

	calls := syncer.Calls()
	if len(calls) < 2 || calls[0].FullSync || !calls[1].FullSync {
		t.Fatalf("calls = %+v, want incremental then full", calls)
	}
	for _, c := range calls {
		if c.Source != domain.SyncSourceManual {
			t.Errorf("source = %q, want manual", c.Source)
		}
	}
}

func TestSyncHandler_ProviderErrorIsBadGateway(t *testing.T) {
	store := memory.NewStore()
	store.AddAccount(&domain.Account{Email: "a@example.com", RefreshToken: "r"})
	syncer := newStubSyncer(store)
	syncer.err = out.NewProviderError("gmail", out.ProviderErrTransient, "unavailable", nil)
	app := newTestApp(NewSyncHandler(syncer, memory.NewQueue(), store, store, store))

	status, env := do(t, app, "POST", "/api/v1/sync/1", "")
	if status != 502 || env.Error.Code != "PROVIDER_ERROR" {
		t.Errorf("got %d %q, want 502 PROVIDER_ERROR", status, env.Error.Code)
	}
}

func TestSyncHandler_GetStatus(t *testing.T) {
	store := memory.NewStore()
	id := store.AddAccount(&domain.Account{Email: "a@example.com", RefreshToken: "r"})
	_ = store.SetCursor(context.Background(), id, 4242)
	app := newTestApp(NewSyncHandler(newStubSyncer(store), memory.NewQueue(), store, store, store))

	status, env := do(t, app, "GET", "/api/v1/sync/1", "")
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	var st domain.SyncState
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatal(err)
	}
	if st.HistoryID != 4242 || st.Status != domain.SyncStatusIdle {
		t.Errorf("state = %+v", st)
	}
}

func TestSyncHandler_ListFailedJobs(t *testing.T) {
	store := memory.NewStore()
	q := memory.NewQueue()
	ctx := context.Background()

	for _, job := range []*domain.Job{
		domain.NewJob(domain.FetchMessageJob{AccountID: 1, MessageID: "m1"}),
		domain.NewJob(domain.DownloadAttachmentJob{AccountID: 1, MessageID: "m1", AttachmentID: "a1"}),
		domain.NewJob(domain.FetchMessageJob{AccountID: 1, MessageID: "m2"}),
	} {
		if err := q.Fail(ctx, out.Delivery{Job: job}, errors.New("boom"), 3); err != nil {
			t.Fatal(err)
		}
	}
	app := newTestApp(NewSyncHandler(newStubSyncer(store), q, store, store, store))

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int
	}{
		{"all", "", 200, 3},
		{"by kind", "?kind=fetch-message", 200, 2},
		{"limited", "?limit=1", 200, 1},
		{"unknown kind", "?kind=nope", 400, 0},
		{"limit too large", "?limit=10000", 400, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := do(t, app, "GET", "/api/v1/jobs/failed"+tt.query, "")
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", status, tt.wantStatus)
			}
			if status != 200 {
				return
			}
			var list struct {
				Total int `json:"total"`
			}
			if err := json.Unmarshal(env.Data, &list); err != nil {
				t.Fatal(err)
			}
			if list.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", list.Total, tt.wantTotal)
			}
		})
	}
}

func TestSyncHandler_AccountLifecycle(t *testing.T) {
	store := memory.NewStore()
	app := newTestApp(NewSyncHandler(newStubSyncer(store), memory.NewQueue(), store, store, store))
	ctx := context.Background()

	status, _ := do(t, app, "POST", "/api/v1/accounts", `{"email":"new@example.com"}`)
	if status != 400 {
		t.Errorf("create without refresh token status = %d, want 400", status)
	}

	status, env := do(t, app, "POST", "/api/v1/accounts", `{"email":"new@example.com","access_token":"a","refresh_token":"r"}`)
	if status != 201 {
		t.Fatalf("create status = %d, want 201", status)
	}
	var acc domain.Account
	if err := json.Unmarshal(env.Data, &acc); err != nil {
		t.Fatal(err)
	}
	if acc.ID == 0 || strings.Contains(string(env.Data), `"r"`) {
		t.Errorf("created account = %s", env.Data)
	}

	status, _ = do(t, app, "POST", "/api/v1/accounts/1/disable", "")
	if status != 200 {
		t.Fatalf("disable status = %d, want 200", status)
	}
	got, _ := store.GetAccount(ctx, acc.ID)
	if !got.Disabled || got.RefreshToken != "" {
		t.Errorf("account after disable = %+v", got)
	}

	status, env = do(t, app, "POST", "/api/v1/accounts/99/disable", "")
	if status != 404 || env.Error.Code != "NOT_FOUND" {
		t.Errorf("disable unknown = %d %q, want 404", status, env.Error.Code)
	}

	// Re-registering the same mailbox re-enables it under the same id.
	status, env = do(t, app, "POST", "/api/v1/accounts", `{"email":"new@example.com","refresh_token":"r2"}`)
	if status != 201 {
		t.Fatalf("re-create status = %d", status)
	}
	var again domain.Account
	_ = json.Unmarshal(env.Data, &again)
	if again.ID != acc.ID {
		t.Errorf("re-created id = %d, want %d", again.ID, acc.ID)
	}
	got, _ = store.GetAccount(ctx, acc.ID)
	if got.Disabled || got.RefreshToken != "r2" {
		t.Errorf("account after re-create = %+v", got)
	}
}

func TestSyncHandler_GetEmail(t *testing.T) {
	store := memory.NewStore()
	id := store.AddAccount(&domain.Account{Email: "a@example.com", RefreshToken: "r"})
	if err := store.UpsertEmail(context.Background(), &domain.Email{AccountID: id, ProviderID: "m1", ThreadID: "t1", Subject: "hello"}); err != nil {
		t.Fatal(err)
	}
	app := newTestApp(NewSyncHandler(newStubSyncer(store), memory.NewQueue(), store, store, store))

	status, env := do(t, app, "GET", "/api/v1/accounts/1/emails/m1", "")
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	var e domain.Email
	if err := json.Unmarshal(env.Data, &e); err != nil {
		t.Fatal(err)
	}
	if e.Subject != "hello" {
		t.Errorf("subject = %q", e.Subject)
	}

	if status, _ := do(t, app, "GET", "/api/v1/accounts/1/emails/missing", ""); status != 404 {
		t.Errorf("missing email status = %d, want 404", status)
	}
}
