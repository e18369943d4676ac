package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"

	"google.golang.org/api/googleapi"
)

func TestBuildDraftMessage(t *testing.T) {
	tests := []struct {
		name      string
		to        string
		subject   string
		wantParts []string
		wantErr   bool
	}{
		{
			name:      "plain",
			to:        "a@x.com",
			subject:   "Hi",
			wantParts: []string{
				"To: a@x.com\r\n",
				"Subject: Hi\r\n",
				"MIME-Version: 1.0\r\n",
				"Content-Type: text/html; charset=\"UTF-8\"\r\n",
			},
		},
		{
			name:      "two recipients and encoded subject",
			to:        "Ann <a@x.com>, b@y.org",
			subject:   "Réunion",
			wantParts: []string{"To: Ann <a@x.com>, b@y.org\r\n", "Subject: =?utf-8?"},
		},
		{name: "bad address", to: "not an address", subject: "Hi", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := BuildDraftMessage(tt.to, tt.subject, "<p>Hello?</p>")
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildDraftMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if strings.ContainsAny(raw, "+/=") {
				t.Fatalf("raw message is not unpadded base64url: %q", raw)
			}
			decoded, err := base64.RawURLEncoding.DecodeString(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			msg := string(decoded)
			for _, want := range tt.wantParts {
				if !strings.Contains(msg, want) {
					t.Errorf("message missing %q:\n%s", want, msg)
				}
			}
			if !strings.HasSuffix(msg, "\r\n\r\n<p>Hello?</p>") {
				t.Errorf("body not written verbatim after the header:\n%s", msg)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	expired := map[int]bool{404: true}

	rateHeader := http.Header{}
	rateHeader.Set("Retry-After", "7")

	tests := []struct {
		name        string
		err         error
		historyCall bool
		wantCode    out.ProviderErrorCode
		wantRetry   time.Duration
	}{
		{"401 is auth expired", &googleapi.Error{Code: 401}, false, out.ProviderErrAuthExpired, 0},
		{"404 is not found", &googleapi.Error{Code: 404}, false, out.ProviderErrNotFound, 0},
		{"404 on history is history expired", &googleapi.Error{Code: 404}, true, out.ProviderErrHistoryExpired, 0},
		{"429 is rate limited", &googleapi.Error{Code: 429, Header: rateHeader}, false, out.ProviderErrRateLimited, 7 * time.Second},
		{
			"403 with rate reason is rate limited",
			&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}},
			false, out.ProviderErrRateLimited, 0,
		},
		{"plain 403 is unrecoverable", &googleapi.Error{Code: 403}, false, out.ProviderErrUnrecoverable, 0},
		{"400 is unrecoverable", &googleapi.Error{Code: 400}, false, out.ProviderErrUnrecoverable, 0},
		{"503 is transient", &googleapi.Error{Code: 503}, false, out.ProviderErrTransient, 0},
		{"deadline is transient", context.DeadlineExceeded, false, out.ProviderErrTransient, 0},
		{"unknown is unrecoverable", errors.New("boom"), false, out.ProviderErrUnrecoverable, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := classifyError(tt.err, "failed", tt.historyCall, expired)
			if pe.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", pe.Code, tt.wantCode)
			}
			if pe.RetryAfter != tt.wantRetry {
				t.Errorf("retry after = %s, want %s", pe.RetryAfter, tt.wantRetry)
			}
		})
	}
}

func TestClassifyError_ConfigurableHistoryCodes(t *testing.T) {
	expired := map[int]bool{410: true}

	if pe := classifyError(&googleapi.Error{Code: 404}, "", true, expired); pe.Code != out.ProviderErrNotFound {
		t.Errorf("404 with 410-only predicate = %s, want not_found", pe.Code)
	}
	if pe := classifyError(&googleapi.Error{Code: 410}, "", true, expired); pe.Code != out.ProviderErrHistoryExpired {
		t.Errorf("410 = %s, want history_expired", pe.Code)
	}
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *GmailAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGmailAdapter(GmailConfig{CallTimeout: 5 * time.Second}, nil).WithEndpoint(srv.URL + "/")
}

func TestListHistory(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/history") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("startHistoryId"); got != "100" {
			t.Errorf("startHistoryId = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"historyId": "110",
			"nextPageToken": "p2",
			"history": [
				{"id": "101", "messagesAdded": [{"message": {"id": "m1", "threadId": "t1"}}]},
				{"id": "102", "labelsAdded": [{"message": {"id": "m2", "threadId": "t2"}, "labelIds": ["STARRED"]}]},
				{"id": "103", "messagesDeleted": [{"message": {"id": "m3", "threadId": "t3"}}]}
			]
		}`))
	})

	page, err := a.ListHistory(context.Background(), "tok", 100, "")
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if page.NewHistoryID != 110 || page.NextPageToken != "p2" {
		t.Errorf("page = %+v", page)
	}

	want := []domain.HistoryChange{
		{Type: domain.ChangeMessageAdded, MessageID: "m1", ThreadID: "t1"},
		{Type: domain.ChangeLabelsChanged, MessageID: "m2", ThreadID: "t2"},
		{Type: domain.ChangeMessageDeleted, MessageID: "m3", ThreadID: "t3"},
	}
	if len(page.Changes) != len(want) {
		t.Fatalf("changes = %+v", page.Changes)
	}
	for i := range want {
		if page.Changes[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, page.Changes[i], want[i])
		}
	}
}

func TestListHistory_Expired(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": 404, "message": "Requested entity was not found."}}`))
	})

	_, err := a.ListHistory(context.Background(), "tok", 1, "")
	if !out.IsHistoryExpired(err) {
		t.Fatalf("error = %v, want history expired", err)
	}
}

func TestGetMessage_ConvertsParts(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "m1", "threadId": "t1", "historyId": "55", "internalDate": "1700000000000",
			"labelIds": ["INBOX", "UNREAD"],
			"payload": {
				"mimeType": "multipart/mixed",
				"headers": [{"name": "Subject", "value": "Hi"}],
				"parts": [
					{"partId": "0", "mimeType": "text/plain", "body": {"data": "aGk", "size": 2}},
					{"partId": "1", "mimeType": "application/pdf", "filename": "a.pdf", "body": {"attachmentId": "att-1", "size": 10}}
				]
			}
		}`))
	})

	msg, err := a.GetMessage(context.Background(), "tok", "m1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.HistoryID != 55 || msg.InternalDate != 1700000000000 {
		t.Errorf("msg = %+v", msg)
	}
	if len(msg.Payload.Parts) != 2 {
		t.Fatalf("parts = %d", len(msg.Payload.Parts))
	}
	att := msg.Payload.Parts[1]
	if att.Body.AttachmentID != "att-1" || att.Body.Size == nil || *att.Body.Size != 10 {
		t.Errorf("attachment body = %+v", att.Body)
	}
}

func TestService_EmptyTokenIsAuthExpired(t *testing.T) {
	a := NewGmailAdapter(GmailConfig{}, nil)
	_, err := a.GetMessage(context.Background(), "", "m1")
	if !out.IsAuthExpired(err) {
		t.Fatalf("error = %v, want auth expired", err)
	}
}

func TestGetMessage_NotFoundDoesNotOpenBreaker(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/messages/gone") {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": {"code": 404, "message": "Requested entity was not found."}}`))
			return
		}
		w.Write([]byte(`{"id": "ok", "threadId": "t1"}`))
	})

	for i := 0; i < 12; i++ {
		_, err := a.GetMessage(context.Background(), "tok", "gone")
		if !out.IsNotFound(err) {
			t.Fatalf("GetMessage(gone) #%d error = %v, want not found", i, err)
		}
	}
	if got := a.CircuitState(); got != "closed" {
		t.Errorf("CircuitState() = %s after 404s, want closed", got)
	}
	if _, err := a.GetMessage(context.Background(), "tok", "ok"); err != nil {
		t.Errorf("GetMessage(ok) error = %v", err)
	}
}
