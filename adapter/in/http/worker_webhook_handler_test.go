package http

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailsync_server/adapter/out/memory"
	"mailsync_server/core/domain"
	"mailsync_server/pkg/metrics"
	"mailsync_server/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func webhookCount(m *metrics.Metrics, result string) int {
	return int(testutil.ToFloat64(m.WebhookNotifications.WithLabelValues(result)))
}

func pushBody(email string, historyID uint64) string {
	data := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf(`{"emailAddress":%q,"historyId":%d}`, email, historyID)))
	return fmt.Sprintf(`{"message":{"data":%q,"messageId":"1"},"subscription":"projects/p/subscriptions/s"}`, data)
}

func TestDecodeGmailPush(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantEmail string
		wantHist  uint64
		wantErr   bool
	}{
		{"valid", pushBody("a@example.com", 77), "a@example.com", 77, false},
		{"not json", "nope", "", 0, true},
		{"bad base64", `{"message":{"data":"%%%"}}`, "", 0, true},
		{"data not json", `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte("x")) + `"}}`, "", 0, true},
		{"missing email", `{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(`{"historyId":1}`)) + `"}}`, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeGmailPush([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeGmailPush() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.EmailAddress != tt.wantEmail || got.HistoryID != tt.wantHist {
				t.Errorf("decodeGmailPush() = %+v", got)
			}
		})
	}
}

func TestWebhookHandler_GmailWebhook(t *testing.T) {
	store := memory.NewStore()
	active := store.AddAccount(&domain.Account{Email: "a@example.com", RefreshToken: "r"})
	store.AddAccount(&domain.Account{Email: "off@example.com", Disabled: true})

	syncer := newStubSyncer(store)
	m := metrics.New()
	h := NewWebhookHandler(syncer, store, ratelimit.NewDebouncer(nil, time.Minute), m)
	app := fiber.New()
	h.Register(app)

	post := func(body string) int {
		t.Helper()
		req := httptest.NewRequest("POST", "/webhook/gmail", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode
	}

	bodies := []string{
		"garbage",
		pushBody("unknown@example.com", 1),
		pushBody("off@example.com", 1),
		pushBody("A@example.com", 10),
		pushBody("A@example.com", 10), // redelivery
	}
	for i, body := range bodies {
		if status := post(body); status != 200 {
			t.Errorf("body %d status = %d, want 200", i, status)
		}
	}
	h.Wait()

	calls := syncer.Calls()
	if len(calls) != 1 {
		t.Fatalf("sync calls = %d, want 1", len(calls))
	}
	if calls[0].Source != domain.SyncSourceWebhook || calls[0].FullSync {
		t.Errorf("call = %+v, want incremental webhook trigger", calls[0])
	}
	if got := <-syncer.trigger; got != active {
		t.Errorf("synced account = %d, want %d", got, active)
	}

	for result, want := range map[string]int{
		metrics.WebhookMalformed: 1,
		metrics.WebhookUnknown:   1,
		metrics.WebhookDisabled:  1,
		metrics.WebhookTriggered: 1,
		metrics.WebhookDuplicate: 1,
	} {
		if got := webhookCount(m, result); got != want {
			t.Errorf("webhook %s = %d, want %d", result, got, want)
		}
	}

	// A newer history id for the same mailbox is a new trigger.
	post(pushBody("a@example.com", 11))
	h.Wait()
	if len(syncer.Calls()) != 2 {
		t.Errorf("sync calls = %d, want 2", len(syncer.Calls()))
	}
}

func TestWebhookHandler_SyncOutlivesRequest(t *testing.T) {
	store := memory.NewStore()
	store.AddAccount(&domain.Account{Email: "a@example.com", RefreshToken: "r"})
	syncer := newStubSyncer(store)
	m := metrics.New()
	h := NewWebhookHandler(syncer, store, nil, m)

	ctx, cancel := context.WithCancel(context.Background())
	h.trigger(ctx, 1, 5)
	cancel()
	h.Wait()

	if len(syncer.Calls()) != 1 {
		t.Fatalf("sync calls = %d, want 1", len(syncer.Calls()))
	}
	if got := webhookCount(m, metrics.WebhookSyncError); got != 0 {
		t.Errorf("sync saw the cancelled request context, sync errors = %d", got)
	}
}
