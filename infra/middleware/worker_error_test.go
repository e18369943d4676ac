package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

func TestErrorHandler_Classification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"app error", apperr.SyncInProgress(3), 409, apperr.CodeConflict},
		{"fiber error", fiber.ErrMethodNotAllowed, 405, apperr.CodeNotFound},
		{"provider error", fmt.Errorf("list threads: %w", out.NewProviderError("gmail", out.ProviderErrRateLimited, "slow down", nil)), 502, apperr.CodeProviderError},
		{"unknown account", fmt.Errorf("load account 9: %w", out.ErrAccountNotFound), 404, apperr.CodeNotFound},
		{"missing row", out.ErrNotFound, 404, apperr.CodeNotFound},
		{"deadline", context.DeadlineExceeded, 504, apperr.CodeTimeout},
		{"anything else", errors.New("boom"), 500, apperr.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
			app.Use(RequestID())
			app.Get("/x", func(c *fiber.Ctx) error { return tt.err })

			req := httptest.NewRequest("GET", "/x", nil)
			req.Header.Set("X-Request-ID", "req-1")
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			var body ErrorResponse
			raw, _ := io.ReadAll(resp.Body)
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("decode %s: %v", raw, err)
			}
			if body.Success || body.Error.Code != tt.wantCode || body.RequestID != "req-1" {
				t.Errorf("body = %+v, want code %s", body, tt.wantCode)
			}
		})
	}
}

func TestRecover(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(Recover())
	app.Get("/panic", func(c *fiber.Ctx) error { panic("nil map") })

	resp, err := app.Test(httptest.NewRequest("GET", "/panic", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 500 {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestMaxBodySize(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(SecurityHeaders())
	app.Use(MaxBodySize(8))
	app.Post("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"small", "{}", 200},
		{"too large", strings.Repeat("x", 9), 413},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("POST", "/", strings.NewReader(tt.body)))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := resp.Header.Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", got)
			}
		})
	}
}
