package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructors(t *testing.T) {
	cause := errors.New("dial tcp: refused")

	tests := []struct {
		name       string
		err        *AppError
		wantCode   string
		wantStatus int
		wantCause  bool
	}{
		{"sync in progress", SyncInProgress(4), CodeConflict, http.StatusConflict, false},
		{"disabled", Disabled(4), CodeDisabled, http.StatusConflict, false},
		{"too large", PayloadTooLarge(64 << 10), CodeTooLarge, http.StatusRequestEntityTooLarge, false},
		{"provider", ProviderError(cause), CodeProviderError, http.StatusBadGateway, true},
		{"queue", QueueError(cause), CodeQueueError, http.StatusServiceUnavailable, true},
		{"timeout", Timeout(cause), CodeTimeout, http.StatusGatewayTimeout, true},
		{"unauthorized default message", Unauthorized(""), CodeUnauthorized, http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode || tt.err.Status != tt.wantStatus {
				t.Errorf("got %s/%d, want %s/%d", tt.err.Code, tt.err.Status, tt.wantCode, tt.wantStatus)
			}
			if got := errors.Is(tt.err, cause); got != tt.wantCause {
				t.Errorf("errors.Is(cause) = %v, want %v", got, tt.wantCause)
			}
			if tt.err.Message == "" {
				t.Error("empty message")
			}
		})
	}
}

func TestAppError_Details(t *testing.T) {
	err := SyncInProgress(12)
	if err.Details["account_id"] != int64(12) {
		t.Errorf("account_id detail = %v", err.Details["account_id"])
	}

	var target *AppError
	wrapped := fmt.Errorf("trigger: %w", err)
	if !errors.As(wrapped, &target) || target.Status != http.StatusConflict {
		t.Errorf("errors.As through wrap failed: %v", wrapped)
	}
	if got := Internal(errors.New("boom")).Error(); got != "[INTERNAL_ERROR] internal server error: boom" {
		t.Errorf("Error() = %q", got)
	}
}
