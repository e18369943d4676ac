package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailsync_server/adapter/out/memory"
	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/ratelimit"
)

func newTestService(t *testing.T, acc *domain.Account) (*CredentialService, *memory.Store, *memory.Mailbox, int64) {
	t.Helper()
	store := memory.NewStore()
	id := store.AddAccount(acc)
	box := memory.NewMailbox()
	return NewCredentialService(store, box, ratelimit.NewCooldown(nil)), store, box, id
}

func TestAccessToken(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		account     domain.Account
		refreshed   *domain.Tokens
		want        string
		wantErr     bool
		wantRefresh int
	}{
		{
			name:    "valid token is used as is",
			account: domain.Account{AccessToken: "at", RefreshToken: "rt", TokenExpiry: now.Add(time.Hour)},
			want:    "at",
		},
		{
			name:        "expiring token is refreshed",
			account:     domain.Account{AccessToken: "at", RefreshToken: "rt", TokenExpiry: now.Add(time.Minute)},
			refreshed:   &domain.Tokens{AccessToken: "fresh"},
			want:        "fresh",
			wantRefresh: 1,
		},
		{
			name:        "missing token is refreshed",
			account:     domain.Account{RefreshToken: "rt"},
			refreshed:   &domain.Tokens{AccessToken: "fresh"},
			want:        "fresh",
			wantRefresh: 1,
		},
		{
			name:        "empty refresh keeps stored token",
			account:     domain.Account{AccessToken: "at", RefreshToken: "rt", TokenExpiry: now.Add(-time.Minute)},
			want:        "at",
			wantRefresh: 1,
		},
		{
			name:        "empty refresh without stored token",
			account:     domain.Account{RefreshToken: "rt"},
			wantErr:     true,
			wantRefresh: 1,
		},
		{
			name:    "no refresh token and no access token",
			account: domain.Account{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := tt.account
			svc, _, box, id := newTestService(t, &acc)
			box.Refreshed = tt.refreshed

			got, err := svc.AccessToken(context.Background(), id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AccessToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("AccessToken() = %q, want %q", got, tt.want)
			}
			if n := box.Calls("RefreshAccessToken"); n != tt.wantRefresh {
				t.Errorf("refresh calls = %d, want %d", n, tt.wantRefresh)
			}
		})
	}
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	svc, store, box, id := newTestService(t, &domain.Account{AccessToken: "old", RefreshToken: "rt"})
	box.Refreshed = &domain.Tokens{AccessToken: "new"}

	token, refreshed, err := svc.Refresh(context.Background(), id)
	if err != nil || !refreshed || token != "new" {
		t.Fatalf("Refresh() = %q, %v, %v", token, refreshed, err)
	}

	tokens, _ := store.GetTokens(context.Background(), id)
	if tokens.AccessToken != "new" || tokens.RefreshToken != "rt" {
		t.Errorf("stored tokens = %+v, want new/rt", tokens)
	}
}

func TestRefresh_EmptyResponseLeavesStoreUntouched(t *testing.T) {
	svc, store, _, id := newTestService(t, &domain.Account{AccessToken: "old", RefreshToken: "rt"})

	_, refreshed, err := svc.Refresh(context.Background(), id)
	if err != nil || refreshed {
		t.Fatalf("Refresh() refreshed = %v, err = %v", refreshed, err)
	}
	if store.TokenWrites != 0 {
		t.Errorf("TokenWrites = %d, want 0", store.TokenWrites)
	}
}

func TestDo_RefreshesOnceOnAuthExpired(t *testing.T) {
	svc, store, box, id := newTestService(t, &domain.Account{AccessToken: "stale", RefreshToken: "rt"})
	box.ValidToken = "fresh"
	box.Refreshed = &domain.Tokens{AccessToken: "fresh", RefreshToken: "rt2"}

	var got *domain.ProviderMessage
	box.AddMessage(&domain.ProviderMessage{ID: "m1"})
	err := svc.Do(context.Background(), id, func(ctx context.Context, token string) error {
		var err error
		got, err = box.GetMessage(ctx, token, "m1")
		return err
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got == nil || got.ID != "m1" {
		t.Errorf("Do() result = %+v", got)
	}
	if tokens := box.Tokens(); len(tokens) != 2 || tokens[0] != "stale" || tokens[1] != "fresh" {
		t.Errorf("tokens used = %v, want [stale fresh]", tokens)
	}
	stored, _ := store.GetTokens(context.Background(), id)
	if stored.RefreshToken != "rt2" {
		t.Errorf("stored refresh token = %q, want rotated", stored.RefreshToken)
	}
}

func TestDo_SecondAuthFailureIsReturned(t *testing.T) {
	svc, _, box, id := newTestService(t, &domain.Account{AccessToken: "stale", RefreshToken: "rt"})
	box.ValidToken = "never"
	box.Refreshed = &domain.Tokens{AccessToken: "fresh"}
	box.FailNext("GetMessage",
		out.NewProviderError("gmail", out.ProviderErrAuthExpired, "expired", nil),
		out.NewProviderError("gmail", out.ProviderErrAuthExpired, "expired", nil),
	)

	calls := 0
	err := svc.Do(context.Background(), id, func(ctx context.Context, token string) error {
		calls++
		_, err := box.GetMessage(ctx, token, "m1")
		return err
	})
	if !out.IsAuthExpired(err) {
		t.Errorf("Do() error = %v, want AuthExpired", err)
	}
	if calls != 2 || box.Calls("RefreshAccessToken") != 1 {
		t.Errorf("calls = %d refreshes = %d, want 2 and 1", calls, box.Calls("RefreshAccessToken"))
	}
}

func TestDo_RateLimitSetsCooldown(t *testing.T) {
	svc, _, _, id := newTestService(t, &domain.Account{AccessToken: "at", RefreshToken: "rt"})

	limited := &out.ProviderError{Provider: "gmail", Code: out.ProviderErrRateLimited, RetryAfter: time.Hour}
	err := svc.Do(context.Background(), id, func(ctx context.Context, token string) error {
		return limited
	})
	if !errors.Is(err, limited) {
		t.Fatalf("Do() error = %v, want rate limit error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err = svc.Do(ctx, id, func(ctx context.Context, token string) error {
		ran = true
		return nil
	})
	if err == nil || ran {
		t.Errorf("Do() during cooldown error = %v ran = %v, want wait until deadline", err, ran)
	}
}

func TestDo_UnknownAccount(t *testing.T) {
	svc := NewCredentialService(memory.NewStore(), memory.NewMailbox(), nil)
	err := svc.Do(context.Background(), 99, func(ctx context.Context, token string) error { return nil })
	if !errors.Is(err, out.ErrAccountNotFound) {
		t.Errorf("Do() error = %v, want ErrAccountNotFound", err)
	}
}
