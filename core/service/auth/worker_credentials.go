package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/ratelimit"
)

// ErrNoAccessToken is returned when an account has neither a usable access token
// nor a refresh that yields one.
var ErrNoAccessToken = errors.New("no usable access token")

// CredentialService hands out access tokens and runs provider calls with
// refresh-once semantics on AuthExpired and a shared per-account cooldown on RateLimited.
type CredentialService struct {
	creds    out.CredentialStore
	provider out.MailProvider
	cooldown *ratelimit.Cooldown
	now      func() time.Time
}

func NewCredentialService(creds out.CredentialStore, provider out.MailProvider, cooldown *ratelimit.Cooldown) *CredentialService {
	return &CredentialService{
		creds:    creds,
		provider: provider,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// AccessToken returns the stored access token, refreshing it first when it is
// missing or about to expire.
func (s *CredentialService) AccessToken(ctx context.Context, accountID int64) (string, error) {
	tokens, err := s.creds.GetTokens(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load tokens: %w", err)
	}
	if !tokens.NeedsRefresh(s.now()) {
		return tokens.AccessToken, nil
	}
	if tokens.RefreshToken == "" {
		if tokens.AccessToken != "" {
			return tokens.AccessToken, nil
		}
		return "", ErrNoAccessToken
	}

	fresh, refreshed, err := s.refresh(ctx, accountID, tokens)
	if err != nil {
		return "", err
	}
	if !refreshed {
		if tokens.AccessToken == "" {
			return "", ErrNoAccessToken
		}
		// Keep using the old token; the provider will tell us if it is dead.
		return tokens.AccessToken, nil
	}
	return fresh, nil
}

// Refresh exchanges the refresh token. refreshed=false means the provider returned
// no access token; the stored pair is left untouched in that case.
func (s *CredentialService) Refresh(ctx context.Context, accountID int64) (string, bool, error) {
	tokens, err := s.creds.GetTokens(ctx, accountID)
	if err != nil {
		return "", false, fmt.Errorf("load tokens: %w", err)
	}
	if tokens.RefreshToken == "" {
		return "", false, ErrNoAccessToken
	}
	return s.refresh(ctx, accountID, tokens)
}

func (s *CredentialService) refresh(ctx context.Context, accountID int64, current *domain.Tokens) (string, bool, error) {
	fresh, err := s.provider.RefreshAccessToken(ctx, current.RefreshToken)
	if err != nil {
		return "", false, fmt.Errorf("refresh access token: %w", err)
	}
	if fresh == nil || fresh.AccessToken == "" {
		logger.Warn("[CredentialService.Refresh] Provider returned empty access token for account %d, keeping stored token", accountID)
		return "", false, nil
	}

	refreshToken := fresh.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}
	if err := s.creds.UpdateAccountTokens(ctx, accountID, fresh.AccessToken, refreshToken); err != nil {
		return "", false, fmt.Errorf("persist rotated tokens: %w", err)
	}
	logger.Info("[CredentialService.Refresh] Rotated access token for account %d", accountID)
	return fresh.AccessToken, true, nil
}

// Do runs fn with a valid access token. AuthExpired triggers exactly one refresh
// and retry; RateLimited records the provider's retry-after for every worker.
func (s *CredentialService) Do(ctx context.Context, accountID int64, fn func(ctx context.Context, token string) error) error {
	key := cooldownKey(accountID)
	if s.cooldown != nil {
		if err := s.cooldown.Wait(ctx, key); err != nil {
			return err
		}
	}

	token, err := s.AccessToken(ctx, accountID)
	if err != nil {
		return err
	}

	err = fn(ctx, token)
	if out.IsAuthExpired(err) {
		fresh, refreshed, rerr := s.Refresh(ctx, accountID)
		if rerr != nil {
			return fmt.Errorf("%w (refresh failed: %v)", err, rerr)
		}
		if !refreshed {
			return err
		}
		err = fn(ctx, fresh)
	}

	if out.IsRateLimited(err) && s.cooldown != nil {
		s.cooldown.Block(ctx, key, out.RetryAfter(err))
	}
	return err
}

func cooldownKey(accountID int64) string {
	return "gmail:" + strconv.FormatInt(accountID, 10)
}
