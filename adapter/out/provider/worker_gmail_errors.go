package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mailsync_server/core/port/out"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

func isClientError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
	}
	return false
}

// wrapError maps a transport or API error onto the provider taxonomy.
// historyCall enables the history-expired interpretation of 404-style codes.
func (a *GmailAdapter) wrapError(err error, defaultMsg string, historyCall bool) error {
	pe := classifyError(err, defaultMsg, historyCall, a.historyExpired)
	if pe == nil {
		return nil
	}
	a.metrics.ProviderError(string(pe.Code))
	return pe
}

func classifyError(err error, defaultMsg string, historyCall bool, historyExpired map[int]bool) *out.ProviderError {
	if err == nil {
		return nil
	}

	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		code := apiErr.Code
		switch {
		case historyCall && historyExpired[code]:
			return out.NewProviderError(providerName, out.ProviderErrHistoryExpired, "history id expired, full sync required", err)
		case code == http.StatusUnauthorized:
			return out.NewProviderError(providerName, out.ProviderErrAuthExpired, "token expired", err)
		case code == http.StatusTooManyRequests, code == http.StatusForbidden && hasRateLimitReason(apiErr):
			limited := out.NewProviderError(providerName, out.ProviderErrRateLimited, "rate limit exceeded", err)
			limited.RetryAfter = retryAfter(apiErr.Header)
			return limited
		case code == http.StatusNotFound:
			return out.NewProviderError(providerName, out.ProviderErrNotFound, "not found", err)
		case code >= 500:
			return out.NewProviderError(providerName, out.ProviderErrTransient, "server error", err)
		default:
			return out.NewProviderError(providerName, out.ProviderErrUnrecoverable, defaultMsg, err)
		}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out.NewProviderError(providerName, out.ProviderErrTransient, "circuit open", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return out.NewProviderError(providerName, out.ProviderErrTransient, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return out.NewProviderError(providerName, out.ProviderErrTransient, "network error", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return out.NewProviderError(providerName, out.ProviderErrTransient, "network error", err)
	}

	return out.NewProviderError(providerName, out.ProviderErrUnrecoverable, defaultMsg, err)
}

// wrapRefreshError classifies token endpoint failures. invalid_grant means the
// refresh token itself is dead.
func (a *GmailAdapter) wrapRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		var pe *out.ProviderError
		switch {
		case re.ErrorCode == "invalid_grant" || re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized:
			pe = out.NewProviderError(providerName, out.ProviderErrAuthExpired, "refresh token rejected", err)
		case re.Response != nil && re.Response.StatusCode >= 500:
			pe = out.NewProviderError(providerName, out.ProviderErrTransient, "token endpoint unavailable", err)
		default:
			pe = out.NewProviderError(providerName, out.ProviderErrUnrecoverable, "token refresh failed", err)
		}
		a.metrics.ProviderError(string(pe.Code))
		return pe
	}
	return a.wrapError(err, "token refresh failed", false)
}

func hasRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return false
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
