// Package httputil builds the pooled HTTP client shared by provider calls.
package httputil

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig sizes the connection pool of one upstream API.
type ClientConfig struct {
	// Concurrency is the number of calls expected in flight at once, normally
	// the worker pool size. The idle pool keeps that many connections warm.
	Concurrency int

	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	// HeaderTimeout bounds the wait for response headers only. The whole call
	// is bounded by the caller's context, so bodies such as attachment
	// downloads may take longer.
	HeaderTimeout   time.Duration
	IdleConnTimeout time.Duration
	KeepAlive       time.Duration

	UserAgent string
}

// GmailClientConfig returns the pool sizing for concurrency parallel fetches.
func GmailClientConfig(concurrency int) ClientConfig {
	if concurrency < 1 {
		concurrency = 1
	}
	return ClientConfig{
		Concurrency:         concurrency,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		HeaderTimeout:       30 * time.Second,
		IdleConnTimeout:     120 * time.Second,
		KeepAlive:           30 * time.Second,
		UserAgent:           "mailsync/1.0",
	}
}

// NewClient creates a keep-alive client. It sets no overall Timeout.
func NewClient(cfg ClientConfig) *http.Client {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.Concurrency * 2,
		MaxIdleConnsPerHost:   cfg.Concurrency,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.HeaderTimeout,
	}
	if cfg.UserAgent != "" {
		rt = &userAgent{next: rt, value: cfg.UserAgent}
	}
	return &http.Client{Transport: rt}
}

type userAgent struct {
	next  http.RoundTripper
	value string
}

func (u *userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return u.next.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", u.value)
	return u.next.RoundTrip(r)
}
