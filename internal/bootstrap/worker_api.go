package bootstrap

import (
	"context"

	"mailsync_server/adapter/in/http"
	"mailsync_server/infra/middleware"
	"mailsync_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// API is the HTTP surface: health, metrics, the Gmail push endpoint and the
// operator API.
type API struct {
	App     *fiber.App
	webhook *http.WebhookHandler
}

func NewAPI(deps *Dependencies) *API {
	cfg := deps.Config

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, every operator request will be rejected")
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:    1 * 1024 * 1024, // push envelopes and operator requests are small
		ServerHeader: "",
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())

	// Health check and metrics (no auth required)
	checks := map[string]http.PingFunc{
		"postgres": deps.DB.PingContext,
		"redis": func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		},
	}
	if deps.MongoDB != nil {
		checks["mongodb"] = func(ctx context.Context) error {
			return deps.MongoDB.Ping(ctx, nil)
		}
	}
	http.NewHealthHandler(checks, deps.Metrics).Register(app)

	// Pub/Sub push (no auth required, authenticated by the push subscription)
	webhookHandler := http.NewWebhookHandler(deps.Orchestrator, deps.Accounts, deps.Debouncer, deps.Metrics)
	app.Use("/webhook", middleware.MaxBodySize(64*1024))
	webhookHandler.Register(app)

	// Operator API
	blacklist := middleware.NewTokenBlacklist(deps.Redis)
	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret, blacklist))
	api.Post("/auth/revoke", middleware.RevokeCurrent(blacklist))

	http.NewSyncHandler(
		deps.Orchestrator,
		deps.Queue,
		deps.Accounts,
		deps.Accounts,
		deps.Gateway,
	).Register(api)

	return &API{App: app, webhook: webhookHandler}
}

// Shutdown stops accepting requests and waits for webhook-triggered syncs.
func (a *API) Shutdown(ctx context.Context) error {
	if err := a.App.ShutdownWithContext(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		a.webhook.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
