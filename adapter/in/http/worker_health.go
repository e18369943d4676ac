package http

import (
	"context"
	"sync"
	"time"

	"mailsync_server/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readyBudget = 5 * time.Second

// PingFunc checks one dependency.
type PingFunc func(ctx context.Context) error

type CheckResult struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type ReadyResponse struct {
	Ready  bool                   `json:"ready"`
	Checks map[string]CheckResult `json:"checks"`
}

type HealthHandler struct {
	checks  map[string]PingFunc
	metrics *metrics.Metrics
}

// NewHealthHandler takes the readiness checks by name. /metrics is mounted
// only when m is non-nil.
func NewHealthHandler(checks map[string]PingFunc, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{checks: checks, metrics: m}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	if h.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})))
	}
}

// Health is liveness only; it touches no dependency.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Ready pings every dependency in parallel within one shared budget.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), readyBudget)
	defer cancel()

	resp := ReadyResponse{Ready: true, Checks: make(map[string]CheckResult, len(h.checks))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, ping := range h.checks {
		wg.Add(1)
		go func(name string, ping PingFunc) {
			defer wg.Done()
			start := time.Now()
			err := ping(ctx)
			res := CheckResult{Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			resp.Checks[name] = res
			resp.Ready = resp.Ready && res.Healthy
			mu.Unlock()
		}(name, ping)
	}
	wg.Wait()

	status := fiber.StatusOK
	if !resp.Ready {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(resp)
}
