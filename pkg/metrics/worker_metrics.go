// Package metrics exposes Prometheus counters for sync runs and queue jobs.
package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for JobsFinished.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeSwallowed = "swallowed"
	OutcomeSkipped   = "skipped"
)

// Result labels for WebhookNotifications.
const (
	WebhookMalformed   = "malformed"
	WebhookUnknown     = "unknown_account"
	WebhookDisabled    = "disabled"
	WebhookDuplicate   = "duplicate"
	WebhookTriggered   = "triggered"
	WebhookLookupError = "lookup_error"
	WebhookSyncError   = "sync_error"
)

// Metrics holds all Prometheus collectors of the service.
type Metrics struct {
	Registry *prometheus.Registry

	SyncRuns       *prometheus.CounterVec // mode, result
	SyncSkipped    *prometheus.CounterVec // source
	JobsEnqueued   *prometheus.CounterVec // kind
	JobsFinished   *prometheus.CounterVec // kind, outcome
	JobDuration    *prometheus.HistogramVec
	ProviderErrors *prometheus.CounterVec // code

	WebhookNotifications *prometheus.CounterVec // result
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_sync_runs_total",
			Help: "Orchestrator runs by mode (full, incremental) and result",
		}, []string{"mode", "result"}),
		SyncSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_sync_skipped_total",
			Help: "Triggers ignored because the account was already syncing",
		}, []string{"source"}),
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_jobs_enqueued_total",
			Help: "Jobs written to the queue",
		}, []string{"kind"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_jobs_finished_total",
			Help: "Job attempts by outcome",
		}, []string{"kind", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailsync_job_duration_seconds",
			Help:    "Time spent handling one job attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_provider_errors_total",
			Help: "Classified provider errors",
		}, []string{"code"}),
		WebhookNotifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_webhook_notifications_total",
			Help: "Gmail push notifications by how they were handled",
		}, []string{"result"}),
	}
}

// RegisterDB exports database/sql pool statistics under name.
func (m *Metrics) RegisterDB(name string, db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	m.Registry.MustRegister(collectors.NewDBStatsCollector(db, name))
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) SyncRun(mode, result string) {
	if m != nil {
		m.SyncRuns.WithLabelValues(mode, result).Inc()
	}
}

func (m *Metrics) Skipped(source string) {
	if m != nil {
		m.SyncSkipped.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) Enqueued(kind string, n int) {
	if m != nil && n > 0 {
		m.JobsEnqueued.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) Finished(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(kind, outcome).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) ProviderError(code string) {
	if m != nil {
		m.ProviderErrors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) Webhook(result string) {
	if m != nil {
		m.WebhookNotifications.WithLabelValues(result).Inc()
	}
}
