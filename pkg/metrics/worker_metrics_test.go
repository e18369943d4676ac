package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.SyncRun("full", "ok")
	m.SyncRun("full", "ok")
	m.Skipped("webhook")
	m.Enqueued("fetch-message", 3)
	m.Enqueued("fetch-message", 0)
	m.Finished("fetch-message", OutcomeRetried, 0.1)
	m.ProviderError("rate_limited")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"sync runs", testutil.ToFloat64(m.SyncRuns.WithLabelValues("full", "ok")), 2},
		{"skipped", testutil.ToFloat64(m.SyncSkipped.WithLabelValues("webhook")), 1},
		{"enqueued", testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("fetch-message")), 3},
		{"finished", testutil.ToFloat64(m.JobsFinished.WithLabelValues("fetch-message", OutcomeRetried)), 1},
		{"provider errors", testutil.ToFloat64(m.ProviderErrors.WithLabelValues("rate_limited")), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.SyncRun("full", "ok")
	m.Skipped("schedule")
	m.Enqueued("full-sync", 1)
	m.Finished("full-sync", OutcomeFailed, 1)
	m.ProviderError("not_found")
	m.RegisterDB("postgres", nil)
}
