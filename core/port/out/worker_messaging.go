package out

import (
	"context"
	"time"

	"mailsync_server/core/domain"
)

// JobQueue is the durable queue between the orchestrator and workers.
type JobQueue interface {
	// Enqueue returns only after every job is durably written, in order.
	Enqueue(ctx context.Context, jobs ...*domain.Job) error
}

// FailedJob is an entry of the failed set kept for operators.
type FailedJob struct {
	StreamID string      `json:"stream_id"`
	Kind     string      `json:"kind"`
	Job      *domain.Job `json:"job,omitempty"`
	Raw      string      `json:"raw,omitempty"`
	Error    string      `json:"error"`
	Attempts int         `json:"attempts"`
	FailedAt time.Time   `json:"failed_at"`
}

// FailedJobReader lists the failed set.
type FailedJobReader interface {
	ListFailed(ctx context.Context, kind domain.JobKind, limit int64) ([]FailedJob, error)
}

// Delivery is one queue entry handed to a worker.
type Delivery struct {
	Stream  string
	EntryID string
	Job     *domain.Job
	// Deliveries counts how often the queue has handed this entry out.
	Deliveries int64
}

// JobAcknowledger settles deliveries. Complete and Fail both remove the entry
// from the pending set; Fail parks it in the failed set.
type JobAcknowledger interface {
	Complete(ctx context.Context, d Delivery) error
	Fail(ctx context.Context, d Delivery, cause error, attempts int) error
}
