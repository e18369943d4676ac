package domain

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// =============================================================================
// SyncJob - tagged union carried by the queue
// =============================================================================

type JobKind string

const (
	JobFetchMessage       JobKind = "fetch-message"
	JobDownloadAttachment JobKind = "download-attachment"
	JobFullSync           JobKind = "full-sync"
)

// JobKinds lists every variant; the queue keeps one stream per kind.
var JobKinds = []JobKind{JobFetchMessage, JobDownloadAttachment, JobFullSync}

// JobPayload is implemented only by the three variants below.
type JobPayload interface {
	Kind() JobKind
	Account() int64
	Validate() error
}

type FetchMessageJob struct {
	AccountID int64  `json:"accountId"`
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
}

func (FetchMessageJob) Kind() JobKind    { return JobFetchMessage }
func (j FetchMessageJob) Account() int64 { return j.AccountID }
func (j FetchMessageJob) Validate() error {
	if j.AccountID <= 0 || j.MessageID == "" {
		return fmt.Errorf("fetch-message: accountId and messageId are required")
	}
	return nil
}

type DownloadAttachmentJob struct {
	AccountID    int64  `json:"accountId"`
	MessageID    string `json:"messageId"`
	AttachmentID string `json:"attachmentId"`
	PartID       string `json:"partId"` // empty for a message that is a single attachment
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	Size         *int64 `json:"size,omitempty"`
}

func (DownloadAttachmentJob) Kind() JobKind    { return JobDownloadAttachment }
func (j DownloadAttachmentJob) Account() int64 { return j.AccountID }
func (j DownloadAttachmentJob) Validate() error {
	if j.AccountID <= 0 || j.MessageID == "" || j.AttachmentID == "" {
		return fmt.Errorf("download-attachment: accountId, messageId and attachmentId are required")
	}
	return nil
}

type FullSyncJob struct {
	AccountID  int64 `json:"accountId"`
	MaxResults int   `json:"maxResults,omitempty"`
}

func (FullSyncJob) Kind() JobKind    { return JobFullSync }
func (j FullSyncJob) Account() int64 { return j.AccountID }
func (j FullSyncJob) Validate() error {
	if j.AccountID <= 0 {
		return fmt.Errorf("full-sync: accountId is required")
	}
	if j.MaxResults < 0 {
		return fmt.Errorf("full-sync: maxResults must not be negative")
	}
	return nil
}

// Job is the queue envelope around a payload.
type Job struct {
	ID        string
	Attempt   int // deliveries so far, starting at 1 once claimed
	CreatedAt time.Time
	Payload   JobPayload
}

// NewJob wraps payload with a fresh id.
func NewJob(payload JobPayload) *Job {
	return &Job{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

func (j *Job) Kind() JobKind {
	if j == nil || j.Payload == nil {
		return ""
	}
	return j.Payload.Kind()
}

type jobWire struct {
	ID        string          `json:"id"`
	Kind      JobKind         `json:"kind"`
	Attempt   int             `json:"attempt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON writes {"id","kind","createdAt","payload"}.
func (j *Job) MarshalJSON() ([]byte, error) {
	if j.Payload == nil {
		return nil, fmt.Errorf("job %s has no payload", j.ID)
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobWire{
		ID:        j.ID,
		Kind:      j.Payload.Kind(),
		Attempt:   j.Attempt,
		CreatedAt: j.CreatedAt,
		Payload:   payload,
	})
}

// UnmarshalJSON decodes the payload variant selected by "kind".
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var payload JobPayload
	switch w.Kind {
	case JobFetchMessage:
		var p FetchMessageJob
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Kind, err)
		}
		payload = p
	case JobDownloadAttachment:
		var p DownloadAttachmentJob
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Kind, err)
		}
		payload = p
	case JobFullSync:
		var p FullSyncJob
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Kind, err)
		}
		payload = p
	default:
		return fmt.Errorf("unknown job kind %q", w.Kind)
	}

	if err := payload.Validate(); err != nil {
		return err
	}
	j.ID = w.ID
	j.Attempt = w.Attempt
	j.CreatedAt = w.CreatedAt
	j.Payload = payload
	return nil
}
