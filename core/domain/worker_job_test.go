package domain

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestJobPayload_Validate(t *testing.T) {
	size := int64(10)
	tests := []struct {
		name    string
		payload JobPayload
		wantErr bool
	}{
		{"fetch ok", FetchMessageJob{AccountID: 1, MessageID: "m1"}, false},
		{"fetch missing message", FetchMessageJob{AccountID: 1}, true},
		{"fetch missing account", FetchMessageJob{MessageID: "m1"}, true},
		{"attachment ok", DownloadAttachmentJob{AccountID: 1, MessageID: "m1", AttachmentID: "a1", Size: &size}, false},
		{"attachment missing id", DownloadAttachmentJob{AccountID: 1, MessageID: "m1"}, true},
		{"full sync ok", FullSyncJob{AccountID: 1}, false},
		{"full sync negative max", FullSyncJob{AccountID: 1, MaxResults: -1}, true},
		{"full sync missing account", FullSyncJob{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJob_JSONCarriesKind(t *testing.T) {
	job := NewJob(DownloadAttachmentJob{
		AccountID:    7,
		MessageID:    "m1",
		AttachmentID: "a1",
		Filename:     "report.pdf",
		MimeType:     "application/pdf",
	})
	job.Attempt = 2

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"kind":"download-attachment"`) {
		t.Errorf("Marshal() = %s, want kind field", data)
	}

	var got Job
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.ID != job.ID || got.Attempt != 2 || got.Kind() != JobDownloadAttachment {
		t.Errorf("Unmarshal() = %+v, want id %s attempt 2", got, job.ID)
	}
	p, ok := got.Payload.(DownloadAttachmentJob)
	if !ok {
		t.Fatalf("payload type = %T, want DownloadAttachmentJob", got.Payload)
	}
	if p.Filename != "report.pdf" || p.Account() != 7 {
		t.Errorf("payload = %+v", p)
	}
}

func TestJob_UnmarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown kind", `{"id":"x","kind":"send-mail","payload":{}}`},
		{"invalid payload", `{"id":"x","kind":"fetch-message","payload":{"accountId":1}}`},
		{"wrong payload type", `{"id":"x","kind":"full-sync","payload":{"accountId":"one"}}`},
		{"not json", `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j Job
			if err := json.Unmarshal([]byte(tt.data), &j); err == nil {
				t.Errorf("Unmarshal(%s) error = nil, want error", tt.data)
			}
		})
	}
}

func TestJob_MarshalWithoutPayload(t *testing.T) {
	if _, err := json.Marshal(&Job{ID: "x"}); err == nil {
		t.Error("Marshal() error = nil, want error for missing payload")
	}
	var nilJob *Job
	if nilJob.Kind() != "" {
		t.Errorf("Kind() on nil job = %q, want empty", nilJob.Kind())
	}
}
