package mail

import (
	"reflect"
	"strings"
	"testing"

	"mailsync_server/core/domain"
)

func int64Ptr(v int64) *int64 { return &v }

func multipartMessage() *domain.ProviderMessage {
	return &domain.ProviderMessage{
		ID:           "m1",
		ThreadID:     "t1",
		HistoryID:    42,
		LabelIDs:     []string{domain.LabelInbox, domain.LabelStarred},
		Snippet:      "Hello",
		InternalDate: 1700000000000,
		Payload: &domain.MessagePart{
			PartID:   "",
			MimeType: "multipart/mixed",
			Headers: []domain.Header{
				{Name: "from", Value: "Alice <alice@example.com>"},
				{Name: "To", Value: "bob@example.com, carol@example.com ,"},
				{Name: "Subject", Value: "Quarterly"},
				{Name: "Date", Value: "Tue, 14 Nov 2023 22:13:20 +0000"},
			},
			Parts: []*domain.MessagePart{
				{
					PartID:   "0",
					MimeType: "multipart/alternative",
					Parts: []*domain.MessagePart{
						{PartID: "0.0", MimeType: "text/plain; charset=UTF-8", Body: &domain.PartBody{Data: "SGVsbG8sIHdvcmxk"}},
						{PartID: "0.1", MimeType: "TEXT/HTML", Body: &domain.PartBody{Data: "PHA-SGk8L3A-"}},
					},
				},
				{PartID: "1", MimeType: "application/pdf", Filename: "q3.pdf", Body: &domain.PartBody{AttachmentID: "att-1", Size: int64Ptr(2048)}},
				{PartID: "2", MimeType: "text/plain", Filename: "notes.txt", Body: &domain.PartBody{Data: "cGxhaW4gb25l", Size: int64Ptr(0)}},
			},
		},
	}
}

func TestParse_Multipart(t *testing.T) {
	email := Parse(7, multipartMessage())

	if email.AccountID != 7 || email.ProviderID != "m1" || email.ThreadID != "t1" || email.HistoryID != 42 {
		t.Errorf("Parse() identity = %+v", email)
	}
	if email.From != "Alice <alice@example.com>" || email.Subject != "Quarterly" {
		t.Errorf("Parse() headers from=%q subject=%q", email.From, email.Subject)
	}
	if want := []string{"bob@example.com", "carol@example.com"}; !reflect.DeepEqual(email.To, want) {
		t.Errorf("Parse() To = %v, want %v", email.To, want)
	}
	if len(email.Cc) != 0 || email.Cc == nil {
		t.Errorf("Parse() Cc = %#v, want empty slice", email.Cc)
	}
	if email.TextBody != "Hello, world" {
		t.Errorf("Parse() TextBody = %q", email.TextBody)
	}
	if email.HTMLBody != "<p>Hi</p>" {
		t.Errorf("Parse() HTMLBody = %q", email.HTMLBody)
	}
	if !email.IsRead || !email.IsStarred {
		t.Errorf("Parse() read=%v starred=%v, want both true", email.IsRead, email.IsStarred)
	}
	if email.SentAt == nil || email.SentAt.Unix() != 1700000000 {
		t.Errorf("Parse() SentAt = %v", email.SentAt)
	}
	if email.ReceivedAt == nil || email.ReceivedAt.UnixMilli() != 1700000000000 {
		t.Errorf("Parse() ReceivedAt = %v", email.ReceivedAt)
	}

	if len(email.Attachments) != 2 {
		t.Fatalf("Parse() attachments = %d, want 2", len(email.Attachments))
	}
	pdf := email.Attachments[0]
	if pdf.AttachmentID != "att-1" || pdf.Filename != "q3.pdf" || pdf.Size == nil || *pdf.Size != 2048 {
		t.Errorf("attachment[0] = %+v", pdf)
	}
	inline := email.Attachments[1]
	if inline.AttachmentID != InlinePartPrefix+"2" {
		t.Errorf("attachment[1].AttachmentID = %q, want synthesized id", inline.AttachmentID)
	}
	if inline.Size == nil || *inline.Size != 0 {
		t.Errorf("attachment[1].Size = %v, want declared zero", inline.Size)
	}
}

func TestParse_Minimal(t *testing.T) {
	email := Parse(1, &domain.ProviderMessage{ID: "m2", LabelIDs: []string{domain.LabelUnread}})

	if email.IsRead {
		t.Error("Parse() IsRead = true for UNREAD message")
	}
	if email.TextBody != "" || email.HTMLBody != "" || email.ReceivedAt != nil {
		t.Errorf("Parse() = %+v, want empty bodies and no date", email)
	}
	if email.To == nil || email.Attachments == nil {
		t.Error("Parse() should return empty slices, not nil")
	}
}

func TestParse_BadDateIgnored(t *testing.T) {
	msg := &domain.ProviderMessage{
		ID: "m3",
		Payload: &domain.MessagePart{
			MimeType: "text/plain",
			Headers:  []domain.Header{{Name: "Date", Value: "yesterday-ish"}},
			Body:     &domain.PartBody{Data: "SGVsbG8sIHdvcmxk=="},
		},
	}
	email := Parse(1, msg)
	if email.SentAt != nil {
		t.Errorf("Parse() SentAt = %v, want nil", email.SentAt)
	}
	if email.TextBody != "Hello, world" {
		t.Errorf("Parse() TextBody = %q, want padded input decoded", email.TextBody)
	}
}

func TestInlinePartBytes(t *testing.T) {
	msg := multipartMessage()

	tests := []struct {
		name   string
		partID string
		want   string
		wantOK bool
	}{
		{"inline attachment", "2", "plain one", true},
		{"nested text part", "0.0", "Hello, world", true},
		{"referenced attachment has no data", "1", "", false},
		{"unknown part", "9", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := InlinePartBytes(msg, tt.partID)
			if ok != tt.wantOK || string(got) != tt.want {
				t.Errorf("InlinePartBytes(%q) = %q, %v, want %q, %v", tt.partID, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSplitAddresses(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"a@x.com", []string{"a@x.com"}},
		{" a@x.com ,, b@x.com ", []string{"a@x.com", "b@x.com"}},
	}

	for _, tt := range tests {
		if got := SplitAddresses(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitAddresses(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRenderThread(t *testing.T) {
	later := &domain.ProviderMessage{
		ID:           "b",
		InternalDate: 2000,
		Payload: &domain.MessagePart{
			MimeType: "text/html",
			Headers:  []domain.Header{{Name: "From", Value: "bob@example.com"}, {Name: "Date", Value: "D2"}},
			Body:     &domain.PartBody{Data: "PHA-SGk8L3A-"},
		},
	}
	earlier := &domain.ProviderMessage{
		ID:           "a",
		InternalDate: 1000,
		Payload: &domain.MessagePart{
			MimeType: "text/plain",
			Headers:  []domain.Header{{Name: "From", Value: "alice@example.com"}, {Name: "Date", Value: "D1"}},
			Body:     &domain.PartBody{Data: "SGVsbG8sIHdvcmxk"},
		},
	}

	got := RenderThread(&domain.Thread{ID: "t", Messages: []*domain.ProviderMessage{later, nil, earlier}})
	want := "From: alice@example.com\nDate: D1\n\nHello, world\n" + ThreadDelimiter + "\nFrom: bob@example.com\nDate: D2\n\n<p>Hi</p>"
	if got != want {
		t.Errorf("RenderThread() =\n%s\nwant\n%s", got, want)
	}

	if RenderThread(nil) != "" || RenderThread(&domain.Thread{}) != "" {
		t.Error("RenderThread() of empty thread should be empty")
	}
	if strings.Count(got, ThreadDelimiter) != 1 {
		t.Errorf("RenderThread() delimiters = %d, want 1", strings.Count(got, ThreadDelimiter))
	}
}
