package domain

import (
	"time"
)

// Well-known provider label ids.
const (
	LabelInbox   = "INBOX"
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
	LabelTrash   = "TRASH"
)

// Email is a normalized message keyed by (AccountID, ProviderID).
type Email struct {
	AccountID  int64  `json:"account_id"`
	ProviderID string `json:"provider_id"`
	ThreadID   string `json:"thread_id"`
	HistoryID  uint64 `json:"history_id,omitempty"`

	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Bcc     []string `json:"bcc"`
	Subject string   `json:"subject"`
	Snippet string   `json:"snippet"`

	// Bodies are empty strings when absent.
	TextBody string `json:"text_body"`
	HTMLBody string `json:"html_body"`

	SentAt     *time.Time `json:"sent_at,omitempty"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`

	IsRead    bool     `json:"is_read"`
	IsStarred bool     `json:"is_starred"`
	LabelIDs  []string `json:"label_ids"`

	Attachments []*Attachment `json:"attachments"`

	// DeletedAt is the local tombstone for messages removed at the provider.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// HasLabel reports whether the label set contains id.
func (e *Email) HasLabel(id string) bool {
	for _, l := range e.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}

// Attachment is metadata for a file part; bytes are fetched lazily.
type Attachment struct {
	AccountID    int64  `json:"account_id"`
	MessageID    string `json:"message_id"`
	// AttachmentID is reissued on every fetch; PartID identifies the attachment.
	AttachmentID string `json:"attachment_id"`
	PartID       string `json:"part_id,omitempty"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	// Size is nil when the provider did not declare one; zero is a real size.
	Size       *int64 `json:"size,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
}

// =============================================================================
// Provider-native message tree
// =============================================================================

// ProviderMessage is the provider's message envelope with its MIME part tree.
type ProviderMessage struct {
	ID           string
	ThreadID     string
	HistoryID    uint64
	LabelIDs     []string
	Snippet      string
	InternalDate int64 // epoch millis
	Payload      *MessagePart
}

// MessagePart is one node of the MIME tree.
type MessagePart struct {
	PartID   string
	MimeType string
	Filename string
	Headers  []Header
	Body     *PartBody
	Parts    []*MessagePart
}

type Header struct {
	Name  string
	Value string
}

// PartBody holds either inline base64url data or a reference to a separately fetched attachment.
type PartBody struct {
	AttachmentID string
	Data         string
	Size         *int64
}

// Draft is the result of CreateDraft.
type Draft struct {
	ID        string
	MessageID string
	ThreadID  string
}
