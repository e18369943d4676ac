package mail

import (
	"encoding/base64"
	"net/mail"
	"sort"
	"strings"
	"time"

	"mailsync_server/core/domain"
)

const (
	// ThreadDelimiter separates messages in RenderThread output.
	ThreadDelimiter = "-----"
	// InlinePartPrefix marks attachment ids synthesized for parts whose bytes
	// are inline in the message rather than behind the attachments endpoint.
	InlinePartPrefix = "part-"
)

// Parse converts a provider message into a normalized Email. Attachment bodies are
// not decoded; they are referenced by attachment id for a later download job.
func Parse(accountID int64, msg *domain.ProviderMessage) *domain.Email {
	email := &domain.Email{
		AccountID:   accountID,
		ProviderID:  msg.ID,
		ThreadID:    msg.ThreadID,
		HistoryID:   msg.HistoryID,
		Snippet:     msg.Snippet,
		To:          []string{},
		Cc:          []string{},
		Bcc:         []string{},
		LabelIDs:    append([]string{}, msg.LabelIDs...),
		Attachments: []*domain.Attachment{},
	}

	if msg.InternalDate > 0 {
		t := time.UnixMilli(msg.InternalDate).UTC()
		email.ReceivedAt = &t
	}
	email.IsRead = !email.HasLabel(domain.LabelUnread)
	email.IsStarred = email.HasLabel(domain.LabelStarred)

	if msg.Payload == nil {
		return email
	}

	headers := msg.Payload.Headers
	email.From = Header(headers, "From")
	email.Subject = Header(headers, "Subject")
	email.To = SplitAddresses(Header(headers, "To"))
	email.Cc = SplitAddresses(Header(headers, "Cc"))
	email.Bcc = SplitAddresses(Header(headers, "Bcc"))
	if date := Header(headers, "Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			t = t.UTC()
			email.SentAt = &t
		}
	}

	var text, html strings.Builder
	walkParts(msg.Payload, func(p *domain.MessagePart) bool {
		if p.Filename != "" {
			email.Attachments = append(email.Attachments, attachmentFromPart(accountID, msg.ID, p))
			return false
		}
		switch mimeBase(p.MimeType) {
		case "text/plain":
			text.WriteString(decodePartBody(p.Body))
		case "text/html":
			html.WriteString(decodePartBody(p.Body))
		}
		return true
	})
	email.TextBody = text.String()
	email.HTMLBody = html.String()

	return email
}

// walkParts visits p depth-first in document order. fn returns false to skip children.
func walkParts(p *domain.MessagePart, fn func(*domain.MessagePart) bool) {
	if p == nil {
		return
	}
	if !fn(p) {
		return
	}
	for _, child := range p.Parts {
		walkParts(child, fn)
	}
}

func attachmentFromPart(accountID int64, messageID string, p *domain.MessagePart) *domain.Attachment {
	att := &domain.Attachment{
		AccountID: accountID,
		MessageID: messageID,
		PartID:    p.PartID,
		Filename:  p.Filename,
		MimeType:  p.MimeType,
	}
	if p.Body != nil {
		att.AttachmentID = p.Body.AttachmentID
		if p.Body.Size != nil {
			size := *p.Body.Size
			att.Size = &size
		}
	}
	// Small files can arrive inline without an attachment id.
	if att.AttachmentID == "" {
		att.AttachmentID = InlinePartPrefix + p.PartID
	}
	return att
}

// InlinePartBytes returns the decoded data of the part with partID.
func InlinePartBytes(msg *domain.ProviderMessage, partID string) ([]byte, bool) {
	var found *domain.MessagePart
	walkParts(msg.Payload, func(p *domain.MessagePart) bool {
		if found == nil && p.PartID == partID {
			found = p
		}
		return found == nil
	})
	if found == nil || found.Body == nil || found.Body.Data == "" {
		return nil, false
	}
	return []byte(decodePartBody(found.Body)), true
}

// mimeBase strips parameters and lowercases a MIME type.
func mimeBase(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// decodePartBody decodes base64url data, tolerating padded and unpadded input.
func decodePartBody(body *domain.PartBody) string {
	if body == nil || body.Data == "" {
		return ""
	}
	data := strings.TrimRight(body.Data, "=")
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}
	return ""
}

// Header returns the first header matching name case-insensitively.
func Header(headers []domain.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// SplitAddresses comma-splits an address header and trims each entry.
func SplitAddresses(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RenderThread flattens a thread for summarization: From, Date and body of each
// message in chronological order, separated by ThreadDelimiter lines.
func RenderThread(thread *domain.Thread) string {
	if thread == nil || len(thread.Messages) == 0 {
		return ""
	}
	msgs := make([]*domain.ProviderMessage, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].InternalDate < msgs[j].InternalDate
	})

	blocks := make([]string, 0, len(msgs))
	for _, m := range msgs {
		email := Parse(0, m)
		var headers []domain.Header
		if m.Payload != nil {
			headers = m.Payload.Headers
		}
		body := email.TextBody
		if body == "" {
			body = email.HTMLBody
		}
		blocks = append(blocks, "From: "+email.From+"\nDate: "+Header(headers, "Date")+"\n\n"+strings.TrimSpace(body))
	}
	return strings.Join(blocks, "\n"+ThreadDelimiter+"\n")
}
