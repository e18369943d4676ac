package provider

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"mailsync_server/core/domain"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"google.golang.org/api/gmail/v1"
)

// BuildDraftMessage renders an HTML message and encodes it with unpadded
// base64url, as the drafts endpoint expects in Message.Raw. to may hold
// several comma separated addresses; it is validated but written as given.
// The body is sent 8bit so the HTML reaches the draft byte for byte.
func BuildDraftMessage(to, subject, htmlBody string) (string, error) {
	if _, err := mail.ParseAddressList(to); err != nil {
		return "", fmt.Errorf("parse recipients %q: %w", to, err)
	}

	// fields are written last added first
	var h mail.Header
	h.Set("Content-Transfer-Encoding", "8bit")
	h.Set("Content-Type", `text/html; charset="UTF-8"`)
	h.AddRaw([]byte("MIME-Version: 1.0\r\n"))
	h.SetSubject(subject)
	h.Set("To", to)

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h.Header.Header); err != nil {
		return "", fmt.Errorf("write draft header: %w", err)
	}
	buf.WriteString(htmlBody)
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

func convertMessage(msg *gmail.Message) *domain.ProviderMessage {
	if msg == nil {
		return nil
	}
	return &domain.ProviderMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		HistoryID:    msg.HistoryId,
		LabelIDs:     msg.LabelIds,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
		Payload:      convertPart(msg.Payload),
	}
}

func convertPart(p *gmail.MessagePart) *domain.MessagePart {
	if p == nil {
		return nil
	}
	part := &domain.MessagePart{
		PartID:   p.PartId,
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, domain.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		// The client decodes an absent size as zero; a present body is the
		// only signal we get that the size was declared.
		size := p.Body.Size
		part.Body = &domain.PartBody{
			AttachmentID: p.Body.AttachmentId,
			Data:         p.Body.Data,
			Size:         &size,
		}
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}
