package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mailsync_server/core/domain"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// EmailAdapter - normalized messages keyed by (account_id, provider_id)
// =============================================================================

type EmailAdapter struct {
	db *sqlx.DB
}

func NewEmailAdapter(db *sqlx.DB) *EmailAdapter {
	return &EmailAdapter{db: db}
}

type emailRow struct {
	AccountID  int64          `db:"account_id"`
	ProviderID string         `db:"provider_id"`
	ThreadID   string         `db:"thread_id"`
	HistoryID  sql.NullInt64  `db:"history_id"`
	From       string         `db:"from_addr"`
	To         pq.StringArray `db:"to_addrs"`
	Cc         pq.StringArray `db:"cc_addrs"`
	Bcc        pq.StringArray `db:"bcc_addrs"`
	Subject    string         `db:"subject"`
	Snippet    string         `db:"snippet"`
	TextBody   string         `db:"text_body"`
	HTMLBody   string         `db:"html_body"`
	SentAt     sql.NullTime   `db:"sent_at"`
	ReceivedAt sql.NullTime   `db:"received_at"`
	IsRead     bool           `db:"is_read"`
	IsStarred  bool           `db:"is_starred"`
	LabelIDs   pq.StringArray `db:"label_ids"`
	DeletedAt  sql.NullTime   `db:"deleted_at"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r *emailRow) toDomain() *domain.Email {
	e := &domain.Email{
		AccountID:   r.AccountID,
		ProviderID:  r.ProviderID,
		ThreadID:    r.ThreadID,
		From:        r.From,
		To:          emptyIfNil(r.To),
		Cc:          emptyIfNil(r.Cc),
		Bcc:         emptyIfNil(r.Bcc),
		Subject:     r.Subject,
		Snippet:     r.Snippet,
		TextBody:    r.TextBody,
		HTMLBody:    r.HTMLBody,
		SentAt:      timePtr(r.SentAt),
		ReceivedAt:  timePtr(r.ReceivedAt),
		IsRead:      r.IsRead,
		IsStarred:   r.IsStarred,
		LabelIDs:    emptyIfNil(r.LabelIDs),
		Attachments: []*domain.Attachment{},
		DeletedAt:   timePtr(r.DeletedAt),
	}
	if r.HistoryID.Valid {
		e.HistoryID = uint64(r.HistoryID.Int64)
	}
	return e
}

// UpsertEmail writes the message in place. A tombstone survives re-upserts.
func (a *EmailAdapter) UpsertEmail(ctx context.Context, e *domain.Email) error {
	if e == nil || e.ProviderID == "" {
		return ErrInvalidInput
	}

	var historyID sql.NullInt64
	if e.HistoryID > 0 {
		historyID = sql.NullInt64{Int64: int64(e.HistoryID), Valid: true}
	}

	query := `
		INSERT INTO mail_emails (
			account_id, provider_id, thread_id, history_id,
			from_addr, to_addrs, cc_addrs, bcc_addrs,
			subject, snippet, text_body, html_body,
			sent_at, received_at, is_read, is_starred, label_ids
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (account_id, provider_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			history_id = EXCLUDED.history_id,
			from_addr = EXCLUDED.from_addr,
			to_addrs = EXCLUDED.to_addrs,
			cc_addrs = EXCLUDED.cc_addrs,
			bcc_addrs = EXCLUDED.bcc_addrs,
			subject = EXCLUDED.subject,
			snippet = EXCLUDED.snippet,
			text_body = EXCLUDED.text_body,
			html_body = EXCLUDED.html_body,
			sent_at = EXCLUDED.sent_at,
			received_at = EXCLUDED.received_at,
			is_read = EXCLUDED.is_read,
			is_starred = EXCLUDED.is_starred,
			label_ids = EXCLUDED.label_ids,
			updated_at = NOW()
	`
	_, err := a.db.ExecContext(ctx, query,
		e.AccountID, e.ProviderID, e.ThreadID, historyID,
		e.From, pq.Array(emptyIfNil(e.To)), pq.Array(emptyIfNil(e.Cc)), pq.Array(emptyIfNil(e.Bcc)),
		e.Subject, e.Snippet, e.TextBody, e.HTMLBody,
		nullTime(e.SentAt), nullTime(e.ReceivedAt), e.IsRead, e.IsStarred, pq.Array(emptyIfNil(e.LabelIDs)),
	)
	return err
}

// TombstoneEmails stamps deleted_at on the listed messages. Messages never
// seen locally are ignored; the count covers newly tombstoned rows only.
func (a *EmailAdapter) TombstoneEmails(ctx context.Context, accountID int64, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res, err := a.db.ExecContext(ctx, `
		UPDATE mail_emails SET deleted_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND provider_id = ANY($2) AND deleted_at IS NULL
	`, accountID, pq.Array(messageIDs))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetEmail returns one stored message with its attachment metadata.
func (a *EmailAdapter) GetEmail(ctx context.Context, accountID int64, providerID string) (*domain.Email, error) {
	var row emailRow
	err := a.db.GetContext(ctx, &row,
		`SELECT * FROM mail_emails WHERE account_id = $1 AND provider_id = $2`, accountID, providerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	email := row.toDomain()

	var atts []attachmentRow
	err = a.db.SelectContext(ctx, &atts, `
		SELECT account_id, message_id, attachment_id, part_id, filename, mime_type, size, storage_key
		FROM mail_attachments WHERE account_id = $1 AND message_id = $2
		ORDER BY created_at, part_id
	`, accountID, providerID)
	if err != nil {
		return nil, err
	}
	for i := range atts {
		email.Attachments = append(email.Attachments, atts[i].toDomain())
	}
	return email, nil
}
