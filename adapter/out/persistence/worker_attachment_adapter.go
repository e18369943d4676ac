package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"mailsync_server/core/domain"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Attachment Adapter (PostgreSQL)
// =============================================================================

// AttachmentAdapter stores attachment metadata. Bytes live in a BlobStore.
type AttachmentAdapter struct {
	db *sqlx.DB
}

// NewAttachmentAdapter creates a new AttachmentAdapter.
func NewAttachmentAdapter(db *sqlx.DB) *AttachmentAdapter {
	return &AttachmentAdapter{db: db}
}

type attachmentRow struct {
	AccountID    int64          `db:"account_id"`
	MessageID    string         `db:"message_id"`
	AttachmentID string         `db:"attachment_id"`
	PartID       string         `db:"part_id"`
	Filename     string         `db:"filename"`
	MimeType     string         `db:"mime_type"`
	Size         sql.NullInt64  `db:"size"`
	StorageKey   sql.NullString `db:"storage_key"`
}

func (r *attachmentRow) toDomain() *domain.Attachment {
	att := &domain.Attachment{
		AccountID:    r.AccountID,
		MessageID:    r.MessageID,
		AttachmentID: r.AttachmentID,
		PartID:       r.PartID,
		Filename:     r.Filename,
		MimeType:     r.MimeType,
		StorageKey:   r.StorageKey.String,
	}
	if r.Size.Valid {
		size := r.Size.Int64
		att.Size = &size
	}
	return att
}

// UpsertAttachmentMetadata inserts or refreshes metadata rows in one transaction.
// Rows are keyed by part; the attachment id is refreshed and an existing
// storage key is kept.
func (a *AttachmentAdapter) UpsertAttachmentMetadata(ctx context.Context, attachments []*domain.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO mail_attachments (account_id, message_id, attachment_id, part_id, filename, mime_type, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, message_id, part_id) DO UPDATE SET
			attachment_id = EXCLUDED.attachment_id,
			filename = EXCLUDED.filename,
			mime_type = EXCLUDED.mime_type,
			size = EXCLUDED.size
	`
	for _, att := range attachments {
		var size sql.NullInt64
		if att.Size != nil {
			size = sql.NullInt64{Int64: *att.Size, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query,
			att.AccountID, att.MessageID, att.AttachmentID, att.PartID,
			att.Filename, att.MimeType, size,
		); err != nil {
			return fmt.Errorf("failed to upsert attachment part %s: %w", att.PartID, err)
		}
	}
	return tx.Commit()
}

// StoreAttachmentBytes records where the downloaded bytes were written.
func (a *AttachmentAdapter) StoreAttachmentBytes(ctx context.Context, accountID int64, messageID, partID, storageKey string) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE mail_attachments SET storage_key = $4, stored_at = NOW()
		WHERE account_id = $1 AND message_id = $2 AND part_id = $3
	`, accountID, messageID, partID, storageKey)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNotFound)
}
