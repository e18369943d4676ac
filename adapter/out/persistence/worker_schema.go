package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema creates the tables used by the sync pipeline. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS mail_accounts (
	id            BIGSERIAL PRIMARY KEY,
	user_id       UUID NOT NULL,
	provider      TEXT NOT NULL DEFAULT 'gmail',
	email         TEXT NOT NULL,
	disabled      BOOLEAN NOT NULL DEFAULT FALSE,
	access_token  TEXT,
	refresh_token TEXT,
	token_expiry  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (provider, email)
);

CREATE TABLE IF NOT EXISTS mail_sync_states (
	account_id      BIGINT PRIMARY KEY REFERENCES mail_accounts(id) ON DELETE CASCADE,
	status          TEXT NOT NULL DEFAULT 'idle',
	history_id      BIGINT,
	last_error      TEXT,
	last_error_at   TIMESTAMPTZ,
	sync_started_at TIMESTAMPTZ,
	last_sync_at    TIMESTAMPTZ,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_mail_sync_states_syncing
	ON mail_sync_states (sync_started_at) WHERE status = 'syncing';

CREATE TABLE IF NOT EXISTS mail_emails (
	account_id  BIGINT NOT NULL REFERENCES mail_accounts(id) ON DELETE CASCADE,
	provider_id TEXT NOT NULL,
	thread_id   TEXT NOT NULL,
	history_id  BIGINT,
	from_addr   TEXT NOT NULL DEFAULT '',
	to_addrs    TEXT[] NOT NULL DEFAULT '{}',
	cc_addrs    TEXT[] NOT NULL DEFAULT '{}',
	bcc_addrs   TEXT[] NOT NULL DEFAULT '{}',
	subject     TEXT NOT NULL DEFAULT '',
	snippet     TEXT NOT NULL DEFAULT '',
	text_body   TEXT NOT NULL DEFAULT '',
	html_body   TEXT NOT NULL DEFAULT '',
	sent_at     TIMESTAMPTZ,
	received_at TIMESTAMPTZ,
	is_read     BOOLEAN NOT NULL DEFAULT FALSE,
	is_starred  BOOLEAN NOT NULL DEFAULT FALSE,
	label_ids   TEXT[] NOT NULL DEFAULT '{}',
	deleted_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (account_id, provider_id)
);

CREATE INDEX IF NOT EXISTS idx_mail_emails_thread ON mail_emails (account_id, thread_id);

CREATE TABLE IF NOT EXISTS mail_attachments (
	account_id    BIGINT NOT NULL,
	message_id    TEXT NOT NULL,
	attachment_id TEXT NOT NULL,
	part_id       TEXT NOT NULL,
	filename      TEXT NOT NULL,
	mime_type     TEXT NOT NULL DEFAULT '',
	size          BIGINT,
	storage_key   TEXT,
	stored_at     TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (account_id, message_id, part_id),
	FOREIGN KEY (account_id, message_id) REFERENCES mail_emails(account_id, provider_id) ON DELETE CASCADE
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
