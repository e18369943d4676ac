// Package persistence provides database adapters.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/crypto"
	"mailsync_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AccountAdapter stores connected mailboxes and their OAuth tokens.
type AccountAdapter struct {
	db     *sqlx.DB
	cipher *crypto.TokenCipher
}

// NewAccountAdapter creates a new AccountAdapter. A nil cipher stores tokens in plaintext.
func NewAccountAdapter(db *sqlx.DB, cipher *crypto.TokenCipher) *AccountAdapter {
	if cipher == nil {
		logger.Warn("[AccountAdapter] token encryption disabled")
	}
	return &AccountAdapter{db: db, cipher: cipher}
}

type accountRow struct {
	ID           int64          `db:"id"`
	UserID       uuid.UUID      `db:"user_id"`
	Provider     string         `db:"provider"`
	Email        string         `db:"email"`
	Disabled     bool           `db:"disabled"`
	AccessToken  sql.NullString `db:"access_token"`
	RefreshToken sql.NullString `db:"refresh_token"`
	TokenExpiry  sql.NullTime   `db:"token_expiry"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`

	Status        sql.NullString `db:"status"`
	HistoryID     sql.NullInt64  `db:"history_id"`
	LastError     sql.NullString `db:"last_error"`
	LastErrorAt   sql.NullTime   `db:"last_error_at"`
	SyncStartedAt sql.NullTime   `db:"sync_started_at"`
	LastSyncAt    sql.NullTime   `db:"last_sync_at"`
}

const accountSelect = `
	SELECT a.id, a.user_id, a.provider, a.email, a.disabled,
	       a.access_token, a.refresh_token, a.token_expiry, a.created_at, a.updated_at,
	       s.status, s.history_id, s.last_error, s.last_error_at, s.sync_started_at, s.last_sync_at
	FROM mail_accounts a
	LEFT JOIN mail_sync_states s ON s.account_id = a.id
`

func (a *AccountAdapter) toDomain(r *accountRow) (*domain.Account, error) {
	access, err := a.decrypt(r.AccessToken.String)
	if err != nil {
		return nil, fmt.Errorf("access token of account %d: %w", r.ID, err)
	}
	refresh, err := a.decrypt(r.RefreshToken.String)
	if err != nil {
		return nil, fmt.Errorf("refresh token of account %d: %w", r.ID, err)
	}

	acc := &domain.Account{
		ID:           r.ID,
		UserID:       r.UserID,
		Provider:     domain.Provider(r.Provider),
		Email:        r.Email,
		Disabled:     r.Disabled,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		AccessToken:  access,
		RefreshToken: refresh,
		Sync:         syncStateFromRow(r.ID, r.Status, r.HistoryID, r.LastError, r.LastErrorAt, r.SyncStartedAt, r.LastSyncAt),
	}
	if r.TokenExpiry.Valid {
		acc.TokenExpiry = r.TokenExpiry.Time
	}
	return acc, nil
}

func (a *AccountAdapter) encrypt(token string) (string, error) {
	if a.cipher == nil {
		return token, nil
	}
	return a.cipher.Seal(token)
}

func (a *AccountAdapter) decrypt(token string) (string, error) {
	if a.cipher == nil {
		return token, nil
	}
	return a.cipher.Open(token)
}

// GetAccount returns the account with its sync state, or out.ErrAccountNotFound.
func (a *AccountAdapter) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	var row accountRow
	if err := a.db.GetContext(ctx, &row, accountSelect+` WHERE a.id = $1`, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrAccountNotFound
		}
		return nil, err
	}
	return a.toDomain(&row)
}

// FindByEmail resolves the account a provider notification belongs to.
func (a *AccountAdapter) FindByEmail(ctx context.Context, provider domain.Provider, email string) (*domain.Account, error) {
	var row accountRow
	query := accountSelect + ` WHERE a.provider = $1 AND lower(a.email) = lower($2)`
	if err := a.db.GetContext(ctx, &row, query, string(provider), email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrAccountNotFound
		}
		return nil, err
	}
	return a.toDomain(&row)
}

func (a *AccountAdapter) ListActiveAccountIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	query := `SELECT id FROM mail_accounts WHERE NOT disabled AND refresh_token IS NOT NULL ORDER BY id`
	if err := a.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, err
	}
	return ids, nil
}

func (a *AccountAdapter) GetTokens(ctx context.Context, accountID int64) (*domain.Tokens, error) {
	var row struct {
		AccessToken  sql.NullString `db:"access_token"`
		RefreshToken sql.NullString `db:"refresh_token"`
		TokenExpiry  sql.NullTime   `db:"token_expiry"`
	}
	query := `SELECT access_token, refresh_token, token_expiry FROM mail_accounts WHERE id = $1`
	if err := a.db.GetContext(ctx, &row, query, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrAccountNotFound
		}
		return nil, err
	}

	access, err := a.decrypt(row.AccessToken.String)
	if err != nil {
		return nil, err
	}
	refresh, err := a.decrypt(row.RefreshToken.String)
	if err != nil {
		return nil, err
	}
	tokens := &domain.Tokens{AccessToken: access, RefreshToken: refresh}
	if row.TokenExpiry.Valid {
		tokens.Expiry = row.TokenExpiry.Time
	}
	return tokens, nil
}

// UpdateAccountTokens replaces the stored pair. The expiry is cleared since
// the caller does not know it; the next 401 triggers a refresh.
func (a *AccountAdapter) UpdateAccountTokens(ctx context.Context, accountID int64, accessToken, refreshToken string) error {
	access, err := a.encrypt(accessToken)
	if err != nil {
		return err
	}
	refresh, err := a.encrypt(refreshToken)
	if err != nil {
		return err
	}

	query := `
		UPDATE mail_accounts
		SET access_token = $2, refresh_token = $3, token_expiry = NULL, updated_at = NOW()
		WHERE id = $1
	`
	res, err := a.db.ExecContext(ctx, query, accountID, nullStr(access), nullStr(refresh))
	if err != nil {
		return err
	}
	return requireRow(res, out.ErrAccountNotFound)
}

// Disable clears credentials and parks the account in the error state.
func (a *AccountAdapter) Disable(ctx context.Context, accountID int64) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE mail_accounts
		SET disabled = TRUE, access_token = NULL, refresh_token = NULL, token_expiry = NULL, updated_at = NOW()
		WHERE id = $1
	`, accountID)
	if err != nil {
		return err
	}
	if err := requireRow(res, out.ErrAccountNotFound); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mail_sync_states (account_id, status, last_error, last_error_at, updated_at)
		VALUES ($1, 'error', 'disabled', NOW(), NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			status = 'error', last_error = 'disabled', last_error_at = NOW(),
			sync_started_at = NULL, updated_at = NOW()
	`, accountID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAccount inserts a connected mailbox, or refreshes its tokens when the
// (provider, email) pair already exists.
func (a *AccountAdapter) CreateAccount(ctx context.Context, acc *domain.Account) error {
	access, err := a.encrypt(acc.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := a.encrypt(acc.RefreshToken)
	if err != nil {
		return err
	}
	if acc.Provider == "" {
		acc.Provider = domain.ProviderGmail
	}

	query := `
		INSERT INTO mail_accounts (user_id, provider, email, access_token, refresh_token, token_expiry)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, email) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			disabled = FALSE,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	return a.db.QueryRowContext(ctx, query,
		acc.UserID, string(acc.Provider), acc.Email,
		nullStr(access), nullStr(refresh), nullTime(&acc.TokenExpiry),
	).Scan(&acc.ID, &acc.CreatedAt, &acc.UpdatedAt)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
