package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// SyncStateAdapter - history cursor and run status per account
// =============================================================================

type SyncStateAdapter struct {
	db *sqlx.DB
}

var _ out.CursorStore = (*SyncStateAdapter)(nil)

func NewSyncStateAdapter(db *sqlx.DB) *SyncStateAdapter {
	return &SyncStateAdapter{db: db}
}

type syncStateRow struct {
	AccountID     int64          `db:"account_id"`
	Status        sql.NullString `db:"status"`
	HistoryID     sql.NullInt64  `db:"history_id"`
	LastError     sql.NullString `db:"last_error"`
	LastErrorAt   sql.NullTime   `db:"last_error_at"`
	SyncStartedAt sql.NullTime   `db:"sync_started_at"`
	LastSyncAt    sql.NullTime   `db:"last_sync_at"`
}

func syncStateFromRow(accountID int64, status sql.NullString, historyID sql.NullInt64,
	lastError sql.NullString, lastErrorAt, startedAt, lastSyncAt sql.NullTime) domain.SyncState {

	state := domain.SyncState{
		AccountID:     accountID,
		Status:        domain.SyncStatusIdle,
		LastError:     lastError.String,
		LastErrorAt:   timePtr(lastErrorAt),
		SyncStartedAt: timePtr(startedAt),
		LastSyncAt:    timePtr(lastSyncAt),
	}
	if status.Valid && status.String != "" {
		state.Status = domain.SyncStatus(status.String)
	}
	if historyID.Valid && historyID.Int64 > 0 {
		state.HistoryID = uint64(historyID.Int64)
	}
	return state
}

// ensure creates the idle row on first use so the conditional updates below
// always have a row to act on.
func (a *SyncStateAdapter) ensure(ctx context.Context, accountID int64) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO mail_sync_states (account_id) VALUES ($1)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID)
	return err
}

func (a *SyncStateAdapter) GetState(ctx context.Context, accountID int64) (*domain.SyncState, error) {
	var row syncStateRow
	query := `
		SELECT a.id AS account_id, s.status, s.history_id, s.last_error,
		       s.last_error_at, s.sync_started_at, s.last_sync_at
		FROM mail_accounts a
		LEFT JOIN mail_sync_states s ON s.account_id = a.id
		WHERE a.id = $1
	`
	if err := a.db.GetContext(ctx, &row, query, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrAccountNotFound
		}
		return nil, err
	}
	state := syncStateFromRow(row.AccountID, row.Status, row.HistoryID, row.LastError,
		row.LastErrorAt, row.SyncStartedAt, row.LastSyncAt)
	return &state, nil
}

func (a *SyncStateAdapter) GetCursor(ctx context.Context, accountID int64) (uint64, bool, error) {
	var historyID sql.NullInt64
	err := a.db.GetContext(ctx, &historyID,
		`SELECT history_id FROM mail_sync_states WHERE account_id = $1`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if !historyID.Valid || historyID.Int64 <= 0 {
		return 0, false, nil
	}
	return uint64(historyID.Int64), true, nil
}

// SetCursor only ever moves the cursor forward.
func (a *SyncStateAdapter) SetCursor(ctx context.Context, accountID int64, historyID uint64) error {
	if historyID == 0 {
		return nil
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO mail_sync_states (account_id, history_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			history_id = EXCLUDED.history_id, updated_at = NOW()
		WHERE mail_sync_states.history_id IS NULL OR mail_sync_states.history_id < EXCLUDED.history_id
	`, accountID, int64(historyID))
	return err
}

func (a *SyncStateAdapter) ClearCursor(ctx context.Context, accountID int64) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE mail_sync_states SET history_id = NULL, updated_at = NOW() WHERE account_id = $1`, accountID)
	return err
}

// MarkSyncing is a compare-and-set on status; exactly one concurrent caller wins.
func (a *SyncStateAdapter) MarkSyncing(ctx context.Context, accountID int64) (bool, error) {
	if err := a.ensure(ctx, accountID); err != nil {
		return false, err
	}
	res, err := a.db.ExecContext(ctx, `
		UPDATE mail_sync_states
		SET status = 'syncing', sync_started_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND status <> 'syncing'
	`, accountID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (a *SyncStateAdapter) MarkIdle(ctx context.Context, accountID int64) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE mail_sync_states
		SET status = 'idle', sync_started_at = NULL, last_sync_at = NOW(),
		    last_error = NULL, last_error_at = NULL, updated_at = NOW()
		WHERE account_id = $1
	`, accountID)
	return err
}

func (a *SyncStateAdapter) MarkError(ctx context.Context, accountID int64, message string) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE mail_sync_states
		SET status = 'error', sync_started_at = NULL, last_error = $2,
		    last_error_at = NOW(), updated_at = NOW()
		WHERE account_id = $1
	`, accountID, message)
	return err
}

func (a *SyncStateAdapter) ResetStuck(ctx context.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64
	query := `
		UPDATE mail_sync_states
		SET status = 'error', sync_started_at = NULL, last_error = 'sync run timed out',
		    last_error_at = NOW(), updated_at = NOW()
		WHERE status = 'syncing' AND sync_started_at < $1
		RETURNING account_id
	`
	if err := a.db.SelectContext(ctx, &ids, query, cutoff); err != nil {
		return nil, err
	}
	return ids, nil
}
