package out

import (
	"context"
	"errors"
	"time"

	"mailsync_server/core/domain"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrNotFound is returned for unknown messages or attachments.
	ErrNotFound = errors.New("not found")
)

// CursorStore persists the history cursor and sync status of each account.
type CursorStore interface {
	GetState(ctx context.Context, accountID int64) (*domain.SyncState, error)
	// GetCursor returns ok=false when the account has no cursor.
	GetCursor(ctx context.Context, accountID int64) (historyID uint64, ok bool, err error)
	// SetCursor never moves an existing cursor backwards.
	SetCursor(ctx context.Context, accountID int64, historyID uint64) error
	ClearCursor(ctx context.Context, accountID int64) error

	// MarkSyncing atomically moves the account to syncing. acquired=false means
	// another run holds it.
	MarkSyncing(ctx context.Context, accountID int64) (acquired bool, err error)
	MarkIdle(ctx context.Context, accountID int64) error
	MarkError(ctx context.Context, accountID int64, message string) error

	// ResetStuck moves accounts syncing since before cutoff to error and returns their ids.
	ResetStuck(ctx context.Context, cutoff time.Time) ([]int64, error)
}
