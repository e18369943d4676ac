package out

import (
	"context"

	"mailsync_server/core/domain"
)

// =============================================================================
// Persistence Gateway - every write is an upsert keyed by provider ids
// =============================================================================

type PersistenceGateway interface {
	UpsertEmail(ctx context.Context, email *domain.Email) error
	UpsertAttachmentMetadata(ctx context.Context, attachments []*domain.Attachment) error
	// Attachments are identified by MIME part: the provider's attachment id
	// changes on every fetch of the message.
	StoreAttachmentBytes(ctx context.Context, accountID int64, messageID, partID, storageKey string) error
	// TombstoneEmails marks provider-deleted messages without removing rows.
	TombstoneEmails(ctx context.Context, accountID int64, messageIDs []string) (int, error)
	GetAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	UpdateAccountTokens(ctx context.Context, accountID int64, accessToken, refreshToken string) error
}

// CredentialStore supplies and rotates an account's token pair.
type CredentialStore interface {
	GetTokens(ctx context.Context, accountID int64) (*domain.Tokens, error)
	UpdateAccountTokens(ctx context.Context, accountID int64, accessToken, refreshToken string) error
}

// AccountDirectory resolves accounts for triggers.
type AccountDirectory interface {
	ListActiveAccountIDs(ctx context.Context) ([]int64, error)
	FindByEmail(ctx context.Context, provider domain.Provider, email string) (*domain.Account, error)
	Disable(ctx context.Context, accountID int64) error
}

// BlobStore holds downloaded attachment bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// AccountRegistry registers mailboxes. Creating an existing (provider, email)
// pair replaces its tokens and re-enables it.
type AccountRegistry interface {
	CreateAccount(ctx context.Context, acc *domain.Account) error
}

// EmailReader reads stored messages with their attachment metadata.
type EmailReader interface {
	GetEmail(ctx context.Context, accountID int64, providerID string) (*domain.Email, error)
}
