package domain

import (
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	ProviderGmail Provider = "gmail"
)

// Account is one connected mailbox of a workspace member.
type Account struct {
	ID        int64     `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Provider  Provider  `json:"provider"`
	Email     string    `json:"email"` // provider account id
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Credentials never leave the process in JSON.
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry,omitempty"`

	Sync SyncState `json:"sync"`
}

// Tokens is the credential pair handed to the provider client.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// NeedsRefresh reports whether the access token is missing or about to expire.
func (t Tokens) NeedsRefresh(now time.Time) bool {
	if t.AccessToken == "" {
		return true
	}
	return !t.Expiry.IsZero() && t.Expiry.Sub(now) < 5*time.Minute
}
