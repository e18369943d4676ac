package persistence

import (
	"mailsync_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// Gateway is the PostgreSQL PersistenceGateway.
type Gateway struct {
	*AccountAdapter
	*EmailAdapter
	*AttachmentAdapter
}

var (
	_ out.PersistenceGateway = (*Gateway)(nil)
	_ out.CredentialStore    = (*AccountAdapter)(nil)
	_ out.AccountDirectory   = (*AccountAdapter)(nil)
	_ out.AccountRegistry    = (*AccountAdapter)(nil)
	_ out.EmailReader        = (*EmailAdapter)(nil)
)

func NewGateway(db *sqlx.DB, accounts *AccountAdapter) *Gateway {
	return &Gateway{
		AccountAdapter:    accounts,
		EmailAdapter:      NewEmailAdapter(db),
		AttachmentAdapter: NewAttachmentAdapter(db),
	}
}
