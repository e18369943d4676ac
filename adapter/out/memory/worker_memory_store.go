// Package memory provides in-process implementations of the outbound ports.
// They back the test suites and single-process development runs.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// ErrNotFound is returned for unknown messages or attachments.
var ErrNotFound = out.ErrNotFound

type emailKey struct {
	accountID int64
	id        string
}

type attachmentKey struct {
	accountID int64
	messageID string
	partID    string
}

// Store keeps accounts, sync state, messages and attachment metadata in maps.
type Store struct {
	mu          sync.Mutex
	nextID      int64
	accounts    map[int64]*domain.Account
	states      map[int64]*domain.SyncState
	emails      map[emailKey]*domain.Email
	attachments map[attachmentKey]*domain.Attachment
	attOrder    map[emailKey][]string

	// TokenWrites counts UpdateAccountTokens calls.
	TokenWrites int
	now         func() time.Time
}

var (
	_ out.PersistenceGateway = (*Store)(nil)
	_ out.CursorStore        = (*Store)(nil)
	_ out.CredentialStore    = (*Store)(nil)
	_ out.AccountDirectory   = (*Store)(nil)
	_ out.AccountRegistry    = (*Store)(nil)
	_ out.EmailReader        = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		accounts:    make(map[int64]*domain.Account),
		states:      make(map[int64]*domain.SyncState),
		emails:      make(map[emailKey]*domain.Email),
		attachments: make(map[attachmentKey]*domain.Attachment),
		attOrder:    make(map[emailKey][]string),
		now:         time.Now,
	}
}

// AddAccount registers acc and assigns an id when it has none.
func (s *Store) AddAccount(acc *domain.Account) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc.ID == 0 {
		s.nextID++
		acc.ID = s.nextID
	} else if acc.ID > s.nextID {
		s.nextID = acc.ID
	}
	if acc.Provider == "" {
		acc.Provider = domain.ProviderGmail
	}
	cp := *acc
	s.accounts[acc.ID] = &cp
	if _, ok := s.states[acc.ID]; !ok {
		s.states[acc.ID] = &domain.SyncState{AccountID: acc.ID, Status: domain.SyncStatusIdle}
	}
	return acc.ID
}

// CreateAccount registers acc, or replaces the tokens of the account with the
// same provider and email and re-enables it.
func (s *Store) CreateAccount(ctx context.Context, acc *domain.Account) error {
	if acc.Provider == "" {
		acc.Provider = domain.ProviderGmail
	}
	s.mu.Lock()
	for id, existing := range s.accounts {
		if existing.Provider == acc.Provider && strings.EqualFold(existing.Email, acc.Email) {
			existing.AccessToken = acc.AccessToken
			existing.RefreshToken = acc.RefreshToken
			existing.TokenExpiry = acc.TokenExpiry
			existing.Disabled = false
			existing.UpdatedAt = s.now()
			acc.ID = id
			acc.CreatedAt = existing.CreatedAt
			s.mu.Unlock()
			return nil
		}
	}
	s.mu.Unlock()

	acc.ID = 0
	acc.CreatedAt = s.now()
	acc.UpdatedAt = acc.CreatedAt
	s.AddAccount(acc)
	return nil
}

// =============================================================================
// Accounts and credentials
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, out.ErrAccountNotFound
	}
	cp := *acc
	if st, ok := s.states[accountID]; ok {
		cp.Sync = *st
	}
	return &cp, nil
}

func (s *Store) GetTokens(ctx context.Context, accountID int64) (*domain.Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, out.ErrAccountNotFound
	}
	return &domain.Tokens{
		AccessToken:  acc.AccessToken,
		RefreshToken: acc.RefreshToken,
		Expiry:       acc.TokenExpiry,
	}, nil
}

func (s *Store) UpdateAccountTokens(ctx context.Context, accountID int64, accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return out.ErrAccountNotFound
	}
	acc.AccessToken = accessToken
	acc.RefreshToken = refreshToken
	acc.TokenExpiry = time.Time{}
	acc.UpdatedAt = s.now()
	s.TokenWrites++
	return nil
}

func (s *Store) ListActiveAccountIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, acc := range s.accounts {
		if !acc.Disabled && acc.RefreshToken != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) FindByEmail(ctx context.Context, provider domain.Provider, email string) (*domain.Account, error) {
	s.mu.Lock()
	var found int64
	for id, acc := range s.accounts {
		if acc.Provider == provider && strings.EqualFold(acc.Email, email) {
			found = id
			break
		}
	}
	s.mu.Unlock()

	if found == 0 {
		return nil, out.ErrAccountNotFound
	}
	return s.GetAccount(ctx, found)
}

func (s *Store) Disable(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return out.ErrAccountNotFound
	}
	acc.Disabled = true
	acc.AccessToken = ""
	acc.RefreshToken = ""
	acc.TokenExpiry = time.Time{}

	now := s.now()
	st := s.state(accountID)
	st.Status = domain.SyncStatusError
	st.LastError = "disabled"
	st.LastErrorAt = &now
	st.SyncStartedAt = nil
	return nil
}

// =============================================================================
// Messages
// =============================================================================

func (s *Store) UpsertEmail(ctx context.Context, email *domain.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := emailKey{email.AccountID, email.ProviderID}
	cp := *email
	cp.Attachments = nil
	if prev, ok := s.emails[key]; ok {
		cp.DeletedAt = prev.DeletedAt
	}
	s.emails[key] = &cp
	return nil
}

func (s *Store) UpsertAttachmentMetadata(ctx context.Context, attachments []*domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, att := range attachments {
		key := attachmentKey{att.AccountID, att.MessageID, att.PartID}
		cp := *att
		if prev, ok := s.attachments[key]; ok {
			cp.StorageKey = prev.StorageKey
		} else {
			ek := emailKey{att.AccountID, att.MessageID}
			s.attOrder[ek] = append(s.attOrder[ek], att.PartID)
		}
		s.attachments[key] = &cp
	}
	return nil
}

func (s *Store) StoreAttachmentBytes(ctx context.Context, accountID int64, messageID, partID, storageKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	att, ok := s.attachments[attachmentKey{accountID, messageID, partID}]
	if !ok {
		return ErrNotFound
	}
	att.StorageKey = storageKey
	return nil
}

func (s *Store) TombstoneEmails(ctx context.Context, accountID int64, messageIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, id := range messageIDs {
		e, ok := s.emails[emailKey{accountID, id}]
		if !ok || e.DeletedAt != nil {
			continue
		}
		e.DeletedAt = &now
		n++
	}
	return n, nil
}

// Email returns a copy of a stored message with its attachments, or nil.
func (s *Store) Email(accountID int64, messageID string) *domain.Email {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := emailKey{accountID, messageID}
	e, ok := s.emails[key]
	if !ok {
		return nil
	}
	cp := *e
	cp.Attachments = []*domain.Attachment{}
	for _, partID := range s.attOrder[key] {
		att := *s.attachments[attachmentKey{accountID, messageID, partID}]
		cp.Attachments = append(cp.Attachments, &att)
	}
	return &cp
}

func (s *Store) GetEmail(ctx context.Context, accountID int64, providerID string) (*domain.Email, error) {
	e := s.Email(accountID, providerID)
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// EmailCount returns the number of stored messages of an account.
func (s *Store) EmailCount(accountID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.emails {
		if k.accountID == accountID {
			n++
		}
	}
	return n
}

// =============================================================================
// Cursor store
// =============================================================================

func (s *Store) state(accountID int64) *domain.SyncState {
	st, ok := s.states[accountID]
	if !ok {
		st = &domain.SyncState{AccountID: accountID, Status: domain.SyncStatusIdle}
		s.states[accountID] = st
	}
	return st
}

func (s *Store) GetState(ctx context.Context, accountID int64) (*domain.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, out.ErrAccountNotFound
	}
	cp := *s.state(accountID)
	return &cp, nil
}

func (s *Store) GetCursor(ctx context.Context, accountID int64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[accountID]
	if !ok || st.HistoryID == 0 {
		return 0, false, nil
	}
	return st.HistoryID, true, nil
}

func (s *Store) SetCursor(ctx context.Context, accountID int64, historyID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(accountID)
	if historyID > st.HistoryID {
		st.HistoryID = historyID
	}
	return nil
}

func (s *Store) ClearCursor(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(accountID).HistoryID = 0
	return nil
}

func (s *Store) MarkSyncing(ctx context.Context, accountID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(accountID)
	if st.Status == domain.SyncStatusSyncing {
		return false, nil
	}
	now := s.now()
	st.Status = domain.SyncStatusSyncing
	st.SyncStartedAt = &now
	return true, nil
}

func (s *Store) MarkIdle(ctx context.Context, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := s.state(accountID)
	st.Status = domain.SyncStatusIdle
	st.SyncStartedAt = nil
	st.LastSyncAt = &now
	st.LastError = ""
	st.LastErrorAt = nil
	return nil
}

func (s *Store) MarkError(ctx context.Context, accountID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := s.state(accountID)
	st.Status = domain.SyncStatusError
	st.SyncStartedAt = nil
	st.LastError = message
	st.LastErrorAt = &now
	return nil
}

func (s *Store) ResetStuck(ctx context.Context, cutoff time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ids []int64
	for id, st := range s.states {
		if st.Status == domain.SyncStatusSyncing && st.SyncStartedAt != nil && st.SyncStartedAt.Before(cutoff) {
			st.Status = domain.SyncStatusError
			st.SyncStartedAt = nil
			st.LastError = "sync run timed out"
			st.LastErrorAt = &now
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

