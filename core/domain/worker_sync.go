package domain

import (
	"time"
)

// =============================================================================
// Sync status - one state machine per account: idle -> syncing -> idle | error
// =============================================================================

type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
)

// SyncState is the cursor-store view of an account.
type SyncState struct {
	AccountID     int64      `json:"account_id"`
	Status        SyncStatus `json:"status"`
	HistoryID     uint64     `json:"history_id,omitempty"` // 0 means no cursor
	LastError     string     `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
	SyncStartedAt *time.Time `json:"sync_started_at,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
}

// HasCursor reports whether an incremental sync is possible.
func (s *SyncState) HasCursor() bool {
	return s != nil && s.HistoryID > 0
}

// =============================================================================
// Triggers
// =============================================================================

type SyncSource string

const (
	SyncSourceSchedule SyncSource = "schedule"
	SyncSourceWebhook  SyncSource = "webhook"
	SyncSourceManual   SyncSource = "manual"
	SyncSourceJob      SyncSource = "full-sync-job"
)

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

const (
	DefaultPageSize           = 20
	DefaultFullSyncMaxResults = 500
)

// SyncOptions are the arguments of one SyncAccount call.
type SyncOptions struct {
	FullSync   bool
	Source     SyncSource
	MaxResults int // full sync cap, 0 means the configured default
}

// SyncResult describes what a run enqueued. It is returned before the jobs complete.
type SyncResult struct {
	RunID          string   `json:"run_id"`
	AccountID      int64    `json:"account_id"`
	Mode           SyncMode `json:"mode"`
	Skipped        bool     `json:"skipped"` // single-flight rejected the trigger
	FellBack       bool     `json:"fell_back"`
	JobsEnqueued   int      `json:"jobs_enqueued"`
	Tombstoned     int      `json:"tombstoned"`
	StartHistoryID uint64   `json:"start_history_id,omitempty"`
	NewHistoryID   uint64   `json:"new_history_id,omitempty"`
}

// =============================================================================
// History changes
// =============================================================================

type ChangeType string

const (
	ChangeMessageAdded   ChangeType = "messageAdded"
	ChangeMessageDeleted ChangeType = "messageDeleted"
	ChangeLabelsChanged  ChangeType = "labelsChanged"
)

// HistoryChange is one classified entry of the provider change log.
type HistoryChange struct {
	Type      ChangeType
	MessageID string
	ThreadID  string
}

// HistoryPage is one page of ListHistory.
type HistoryPage struct {
	Changes       []HistoryChange
	NextPageToken string
	NewHistoryID  uint64
}

// ThreadRef is a listing entry without message bodies.
type ThreadRef struct {
	ID        string
	HistoryID uint64
	Messages  []MessageRef
}

type MessageRef struct {
	ID       string
	ThreadID string
}

// ThreadPage is one page of ListThreads.
type ThreadPage struct {
	Threads            []ThreadRef
	NextPageToken      string
	ResultSizeEstimate int64
}

// Thread is a fully fetched conversation.
type Thread struct {
	ID        string
	HistoryID uint64
	Messages  []*ProviderMessage
}
