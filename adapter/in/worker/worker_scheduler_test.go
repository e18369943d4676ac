package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailsync_server/adapter/out/memory"
	"mailsync_server/core/domain"

	"github.com/rs/zerolog"
)

type fakeSyncer struct {
	mu       sync.Mutex
	seen     []int64
	sources  []domain.SyncSource
	active   int32
	maxSeen  int32
	failFor  int64
	skipFor  int64
	duration time.Duration
}

func (f *fakeSyncer) SyncAccount(ctx context.Context, accountID int64, opts domain.SyncOptions) (*domain.SyncResult, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}
	time.Sleep(f.duration)

	f.mu.Lock()
	f.seen = append(f.seen, accountID)
	f.sources = append(f.sources, opts.Source)
	f.mu.Unlock()

	if accountID == f.failFor {
		return nil, errors.New("boom")
	}
	return &domain.SyncResult{AccountID: accountID, Skipped: accountID == f.skipFor}, nil
}

func (f *fakeSyncer) Status(ctx context.Context, accountID int64) (*domain.SyncState, error) {
	return nil, nil
}

func TestScheduler_SyncAll(t *testing.T) {
	store := memory.NewStore()
	for i := 0; i < 12; i++ {
		store.AddAccount(&domain.Account{Email: "user@example.com", RefreshToken: "r"})
	}
	store.AddAccount(&domain.Account{Email: "off@example.com", RefreshToken: "r", Disabled: true})

	syncer := &fakeSyncer{failFor: 3, skipFor: 4, duration: 10 * time.Millisecond}
	cfg := DefaultSchedulerConfig()
	cfg.Concurrency = 5
	s := NewScheduler(syncer, store, store, cfg, zerolog.Nop())

	started, err := s.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if started != 10 {
		t.Errorf("SyncAll() started = %d, want 10", started)
	}
	if len(syncer.seen) != 12 {
		t.Errorf("accounts synced = %d, want 12 (disabled excluded)", len(syncer.seen))
	}
	if syncer.maxSeen > 5 {
		t.Errorf("max concurrent syncs = %d, want <= 5", syncer.maxSeen)
	}
	for _, src := range syncer.sources {
		if src != domain.SyncSourceSchedule {
			t.Fatalf("source = %q, want schedule", src)
		}
	}
}

func TestScheduler_ResetStuck(t *testing.T) {
	store := memory.NewStore()
	stuck := store.AddAccount(&domain.Account{Email: "a@example.com", RefreshToken: "r"})
	ctx := context.Background()
	if ok, _ := store.MarkSyncing(ctx, stuck); !ok {
		t.Fatal("MarkSyncing() did not acquire")
	}

	cfg := DefaultSchedulerConfig()
	cfg.StuckTimeout = -time.Minute // every syncing row counts as stuck
	s := NewScheduler(&fakeSyncer{}, store, store, cfg, zerolog.Nop())

	ids, err := s.ResetStuck(ctx)
	if err != nil {
		t.Fatalf("ResetStuck() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != stuck {
		t.Fatalf("ResetStuck() = %v, want [%d]", ids, stuck)
	}
	st, _ := store.GetState(ctx, stuck)
	if st.Status != domain.SyncStatusError || st.LastError != "sync run timed out" {
		t.Errorf("state = %+v", st)
	}
	if ok, _ := store.MarkSyncing(ctx, stuck); !ok {
		t.Error("account still locked after reset")
	}
}

func TestScheduler_InvalidCron(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.SyncCron = "not a cron"
	s := NewScheduler(&fakeSyncer{}, memory.NewStore(), memory.NewStore(), cfg, zerolog.Nop())
	if err := s.Start(); err == nil {
		s.Stop()
		t.Error("Start() error = nil, want invalid cron error")
	}
}
