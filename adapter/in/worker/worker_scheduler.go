package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SchedulerConfig holds cron expressions (with seconds) and limits.
type SchedulerConfig struct {
	SyncCron     string
	WatchdogCron string
	StuckTimeout time.Duration
	Concurrency  int // accounts synced in parallel by one SyncAll pass
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SyncCron:     "0 */5 * * * *",
		WatchdogCron: "30 * * * * *",
		StuckTimeout: 30 * time.Minute,
		Concurrency:  5,
	}
}

// Scheduler triggers periodic syncs of every active account and resets runs
// stuck in syncing.
type Scheduler struct {
	cron     *cron.Cron
	sync     in.SyncUseCase
	accounts out.AccountDirectory
	cursors  out.CursorStore
	config   SchedulerConfig
	log      zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	mu        sync.Mutex
}

func NewScheduler(syncer in.SyncUseCase, accounts out.AccountDirectory, cursors out.CursorStore, config SchedulerConfig, log zerolog.Logger) *Scheduler {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := log.With().Str("component", "scheduler").Logger()

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&l))),
		),
		sync:     syncer,
		accounts: accounts,
		cursors:  cursors,
		config:   config,
		log:      l,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers both cron entries and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	if _, err := s.cron.AddFunc(s.config.SyncCron, func() {
		if _, err := s.SyncAll(s.ctx); err != nil {
			s.log.Error().Err(err).Msg("scheduled sync failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sync cron %q: %w", s.config.SyncCron, err)
	}

	if _, err := s.cron.AddFunc(s.config.WatchdogCron, func() {
		if _, err := s.ResetStuck(s.ctx); err != nil {
			s.log.Error().Err(err).Msg("watchdog failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid watchdog cron %q: %w", s.config.WatchdogCron, err)
	}

	s.cron.Start()
	s.isRunning = true

	s.log.Info().
		Str("sync_cron", s.config.SyncCron).
		Str("watchdog_cron", s.config.WatchdogCron).
		Msg("scheduler started")
	return nil
}

// Stop stops the cron runner and waits for running passes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.cancel()

	select {
	case <-s.cron.Stop().Done():
		s.log.Info().Msg("scheduler stopped")
	case <-time.After(30 * time.Second):
		s.log.Warn().Msg("scheduler stop timeout, forcing shutdown")
	}
	s.isRunning = false
}

// SyncAll triggers a scheduled sync of every active account, a bounded
// number at a time. It returns how many runs were started.
func (s *Scheduler) SyncAll(ctx context.Context) (int, error) {
	ids, err := s.accounts.ListActiveAccountIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active accounts: %w", err)
	}

	var (
		wg      sync.WaitGroup
		started int64
		failed  int64
		skipped int64
	)
	sem := make(chan struct{}, s.config.Concurrency)

	for _, id := range ids {
		select {
		case <-ctx.Done():
			wg.Wait()
			return int(started), ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(accountID int64) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := s.sync.SyncAccount(ctx, accountID, domain.SyncOptions{Source: domain.SyncSourceSchedule})
			switch {
			case err != nil:
				atomic.AddInt64(&failed, 1)
				s.log.Warn().Err(err).Int64("account_id", accountID).Msg("scheduled sync failed")
			case result.Skipped:
				atomic.AddInt64(&skipped, 1)
			default:
				atomic.AddInt64(&started, 1)
			}
		}(id)
	}
	wg.Wait()

	s.log.Info().
		Int("accounts", len(ids)).
		Int64("synced", started).
		Int64("skipped", skipped).
		Int64("failed", failed).
		Msg("scheduled sync pass finished")
	return int(started), nil
}

// ResetStuck moves runs older than the stuck timeout back out of syncing.
func (s *Scheduler) ResetStuck(ctx context.Context) ([]int64, error) {
	ids, err := s.cursors.ResetStuck(ctx, time.Now().Add(-s.config.StuckTimeout))
	if err != nil {
		return nil, fmt.Errorf("reset stuck runs: %w", err)
	}
	if len(ids) > 0 {
		s.log.Warn().Ints64("account_ids", ids).Dur("timeout", s.config.StuckTimeout).Msg("reset stuck sync runs")
	}
	return ids, nil
}
