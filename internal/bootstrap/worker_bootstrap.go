package bootstrap

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailsync_server/adapter/in/worker"
	"mailsync_server/adapter/out/messaging"
	"mailsync_server/pkg/logger"

	"github.com/rs/zerolog"
)

// Worker consumes the job streams and, when enabled, runs the sync scheduler.
type Worker struct {
	pool      *worker.Pool
	consumer  *messaging.Consumer
	scheduler *worker.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

func NewWorker(deps *Dependencies) *Worker {
	cfg := deps.Config
	zlog := deps.Log.With().Str("component", "worker").Logger()

	poolConfig := worker.DefaultPoolConfig()
	poolConfig.Workers = cfg.WorkerMax
	poolConfig.RetryBaseDelay = cfg.RetryBaseDelay
	pool := worker.NewPool(worker.NewHandler(deps.Processor), deps.Queue, poolConfig, deps.Metrics, zlog)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	w.consumer = messaging.NewConsumer(deps.Redis, deps.Queue, &messaging.ConsumerConfig{
		Group:                ConsumerGroup,
		Consumer:             cfg.WorkerID,
		Streams:              messaging.JobStreams(),
		Handler:              pool,
		Logger:               zlog,
		BatchSize:            cfg.ConsumerBatchSize,
		Block:                time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
		PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
		PendingIdleTime:      time.Duration(cfg.ConsumerPendingIdleSec) * time.Second,
		HeartbeatInterval:    time.Duration(cfg.ConsumerHeartbeatSec) * time.Second,
		MaxDeliveries:        cfg.ConsumerMaxRetries,
	})

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewScheduler(deps.Orchestrator, deps.Accounts, deps.SyncStates, worker.SchedulerConfig{
			SyncCron:     cfg.SyncCron,
			WatchdogCron: cfg.WatchdogCron,
			StuckTimeout: cfg.SyncStuckTimeout,
			Concurrency:  worker.DefaultSchedulerConfig().Concurrency,
		}, deps.Log)
	}

	logger.Info("Worker configured: consumer=%s, workers=%d, scheduler=%v",
		cfg.WorkerID, poolConfig.Workers, cfg.SchedulerEnabled)
	return w
}

// Start runs until Stop is called. It returns an error when a component
// cannot start.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return err
	}

	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			w.pool.Stop()
			return err
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.zlog.Info().Msg("Starting Redis Stream Consumer...")
		if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
			w.cancel()
		}
	}()

	// Block until context is cancelled
	<-w.ctx.Done()
	return nil
}

// Stop halts intake first, then drains the pool. Deliveries still in flight
// stay pending and are reclaimed by the next consumer.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()

	if w.scheduler != nil {
		w.scheduler.Stop()
	}
	w.pool.Stop()
}

func (w *Worker) Stats() worker.PoolStats {
	return w.pool.Stats()
}
