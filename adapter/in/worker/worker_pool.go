package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/metrics"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// =============================================================================
// go-pkgz/pool based worker pool
// =============================================================================

// ErrPoolStopped is returned by Handle once the pool no longer accepts work.
var ErrPoolStopped = errors.New("worker pool is not running")

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers          int
	BatchSize        int
	WorkerChanSize   int
	JobTimeout       time.Duration
	JobTimeoutByKind map[domain.JobKind]time.Duration
	MaxAttempts      int           // executions per job across deliveries, including the first
	RetryBaseDelay   time.Duration // doubled after every failed attempt
	MaxJitter        time.Duration
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        20,
		BatchSize:      10,
		WorkerChanSize: 100,
		JobTimeout:     60 * time.Second,
		JobTimeoutByKind: map[domain.JobKind]time.Duration{
			domain.JobFetchMessage:       time.Minute,
			domain.JobDownloadAttachment: 2 * time.Minute, // large attachments
			domain.JobFullSync:           10 * time.Minute,
		},
		MaxAttempts:    3,
		RetryBaseDelay: 2 * time.Second,
		MaxJitter:      500 * time.Millisecond,
	}
}

// Pool executes deliveries and settles each one exactly once with the acknowledger.
type Pool struct {
	handler *Handler
	acker   out.JobAcknowledger
	config  *PoolConfig
	metrics *metrics.Metrics

	pool *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	stats *PoolStats
	log   zerolog.Logger

	started bool
	mu      sync.RWMutex
}

// PoolStats holds pool counters.
type PoolStats struct {
	JobsSucceeded  int64
	JobsFailed     int64
	JobsSwallowed  int64
	JobsRetried    int64
	AvgProcessTime int64 // milliseconds
	InFlight       int32
}

// messageWorker implements pool.Worker interface for Message processing.
type messageWorker struct {
	pool *Pool
}

// Do implements pool.Worker interface.
func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	return w.pool.processJob(ctx, msg)
}

// NewPool creates a new worker pool using go-pkgz/pool.
func NewPool(handler *Handler, acker out.JobAcknowledger, config *PoolConfig, m *metrics.Metrics, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		handler: handler,
		acker:   acker,
		config:  config,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		stats:   &PoolStats{},
		log:     log.With().Str("component", "worker_pool").Logger(),
	}
}

// Start starts the worker pool.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.pool = pool.New[*Message](p.config.Workers, &messageWorker{pool: p}).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	go p.statsReporter()

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("batch_size", p.config.BatchSize).
		Int("max_attempts", p.config.MaxAttempts).
		Msg("worker pool started")
	return nil
}

// Stop drains submitted jobs and stops the pool. Retries that have not fired
// yet stay pending in the queue and are reclaimed by a later consumer.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := p.pool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing pool")
	}
	p.cancel()

	p.log.Info().
		Int64("succeeded", atomic.LoadInt64(&p.stats.JobsSucceeded)).
		Int64("failed", atomic.LoadInt64(&p.stats.JobsFailed)).
		Msg("worker pool stopped")
}

// Handle submits a queue delivery. It blocks while the workers are saturated.
func (p *Pool) Handle(ctx context.Context, d out.Delivery) error {
	if !p.Submit(NewMessage(d)) {
		return ErrPoolStopped
	}
	return nil
}

// Submit submits a message to the pool.
func (p *Pool) Submit(msg *Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.pool == nil {
		return false
	}
	atomic.AddInt32(&p.stats.InFlight, 1)
	p.pool.Submit(msg)
	return true
}

func (p *Pool) jobTimeout(kind domain.JobKind) time.Duration {
	if timeout, ok := p.config.JobTimeoutByKind[kind]; ok {
		return timeout
	}
	return p.config.JobTimeout
}

// processJob runs one attempt and decides between settle and retry.
func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer atomic.AddInt32(&p.stats.InFlight, -1)

	timeout := p.jobTimeout(msg.Kind())
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.handler.Process(jobCtx, msg.Job)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-jobCtx.Done():
		err = jobCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Warn().
				Str("job_id", msg.JobID()).
				Str("kind", string(msg.Kind())).
				Dur("timeout", timeout).
				Msg("job timed out")
		}
	}

	elapsed := time.Since(start)
	p.updateAvgProcessTime(elapsed.Milliseconds())
	kind := string(msg.Kind())

	switch {
	case err == nil:
		atomic.AddInt64(&p.stats.JobsSucceeded, 1)
		p.metrics.Finished(kind, metrics.OutcomeSucceeded, elapsed.Seconds())
		p.complete(msg)
		return nil

	case IsSwallowed(err):
		atomic.AddInt64(&p.stats.JobsSwallowed, 1)
		p.metrics.Finished(kind, metrics.OutcomeSwallowed, elapsed.Seconds())
		p.fail(msg, err)
		return nil

	case ctx.Err() != nil:
		// Shutting down; the entry stays pending and is reclaimed later.
		p.log.Warn().Err(err).Str("job_id", msg.JobID()).Msg("job interrupted by shutdown")
		return err

	case Retryable(err) && msg.Attempts() < p.config.MaxAttempts:
		backoff := p.backoff(msg.Retries, out.RetryAfter(err))
		msg.Retries++
		atomic.AddInt64(&p.stats.JobsRetried, 1)
		p.metrics.Finished(kind, metrics.OutcomeRetried, elapsed.Seconds())

		p.log.Warn().
			Err(err).
			Str("job_id", msg.JobID()).
			Str("kind", kind).
			Int("attempt", msg.Retries).
			Dur("backoff", backoff).
			Msg("job failed, retrying")

		time.AfterFunc(backoff, func() {
			if !p.Submit(msg) {
				p.log.Warn().Str("job_id", msg.JobID()).Msg("pool stopped before retry, leaving job pending")
			}
		})
		return err

	default:
		atomic.AddInt64(&p.stats.JobsFailed, 1)
		p.metrics.Finished(kind, metrics.OutcomeFailed, elapsed.Seconds())
		p.log.Error().
			Err(err).
			Str("job_id", msg.JobID()).
			Str("kind", kind).
			Int("attempts", msg.Attempts()).
			Msg("job permanently failed")
		p.fail(msg, err)
		return err
	}
}

// backoff is base * 2^retries plus jitter, never shorter than the provider's retry-after.
func (p *Pool) backoff(retries int, retryAfter time.Duration) time.Duration {
	d := p.config.RetryBaseDelay << retries
	if p.config.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.config.MaxJitter)))
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func (p *Pool) complete(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.acker.Complete(ctx, msg.Delivery); err != nil {
		p.log.Error().Err(err).Str("job_id", msg.JobID()).Msg("failed to acknowledge job")
	}
}

func (p *Pool) fail(msg *Message, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.acker.Fail(ctx, msg.Delivery, cause, msg.Attempts()); err != nil {
		p.log.Error().Err(err).Str("job_id", msg.JobID()).Msg("failed to move job to failed set")
	}
}

// updateAvgProcessTime updates the average processing time.
func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.stats.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.stats.AvgProcessTime, elapsed)
	} else {
		atomic.StoreInt64(&p.stats.AvgProcessTime, (current*9+elapsed)/10)
	}
}

// statsReporter periodically logs counters.
func (p *Pool) statsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			p.log.Info().
				Int64("succeeded", s.JobsSucceeded).
				Int64("failed", s.JobsFailed).
				Int64("swallowed", s.JobsSwallowed).
				Int64("retried", s.JobsRetried).
				Int64("avg_process_ms", s.AvgProcessTime).
				Int32("in_flight", s.InFlight).
				Msg("worker pool stats")
		}
	}
}

// Stats returns current pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		JobsSucceeded:  atomic.LoadInt64(&p.stats.JobsSucceeded),
		JobsFailed:     atomic.LoadInt64(&p.stats.JobsFailed),
		JobsSwallowed:  atomic.LoadInt64(&p.stats.JobsSwallowed),
		JobsRetried:    atomic.LoadInt64(&p.stats.JobsRetried),
		AvgProcessTime: atomic.LoadInt64(&p.stats.AvgProcessTime),
		InFlight:       atomic.LoadInt32(&p.stats.InFlight),
	}
}
