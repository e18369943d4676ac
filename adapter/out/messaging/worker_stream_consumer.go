package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// JobHandler receives decoded deliveries. The consumer does not acknowledge
// them; the handler settles each one through an out.JobAcknowledger.
type JobHandler interface {
	Handle(ctx context.Context, d out.Delivery) error
}

type ConsumerConfig struct {
	Group     string
	Consumer  string
	Streams   []string // every job stream when empty
	Handler   JobHandler
	Logger    zerolog.Logger
	BatchSize int
	Block     time.Duration

	// Entries idle longer than PendingIdleTime are reclaimed every
	// PendingCheckInterval. Once delivered MaxDeliveries times they are parked.
	// Entries still being worked on here are re-claimed every
	// HeartbeatInterval so they never go idle.
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	HeartbeatInterval    time.Duration
	MaxDeliveries        int
}

func (cfg ConsumerConfig) withDefaults() ConsumerConfig {
	if cfg.PendingCheckInterval <= 0 {
		cfg.PendingCheckInterval = time.Minute
	}
	if cfg.PendingIdleTime <= 0 {
		cfg.PendingIdleTime = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 || 2*cfg.HeartbeatInterval >= cfg.PendingIdleTime {
		cfg.HeartbeatInterval = cfg.PendingIdleTime / 4
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = JobStreams()
	}
	return cfg
}

// Consumer reads job streams as one member of a consumer group.
type Consumer struct {
	client   *redis.Client
	queue    *RedisQueue
	cfg      ConsumerConfig
	inflight *inflight
	log      zerolog.Logger
}

// NewConsumer creates a Consumer. Undecodable entries and entries over the
// delivery cap are parked through queue.
func NewConsumer(client *redis.Client, queue *RedisQueue, cfg *ConsumerConfig) *Consumer {
	c := cfg.withDefaults()
	return &Consumer{
		client:   client,
		queue:    queue,
		cfg:      c,
		inflight: newInflight(),
		log:      c.Logger.With().Str("component", "stream_consumer").Str("consumer", c.Consumer).Logger(),
	}
}

// Run reads new entries until ctx is cancelled. Background loops keep the
// entries handed out here claimed and reclaim those abandoned by dead consumers.
func (c *Consumer) Run(ctx context.Context) error {
	for _, stream := range c.cfg.Streams {
		if err := c.ensureGroup(ctx, stream); err != nil {
			c.log.Warn().Err(err).Str("stream", stream).Msg("create consumer group")
		}
	}
	c.log.Info().Str("group", c.cfg.Group).Strs("streams", c.cfg.Streams).Msg("consuming")

	go c.heartbeatLoop(ctx)
	go c.reclaimLoop(ctx)

	for ctx.Err() == nil {
		streams, err := c.read(ctx)
		switch {
		case errors.Is(err, redis.Nil) || ctx.Err() != nil:
			continue
		case err != nil:
			c.log.Error().Err(err).Msg("read streams")
			sleep(ctx, time.Second)
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				c.dispatch(ctx, s.Stream, msg, 1)
			}
		}
	}
	return ctx.Err()
}

func (c *Consumer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

// heartbeat re-claims every entry this consumer still holds, which resets its
// idle time without counting a delivery. Entries the claim no longer returns
// were settled and are forgotten.
func (c *Consumer) heartbeat(ctx context.Context) {
	for stream, ids := range c.inflight.snapshot() {
		held, err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  0,
			Messages: ids,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error().Err(err).Str("stream", stream).Int("entries", len(ids)).Msg("heartbeat claim")
			}
			continue
		}
		c.inflight.settle(stream, ids, held)
	}
}

func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range c.cfg.Streams {
				if err := c.reclaim(ctx, stream); err != nil && ctx.Err() == nil {
					c.log.Error().Err(err).Str("stream", stream).Msg("reclaim pending")
				}
			}
		}
	}
}

// reclaim parks idle entries that reached the delivery cap and claims the
// rest in one XCLAIM.
func (c *Consumer) reclaim(ctx context.Context, stream string) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.PendingIdleTime,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("xpending: %w", err)
	}

	deliveries := make(map[string]int64, len(pending))
	var claim []string
	for _, p := range pending {
		if int(p.RetryCount) >= c.cfg.MaxDeliveries {
			c.park(ctx, stream, p)
			continue
		}
		deliveries[p.ID] = p.RetryCount
		claim = append(claim, p.ID)
	}
	if len(claim) == 0 {
		return nil
	}

	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.PendingIdleTime,
		Messages: claim,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim %d entries: %w", len(claim), err)
	}
	if len(msgs) > 0 {
		c.log.Info().Str("stream", stream).Int("claimed", len(msgs)).Msg("reclaimed idle entries")
	}
	for _, msg := range msgs {
		c.dispatch(ctx, stream, msg, deliveries[msg.ID]+1)
	}
	return nil
}

func (c *Consumer) park(ctx context.Context, stream string, p redis.XPendingExt) {
	d := out.Delivery{Stream: stream, EntryID: p.ID, Deliveries: p.RetryCount, Job: c.lookup(ctx, stream, p.ID)}
	cause := fmt.Errorf("abandoned after %d deliveries", p.RetryCount)
	if err := c.queue.Fail(ctx, d, cause, int(p.RetryCount)); err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", p.ID).Msg("park entry")
		return
	}
	c.log.Warn().
		Str("stream", stream).
		Str("id", p.ID).
		Str("last_consumer", p.Consumer).
		Int64("deliveries", p.RetryCount).
		Msg("delivery cap reached, parked")
}

// dispatch hands one entry to the handler. Entries that cannot be decoded
// are parked right away.
func (c *Consumer) dispatch(ctx context.Context, stream string, msg redis.XMessage, deliveries int64) {
	d := out.Delivery{Stream: stream, EntryID: msg.ID, Deliveries: deliveries}

	job, err := decodeJob(msg)
	if err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("undecodable entry, parked")
		if ferr := c.queue.Fail(ctx, d, err, int(deliveries)); ferr != nil {
			c.log.Error().Err(ferr).Str("id", msg.ID).Msg("park entry")
		}
		return
	}
	job.Attempt = int(deliveries)
	d.Job = job

	// A refused delivery stays pending until the reclaim loop picks it up.
	c.inflight.add(stream, msg.ID)
	if err := c.cfg.Handler.Handle(ctx, d); err != nil {
		c.inflight.remove(stream, msg.ID)
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("handler refused delivery")
	}
}

// lookup re-reads an entry for the failed record. nil when it was trimmed.
func (c *Consumer) lookup(ctx context.Context, stream, id string) *domain.Job {
	msgs, err := c.client.XRange(ctx, stream, id, id).Result()
	if err != nil || len(msgs) == 0 {
		return nil
	}
	job, err := decodeJob(msgs[0])
	if err != nil {
		return nil
	}
	return job
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// read issues one XREADGROUP across all streams.
func (c *Consumer) read(ctx context.Context) ([]redis.XStream, error) {
	n := len(c.cfg.Streams)
	args := make([]string, 2*n)
	copy(args, c.cfg.Streams)
	for i := n; i < 2*n; i++ {
		args[i] = ">"
	}
	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    int64(c.cfg.BatchSize),
		Block:    c.cfg.Block,
	}).Result()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var errMissingData = errors.New("stream entry has no data field")

func decodeJob(msg redis.XMessage) (*domain.Job, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, errMissingData
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
