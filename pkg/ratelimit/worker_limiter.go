// Package ratelimit coordinates provider backoff and duplicate-trigger suppression across workers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Cooldown - per-key provider backoff shared by every worker
// =============================================================================

// Cooldown records "do not call before" windows, e.g. after the provider answers 429.
// With a nil redis client it falls back to process-local state.
type Cooldown struct {
	redis  *redis.Client
	prefix string

	mu    sync.Mutex
	local map[string]time.Time
}

// NewCooldown creates a cooldown tracker.
func NewCooldown(redisClient *redis.Client) *Cooldown {
	return &Cooldown{
		redis:  redisClient,
		prefix: "cooldown:",
		local:  make(map[string]time.Time),
	}
}

// Block prevents calls for key during d. A longer existing block is kept.
func (c *Cooldown) Block(ctx context.Context, key string, d time.Duration) {
	if d <= 0 {
		return
	}
	if c.redis != nil {
		redisKey := c.prefix + key
		remaining, err := c.redis.PTTL(ctx, redisKey).Result()
		if err == nil && remaining >= d {
			return
		}
		if err := c.redis.Set(ctx, redisKey, "1", d).Err(); err == nil {
			return
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	until := time.Now().Add(d)
	if cur, ok := c.local[key]; !ok || cur.Before(until) {
		c.local[key] = until
	}
}

// Remaining returns how long callers for key must still wait. Zero means go ahead.
func (c *Cooldown) Remaining(ctx context.Context, key string) time.Duration {
	if c.redis != nil {
		remaining, err := c.redis.PTTL(ctx, c.prefix+key).Result()
		if err == nil {
			if remaining > 0 {
				return remaining
			}
			return 0
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.local[key]
	if !ok {
		return 0
	}
	if d := time.Until(until); d > 0 {
		return d
	}
	delete(c.local, key)
	return 0
}

// Wait blocks until the cooldown for key expires or ctx is done.
func (c *Cooldown) Wait(ctx context.Context, key string) error {
	d := c.Remaining(ctx, key)
	if d == 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Debouncer - suppress repeated triggers within a window
// =============================================================================

// Debouncer prevents duplicate requests within a time window.
type Debouncer struct {
	redis    *redis.Client
	duration time.Duration

	mu    sync.Mutex
	local map[string]time.Time
}

// NewDebouncer creates a new debouncer.
func NewDebouncer(redisClient *redis.Client, duration time.Duration) *Debouncer {
	return &Debouncer{
		redis:    redisClient,
		duration: duration,
		local:    make(map[string]time.Time),
	}
}

// First reports whether key is seen for the first time in the window and marks it.
// The check and the mark are one atomic SETNX when redis is available.
func (d *Debouncer) First(ctx context.Context, key string) bool {
	if d.redis != nil {
		ok, err := d.redis.SetNX(ctx, fmt.Sprintf("debounce:%s", key), "1", d.duration).Result()
		if err == nil {
			return ok
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, v := range d.local {
		if now.Sub(v) > d.duration {
			delete(d.local, k)
		}
	}
	if last, ok := d.local[key]; ok && now.Sub(last) < d.duration {
		return false
	}
	d.local[key] = now
	return true
}
