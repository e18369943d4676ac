// Package messaging provides message queue adapters.
package messaging

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	streamPrefix    = "mailsync:jobs:"
	completedPrefix = "mailsync:done:"
	dlqPrefix       = "dlq:"
)

// StreamFor returns the work stream of a job kind.
func StreamFor(kind domain.JobKind) string { return streamPrefix + string(kind) }

// CompletedStreamFor returns the completed-set stream of a job kind.
func CompletedStreamFor(kind domain.JobKind) string { return completedPrefix + string(kind) }

// FailedStreamFor returns the failed-set stream of a job kind.
func FailedStreamFor(kind domain.JobKind) string { return dlqPrefix + StreamFor(kind) }

// JobStreams lists the work stream of every job kind.
func JobStreams() []string {
	streams := make([]string, 0, len(domain.JobKinds))
	for _, k := range domain.JobKinds {
		streams = append(streams, StreamFor(k))
	}
	return streams
}

func kindOfStream(stream string) domain.JobKind {
	if len(stream) > len(streamPrefix) && stream[:len(streamPrefix)] == streamPrefix {
		return domain.JobKind(stream[len(streamPrefix):])
	}
	return ""
}

// Retention bounds for the completed and failed sets.
type Retention struct {
	CompletedMaxLen int64
	CompletedMaxAge time.Duration
	FailedMaxLen    int64
	FailedMaxAge    time.Duration
}

func DefaultRetention() Retention {
	return Retention{
		CompletedMaxLen: 100,
		CompletedMaxAge: 24 * time.Hour,
		FailedMaxLen:    500,
		FailedMaxAge:    7 * 24 * time.Hour,
	}
}

// RedisQueue implements out.JobQueue, out.JobAcknowledger and out.FailedJobReader on Redis Streams.
type RedisQueue struct {
	client    *redis.Client
	group     string
	retention Retention
}

var (
	_ out.JobQueue        = (*RedisQueue)(nil)
	_ out.JobAcknowledger = (*RedisQueue)(nil)
	_ out.FailedJobReader = (*RedisQueue)(nil)
)

// NewRedisQueue creates a new RedisQueue. group is the consumer group acknowledged against.
func NewRedisQueue(client *redis.Client, group string, retention Retention) *RedisQueue {
	return &RedisQueue{client: client, group: group, retention: retention}
}

// Enqueue writes all jobs in one MULTI/EXEC so a page is either fully queued or not at all.
func (q *RedisQueue) Enqueue(ctx context.Context, jobs ...*domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	payloads := make([]string, len(jobs))
	for i, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		payloads[i] = string(data)
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, job := range jobs {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: StreamFor(job.Kind()),
				ID:     "*",
				Values: map[string]interface{}{
					"data": payloads[i],
				},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %d jobs: %w", len(jobs), err)
	}
	return nil
}

// Complete acknowledges the entry and records it in the capped completed set.
func (q *RedisQueue) Complete(ctx context.Context, d out.Delivery) error {
	kind := d.Job.Kind()
	data, _ := json.Marshal(d.Job)

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, d.Stream, q.group, d.EntryID)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: CompletedStreamFor(kind),
			MaxLen: q.retention.CompletedMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"data":         string(data),
				"original_id":  d.EntryID,
				"completed_at": time.Now().UTC().Format(time.RFC3339),
			},
		})
		pipe.XTrimMinIDApprox(ctx, CompletedStreamFor(kind), minIDBefore(q.retention.CompletedMaxAge), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete %s: %w", d.EntryID, err)
	}
	return nil
}

// Fail moves the entry to the failed set and acknowledges it.
func (q *RedisQueue) Fail(ctx context.Context, d out.Delivery, cause error, attempts int) error {
	kind := d.Job.Kind()
	if kind == "" {
		kind = kindOfStream(d.Stream)
	}

	raw := ""
	if d.Job != nil && d.Job.Payload != nil {
		data, _ := json.Marshal(d.Job)
		raw = string(data)
	} else {
		raw = q.readRaw(ctx, d.Stream, d.EntryID)
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: FailedStreamFor(kind),
			MaxLen: q.retention.FailedMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"data":            raw,
				"kind":            string(kind),
				"error":           msg,
				"attempts":        attempts,
				"original_stream": d.Stream,
				"original_id":     d.EntryID,
				"failed_at":       time.Now().UTC().Format(time.RFC3339),
			},
		})
		pipe.XTrimMinIDApprox(ctx, FailedStreamFor(kind), minIDBefore(q.retention.FailedMaxAge), 0)
		pipe.XAck(ctx, d.Stream, q.group, d.EntryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to move %s to failed set: %w", d.EntryID, err)
	}
	return nil
}

func (q *RedisQueue) readRaw(ctx context.Context, stream, id string) string {
	msgs, err := q.client.XRange(ctx, stream, id, id).Result()
	if err != nil || len(msgs) == 0 {
		return ""
	}
	if s, ok := msgs[0].Values["data"].(string); ok {
		return s
	}
	return ""
}

// ListFailed returns failed-set entries newest first. An empty kind lists every kind.
func (q *RedisQueue) ListFailed(ctx context.Context, kind domain.JobKind, limit int64) ([]out.FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	kinds := domain.JobKinds
	if kind != "" {
		kinds = []domain.JobKind{kind}
	}

	var result []out.FailedJob
	for _, k := range kinds {
		msgs, err := q.client.XRevRangeN(ctx, FailedStreamFor(k), "+", "-", limit).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read failed set of %s: %w", k, err)
		}
		for _, m := range msgs {
			result = append(result, decodeFailed(k, m))
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].FailedAt.After(result[j].FailedAt) })
	if int64(len(result)) > limit {
		result = result[:limit]
	}
	return result, nil
}

func decodeFailed(kind domain.JobKind, m redis.XMessage) out.FailedJob {
	fj := out.FailedJob{StreamID: m.ID, Kind: string(kind)}
	if s, ok := m.Values["error"].(string); ok {
		fj.Error = s
	}
	if s, ok := m.Values["attempts"].(string); ok {
		fj.Attempts, _ = strconv.Atoi(s)
	}
	if s, ok := m.Values["failed_at"].(string); ok {
		fj.FailedAt, _ = time.Parse(time.RFC3339, s)
	}
	if s, ok := m.Values["data"].(string); ok && s != "" {
		var job domain.Job
		if err := json.Unmarshal([]byte(s), &job); err == nil {
			fj.Job = &job
		} else {
			fj.Raw = s
		}
	}
	return fj
}

// minIDBefore converts an age into a stream id lower bound.
func minIDBefore(age time.Duration) string {
	return fmt.Sprintf("%d-0", time.Now().Add(-age).UnixMilli())
}
