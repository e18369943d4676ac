package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// Queue records enqueued jobs and settled deliveries.
type Queue struct {
	mu        sync.Mutex
	jobs      []*domain.Job
	completed []out.Delivery
	failed    []out.FailedJob
	calls     int

	// Err is returned by every Enqueue while set.
	Err error
	// FailOnCall makes the n-th Enqueue call (1-based) fail with ErrEnqueue.
	FailOnCall int
}

// ErrEnqueue is the injected failure of FailOnCall.
var ErrEnqueue = errors.New("enqueue failed")

var (
	_ out.JobQueue        = (*Queue)(nil)
	_ out.JobAcknowledger = (*Queue)(nil)
	_ out.FailedJobReader = (*Queue)(nil)
)

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(ctx context.Context, jobs ...*domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.calls++
	if q.Err != nil {
		return q.Err
	}
	if q.FailOnCall > 0 && q.calls == q.FailOnCall {
		return ErrEnqueue
	}
	q.jobs = append(q.jobs, jobs...)
	return nil
}

func (q *Queue) Complete(ctx context.Context, d out.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.completed = append(q.completed, d)
	return nil
}

func (q *Queue) Fail(ctx context.Context, d out.Delivery, cause error, attempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	fj := out.FailedJob{
		StreamID: d.EntryID,
		Kind:     string(d.Job.Kind()),
		Job:      d.Job,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		fj.Error = cause.Error()
	}
	q.failed = append(q.failed, fj)
	return nil
}

func (q *Queue) ListFailed(ctx context.Context, kind domain.JobKind, limit int64) ([]out.FailedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []out.FailedJob
	for i := len(q.failed) - 1; i >= 0; i-- {
		if kind != "" && q.failed[i].Kind != string(kind) {
			continue
		}
		result = append(result, q.failed[i])
		if limit > 0 && int64(len(result)) >= limit {
			break
		}
	}
	return result, nil
}

// Jobs returns the enqueued jobs in order.
func (q *Queue) Jobs() []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.Job(nil), q.jobs...)
}

// JobsOf returns the enqueued jobs of one kind.
func (q *Queue) JobsOf(kind domain.JobKind) []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []*domain.Job
	for _, j := range q.jobs {
		if j.Kind() == kind {
			result = append(result, j)
		}
	}
	return result
}

// Completed returns the deliveries settled with Complete.
func (q *Queue) Completed() []out.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]out.Delivery(nil), q.completed...)
}

// Reset drops recorded jobs and settlements.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs, q.completed, q.failed, q.calls = nil, nil, nil, 0
}

// BlobStore keeps attachment bytes in a map.
type BlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// Err is returned by every Put while set.
	Err error
}

var _ out.BlobStore = (*BlobStore)(nil)

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

func (b *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Err != nil {
		return b.Err
	}
	b.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored blobs.
func (b *BlobStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}
