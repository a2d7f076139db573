package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memQueue is an in-memory Queue for worker tests.
type memQueue struct {
	mu   sync.Mutex
	jobs map[string]Job
	seq  int
}

func newMemQueue() *memQueue { return &memQueue{jobs: make(map[string]Job)} }

func (q *memQueue) Enqueue(_ context.Context, job Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.ID == "" {
		q.seq++
		job.ID = string(rune('a' + q.seq))
	}
	q.jobs[job.ID] = job
	return job.ID, nil
}

func (q *memQueue) Dequeue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Job
	for _, j := range q.jobs {
		if !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for _, j := range due {
		delete(q.jobs, j.ID)
	}
	return due, nil
}

func (q *memQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(q.jobs, id)
	return nil
}

func (q *memQueue) Pending(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

func (q *memQueue) get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return j, ok
}

func TestWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	w := NewWorker(q, WorkerOptions{})

	var ran []int64
	w.Handle(KindOpenTopic, func(_ context.Context, job Job) error {
		ran = append(ran, job.TopicID)
		return nil
	})

	now := time.Now()
	_, _ = q.Enqueue(ctx, Job{Kind: KindOpenTopic, TopicID: 1, RunAt: now.Add(-time.Minute)})
	_, _ = q.Enqueue(ctx, Job{Kind: KindOpenTopic, TopicID: 2, RunAt: now.Add(-time.Second)})
	_, _ = q.Enqueue(ctx, Job{Kind: KindOpenTopic, TopicID: 3, RunAt: now.Add(time.Hour)})

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, ran)

	pending, _ := q.Pending(ctx)
	assert.Equal(t, 1, pending)
}

func TestWorker_Retry(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	w := NewWorker(q, WorkerOptions{MaxAttempts: 2, RetryBase: time.Minute})

	base := time.Now()
	w.now = func() time.Time { return base }

	w.Handle(KindPostHidden, func(context.Context, Job) error {
		return errors.New("smtp down")
	})

	id, _ := q.Enqueue(ctx, Job{Kind: KindPostHidden, PostID: 5, RunAt: base})

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	retried, ok := q.get(id)
	require.True(t, ok, "failed job is rescheduled")
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "smtp down", retried.LastError)
	assert.Equal(t, base.Add(time.Minute), retried.RunAt)

	w.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	_, ok = q.get(id)
	assert.False(t, ok, "job is dropped after max attempts")
}

func TestWorker_UnknownKind(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	w := NewWorker(q, WorkerOptions{})

	_, _ = q.Enqueue(ctx, Job{Kind: "mystery", RunAt: time.Now().Add(-time.Second)})
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, _ := q.Pending(ctx)
	assert.Zero(t, pending)
}

func TestWorker_RetryDelay(t *testing.T) {
	w := NewWorker(newMemQueue(), WorkerOptions{RetryBase: time.Second, RetryMax: 5 * time.Second})
	assert.Equal(t, time.Second, w.retryDelay(1))
	assert.Equal(t, 2*time.Second, w.retryDelay(2))
	assert.Equal(t, 4*time.Second, w.retryDelay(3))
	assert.Equal(t, 5*time.Second, w.retryDelay(4))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	w := NewWorker(newMemQueue(), WorkerOptions{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
