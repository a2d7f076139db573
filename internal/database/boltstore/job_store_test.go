package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/jobs"
)

func setupTestJobStore(t *testing.T) *JobStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := Open(Options{Path: dbPath})
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store.JobStore()
}

func TestJobStore_EnqueueDequeue(t *testing.T) {
	ctx := context.Background()
	store := setupTestJobStore(t)
	now := time.Now()

	_, err := store.Enqueue(ctx, jobs.Job{Kind: jobs.KindOpenTopic, TopicID: 2, RunAt: now.Add(-time.Second)})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, jobs.Job{Kind: jobs.KindPostHidden, PostID: 1, RunAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	futureID, err := store.Enqueue(ctx, jobs.Job{Kind: jobs.KindOpenTopic, TopicID: 3, RunAt: now.Add(time.Hour)})
	require.NoError(t, err)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	due, err := store.Dequeue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, jobs.KindPostHidden, due[0].Kind, "oldest first")
	assert.Equal(t, int64(2), due[1].TopicID)
	assert.NotEmpty(t, due[0].ID)

	t.Run("dequeue removes", func(t *testing.T) {
		again, err := store.Dequeue(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		pending, err := store.Pending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, pending)
	})

	t.Run("future job comes due", func(t *testing.T) {
		later, err := store.Dequeue(ctx, now.Add(2*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, later, 1)
		assert.Equal(t, futureID, later[0].ID)
	})
}

func TestJobStore_Limit(t *testing.T) {
	ctx := context.Background()
	store := setupTestJobStore(t)
	past := time.Now().Add(-time.Hour)

	for i := range 5 {
		_, err := store.Enqueue(ctx, jobs.Job{Kind: jobs.KindPostHidden, PostID: int64(i), RunAt: past.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	first, err := store.Dequeue(ctx, time.Now(), 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(0), first[0].PostID)
	assert.Equal(t, int64(1), first[1].PostID)

	rest, err := store.Dequeue(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestJobStore_Reschedule(t *testing.T) {
	ctx := context.Background()
	store := setupTestJobStore(t)
	now := time.Now()

	id, err := store.Enqueue(ctx, jobs.Job{Kind: jobs.KindOpenTopic, TopicID: 1, RunAt: now.Add(-time.Minute)})
	require.NoError(t, err)

	_, err = store.Enqueue(ctx, jobs.Job{ID: id, Kind: jobs.KindOpenTopic, TopicID: 1, RunAt: now.Add(time.Hour)})
	require.NoError(t, err)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	due, err := store.Dequeue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestJobStore_Cancel(t *testing.T) {
	ctx := context.Background()
	store := setupTestJobStore(t)

	id, err := store.Enqueue(ctx, jobs.Job{Kind: jobs.KindOpenTopic, TopicID: 1, RunAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, id))
	assert.ErrorIs(t, store.Cancel(ctx, id), jobs.ErrJobNotFound)

	due, err := store.Dequeue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "jobs.db")

	store, err := Open(Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, path, store.Path())

	id, err := store.JobStore().Enqueue(ctx, jobs.Job{Kind: jobs.KindOpenTopic, TopicID: 9, RunAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(Options{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	due, err := reopened.JobStore().Dequeue(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)
	assert.Equal(t, int64(9), due[0].TopicID)
}
