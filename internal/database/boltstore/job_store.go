package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"arbiter/internal/jobs"
)

// JobStore implements jobs.Queue on two buckets: the due-ordered job list
// and an id index for cancellation.
type JobStore struct {
	db *bolt.DB
}

var _ jobs.Queue = (*JobStore)(nil)

func jobKey(runAt time.Time, id string) []byte {
	key := make([]byte, 8, 8+1+len(id))
	binary.BigEndian.PutUint64(key, uint64(runAt.UnixNano()))
	key = append(key, '|')
	return append(key, id...)
}

// Enqueue stores a job for execution at job.RunAt.
func (s *JobStore) Enqueue(ctx context.Context, job jobs.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.RunAt.IsZero() {
		job.RunAt = job.CreatedAt
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketJobs)
		index := tx.Bucket(BucketJobIndex)
		if bucket == nil || index == nil {
			return fmt.Errorf("bucket not found: %s", BucketJobs)
		}

		// Re-enqueueing an id replaces its previous schedule.
		if old := index.Get([]byte(job.ID)); old != nil {
			if err := bucket.Delete(old); err != nil {
				return err
			}
		}

		key := jobKey(job.RunAt, job.ID)
		if err := bucket.Put(key, data); err != nil {
			return err
		}
		return index.Put([]byte(job.ID), key)
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Dequeue removes and returns due jobs in RunAt order.
func (s *JobStore) Dequeue(ctx context.Context, now time.Time, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var due []jobs.Job
	upper := jobKey(now, "")

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketJobs)
		index := tx.Bucket(BucketJobIndex)
		if bucket == nil || index == nil {
			return nil
		}

		var keys [][]byte
		c := bucket.Cursor()
		for k, v := c.First(); k != nil && len(due) < limit; k, v = c.Next() {
			if bytes.Compare(k[:8], upper[:8]) > 0 {
				break
			}
			var job jobs.Job
			if err := json.Unmarshal(v, &job); err == nil {
				due = append(due, job)
			}
			// Malformed entries are dropped along with the good ones.
			keys = append(keys, bytes.Clone(k))
		}

		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			if err := index.Delete(k[9:]); err != nil {
				return err
			}
		}
		return nil
	})
	return due, err
}

// Cancel removes a scheduled job.
func (s *JobStore) Cancel(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketJobs)
		index := tx.Bucket(BucketJobIndex)
		if bucket == nil || index == nil {
			return jobs.ErrJobNotFound
		}

		key := index.Get([]byte(id))
		if key == nil {
			return jobs.ErrJobNotFound
		}
		if err := bucket.Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
}

// Pending counts scheduled jobs.
func (s *JobStore) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketJobs)
		if bucket == nil {
			return nil
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}
