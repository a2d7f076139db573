// Package jobs runs deferred moderation work: reopening auto-closed topics
// and telling authors their post was hidden.
package jobs

import (
	"context"
	"errors"
	"time"
)

// Kind names a job handler.
type Kind string

const (
	KindOpenTopic       Kind = "open_topic"
	KindPostHidden      Kind = "post_hidden"
	KindPostHiddenAgain Kind = "post_hidden_again"
)

// Job is one unit of deferred work. Only the ids relevant to Kind are set.
type Job struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	RunAt     time.Time `json:"run_at"`
	TopicID   int64     `json:"topic_id,omitempty"`
	PostID    int64     `json:"post_id,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrJobNotFound is returned by Queue.Cancel for unknown ids.
var ErrJobNotFound = errors.New("jobs: job not found")

// Queue persists jobs ordered by RunAt. Implementations must be safe for
// concurrent use.
type Queue interface {
	// Enqueue stores job, assigning ID and CreatedAt when empty.
	Enqueue(ctx context.Context, job Job) (string, error)

	// Dequeue atomically removes and returns up to limit jobs due at now,
	// oldest first.
	Dequeue(ctx context.Context, now time.Time, limit int) ([]Job, error)

	Cancel(ctx context.Context, id string) error
	Pending(ctx context.Context) (int, error)
}

// Scheduler is the narrow view used by code that only schedules work.
type Scheduler interface {
	Enqueue(ctx context.Context, job Job) (string, error)
}
