package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"arbiter/internal/database"
	"arbiter/internal/models"
	"arbiter/internal/moderation"
	"arbiter/internal/notify"
)

// RegisterHandlers installs the built-in handlers on w.
func RegisterHandlers(w *Worker, store database.Store, notifier notify.Notifier, audit *moderation.Recorder) {
	w.Handle(KindOpenTopic, OpenTopicHandler(store, audit))
	w.Handle(KindPostHidden, PostHiddenHandler(store, notifier))
	w.Handle(KindPostHiddenAgain, PostHiddenHandler(store, notifier))
}

// OpenTopicHandler reopens an auto-closed topic once its auto_open_at passes.
// Topics reopened by hand or rescheduled later are left alone.
func OpenTopicHandler(store database.Store, audit *moderation.Recorder) Handler {
	return func(ctx context.Context, job Job) error {
		reopened, err := store.ReopenTopicIfDue(ctx, job.TopicID, time.Now())
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !reopened {
			log.Debug().Int64("topic_id", job.TopicID).Msg("jobs: topic not due for reopening")
			return nil
		}

		audit.Record(ctx, moderation.AuditEntry{
			Action:     moderation.AuditActionOpenTopic,
			ActorID:    models.SystemUserID,
			TargetType: moderation.TargetTopic,
			TargetID:   job.TopicID,
			Reason:     "auto_open",
			AutoMod:    true,
		})
		log.Info().Int64("topic_id", job.TopicID).Msg("jobs: reopened auto-closed topic")
		return nil
	}
}

// PostHiddenHandler sends the author a system message about a hidden post,
// unless the post has since been unhidden or deleted.
func PostHiddenHandler(store database.Store, notifier notify.Notifier) Handler {
	return func(ctx context.Context, job Job) error {
		post, err := store.GetPost(ctx, job.PostID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !post.Hidden || post.DeletedAt != nil {
			return nil
		}

		err = notifier.Publish(ctx, notify.Event{
			Type:     notify.EventSystemMessage,
			Template: string(job.Kind),
			PostID:   post.ID,
			TopicID:  post.TopicID,
			UserID:   post.UserID,
			ActorID:  models.SystemUserID,
		})
		if err != nil {
			return fmt.Errorf("notify author: %w", err)
		}
		return nil
	}
}
